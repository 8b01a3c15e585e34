package fhir

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestNamespace(t *testing.T) {
	for _, base := range []string{"https://udap.example.org", "https://udap.example.org/", "https://udap.example.org#"} {
		ns := Namespace(base)
		if got := ns.System(IDClientID); got != "https://udap.example.org#client_id" {
			t.Errorf("%q: System = %s", base, got)
		}
		if got := ns.Extension("grant-session"); got != "https://udap.example.org/grant-session" {
			t.Errorf("%q: Extension = %s", base, got)
		}
	}

	ns := Namespace("https://udap.example.org")
	ids := []Identifier{
		ns.Identifier(IDRedirectURI, "https://app/a"),
		{System: "urn:other", Value: "x"},
		ns.Identifier(IDRedirectURI, "https://app/b"),
		ns.Identifier(IDSub, "https://app"),
	}
	if got := ns.Values(ids, IDRedirectURI); len(got) != 2 || got[0] != "https://app/a" || got[1] != "https://app/b" {
		t.Errorf("Values = %v", got)
	}
	if got := ns.Value(ids, IDSub); got != "https://app" {
		t.Errorf("Value(sub) = %q", got)
	}
	if got := ns.Value(ids, IDAccessToken); got != "" {
		t.Errorf("Value(access_token) = %q", got)
	}
	if tag := ns.Meta().Tag; len(tag) != 1 || tag[0].System != "https://udap.example.org" {
		t.Errorf("Meta tag = %v", tag)
	}

	for uri, want := range map[string]bool{
		"https://udap.example.org":               true,
		"https://udap.example.org#access_token":  true,
		"https://udap.example.org/grant-session": true,
		"https://udap.example.org.evil.com#sub":  false,
		"http://hl7.org/fhir/sid/us-npi":         false,
	} {
		if got := ns.Owns(uri); got != want {
			t.Errorf("Owns(%q) = %v, want %v", uri, got, want)
		}
	}
	if Namespace("").Owns("") {
		t.Error("an empty namespace owns nothing")
	}
}

func TestFindExtension(t *testing.T) {
	exts := []Extension{{URL: "a", ValueString: "1"}, {URL: "b", ValueCode: "2"}}
	if ext, ok := FindExtension(exts, "b"); !ok || ext.ValueCode != "2" {
		t.Errorf("FindExtension(b) = %v, %v", ext, ok)
	}
	if _, ok := FindExtension(exts, "c"); ok {
		t.Error("FindExtension(c) should miss")
	}
}

func TestIssueTypeForStatus(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{http.StatusBadRequest, IssueTypeInvalid},
		{http.StatusUnauthorized, IssueTypeSecurity},
		{http.StatusForbidden, IssueTypeSecurity},
		{http.StatusNotFound, IssueTypeNotFound},
		{http.StatusConflict, IssueTypeConflict},
		{http.StatusPreconditionFailed, IssueTypeConflict},
		{http.StatusMethodNotAllowed, IssueTypeNotSupported},
		{http.StatusInternalServerError, IssueTypeException},
		{http.StatusBadGateway, IssueTypeException},
		{http.StatusGatewayTimeout, IssueTypeTimeout},
		{http.StatusOK, IssueTypeProcessing},
	}
	for _, tt := range tests {
		if got := IssueTypeForStatus(tt.status); got != tt.want {
			t.Errorf("IssueTypeForStatus(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestNewSearchBundle(t *testing.T) {
	resources := []json.RawMessage{
		json.RawMessage(`{"resourceType":"Device","id":"1"}`),
		json.RawMessage(`{"resourceType":"Device","id":"2"}`),
	}
	b := NewSearchBundle(resources, []string{"http://x/Device/1"}, "http://x/Device?identifier=s|v")

	if b.ResourceType != "Bundle" || b.Type != "searchset" {
		t.Errorf("bundle = %s/%s", b.ResourceType, b.Type)
	}
	if b.Total == nil || *b.Total != 2 {
		t.Errorf("total = %v", b.Total)
	}
	if b.Entry[0].FullURL != "http://x/Device/1" || b.Entry[1].FullURL != "" {
		t.Errorf("full urls = %q, %q", b.Entry[0].FullURL, b.Entry[1].FullURL)
	}
	if len(b.Link) != 1 || b.Link[0].Relation != "self" {
		t.Errorf("links = %v", b.Link)
	}

	data, err := json.Marshal(b)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Bundle
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := decoded.Resources(); len(got) != 2 {
		t.Errorf("Resources = %d entries", len(got))
	}
}

func TestOperationOutcome(t *testing.T) {
	oo := NotFoundOutcome("Device", "42")
	if oo.ResourceType != "OperationOutcome" || len(oo.Issue) != 1 {
		t.Fatalf("outcome = %+v", oo)
	}
	if oo.Issue[0].Code != IssueTypeNotFound || oo.Issue[0].Diagnostics != "Device/42 not found" {
		t.Errorf("issue = %+v", oo.Issue[0])
	}
	if got := FormatReference("Organization", "7"); got != "Organization/7" {
		t.Errorf("FormatReference = %s", got)
	}
}
