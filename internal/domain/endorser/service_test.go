package endorser

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/apperr"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhir"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhirstore"
)

const (
	testNS  = fhir.Namespace("https://udap-spike.example.org")
	testISS = "http://localhost:3000/endorser"
)

var (
	identityOnce sync.Once
	identity     *auth.Identity
	identityErr  error
)

func testSigner(t *testing.T) *auth.Signer {
	t.Helper()
	identityOnce.Do(func() {
		identity, identityErr = auth.GenerateIdentity("Test Endorser", testISS, time.Hour)
	})
	if identityErr != nil {
		t.Fatalf("generate identity: %v", identityErr)
	}
	s, err := auth.NewSigner(identity, testISS, 24*time.Hour)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

func testCertification() Certification {
	return Certification{
		Issuer:         "Wadup Demo Endorser",
		Name:           "Wadup Certified",
		Logo:           testISS + "/logo.png",
		URIs:           []string{testISS + "/policy.html"},
		StatusEndpoint: testISS + "/api/status.json",
	}
}

func newTestService(t *testing.T) (*Service, fhirstore.Store) {
	t.Helper()
	store := fhirstore.NewMemoryStore()
	svc := NewService(
		NewDeveloperRepoFHIR(store, testNS),
		NewAppRepoFHIR(store, testNS),
		testSigner(t),
		testCertification(),
		365*24*time.Hour,
		zerolog.Nop(),
	)
	return svc, store
}

func registerApp(t *testing.T, svc *Service) (*Developer, *App) {
	t.Helper()
	ctx := context.Background()
	d, err := svc.RegisterDeveloper(ctx, "Test App Developer Org", "Test App Developer Name")
	if err != nil {
		t.Fatalf("RegisterDeveloper: %v", err)
	}
	a, err := svc.RegisterApp(ctx, d.ID, AppRequest{
		Sub:          "http://x/app",
		ClientName:   "The best health app available",
		RedirectURIs: []string{"https://mysub.example.com/redirect", "https://mysub.example.com/redirect-2"},
	})
	if err != nil {
		t.Fatalf("RegisterApp: %v", err)
	}
	return d, a
}

// -- Failing store --

type failingStore struct{ fhirstore.Store }

func (failingStore) Create(context.Context, string, []byte) (*fhirstore.Record, error) {
	return nil, errors.New("connection refused")
}

// -- Developer --

func TestRegisterDeveloper_Success(t *testing.T) {
	svc, _ := newTestService(t)
	d, err := svc.RegisterDeveloper(context.Background(), "Acme Health", "Ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.ID == "" {
		t.Error("expected ID to be set")
	}
	if d.VerificationStatus != VerificationUnverified {
		t.Errorf("VerificationStatus = %q", d.VerificationStatus)
	}

	got, err := svc.GetDeveloper(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("GetDeveloper: %v", err)
	}
	if got.OrganizationName != "Acme Health" || got.DeveloperName != "Ada" {
		t.Errorf("got %+v", got)
	}
}

func TestRegisterDeveloper_RequiresOrganization(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RegisterDeveloper(context.Background(), "  ", "Ada")
	if apperr.KindOf(err) != apperr.KindProtocol {
		t.Errorf("expected KindProtocol, got %v", err)
	}
}

func TestRegisterDeveloper_StoreFailure(t *testing.T) {
	svc := NewService(
		NewDeveloperRepoFHIR(failingStore{fhirstore.NewMemoryStore()}, testNS),
		NewAppRepoFHIR(fhirstore.NewMemoryStore(), testNS),
		testSigner(t), testCertification(), time.Hour, zerolog.Nop(),
	)
	_, err := svc.RegisterDeveloper(context.Background(), "Acme", "Ada")
	if apperr.KindOf(err) != apperr.KindUpstream {
		t.Errorf("expected KindUpstream, got %v", err)
	}
}

func TestDeleteDeveloper(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	d, _ := svc.RegisterDeveloper(ctx, "Acme", "Ada")

	if err := svc.DeleteDeveloper(ctx, d.ID); err != nil {
		t.Fatalf("DeleteDeveloper: %v", err)
	}
	if _, err := svc.GetDeveloper(ctx, d.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected NotFound after delete, got %v", err)
	}
	if err := svc.DeleteDeveloper(ctx, d.ID); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected NotFound on second delete, got %v", err)
	}
}

// -- App --

func TestRegisterApp_Success(t *testing.T) {
	svc, store := newTestService(t)
	d, a := registerApp(t, svc)

	if a.ID == "" || a.DeveloperID != d.ID {
		t.Fatalf("unexpected app %+v", a)
	}

	recs, err := store.FindByIdentifier(context.Background(), "Device", testNS.System(fhir.IDRedirectURI), "https://mysub.example.com/redirect-2")
	if err != nil {
		t.Fatalf("FindByIdentifier: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != a.ID {
		t.Errorf("expected app to be searchable by redirect_uri, got %d records", len(recs))
	}
}

func TestRegisterApp_DeveloperMissing(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.RegisterApp(context.Background(), "missing", AppRequest{
		Sub: "http://x/app", ClientName: "x", RedirectURIs: []string{"http://x/cb"},
	})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}

func TestRegisterApp_Validation(t *testing.T) {
	svc, _ := newTestService(t)
	d, _ := svc.RegisterDeveloper(context.Background(), "Acme", "Ada")

	tests := []struct {
		name string
		req  AppRequest
	}{
		{"relative sub", AppRequest{Sub: "/app", ClientName: "x", RedirectURIs: []string{"http://x/cb"}}},
		{"no client name", AppRequest{Sub: "http://x/app", RedirectURIs: []string{"http://x/cb"}}},
		{"no redirect uris", AppRequest{Sub: "http://x/app", ClientName: "x"}},
		{"relative redirect", AppRequest{Sub: "http://x/app", ClientName: "x", RedirectURIs: []string{"cb"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RegisterApp(context.Background(), d.ID, tt.req)
			if apperr.KindOf(err) != apperr.KindProtocol {
				t.Errorf("expected KindProtocol, got %v", err)
			}
		})
	}
}

func TestGetApp_WrongDeveloper(t *testing.T) {
	svc, _ := newTestService(t)
	_, a := registerApp(t, svc)
	other, _ := svc.RegisterDeveloper(context.Background(), "Other", "Bob")

	_, err := svc.GetApp(context.Background(), other.ID, a.ID)
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("expected KindNotFound, got %v", err)
	}
}

// -- Endorsement --

func TestIssueEndorsement_Claims(t *testing.T) {
	svc, _ := newTestService(t)
	d, a := registerApp(t, svc)

	token, err := svc.IssueEndorsement(context.Background(), d.ID, a.ID)
	if err != nil {
		t.Fatalf("IssueEndorsement: %v", err)
	}

	keys := svc.JWKS()
	claims := jwt.MapClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return keys.Keys[0].Key, nil
	})
	if err != nil {
		t.Fatalf("verify endorsement: %v", err)
	}
	if parsed.Header["x5c"] == nil {
		t.Error("expected x5c header")
	}

	if claims["iss"] != testISS {
		t.Errorf("iss = %v", claims["iss"])
	}
	if claims["sub"] != "http://x/app" {
		t.Errorf("sub = %v", claims["sub"])
	}
	if claims["is_endorsement"] != true {
		t.Errorf("is_endorsement = %v", claims["is_endorsement"])
	}
	if claims["client_name"] != "The best health app available" {
		t.Errorf("client_name = %v", claims["client_name"])
	}
	if claims["developer_name"] != "Test App Developer Org" {
		t.Errorf("developer_name = %v", claims["developer_name"])
	}
	if uris, _ := claims["redirect_uris"].([]interface{}); len(uris) != 2 {
		t.Errorf("redirect_uris = %v", claims["redirect_uris"])
	}
	if uris, _ := claims["certification_uris"].([]interface{}); len(uris) != 1 || uris[0] != testISS+"/policy.html" {
		t.Errorf("certification_uris = %v", claims["certification_uris"])
	}
	if gt, _ := claims["grant_types"].([]interface{}); len(gt) != 1 || gt[0] != "authorization_code" {
		t.Errorf("grant_types = %v", claims["grant_types"])
	}

	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		t.Fatalf("exp: %v", err)
	}
	if d := time.Until(exp.Time); d < 364*24*time.Hour || d > 366*24*time.Hour {
		t.Errorf("expected one-year lifetime, got %s", d)
	}
}

func TestIssueEndorsement_UniqueJTI(t *testing.T) {
	svc, _ := newTestService(t)
	d, a := registerApp(t, svc)

	jti := func() string {
		tok, err := svc.IssueEndorsement(context.Background(), d.ID, a.ID)
		if err != nil {
			t.Fatalf("IssueEndorsement: %v", err)
		}
		claims := jwt.MapClaims{}
		if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
			t.Fatalf("parse: %v", err)
		}
		return claims["jti"].(string)
	}
	if jti() == jti() {
		t.Error("expected a fresh jti per endorsement")
	}
}

func TestIssueEndorsement_Missing(t *testing.T) {
	svc, _ := newTestService(t)
	d, _ := registerApp(t, svc)

	if _, err := svc.IssueEndorsement(context.Background(), "missing", "missing"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("missing developer: expected KindNotFound, got %v", err)
	}
	if _, err := svc.IssueEndorsement(context.Background(), d.ID, "missing"); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("missing app: expected KindNotFound, got %v", err)
	}
}
