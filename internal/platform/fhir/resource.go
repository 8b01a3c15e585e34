package fhir

import (
	"time"
)

// Resource is the base FHIR resource representation.
type Resource struct {
	ResourceType string `json:"resourceType"`
	ID           string `json:"id,omitempty"`
	Meta         *Meta  `json:"meta,omitempty"`
}

type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Tag         []Coding   `json:"tag,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string  `json:"use,omitempty"`
	System string  `json:"system,omitempty"`
	Value  string  `json:"value,omitempty"`
	Period *Period `json:"period,omitempty"`
}

type HumanName struct {
	Text string `json:"text,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Extension carries values FHIR has no element for. ValueString holds
// JSON documents when a typed payload is persisted through a FHIR server.
type Extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString,omitempty"`
	ValueCode   string `json:"valueCode,omitempty"`
}

// OrganizationContact is the contact block of an Organization.
type OrganizationContact struct {
	Name *HumanName `json:"name,omitempty"`
}

type Organization struct {
	ResourceType string                `json:"resourceType"`
	ID           string                `json:"id,omitempty"`
	Meta         *Meta                 `json:"meta,omitempty"`
	Identifier   []Identifier          `json:"identifier,omitempty"`
	Active       *bool                 `json:"active,omitempty"`
	Name         string                `json:"name,omitempty"`
	Contact      []OrganizationContact `json:"contact,omitempty"`
	Extension    []Extension           `json:"extension,omitempty"`
}

type DeviceName struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type Device struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Meta         *Meta        `json:"meta,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Status       string       `json:"status,omitempty"`
	DeviceName   []DeviceName `json:"deviceName,omitempty"`
	Owner        *Reference   `json:"owner,omitempty"`
	URL          string       `json:"url,omitempty"`
	Extension    []Extension  `json:"extension,omitempty"`
}

type ConsentProvision struct {
	Period *Period `json:"period,omitempty"`
}

type Consent struct {
	ResourceType string            `json:"resourceType"`
	ID           string            `json:"id,omitempty"`
	Meta         *Meta             `json:"meta,omitempty"`
	Identifier   []Identifier      `json:"identifier,omitempty"`
	Status       string            `json:"status"`
	Scope        *CodeableConcept  `json:"scope,omitempty"`
	Category     []CodeableConcept `json:"category,omitempty"`
	DateTime     *time.Time        `json:"dateTime,omitempty"`
	Provision    *ConsentProvision `json:"provision,omitempty"`
	Extension    []Extension       `json:"extension,omitempty"`
}

// FindExtension returns the first extension with the given URL.
func FindExtension(exts []Extension, url string) (Extension, bool) {
	for _, ext := range exts {
		if ext.URL == url {
			return ext, true
		}
	}
	return Extension{}, false
}

// IdentifierValues returns the values of all identifiers in the given system.
func IdentifierValues(ids []Identifier, system string) []string {
	var out []string
	for _, id := range ids {
		if id.System == system {
			out = append(out, id.Value)
		}
	}
	return out
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string           `json:"severity"`
	Code        string           `json:"code"`
	Details     *CodeableConcept `json:"details,omitempty"`
	Diagnostics string           `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, resourceType+"/"+id+" not found")
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
