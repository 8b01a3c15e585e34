package endorser

import (
	"strings"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhir"
)

const (
	VerificationUnverified = "unverified"
	VerificationVerified   = "verified"

	extVerificationStatus = "verification-status"
)

// Developer is an organization that builds client apps. It maps to a FHIR
// Organization.
type Developer struct {
	ID                 string `json:"id"`
	OrganizationName   string `json:"organizationName"`
	DeveloperName      string `json:"developerName"`
	VerificationStatus string `json:"verificationStatus"`
}

// App is a client application known to the endorser. It maps to a FHIR
// Device owned by the developer's Organization; sub, client name and
// redirect URIs are searchable identifiers.
type App struct {
	ID           string   `json:"id"`
	DeveloperID  string   `json:"developerId"`
	Sub          string   `json:"sub"`
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
}

// Certification is the certification metadata stamped into endorsements.
type Certification struct {
	Issuer         string
	Name           string
	Logo           string
	URIs           []string
	StatusEndpoint string
}

func (d *Developer) ToFHIR(ns fhir.Namespace) *fhir.Organization {
	org := &fhir.Organization{
		ResourceType: "Organization",
		ID:           d.ID,
		Meta:         ns.Meta(),
		Name:         d.OrganizationName,
		Extension: []fhir.Extension{{
			URL:       ns.Extension(extVerificationStatus),
			ValueCode: d.VerificationStatus,
		}},
	}
	if d.DeveloperName != "" {
		org.Contact = []fhir.OrganizationContact{{Name: &fhir.HumanName{Text: d.DeveloperName}}}
	}
	return org
}

func DeveloperFromFHIR(org *fhir.Organization, ns fhir.Namespace) *Developer {
	d := &Developer{
		ID:                 org.ID,
		OrganizationName:   org.Name,
		VerificationStatus: VerificationUnverified,
	}
	for _, c := range org.Contact {
		if c.Name != nil && c.Name.Text != "" {
			d.DeveloperName = c.Name.Text
			break
		}
	}
	if ext, ok := fhir.FindExtension(org.Extension, ns.Extension(extVerificationStatus)); ok && ext.ValueCode != "" {
		d.VerificationStatus = ext.ValueCode
	}
	return d
}

func (a *App) ToFHIR(ns fhir.Namespace) *fhir.Device {
	ids := []fhir.Identifier{
		ns.Identifier(fhir.IDSub, a.Sub),
		ns.Identifier(fhir.IDClientName, a.ClientName),
	}
	for _, r := range a.RedirectURIs {
		ids = append(ids, ns.Identifier(fhir.IDRedirectURI, r))
	}
	return &fhir.Device{
		ResourceType: "Device",
		ID:           a.ID,
		Meta:         ns.Meta(),
		Identifier:   ids,
		Status:       "active",
		DeviceName:   []fhir.DeviceName{{Name: a.ClientName, Type: "user-friendly-name"}},
		Owner:        &fhir.Reference{Reference: fhir.FormatReference("Organization", a.DeveloperID)},
		URL:          a.Sub,
	}
}

func AppFromFHIR(dev *fhir.Device, ns fhir.Namespace) *App {
	a := &App{
		ID:           dev.ID,
		Sub:          ns.Value(dev.Identifier, fhir.IDSub),
		ClientName:   ns.Value(dev.Identifier, fhir.IDClientName),
		RedirectURIs: ns.Values(dev.Identifier, fhir.IDRedirectURI),
	}
	if dev.Owner != nil && strings.HasPrefix(dev.Owner.Reference, "Organization/") {
		a.DeveloperID = strings.TrimPrefix(dev.Owner.Reference, "Organization/")
	}
	return a
}
