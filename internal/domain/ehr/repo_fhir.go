package ehr

import (
	"context"
	"fmt"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhir"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhirstore"
)

type clientRepoFHIR struct {
	store fhirstore.Store
	ns    fhir.Namespace
}

func NewClientRepoFHIR(store fhirstore.Store, ns fhir.Namespace) ClientRepository {
	return &clientRepoFHIR{store: store, ns: ns}
}

func (r *clientRepoFHIR) Create(ctx context.Context, reg *ClientRegistration) error {
	dev, err := reg.ToFHIR(r.ns)
	if err != nil {
		return err
	}
	if err := fhirstore.Create(ctx, r.store, "Device", dev); err != nil {
		return fmt.Errorf("create client %s: %w", reg.ClientID, err)
	}
	return nil
}

func (r *clientRepoFHIR) GetByClientID(ctx context.Context, clientID string) (*ClientRegistration, error) {
	var dev fhir.Device
	if err := fhirstore.FindOne(ctx, r.store, "Device", r.ns.System(fhir.IDClientID), clientID, &dev); err != nil {
		return nil, fmt.Errorf("find client %s: %w", clientID, err)
	}
	return ClientRegistrationFromFHIR(&dev, r.ns)
}

type grantRepoFHIR struct {
	store fhirstore.Store
	ns    fhir.Namespace
}

func NewGrantRepoFHIR(store fhirstore.Store, ns fhir.Namespace) GrantRepository {
	return &grantRepoFHIR{store: store, ns: ns}
}

func (r *grantRepoFHIR) Create(ctx context.Context, g *Grant) error {
	c, err := g.ToFHIR(r.ns)
	if err != nil {
		return err
	}
	c.ID = ""
	if err := fhirstore.Create(ctx, r.store, "Consent", c); err != nil {
		return fmt.Errorf("create grant: %w", err)
	}
	g.ID = c.ID
	return nil
}

func (r *grantRepoFHIR) GetByCode(ctx context.Context, code string) (*Grant, error) {
	return r.find(ctx, fhir.IDAuthorizationCode, code)
}

func (r *grantRepoFHIR) GetByAccessToken(ctx context.Context, token string) (*Grant, error) {
	return r.find(ctx, fhir.IDAccessToken, token)
}

func (r *grantRepoFHIR) find(ctx context.Context, name, value string) (*Grant, error) {
	var c fhir.Consent
	if err := fhirstore.FindOne(ctx, r.store, "Consent", r.ns.System(name), value, &c); err != nil {
		return nil, fmt.Errorf("find grant by %s: %w", name, err)
	}
	return GrantFromFHIR(&c, r.ns)
}

func (r *grantRepoFHIR) Update(ctx context.Context, g *Grant) error {
	c, err := g.ToFHIR(r.ns)
	if err != nil {
		return err
	}
	if err := fhirstore.Update(ctx, r.store, "Consent", g.ID, c); err != nil {
		return fmt.Errorf("update grant %s: %w", g.ID, err)
	}
	return nil
}
