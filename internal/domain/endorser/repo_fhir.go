package endorser

import (
	"context"
	"fmt"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhir"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhirstore"
)

type developerRepoFHIR struct {
	store fhirstore.Store
	ns    fhir.Namespace
}

func NewDeveloperRepoFHIR(store fhirstore.Store, ns fhir.Namespace) DeveloperRepository {
	return &developerRepoFHIR{store: store, ns: ns}
}

func (r *developerRepoFHIR) Create(ctx context.Context, d *Developer) error {
	org := d.ToFHIR(r.ns)
	org.ID = ""
	if err := fhirstore.Create(ctx, r.store, "Organization", org); err != nil {
		return fmt.Errorf("create developer: %w", err)
	}
	*d = *DeveloperFromFHIR(org, r.ns)
	return nil
}

func (r *developerRepoFHIR) GetByID(ctx context.Context, id string) (*Developer, error) {
	var org fhir.Organization
	if err := fhirstore.Read(ctx, r.store, "Organization", id, &org); err != nil {
		return nil, fmt.Errorf("get developer %s: %w", id, err)
	}
	return DeveloperFromFHIR(&org, r.ns), nil
}

func (r *developerRepoFHIR) Delete(ctx context.Context, id string) error {
	if err := r.store.Delete(ctx, "Organization", id); err != nil {
		return fmt.Errorf("delete developer %s: %w", id, err)
	}
	return nil
}

type appRepoFHIR struct {
	store fhirstore.Store
	ns    fhir.Namespace
}

func NewAppRepoFHIR(store fhirstore.Store, ns fhir.Namespace) AppRepository {
	return &appRepoFHIR{store: store, ns: ns}
}

func (r *appRepoFHIR) Create(ctx context.Context, a *App) error {
	dev := a.ToFHIR(r.ns)
	dev.ID = ""
	if err := fhirstore.Create(ctx, r.store, "Device", dev); err != nil {
		return fmt.Errorf("create app: %w", err)
	}
	*a = *AppFromFHIR(dev, r.ns)
	return nil
}

func (r *appRepoFHIR) GetByID(ctx context.Context, id string) (*App, error) {
	var dev fhir.Device
	if err := fhirstore.Read(ctx, r.store, "Device", id, &dev); err != nil {
		return nil, fmt.Errorf("get app %s: %w", id, err)
	}
	return AppFromFHIR(&dev, r.ns), nil
}
