package fhirstore

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhir"
)

const testSystem = "https://udap-spike.example.org#sub"

// ---------------------------------------------------------------------------
// Shared test-suite that can run against ANY Store implementation
// ---------------------------------------------------------------------------

func runStoreTests(t *testing.T, name string, newStore func(t *testing.T) Store) {
	t.Run(name+"/CreateAssignsID", func(t *testing.T) {
		s := newStore(t)
		org := newOrg("Acme", "http://acme/app")

		if err := Create(context.Background(), s, "Organization", org); err != nil {
			t.Fatalf("Create: unexpected error: %v", err)
		}
		if org.ID == "" {
			t.Fatal("expected id to be assigned")
		}
		if org.Meta == nil || org.Meta.VersionID != "1" {
			t.Errorf("expected versionId 1, got %+v", org.Meta)
		}
	})

	t.Run(name+"/ReadRoundTrip", func(t *testing.T) {
		s := newStore(t)
		org := newOrg("Acme", "http://acme/app")
		if err := Create(context.Background(), s, "Organization", org); err != nil {
			t.Fatalf("Create: %v", err)
		}

		var got fhir.Organization
		if err := Read(context.Background(), s, "Organization", org.ID, &got); err != nil {
			t.Fatalf("Read: unexpected error: %v", err)
		}
		if got.Name != "Acme" {
			t.Errorf("Name = %q, want %q", got.Name, "Acme")
		}
		if got.ID != org.ID {
			t.Errorf("ID = %q, want %q", got.ID, org.ID)
		}
	})

	t.Run(name+"/ReadMissing", func(t *testing.T) {
		s := newStore(t)
		var got fhir.Organization
		err := Read(context.Background(), s, "Organization", "does-not-exist", &got)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run(name+"/UpdateReplacesIdentifier", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		org := newOrg("Acme", "code-123")
		if err := Create(ctx, s, "Organization", org); err != nil {
			t.Fatalf("Create: %v", err)
		}

		org.Identifier = []fhir.Identifier{{System: testSystem, Value: "token-456"}}
		if err := Update(ctx, s, "Organization", org.ID, org); err != nil {
			t.Fatalf("Update: unexpected error: %v", err)
		}
		if org.Meta == nil || org.Meta.VersionID != "2" {
			t.Errorf("expected versionId 2, got %+v", org.Meta)
		}

		old, err := s.FindByIdentifier(ctx, "Organization", testSystem, "code-123")
		if err != nil {
			t.Fatalf("FindByIdentifier(old): %v", err)
		}
		if len(old) != 0 {
			t.Errorf("expected old identifier to be unresolvable, got %d matches", len(old))
		}

		var got fhir.Organization
		if err := FindOne(ctx, s, "Organization", testSystem, "token-456", &got); err != nil {
			t.Fatalf("FindOne(new): %v", err)
		}
		if got.ID != org.ID {
			t.Errorf("ID = %q, want %q", got.ID, org.ID)
		}
	})

	t.Run(name+"/UpdateMissing", func(t *testing.T) {
		s := newStore(t)
		org := newOrg("Ghost", "x")
		err := Update(context.Background(), s, "Organization", "nope", org)
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run(name+"/Delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		org := newOrg("Acme", "x")
		if err := Create(ctx, s, "Organization", org); err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := s.Delete(ctx, "Organization", org.ID); err != nil {
			t.Fatalf("Delete: unexpected error: %v", err)
		}
		if _, err := s.Read(ctx, "Organization", org.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("Read after Delete: expected ErrNotFound, got %v", err)
		}
		if err := s.Delete(ctx, "Organization", org.ID); !errors.Is(err, ErrNotFound) {
			t.Errorf("second Delete: expected ErrNotFound, got %v", err)
		}
	})

	t.Run(name+"/FindOneAmbiguous", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := 0; i < 2; i++ {
			if err := Create(ctx, s, "Organization", newOrg("Dup", "same")); err != nil {
				t.Fatalf("Create: %v", err)
			}
		}
		var got fhir.Organization
		err := FindOne(ctx, s, "Organization", testSystem, "same", &got)
		if !errors.Is(err, ErrAmbiguous) {
			t.Errorf("expected ErrAmbiguous, got %v", err)
		}
	})

	t.Run(name+"/FindScopedByType", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		if err := Create(ctx, s, "Organization", newOrg("Acme", "shared")); err != nil {
			t.Fatalf("Create: %v", err)
		}
		recs, err := s.FindByIdentifier(ctx, "Device", testSystem, "shared")
		if err != nil {
			t.Fatalf("FindByIdentifier: %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("expected no Device matches, got %d", len(recs))
		}
	})

	t.Run(name+"/CreateRejectsTypeMismatch", func(t *testing.T) {
		s := newStore(t)
		org := newOrg("Acme", "x")
		if err := Create(context.Background(), s, "Device", org); err == nil {
			t.Error("expected error for resourceType mismatch")
		}
	})
}

func newOrg(name, subject string) *fhir.Organization {
	return &fhir.Organization{
		ResourceType: "Organization",
		Name:         name,
		Identifier:   []fhir.Identifier{{System: testSystem, Value: subject}},
	}
}

func TestMemoryStore(t *testing.T) {
	runStoreTests(t, "memory", func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestRESTStore(t *testing.T) {
	runStoreTests(t, "rest", func(t *testing.T) Store {
		e := echo.New()
		NewHandler(NewMemoryStore(), "").RegisterRoutes(e.Group("/fhir"))
		srv := httptest.NewServer(e)
		t.Cleanup(srv.Close)
		return NewRESTStore(srv.URL+"/fhir", srv.Client())
	})
}

func TestRESTStore_Ping(t *testing.T) {
	e := echo.New()
	NewHandler(NewMemoryStore(), "").RegisterRoutes(e.Group("/fhir"))
	srv := httptest.NewServer(e)
	defer srv.Close()

	s := NewRESTStore(srv.URL+"/fhir/", nil)
	if s.BaseURL() != srv.URL+"/fhir" {
		t.Errorf("expected trailing slash trimmed, got %q", s.BaseURL())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: unexpected error: %v", err)
	}
}

func TestRESTStore_UpstreamError(t *testing.T) {
	e := echo.New()
	e.GET("/fhir/Organization", func(c echo.Context) error {
		return c.String(500, "boom")
	})
	srv := httptest.NewServer(e)
	defer srv.Close()

	s := NewRESTStore(srv.URL+"/fhir", srv.Client())
	_, err := s.FindByIdentifier(context.Background(), "Organization", testSystem, "x")

	var upErr *UpstreamError
	if !errors.As(err, &upErr) {
		t.Fatalf("expected *UpstreamError, got %v", err)
	}
	if upErr.Status != 500 {
		t.Errorf("Status = %d, want 500", upErr.Status)
	}
}
