// Package fhirstore is the system of record for developers, apps, client
// registrations and grants. Resources are FHIR-shaped JSON documents that
// are looked up by namespaced identifiers rather than primary keys.
package fhirstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhir"
)

var (
	// ErrNotFound is returned when no resource matches a read or search.
	ErrNotFound = errors.New("fhirstore: resource not found")
	// ErrAmbiguous is returned by FindOne when an identifier resolves to
	// more than one resource.
	ErrAmbiguous = errors.New("fhirstore: identifier matches more than one resource")
)

// Record is one stored resource.
type Record struct {
	ResourceType string
	ID           string
	Body         json.RawMessage
}

// Store is a document store of FHIR resources.
type Store interface {
	Create(ctx context.Context, resourceType string, body []byte) (*Record, error)
	Read(ctx context.Context, resourceType, id string) (*Record, error)
	Update(ctx context.Context, resourceType, id string, body []byte) (*Record, error)
	Delete(ctx context.Context, resourceType, id string) error
	FindByIdentifier(ctx context.Context, resourceType, system, value string) ([]*Record, error)
}

// UpstreamError reports an unexpected status from a remote FHIR server.
type UpstreamError struct {
	Method string
	URL    string
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("fhir server %s %s returned %d: %s", e.Method, e.URL, e.Status, e.Body)
}

// ---------------------------------------------------------------------------
// Typed helpers
// ---------------------------------------------------------------------------

// Create stores v as a new resource and decodes the stored representation
// (with its assigned id) back into v.
func Create(ctx context.Context, s Store, resourceType string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", resourceType, err)
	}
	rec, err := s.Create(ctx, resourceType, body)
	if err != nil {
		return err
	}
	return decode(rec, v)
}

// Read loads resourceType/id into v.
func Read(ctx context.Context, s Store, resourceType, id string, v interface{}) error {
	rec, err := s.Read(ctx, resourceType, id)
	if err != nil {
		return err
	}
	return decode(rec, v)
}

// Update replaces resourceType/id with v and decodes the stored result.
func Update(ctx context.Context, s Store, resourceType, id string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", resourceType, err)
	}
	rec, err := s.Update(ctx, resourceType, id, body)
	if err != nil {
		return err
	}
	return decode(rec, v)
}

// FindOne resolves an identifier that must match exactly one resource.
func FindOne(ctx context.Context, s Store, resourceType, system, value string, v interface{}) error {
	recs, err := s.FindByIdentifier(ctx, resourceType, system, value)
	if err != nil {
		return err
	}
	switch len(recs) {
	case 0:
		return ErrNotFound
	case 1:
		return decode(recs[0], v)
	default:
		return ErrAmbiguous
	}
}

func decode(rec *Record, v interface{}) error {
	if err := json.Unmarshal(rec.Body, v); err != nil {
		return fmt.Errorf("decode %s/%s: %w", rec.ResourceType, rec.ID, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Document helpers shared by the local drivers
// ---------------------------------------------------------------------------

// stamp sets resourceType, id and meta on a JSON resource body.
func stamp(body []byte, resourceType, id, version string, now time.Time) ([]byte, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("resource body is not a JSON object: %w", err)
	}
	if rt, ok := doc["resourceType"].(string); ok && rt != "" && rt != resourceType {
		return nil, fmt.Errorf("resourceType %q does not match %q", rt, resourceType)
	}
	doc["resourceType"] = resourceType
	doc["id"] = id

	meta, _ := doc["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = version
	meta["lastUpdated"] = now.UTC().Format(time.RFC3339Nano)
	doc["meta"] = meta

	return json.Marshal(doc)
}

type identified struct {
	Identifier []fhir.Identifier `json:"identifier"`
}

func hasIdentifier(body []byte, system, value string) bool {
	var doc identified
	if err := json.Unmarshal(body, &doc); err != nil {
		return false
	}
	for _, id := range doc.Identifier {
		if id.System == system && id.Value == value {
			return true
		}
	}
	return false
}
