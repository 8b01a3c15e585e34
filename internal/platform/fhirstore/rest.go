package fhirstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhir"
)

const fhirJSON = "application/fhir+json"

// RESTStore talks to a FHIR R4 server over its RESTful API.
type RESTStore struct {
	baseURL string
	client  *http.Client
}

// NewRESTStore creates a driver for the server at baseURL. A nil client gets
// a default with a 30 second timeout.
func NewRESTStore(baseURL string, client *http.Client) *RESTStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &RESTStore{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// BaseURL returns the server base the driver was created with.
func (s *RESTStore) BaseURL() string { return s.baseURL }

func (s *RESTStore) Create(ctx context.Context, resourceType string, body []byte) (*Record, error) {
	status, data, err := s.do(ctx, http.MethodPost, s.baseURL+"/"+resourceType, body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return nil, &UpstreamError{Method: http.MethodPost, URL: s.baseURL + "/" + resourceType, Status: status, Body: string(data)}
	}
	return recordFrom(resourceType, data)
}

func (s *RESTStore) Read(ctx context.Context, resourceType, id string) (*Record, error) {
	u := s.baseURL + "/" + resourceType + "/" + url.PathEscape(id)
	status, data, err := s.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK:
		return recordFrom(resourceType, data)
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrNotFound
	}
	return nil, &UpstreamError{Method: http.MethodGet, URL: u, Status: status, Body: string(data)}
}

func (s *RESTStore) Update(ctx context.Context, resourceType, id string, body []byte) (*Record, error) {
	u := s.baseURL + "/" + resourceType + "/" + url.PathEscape(id)
	status, data, err := s.do(ctx, http.MethodPut, u, body)
	if err != nil {
		return nil, err
	}
	switch status {
	case http.StatusOK, http.StatusCreated:
		return recordFrom(resourceType, data)
	case http.StatusNotFound, http.StatusGone:
		return nil, ErrNotFound
	}
	return nil, &UpstreamError{Method: http.MethodPut, URL: u, Status: status, Body: string(data)}
}

func (s *RESTStore) Delete(ctx context.Context, resourceType, id string) error {
	u := s.baseURL + "/" + resourceType + "/" + url.PathEscape(id)
	status, data, err := s.do(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusAccepted:
		return nil
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	}
	return &UpstreamError{Method: http.MethodDelete, URL: u, Status: status, Body: string(data)}
}

// FindByIdentifier runs a token search, identifier=system|value.
func (s *RESTStore) FindByIdentifier(ctx context.Context, resourceType, system, value string) ([]*Record, error) {
	q := url.Values{}
	q.Set("identifier", system+"|"+value)
	u := s.baseURL + "/" + resourceType + "?" + q.Encode()

	status, data, err := s.do(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &UpstreamError{Method: http.MethodGet, URL: u, Status: status, Body: string(data)}
	}

	var bundle fhir.Bundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("decode search bundle: %w", err)
	}

	var out []*Record
	for _, raw := range bundle.Resources() {
		rec, err := recordFrom(resourceType, raw)
		if err != nil {
			return nil, err
		}
		// Servers may return included resources of other types.
		if rec.ResourceType != resourceType {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping checks that the server answers its capability statement.
func (s *RESTStore) Ping(ctx context.Context) error {
	status, data, err := s.do(ctx, http.MethodGet, s.baseURL+"/metadata", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &UpstreamError{Method: http.MethodGet, URL: s.baseURL + "/metadata", Status: status, Body: string(data)}
	}
	return nil
}

func (s *RESTStore) do(ctx context.Context, method, u string, body []byte) (int, []byte, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return 0, nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Accept", fhirJSON)
	if body != nil {
		req.Header.Set("Content-Type", fhirJSON)
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read %s %s response: %w", method, u, err)
	}
	return resp.StatusCode, data, nil
}

func recordFrom(resourceType string, data []byte) (*Record, error) {
	var res fhir.Resource
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("decode %s: %w", resourceType, err)
	}
	if res.ID == "" {
		return nil, fmt.Errorf("fhir server returned %s without id", resourceType)
	}
	rt := res.ResourceType
	if rt == "" {
		rt = resourceType
	}
	return &Record{ResourceType: rt, ID: res.ID, Body: json.RawMessage(data)}, nil
}
