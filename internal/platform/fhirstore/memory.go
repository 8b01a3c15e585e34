package fhirstore

import (
	"context"
	"crypto/rand"
	"strconv"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

type memRecord struct {
	body    []byte
	version int
}

// MemoryStore keeps resources in process memory. Ids are ULIDs drawn from a
// monotonic source so creation order is preserved.
type MemoryStore struct {
	mu      sync.RWMutex
	data    map[string]map[string]*memRecord
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data:    make(map[string]map[string]*memRecord),
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, resourceType string, body []byte) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	id := ulid.MustNew(ulid.Timestamp(now), s.entropy).String()
	stored, err := stamp(body, resourceType, id, "1", now)
	if err != nil {
		return nil, err
	}

	byID := s.data[resourceType]
	if byID == nil {
		byID = make(map[string]*memRecord)
		s.data[resourceType] = byID
	}
	byID[id] = &memRecord{body: stored, version: 1}
	return &Record{ResourceType: resourceType, ID: id, Body: stored}, nil
}

func (s *MemoryStore) Read(_ context.Context, resourceType, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.data[resourceType][id]
	if !ok {
		return nil, ErrNotFound
	}
	return &Record{ResourceType: resourceType, ID: id, Body: rec.body}, nil
}

// Update replaces an existing resource. Creating through update is not
// supported; ids are always server-assigned.
func (s *MemoryStore) Update(_ context.Context, resourceType, id string, body []byte) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.data[resourceType][id]
	if !ok {
		return nil, ErrNotFound
	}
	version := rec.version + 1
	stored, err := stamp(body, resourceType, id, strconv.Itoa(version), s.now())
	if err != nil {
		return nil, err
	}
	rec.body = stored
	rec.version = version
	return &Record{ResourceType: resourceType, ID: id, Body: stored}, nil
}

func (s *MemoryStore) Delete(_ context.Context, resourceType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.data[resourceType][id]; !ok {
		return ErrNotFound
	}
	delete(s.data[resourceType], id)
	return nil
}

func (s *MemoryStore) FindByIdentifier(_ context.Context, resourceType, system, value string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for id, rec := range s.data[resourceType] {
		if hasIdentifier(rec.body, system, value) {
			out = append(out, &Record{ResourceType: resourceType, ID: id, Body: rec.body})
		}
	}
	return out, nil
}
