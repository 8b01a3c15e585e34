package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
)

// ErrNoMatchingKey is returned when no key of a set can verify a token.
var ErrNoMatchingKey = errors.New("no matching key in key set")

// JWKSURL returns the conventional key set location of a subject.
func JWKSURL(subject string) string {
	return strings.TrimRight(subject, "/") + "/.well-known/jwks.json"
}

// SelectKey picks the verification key for a token header: the only key of
// a single-key set, or the unique key whose kid matches.
func SelectKey(set jose.JSONWebKeySet, kid string) (*jose.JSONWebKey, error) {
	if len(set.Keys) == 1 {
		return &set.Keys[0], nil
	}
	if kid == "" {
		return nil, fmt.Errorf("%w: token has no kid and the set holds %d keys", ErrNoMatchingKey, len(set.Keys))
	}
	matches := set.Key(kid)
	switch len(matches) {
	case 1:
		return &matches[0], nil
	case 0:
		return nil, fmt.Errorf("%w: kid %q", ErrNoMatchingKey, kid)
	}
	return nil, fmt.Errorf("%w: kid %q matches %d keys", ErrNoMatchingKey, kid, len(matches))
}

// RemoteKeySet is a key set fetched from a URL. Keys are refreshed when a
// lookup misses, at most once per minRefresh.
type RemoteKeySet struct {
	mu         sync.RWMutex
	url        string
	keys       jose.JSONWebKeySet
	fetchedAt  time.Time
	minRefresh time.Duration
	timeout    time.Duration
	client     *http.Client
}

// NewRemoteKeySet creates an empty set; the first lookup fetches it.
func NewRemoteKeySet(url string, client *http.Client, timeout time.Duration) *RemoteKeySet {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &RemoteKeySet{
		url:        url,
		minRefresh: 10 * time.Second,
		timeout:    timeout,
		client:     client,
	}
}

// KeyFor returns the key able to verify a token with the given kid.
func (s *RemoteKeySet) KeyFor(ctx context.Context, kid string) (*jose.JSONWebKey, error) {
	s.mu.RLock()
	keys, fetchedAt := s.keys, s.fetchedAt
	s.mu.RUnlock()

	if !fetchedAt.IsZero() {
		key, err := SelectKey(keys, kid)
		if err == nil {
			return key, nil
		}
		if time.Since(fetchedAt) < s.minRefresh {
			return nil, err
		}
	}

	// Cache miss or never fetched: fetch fresh keys
	if err := s.fetch(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return SelectKey(s.keys, kid)
}

func (s *RemoteKeySet) fetch(ctx context.Context) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", s.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("JWKS endpoint %s returned status %d", s.url, resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return fmt.Errorf("decoding JWKS response: %w", err)
	}
	if len(set.Keys) == 0 {
		return fmt.Errorf("JWKS at %s is empty", s.url)
	}

	s.mu.Lock()
	s.keys = set
	s.fetchedAt = time.Now()
	s.mu.Unlock()
	return nil
}
