package auth

import (
	"sync"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

var (
	identityOnce sync.Once
	identityA    *Identity
	identityB    *Identity
	identityErr  error
)

// testIdentities returns two reusable self-signed identities; RSA key
// generation is slow enough to share across tests.
func testIdentities(t *testing.T) (*Identity, *Identity) {
	t.Helper()
	identityOnce.Do(func() {
		identityA, identityErr = GenerateIdentity("Test A", "http://localhost/a", time.Hour)
		if identityErr != nil {
			return
		}
		identityB, identityErr = GenerateIdentity("Test B", "http://localhost/b", time.Hour)
	})
	if identityErr != nil {
		t.Fatalf("generate identity: %v", identityErr)
	}
	return identityA, identityB
}

func testSigner(t *testing.T, id *Identity, issuer string) *Signer {
	t.Helper()
	s, err := NewSigner(id, issuer, 5*time.Minute)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return s
}
