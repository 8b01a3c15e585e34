package ehr

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhir"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhirstore"
)

// ---------------------------------------------------------------------------
// Test fixtures
// ---------------------------------------------------------------------------

const (
	testNS          = fhir.Namespace("https://udap-spike.example.org")
	testEHRBase     = "https://ehr.example.org/ehr"
	testFHIRBase    = testEHRBase + "/api/fhir"
	testTokenURL    = testEHRBase + "/api/oauth/token"
	testAuthorizeUI = "https://ehr.example.org/ehr-ui/"
	testClientName  = "The best health app available"
)

var (
	identityOnce sync.Once
	identities   [3]*auth.Identity
	identityErr  error
)

// testIdentities returns the endorser, app controller and app instance
// identities, generated once per test binary.
func testIdentities(t *testing.T) (endorser, controller, instance *auth.Identity) {
	t.Helper()
	identityOnce.Do(func() {
		for i, cn := range []string{"Test Endorser", "Test App", "Test App Instance"} {
			identities[i], identityErr = auth.GenerateIdentity(cn, "http://localhost/"+cn, time.Hour)
			if identityErr != nil {
				return
			}
		}
	})
	if identityErr != nil {
		t.Fatalf("generate identity: %v", identityErr)
	}
	return identities[0], identities[1], identities[2]
}

func newSigner(t *testing.T, id *auth.Identity, issuer string) *auth.Signer {
	t.Helper()
	s, err := auth.NewSigner(id, issuer, 5*time.Minute)
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	return s
}

// fixture hosts the endorser and app key sets on one httptest server and
// wires a Registrar against them.
type fixture struct {
	srv         *httptest.Server
	endorserISS string
	appSub      string
	endorser    *auth.Signer
	app         *auth.Signer
	instance    *auth.Signer

	store     *fhirstore.MemoryStore
	clients   *countingClients
	grants    *countingGrants
	registrar *Registrar
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	endorserID, appID, instanceID := testIdentities(t)

	f := &fixture{}
	mux := http.NewServeMux()
	mux.HandleFunc("/endorser/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		writeJWKS(w, f.endorser.JWKS())
	})
	mux.HandleFunc("/app/.well-known/jwks.json", func(w http.ResponseWriter, r *http.Request) {
		writeJWKS(w, f.app.JWKS())
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)

	f.endorserISS = f.srv.URL + "/endorser"
	f.appSub = f.srv.URL + "/app"
	f.endorser = newSigner(t, endorserID, f.endorserISS)
	f.app = newSigner(t, appID, f.appSub)
	f.instance = newSigner(t, instanceID, f.appSub)

	f.store = fhirstore.NewMemoryStore()
	f.clients = &countingClients{ClientRepository: NewClientRepoFHIR(f.store, testNS)}
	f.grants = &countingGrants{GrantRepository: NewGrantRepoFHIR(f.store, testNS)}

	cfg := auth.DefaultVerifierConfig()
	cfg.FetchTimeout = 5 * time.Second
	f.registrar = NewRegistrar(auth.NewTrustVerifier(cfg), f.clients, f.endorserISS,
		testEHRBase+"/api/oauth/register", 5*time.Minute, zerolog.Nop())
	return f
}

func writeJWKS(w http.ResponseWriter, set jose.JSONWebKeySet) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func applyOverrides(claims, overrides jwt.MapClaims) jwt.MapClaims {
	for k, v := range overrides {
		if v == nil {
			delete(claims, k)
			continue
		}
		claims[k] = v
	}
	return claims
}

// endorsement signs an endorsement for the fixture app.
func (f *fixture) endorsement(t *testing.T, overrides jwt.MapClaims) string {
	t.Helper()
	claims := applyOverrides(jwt.MapClaims{
		"sub":                  f.appSub,
		"exp":                  time.Now().Add(24 * time.Hour).Unix(),
		"certification_issuer": "Wadup Demo Endorser",
		"certification_name":   "Wadup Certified",
		"certification_uris":   []string{f.endorserISS + "/policy.html"},
		"is_endorsement":       true,
		"developer_name":       "Test App Developer Org",
		"client_name":          testClientName,
		"redirect_uris":        []string{"https://app.example.com/redirect", "https://app.example.com/redirect-2"},
		"grant_types":          []string{"authorization_code"},
		"response_types":       []string{"code"},
	}, overrides)
	tok, err := f.endorser.Sign(claims)
	if err != nil {
		t.Fatalf("sign endorsement: %v", err)
	}
	return tok
}

// statement signs a software statement with the app controller key.
func (f *fixture) statement(t *testing.T, overrides jwt.MapClaims) string {
	t.Helper()
	return f.statementSignedBy(t, f.app, overrides)
}

func (f *fixture) statementSignedBy(t *testing.T, s *auth.Signer, overrides jwt.MapClaims) string {
	t.Helper()
	claims := applyOverrides(jwt.MapClaims{
		"sub":           f.appSub,
		"client_name":   testClientName,
		"redirect_uris": []string{"https://app.example.com/redirect"},
		"jwks":          f.instance.JWKS(),
	}, overrides)
	tok, err := s.Sign(claims)
	if err != nil {
		t.Fatalf("sign software statement: %v", err)
	}
	return tok
}

func (f *fixture) request(t *testing.T) RegistrationRequest {
	t.Helper()
	return RegistrationRequest{
		UDAP:              "1",
		SoftwareStatement: f.statement(t, nil),
		Certifications:    []string{f.endorsement(t, nil)},
	}
}

// register runs a successful registration.
func (f *fixture) register(t *testing.T) *ClientRegistration {
	t.Helper()
	reg, err := f.registrar.Register(context.Background(), f.request(t))
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg
}

// newAuthorizer builds an Authorizer over the fixture's repositories.
func (f *fixture) newAuthorizer(sessions SessionStore) *Authorizer {
	if sessions == nil {
		sessions = NewMemorySessionStore(30 * time.Minute)
	}
	return NewAuthorizer(f.clients, f.grants, sessions, testFHIRBase, testAuthorizeUI, zerolog.Nop())
}

func (f *fixture) newTokenIssuer() *TokenIssuer {
	return NewTokenIssuer(f.grants, auth.NewClientAssertionVerifier(testTokenURL, 5*time.Minute),
		5*time.Minute, time.Hour, zerolog.Nop())
}

// clientAssertion signs a private_key_jwt assertion with the instance key.
func (f *fixture) clientAssertion(t *testing.T, clientID string, overrides jwt.MapClaims) string {
	t.Helper()
	claims := applyOverrides(jwt.MapClaims{
		"sub": clientID,
		"aud": testTokenURL,
	}, overrides)
	tok, err := f.instance.WithIssuer(clientID).Sign(claims)
	if err != nil {
		t.Fatalf("sign client assertion: %v", err)
	}
	return tok
}

// -- Mock --

type countingClients struct {
	ClientRepository
	mu      sync.Mutex
	created int
}

func (c *countingClients) Create(ctx context.Context, r *ClientRegistration) error {
	c.mu.Lock()
	c.created++
	c.mu.Unlock()
	return c.ClientRepository.Create(ctx, r)
}

func (c *countingClients) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.created
}

type countingGrants struct {
	GrantRepository
	mu      sync.Mutex
	created int
	updated int
	codes   []string
}

func (g *countingGrants) Create(ctx context.Context, gr *Grant) error {
	g.mu.Lock()
	g.created++
	g.codes = append(g.codes, gr.Code)
	g.mu.Unlock()
	return g.GrantRepository.Create(ctx, gr)
}

func (g *countingGrants) Update(ctx context.Context, gr *Grant) error {
	g.mu.Lock()
	g.updated++
	g.mu.Unlock()
	return g.GrantRepository.Update(ctx, gr)
}

func (g *countingGrants) counts() (created, updated int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.created, g.updated
}
