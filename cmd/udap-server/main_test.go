package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/microsoft-healthcare-madison/udap-spike/internal/config"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/domain/ehr"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/auth"
	"github.com/microsoft-healthcare-madison/udap-spike/internal/platform/fhirstore"
)

// ---------------------------------------------------------------------------
// loadIdentity
// ---------------------------------------------------------------------------

func TestLoadIdentity_PEM(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := filepath.Join(dir, "id.crt"), filepath.Join(dir, "id.key")
	generated, err := auth.GenerateIdentity("test", "https://example.org", time.Hour)
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	if err := generated.WritePEM(certFile, keyFile); err != nil {
		t.Fatalf("WritePEM: %v", err)
	}

	cfg := &config.Config{Env: "production"}
	id, err := loadIdentity(cfg, zerolog.Nop(), identitySource{name: "test", certFile: certFile, keyFile: keyFile})
	if err != nil {
		t.Fatalf("loadIdentity: %v", err)
	}
	if len(id.Chain) != 1 || !id.Chain[0].Equal(generated.Chain[0]) {
		t.Error("loaded certificate differs from the written one")
	}

	keyOnly, err := loadIdentity(cfg, zerolog.Nop(), identitySource{name: "instance", keyFile: keyFile})
	if err != nil {
		t.Fatalf("loadIdentity key only: %v", err)
	}
	if len(keyOnly.Chain) != 0 || keyOnly.PrivateKey == nil {
		t.Errorf("key-only identity = %+v", keyOnly)
	}
}

func TestLoadIdentity_PKCS12(t *testing.T) {
	file := filepath.Join(t.TempDir(), "id.p12")
	generated, err := auth.GenerateIdentity("test", "", time.Hour)
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	if err := generated.WritePKCS12(file, "secret"); err != nil {
		t.Fatalf("WritePKCS12: %v", err)
	}

	id, err := loadIdentity(&config.Config{Env: "production"}, zerolog.Nop(),
		identitySource{name: "test", p12File: file, p12Password: "secret"})
	if err != nil {
		t.Fatalf("loadIdentity: %v", err)
	}
	if !id.Chain[0].Equal(generated.Chain[0]) {
		t.Error("loaded certificate differs from the written one")
	}
}

func TestLoadIdentity_MissingFiles(t *testing.T) {
	src := identitySource{
		name:     "endorser",
		subject:  "http://localhost:3000/endorser",
		certFile: filepath.Join(t.TempDir(), "missing.crt"),
		keyFile:  filepath.Join(t.TempDir(), "missing.key"),
	}

	id, err := loadIdentity(&config.Config{Env: "development"}, zerolog.Nop(), src)
	if err != nil {
		t.Fatalf("development should fall back to a generated identity: %v", err)
	}
	if len(id.Chain) != 1 || id.Chain[0].URIs[0].String() != src.subject {
		t.Errorf("generated identity subject = %v", id.Chain[0].URIs)
	}

	if _, err := loadIdentity(&config.Config{Env: "production"}, zerolog.Nop(), src); err == nil {
		t.Fatal("production must not generate identities")
	}
	if _, err := loadIdentity(&config.Config{Env: "production"}, zerolog.Nop(), identitySource{name: "none"}); err == nil {
		t.Fatal("production without key material must fail")
	}
}

// ---------------------------------------------------------------------------
// openResources
// ---------------------------------------------------------------------------

func TestOpenResources_Memory(t *testing.T) {
	cfg := &config.Config{StoreDriver: "memory", SessionDriver: "memory", SessionTTL: time.Minute}
	res, err := openResources(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openResources: %v", err)
	}
	defer res.close()

	mem, ok := res.options.EHRStore.(*fhirstore.MemoryStore)
	if !ok {
		t.Fatalf("EHR store = %T", res.options.EHRStore)
	}
	if res.options.EndorserStore != mem {
		t.Error("the endorser and the EHR share one memory store")
	}
	if facade, ok := res.options.FacadeStore.(*fhirstore.MemoryStore); !ok || facade == mem {
		t.Error("the facade needs a store of its own")
	}
	if _, ok := res.options.Sessions.(*ehr.MemorySessionStore); !ok {
		t.Errorf("sessions = %T", res.options.Sessions)
	}
	if len(res.options.Checks) != 0 {
		t.Errorf("memory driver has no health checks, got %d", len(res.options.Checks))
	}
}

func TestOpenResources_UnknownDrivers(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
	}{
		{"store", config.Config{StoreDriver: "mongodb", SessionDriver: "memory"}},
		{"sessions", config.Config{StoreDriver: "memory", SessionDriver: "redis"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := openResources(context.Background(), &tt.cfg, zerolog.Nop()); err == nil {
				t.Fatal("expected an error for an unknown driver")
			}
		})
	}
}

// ---------------------------------------------------------------------------
// newLogger
// ---------------------------------------------------------------------------

func TestNewLogger_Level(t *testing.T) {
	tests := []struct {
		level string
		want  zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"", zerolog.InfoLevel},
		{"chatty", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		logger := newLogger(&config.Config{Env: "production", LogLevel: tt.level})
		if got := logger.GetLevel(); got != tt.want {
			t.Errorf("LOG_LEVEL=%q: level = %v, want %v", tt.level, got, tt.want)
		}
	}
}
