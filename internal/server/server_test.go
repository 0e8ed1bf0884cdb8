package server

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dwongdev/mydia-relay/internal/config"
	"github.com/dwongdev/mydia-relay/internal/keyex"
	"github.com/dwongdev/mydia-relay/internal/logging"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Server.DataDir = t.TempDir()
	cfg.Relay.URL = "wss://relay.example/connect"
	cfg.Direct.Enabled = false
	cfg.Observe.Enabled = false
	cfg.Tokens.Secret = "test-secret"
	return cfg
}

func TestInstanceIDPersists(t *testing.T) {
	dir := t.TempDir()

	first, err := loadOrCreateInstanceID(dir, "auto")
	if err != nil {
		t.Fatalf("loadOrCreateInstanceID: %v", err)
	}
	if first == "" || first == "auto" {
		t.Fatalf("instance ID = %q", first)
	}

	second, err := loadOrCreateInstanceID(dir, "auto")
	if err != nil {
		t.Fatalf("loadOrCreateInstanceID again: %v", err)
	}
	if second != first {
		t.Errorf("instance ID changed across restarts: %q then %q", first, second)
	}

	raw, err := os.ReadFile(filepath.Join(dir, instanceIDFileName))
	if err != nil {
		t.Fatalf("read persisted ID: %v", err)
	}
	if strings.TrimSpace(string(raw)) != first {
		t.Errorf("persisted ID %q != returned %q", strings.TrimSpace(string(raw)), first)
	}
}

func TestExplicitInstanceIDWins(t *testing.T) {
	id, err := loadOrCreateInstanceID(t.TempDir(), "srv-primary")
	if err != nil {
		t.Fatalf("loadOrCreateInstanceID: %v", err)
	}
	if id != "srv-primary" {
		t.Errorf("instance ID = %q, want configured value", id)
	}
}

func TestCreatePairing(t *testing.T) {
	srv, err := New(testConfig(t), logging.NopLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p, err := srv.CreatePairing(context.Background(), "owner-1")
	if err != nil {
		t.Fatalf("CreatePairing: %v", err)
	}

	if len(p.Code) != 6 {
		t.Errorf("code = %q, want 6 characters", p.Code)
	}
	if p.ExpiresAt.IsZero() {
		t.Error("missing expiry")
	}
	if p.Rendezvous != keyex.Resolve(p.Code) {
		t.Error("rendezvous does not match the code derivation")
	}
	// Direct path disabled, so there is nothing to advertise.
	if p.Fingerprint != "" || len(p.Addresses) != 0 {
		t.Errorf("unexpected direct details: %q %v", p.Fingerprint, p.Addresses)
	}

	// The claim must be redeemable.
	if _, err := srv.Claims().Lookup(context.Background(), p.Code); err != nil {
		t.Errorf("Lookup(%q): %v", p.Code, err)
	}
}

func TestDirectDisabledMeansNoFingerprint(t *testing.T) {
	srv, err := New(testConfig(t), logging.NopLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if fp := srv.Fingerprint(); fp != "" {
		t.Errorf("Fingerprint() = %q, want empty", fp)
	}
	if _, err := srv.MediaCredential("dev-1"); err == nil {
		t.Error("MediaCredential should fail without a TURN secret")
	}
}

func TestDirectEnabledGeneratesCertificate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Direct.Enabled = true
	cfg.Direct.Address = "127.0.0.1:8920"
	cfg.Direct.WildcardDomain = "direct.mydia.example"

	srv, err := New(cfg, logging.NopLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !strings.HasPrefix(srv.Fingerprint(), "sha256:") {
		t.Errorf("Fingerprint() = %q", srv.Fingerprint())
	}
	if _, err := os.Stat(filepath.Join(cfg.Server.DataDir, "direct.crt")); err != nil {
		t.Errorf("certificate not persisted: %v", err)
	}
}
