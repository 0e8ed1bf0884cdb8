package wizard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	w := New()
	if w == nil {
		t.Fatal("New() returned nil")
	}
	if w.theme == nil {
		t.Error("New() returned wizard without a theme")
	}
}

func TestBuildConfig(t *testing.T) {
	w := New()

	cfg := w.buildConfig(
		"/data",
		true, "wss://relay.example/connect",
		true, "0.0.0.0:8920", "direct.example.com", "https://api.ipify.org",
		"super-secret-value", "http://127.0.0.1:8096", "",
		"debug", true,
	)

	if cfg.Server.DataDir != "/data" {
		t.Errorf("DataDir = %q", cfg.Server.DataDir)
	}
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", cfg.Server.LogLevel)
	}
	if !cfg.Relay.Enabled || cfg.Relay.URL != "wss://relay.example/connect" {
		t.Errorf("relay = %v %q", cfg.Relay.Enabled, cfg.Relay.URL)
	}
	if cfg.Direct.WildcardDomain != "direct.example.com" {
		t.Errorf("wildcard domain = %q", cfg.Direct.WildcardDomain)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("built config does not validate: %v", err)
	}
}

func TestBuildConfigDirectDisabled(t *testing.T) {
	w := New()

	cfg := w.buildConfig(
		"/data",
		true, "wss://relay.example/connect",
		false, "", "", "",
		"super-secret-value", "http://127.0.0.1:8096", "",
		"info", false,
	)

	if cfg.Direct.Enabled {
		t.Error("direct should be disabled")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("built config does not validate: %v", err)
	}
}

func TestWriteConfig(t *testing.T) {
	w := New()
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := w.buildConfig(
		"/data",
		true, "wss://relay.example/connect",
		false, "", "", "",
		"super-secret-value", "http://127.0.0.1:8096", "",
		"info", true,
	)

	if err := w.writeConfig(cfg, path); err != nil {
		t.Fatalf("writeConfig: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.HasPrefix(string(data), "# Mydia Relay Configuration") {
		t.Error("missing header comment")
	}
	if !strings.Contains(string(data), "wss://relay.example/connect") {
		t.Error("missing relay URL")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat config: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("config mode = %v, want 0600 (contains the token secret)", info.Mode().Perm())
	}
}

func TestGenerateSecret(t *testing.T) {
	a, err := generateSecret()
	if err != nil {
		t.Fatalf("generateSecret: %v", err)
	}
	b, err := generateSecret()
	if err != nil {
		t.Fatalf("generateSecret: %v", err)
	}
	if a == b {
		t.Error("secrets are not unique")
	}
	if len(a) != 43 {
		t.Errorf("secret length = %d, want 43", len(a))
	}
}
