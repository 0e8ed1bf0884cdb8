package config

import (
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
server:
  data_dir: /var/lib/mydia
relay:
  url: wss://relay.mydia.example/connect
tokens:
  secret: super-secret
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	if cfg.Server.DataDir != "/var/lib/mydia" {
		t.Errorf("data_dir = %q", cfg.Server.DataDir)
	}
	if cfg.Pairing.ClaimTTL != 5*time.Minute {
		t.Errorf("claim_ttl = %v", cfg.Pairing.ClaimTTL)
	}
	if cfg.Sessions.IdleTimeout != 5*time.Minute {
		t.Errorf("idle_timeout = %v", cfg.Sessions.IdleTimeout)
	}
	if cfg.LocalAPI.BaseURL != "http://127.0.0.1:8096" {
		t.Errorf("local_api.base_url = %q", cfg.LocalAPI.BaseURL)
	}
}

func TestParseValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing secret",
			yaml: "server:\n  data_dir: /data\nrelay:\n  url: wss://r.example\n",
			want: "tokens.secret",
		},
		{
			name: "bad relay url",
			yaml: "server:\n  data_dir: /data\nrelay:\n  url: https://not-websocket\ntokens:\n  secret: s\n",
			want: "relay.url",
		},
		{
			name: "bad log level",
			yaml: "server:\n  data_dir: /data\n  log_level: verbose\nrelay:\n  url: wss://r.example\ntokens:\n  secret: s\n",
			want: "log_level",
		},
		{
			name: "neither path enabled",
			yaml: "server:\n  data_dir: /data\nrelay:\n  enabled: false\ndirect:\n  enabled: false\ntokens:\n  secret: s\n",
			want: "at least one",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

func TestDurationParsing(t *testing.T) {
	yaml := minimalYAML + `pairing:
  claim_ttl: 90s
  sweep_interval: 30s
sessions:
  idle_timeout: 2m30s
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Pairing.ClaimTTL != 90*time.Second {
		t.Errorf("claim_ttl = %v, want 90s", cfg.Pairing.ClaimTTL)
	}
	if cfg.Sessions.IdleTimeout != 150*time.Second {
		t.Errorf("idle_timeout = %v, want 2m30s", cfg.Sessions.IdleTimeout)
	}
	// Unset durations keep their defaults.
	if cfg.Pairing.RetentionGrace != 15*time.Minute {
		t.Errorf("retention_grace = %v, want default", cfg.Pairing.RetentionGrace)
	}
}

func TestParseExpandsEnvVars(t *testing.T) {
	t.Setenv("MYDIA_TOKEN_SECRET", "from-env")

	yaml := `
server:
  data_dir: ${MYDIA_DATA_DIR:-/srv/mydia}
relay:
  url: wss://relay.mydia.example/connect
tokens:
  secret: ${MYDIA_TOKEN_SECRET}
`
	cfg, err := Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Tokens.Secret != "from-env" {
		t.Errorf("secret = %q", cfg.Tokens.Secret)
	}
	if cfg.Server.DataDir != "/srv/mydia" {
		t.Errorf("data_dir = %q (default expansion)", cfg.Server.DataDir)
	}
}

func TestRedaction(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML + "media:\n  turn_secret: hush\nstorage:\n  postgres_dsn: postgres://u:p@h/db\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	out := cfg.String()
	for _, secret := range []string{"super-secret", "hush", "postgres://u:p@h/db"} {
		if strings.Contains(out, secret) {
			t.Errorf("String() leaked %q", secret)
		}
	}
	if !strings.Contains(out, redactedValue) {
		t.Error("String() has no redaction markers")
	}

	// The original is untouched.
	if cfg.Tokens.Secret != "super-secret" {
		t.Errorf("Redacted mutated the original: %q", cfg.Tokens.Secret)
	}
}
