// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, durations, and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

relying_party:
  base_url: "https://auth.example.com"
  display_name: "Example Auth"

session:
  secret: "super-secret"
  duration: "72h"

admission:
  limit: 5
  window: "30s"
  trust_proxy_header: true

logging:
  level: "debug"
  format: "json"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("HTTPAddr = %q", cfg.Server.HTTPAddr)
	}
	if cfg.RelyingParty.BaseURL != "https://auth.example.com" {
		t.Errorf("BaseURL = %q", cfg.RelyingParty.BaseURL)
	}
	if cfg.Session.Duration != 72*time.Hour {
		t.Errorf("Session.Duration = %v", cfg.Session.Duration)
	}
	if cfg.Admission.Limit != 5 {
		t.Errorf("Admission.Limit = %d", cfg.Admission.Limit)
	}
	if cfg.Admission.Window != 30*time.Second {
		t.Errorf("Admission.Window = %v", cfg.Admission.Window)
	}
	if !cfg.Admission.TrustProxyHeader {
		t.Error("Admission.TrustProxyHeader = false")
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
relying_party:
  base_url: "https://auth.example.com"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.RelyingParty.DisplayName != "Passkey Gateway" {
		t.Errorf("DisplayName = %q", cfg.RelyingParty.DisplayName)
	}
	if cfg.Admission.Limit != 10 {
		t.Errorf("Admission.Limit = %d", cfg.Admission.Limit)
	}
	if cfg.Admission.Window != time.Minute {
		t.Errorf("Admission.Window = %v", cfg.Admission.Window)
	}
	if cfg.Session.Duration != 0 {
		t.Errorf("Session.Duration = %v, want 0 (issuer default)", cfg.Session.Duration)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_SESSION_SECRET", "from-env")

	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
relying_party:
  base_url: "https://auth.example.com"
session:
  secret: "${TEST_SESSION_SECRET}"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Session.Secret != "from-env" {
		t.Errorf("Session.Secret = %q", cfg.Session.Secret)
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
relying_party:
  base_url: "https://auth.example.com"
session:
  duration: "nonsense"
`)

	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "parsing session duration") {
		t.Fatalf("expected duration error, got %v", err)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name: "missing http addr",
			yaml: `
database:
  path: "./test.db"
relying_party:
  base_url: "https://auth.example.com"
`,
			wantErr: "server.http_addr",
		},
		{
			name: "missing database path",
			yaml: `
server:
  http_addr: ":8080"
relying_party:
  base_url: "https://auth.example.com"
`,
			wantErr: "database.path",
		},
		{
			name: "missing base url",
			yaml: `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
`,
			wantErr: "relying_party.base_url",
		},
		{
			name: "tailscale without hostname",
			yaml: `
tailscale:
  enabled: true
database:
  path: "./test.db"
relying_party:
  base_url: "https://auth.example.com"
`,
			wantErr: "tailscale.hostname",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidate_TailscaleReplacesListener(t *testing.T) {
	path := writeConfig(t, `
tailscale:
  enabled: true
  hostname: "passkey-gateway"
database:
  path: "./test.db"
relying_party:
  base_url: "https://passkey-gateway.tailnet.ts.net"
`)

	if _, err := Load(path); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
}
