package internal

import (
	"os"
	"path/filepath"
	"testing"
)

// TestLoadConfigDefaults tests that the default values are applied correctly when loading a config.
func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	if err := os.WriteFile(path, []byte("{}\n"), 0o600); err != nil {
		t.Fatalf("write app config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Server.MetricsPath != "/metrics" {
		t.Fatalf("expected default metrics path, got %q", cfg.Server.MetricsPath)
	}
	if cfg.Relay.SendBuffer != 256 {
		t.Fatalf("expected default send buffer 256, got %d", cfg.Relay.SendBuffer)
	}
	if cfg.Relay.WriteTimeoutMS != 10000 {
		t.Fatalf("expected default write timeout, got %d", cfg.Relay.WriteTimeoutMS)
	}
	if cfg.Journal.Table != "relay_deliveries" {
		t.Fatalf("expected default journal table, got %q", cfg.Journal.Table)
	}
	if cfg.Mirror.Driver != "gochannel" {
		t.Fatalf("expected default mirror driver, got %q", cfg.Mirror.Driver)
	}
	if cfg.Mirror.Topic != "relay.events" {
		t.Fatalf("expected default mirror topic, got %q", cfg.Mirror.Topic)
	}
}

// TestLoadConfigEmptyPath tests that an empty path yields the defaults.
func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
}

// TestLoadConfigExpandsEnv tests that ${VAR} references in the file are expanded.
func TestLoadConfigExpandsEnv(t *testing.T) {
	t.Setenv("TEST_RELAY_SECRET", "from-env")
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	content := "webhook:\n  secret: ${TEST_RELAY_SECRET}\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write app config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Webhook.Secret != "from-env" {
		t.Fatalf("expected expanded secret, got %q", cfg.Webhook.Secret)
	}
}

// TestLoadConfigEnvOverrides tests that PRRELAY_* variables override the file.
func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("PRRELAY_PORT", "9911")
	t.Setenv("PRRELAY_WEBHOOK_SECRET", "override")
	dir := t.TempDir()
	path := filepath.Join(dir, "app.yaml")
	content := "server:\n  port: 8123\nwebhook:\n  secret: file-secret\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write app config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Server.Port != 9911 {
		t.Fatalf("expected env port override, got %d", cfg.Server.Port)
	}
	if cfg.Webhook.Secret != "override" {
		t.Fatalf("expected env secret override, got %q", cfg.Webhook.Secret)
	}
}

// TestLoadConfigInvalidRule tests that loading a config with an invalid mirror rule returns an error.
func TestLoadConfigInvalidRule(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "mirror:\n  rules:\n    - when: event.kind == \"pull_request\"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for missing emit")
	}
}

// TestLoadConfigTrimsRules tests that mirror rule fields are trimmed.
func TestLoadConfigTrimsRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "mirror:\n  rules:\n    - when: \"  event.kind == \\\"pull_request\\\"  \"\n      emit: \"  pr.events  \"\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Mirror.Rules[0].When != "event.kind == \"pull_request\"" {
		t.Fatalf("expected trimmed when, got %q", cfg.Mirror.Rules[0].When)
	}
	if cfg.Mirror.Rules[0].Emit[0] != "pr.events" {
		t.Fatalf("expected trimmed emit, got %q", cfg.Mirror.Rules[0].Emit[0])
	}
}
