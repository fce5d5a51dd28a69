package config

import (
	"os"
	"path/filepath"
	"testing"

	"oxylend/gateway/middleware"
)

func TestApplyEnvOverrides(t *testing.T) {
	t.Setenv("OXYLEND_RPC_ADDRESS", ":7000")
	t.Setenv("OXYLEND_LOG_LEVEL", "debug")
	t.Setenv("OXYLEND_TELEMETRY_ENABLED", "true")
	t.Setenv("OXYLEND_GATEWAY_AUTH_SECRET", "env-secret")

	cfg := Config{RPCAddress: ":8080", GatewayAddress: ":8081"}
	cfg.Logging.Level = "info"
	cfg.ApplyEnvOverrides()

	if cfg.RPCAddress != ":7000" {
		t.Fatalf("rpc address: %q", cfg.RPCAddress)
	}
	if cfg.GatewayAddress != ":8081" {
		t.Fatalf("gateway address should keep file value: %q", cfg.GatewayAddress)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("log level: %q", cfg.Logging.Level)
	}
	if !cfg.Telemetry.Enabled {
		t.Fatal("telemetry should be enabled by env")
	}
	if cfg.Gateway.AuthSecret != "env-secret" {
		t.Fatalf("auth secret: %q", cfg.Gateway.AuthSecret)
	}
}

func TestApplyEnvOverridesIgnoresMalformedBool(t *testing.T) {
	t.Setenv("OXYLEND_TELEMETRY_ENABLED", "sometimes")

	cfg := Config{}
	cfg.Telemetry.Enabled = true
	cfg.ApplyEnvOverrides()
	if !cfg.Telemetry.Enabled {
		t.Fatal("malformed bool should keep existing value")
	}
}

func TestSanitizedMasksSecret(t *testing.T) {
	cfg := Config{RPCAddress: ":8080"}
	cfg.Gateway.AuthSecret = "super-secret"

	out := cfg.Sanitized()
	if out.Gateway.AuthSecret != "[REDACTED]" {
		t.Fatalf("secret not masked: %q", out.Gateway.AuthSecret)
	}
	if cfg.Gateway.AuthSecret != "super-secret" {
		t.Fatal("original config must not be mutated")
	}
	if out.RPCAddress != ":8080" {
		t.Fatalf("non-secret field changed: %q", out.RPCAddress)
	}

	empty := Config{}
	if got := empty.Sanitized().Gateway.AuthSecret; got != "" {
		t.Fatalf("empty secret should stay empty, got %q", got)
	}
}

func TestLoadGatewayLimitsMergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	contents := `
routes:
  lending.read:
    requests_per_minute: 1200
    burst: 80
  lending.export:
    requests_per_minute: 5
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write limits: %v", err)
	}

	defaults := map[string]middleware.RateLimit{
		"lending.read":  {RequestsPerMinute: 600, Burst: 50},
		"lending.write": {RequestsPerMinute: 120, Burst: 10},
	}
	limits, err := LoadGatewayLimits(path, defaults)
	if err != nil {
		t.Fatalf("load limits: %v", err)
	}
	if got := limits["lending.read"]; got.RequestsPerMinute != 1200 || got.Burst != 80 {
		t.Fatalf("read limit not overridden: %+v", got)
	}
	if got := limits["lending.write"]; got.RequestsPerMinute != 120 || got.Burst != 10 {
		t.Fatalf("write limit should keep default: %+v", got)
	}
	if got := limits["lending.export"]; got.RequestsPerMinute != 5 || got.Burst != 1 {
		t.Fatalf("new route should default burst to 1: %+v", got)
	}
}

func TestLoadGatewayLimitsEmptyPathReturnsDefaults(t *testing.T) {
	defaults := map[string]middleware.RateLimit{
		"lending.read": {RequestsPerMinute: 600, Burst: 50},
	}
	limits, err := LoadGatewayLimits("", defaults)
	if err != nil {
		t.Fatalf("load limits: %v", err)
	}
	if got := limits["lending.read"]; got != defaults["lending.read"] {
		t.Fatalf("defaults not preserved: %+v", got)
	}
}

func TestLoadGatewayLimitsRejectsBadEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "limits.yaml")
	contents := `
routes:
  lending.read:
    requests_per_minute: 0
`
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write limits: %v", err)
	}
	if _, err := LoadGatewayLimits(path, nil); err == nil {
		t.Fatal("expected error for non-positive rate")
	}

	if _, err := LoadGatewayLimits(filepath.Join(dir, "missing.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}
