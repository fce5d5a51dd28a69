package config

import (
	"os"
	"strconv"
	"strings"
)

func stringFromEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func boolFromEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return parsed
}

// ApplyEnvOverrides lets deployment environments override file settings
// without editing the config on disk.
func (c *Config) ApplyEnvOverrides() {
	c.RPCAddress = stringFromEnv("OXYLEND_RPC_ADDRESS", c.RPCAddress)
	c.GatewayAddress = stringFromEnv("OXYLEND_GATEWAY_ADDRESS", c.GatewayAddress)
	c.DataDir = stringFromEnv("OXYLEND_DATA_DIR", c.DataDir)
	c.Environment = stringFromEnv("OXYLEND_ENV", c.Environment)
	c.Logging.Level = stringFromEnv("OXYLEND_LOG_LEVEL", c.Logging.Level)
	c.Telemetry.Endpoint = stringFromEnv("OXYLEND_OTLP_ENDPOINT", c.Telemetry.Endpoint)
	c.Telemetry.Enabled = boolFromEnv("OXYLEND_TELEMETRY_ENABLED", c.Telemetry.Enabled)
	c.Gateway.AuthSecret = stringFromEnv("OXYLEND_GATEWAY_AUTH_SECRET", c.Gateway.AuthSecret)
}

const maskedValue = "[REDACTED]"

// Sanitized returns a copy safe to log: secrets are masked, everything else
// passes through.
func (c *Config) Sanitized() Config {
	out := *c
	if strings.TrimSpace(out.Gateway.AuthSecret) != "" {
		out.Gateway.AuthSecret = maskedValue
	}
	return out
}
