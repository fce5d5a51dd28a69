package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"oxylend/gateway/middleware"
)

type limitEntry struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute"`
	Burst             int     `yaml:"burst"`
}

type limitsFile struct {
	Routes map[string]limitEntry `yaml:"routes"`
}

// LoadGatewayLimits reads a YAML route-limit table and merges it over the
// defaults from the TOML config. Keys are route-group names such as
// "lending.read" and "lending.write"; unknown groups are passed through so
// future routes need no config code changes.
func LoadGatewayLimits(path string, defaults map[string]middleware.RateLimit) (map[string]middleware.RateLimit, error) {
	out := make(map[string]middleware.RateLimit, len(defaults))
	for key, limit := range defaults {
		out[key] = limit
	}
	if path == "" {
		return out, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gateway limits: %w", err)
	}
	var parsed limitsFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("parse gateway limits: %w", err)
	}
	for key, entry := range parsed.Routes {
		if entry.RequestsPerMinute <= 0 {
			return nil, fmt.Errorf("gateway limits: route %q requires a positive requests_per_minute", key)
		}
		burst := entry.Burst
		if burst <= 0 {
			burst = 1
		}
		out[key] = middleware.RateLimit{RequestsPerMinute: entry.RequestsPerMinute, Burst: burst}
	}
	return out, nil
}
