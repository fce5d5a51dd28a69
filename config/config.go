package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"oxylend/gateway/middleware"
	"oxylend/native/lending"
)

// Config is the on-disk node configuration. Missing files are created with
// defaults so a bare `lendingd` invocation comes up on local ports.
type Config struct {
	RPCAddress     string `toml:"RPCAddress"`
	GatewayAddress string `toml:"GatewayAddress"`
	DataDir        string `toml:"DataDir"`
	Environment    string `toml:"Environment"`

	Logging   Logging        `toml:"Logging"`
	Telemetry Telemetry      `toml:"Telemetry"`
	Gateway   Gateway        `toml:"Gateway"`
	Pauses    Pauses         `toml:"Pauses"`
	Quota     Quota          `toml:"Quota"`
	Lending   lending.Config `toml:"Lending"`
	Prices    []StaticPrice  `toml:"Prices"`
}

// Quota caps per-account borrow activity per epoch. Zero EpochSeconds turns
// enforcement off.
type Quota struct {
	MaxRequestsPerMin uint32 `toml:"MaxRequestsPerMin"`
	MaxValuePerEpoch  uint64 `toml:"MaxValuePerEpoch"`
	EpochSeconds      uint32 `toml:"EpochSeconds"`
}

type Logging struct {
	Level      string `toml:"Level"`
	FilePath   string `toml:"FilePath"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

type Telemetry struct {
	Enabled     bool    `toml:"Enabled"`
	Endpoint    string  `toml:"Endpoint"`
	Insecure    bool    `toml:"Insecure"`
	SampleRatio float64 `toml:"SampleRatio"`
}

type Gateway struct {
	LimitsFile        string   `toml:"LimitsFile"`
	AuthEnabled       bool     `toml:"AuthEnabled"`
	AuthSecret        string   `toml:"AuthSecret"`
	AuthIssuer        string   `toml:"AuthIssuer"`
	AllowedOrigins    []string `toml:"AllowedOrigins"`
	ReadRatePerMinute float64  `toml:"ReadRatePerMinute"`
	ReadBurst         int      `toml:"ReadBurst"`
	WriteRatePerMin   float64  `toml:"WriteRatePerMinute"`
	WriteBurst        int      `toml:"WriteBurst"`
}

// Pauses flips module kill switches. A paused module rejects every mutating
// operation until the flag is cleared.
type Pauses struct {
	Lending bool `toml:"Lending"`
}

func (p Pauses) IsPaused(module string) bool {
	switch module {
	case "lending":
		return p.Lending
	default:
		return false
	}
}

// StaticPrice seeds the manual oracle source at startup. Price is a decimal
// fraction such as "0.85" or a ratio such as "17/20".
type StaticPrice struct {
	Asset string `toml:"Asset"`
	Price string `toml:"Price"`
}

// Rat parses the configured price.
func (s StaticPrice) Rat() (*big.Rat, error) {
	trimmed := strings.TrimSpace(s.Price)
	if trimmed == "" {
		return nil, fmt.Errorf("price for %s is empty", s.Asset)
	}
	value, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return nil, fmt.Errorf("price %q for %s is not a valid rational", s.Price, s.Asset)
	}
	if value.Sign() <= 0 {
		return nil, fmt.Errorf("price for %s must be positive", s.Asset)
	}
	return value, nil
}

// Load reads the configuration at path, creating it with defaults when it
// does not exist.
func Load(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.RPCAddress) == "" {
		c.RPCAddress = ":8080"
	}
	if strings.TrimSpace(c.GatewayAddress) == "" {
		c.GatewayAddress = ":8081"
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./oxylend-data"
	}
	if strings.TrimSpace(c.Environment) == "" {
		c.Environment = "local"
	}
	if strings.TrimSpace(c.Logging.Level) == "" {
		c.Logging.Level = "info"
	}
	if c.Gateway.ReadRatePerMinute <= 0 {
		c.Gateway.ReadRatePerMinute = 600
	}
	if c.Gateway.ReadBurst <= 0 {
		c.Gateway.ReadBurst = 50
	}
	if c.Gateway.WriteRatePerMin <= 0 {
		c.Gateway.WriteRatePerMin = 120
	}
	if c.Gateway.WriteBurst <= 0 {
		c.Gateway.WriteBurst = 10
	}
}

// Validate checks cross-field constraints the TOML decoder cannot express.
func (c *Config) Validate() error {
	if c.Gateway.AuthEnabled && strings.TrimSpace(c.Gateway.AuthSecret) == "" {
		return fmt.Errorf("gateway auth enabled without an AuthSecret")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("telemetry SampleRatio must be within [0, 1]")
	}
	seen := make(map[string]struct{}, len(c.Prices))
	for _, price := range c.Prices {
		asset := strings.TrimSpace(price.Asset)
		if asset == "" {
			return fmt.Errorf("price entry missing asset")
		}
		if _, dup := seen[asset]; dup {
			return fmt.Errorf("duplicate price entry for %s", asset)
		}
		seen[asset] = struct{}{}
		if _, err := price.Rat(); err != nil {
			return err
		}
	}
	if err := c.Lending.Normalize(); err != nil {
		return fmt.Errorf("lending config: %w", err)
	}
	return nil
}

// RateLimits expresses the gateway throttle configuration in the middleware's
// terms, keyed by route group.
func (c *Config) RateLimits() map[string]middleware.RateLimit {
	return map[string]middleware.RateLimit{
		"lending.read":  {RequestsPerMinute: c.Gateway.ReadRatePerMinute, Burst: c.Gateway.ReadBurst},
		"lending.write": {RequestsPerMinute: c.Gateway.WriteRatePerMin, Burst: c.Gateway.WriteBurst},
	}
}

func createDefault(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
