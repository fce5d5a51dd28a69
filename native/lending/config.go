package lending

import (
	"fmt"
	"strings"
	"time"
)

// Config captures the runtime configuration for the lending module: the pool
// set declared at startup and the risk-evaluation settings.
type Config struct {
	MaxPriceAgeSeconds  uint64       `toml:"MaxPriceAgeSeconds" json:"maxPriceAgeSeconds"`
	WarningThresholdBps uint64       `toml:"WarningThresholdBps" json:"warningThresholdBps"`
	Pools               []PoolConfig `toml:"pool" json:"pools"`
}

// PoolConfig declares one pool to initialise at startup. Pools are created
// once; a declaration matching an existing pool is skipped, never updated.
type PoolConfig struct {
	Asset  string     `toml:"Asset" json:"asset"`
	Params RiskParams `toml:"params" json:"params"`
}

// Normalize applies defaults and validates every declared pool.
func (c *Config) Normalize() error {
	if c == nil {
		return nil
	}
	if c.MaxPriceAgeSeconds == 0 {
		c.MaxPriceAgeSeconds = 300
	}
	if c.WarningThresholdBps == 0 {
		c.WarningThresholdBps = 11_000
	}
	seen := make(map[string]struct{}, len(c.Pools))
	for i := range c.Pools {
		asset := strings.TrimSpace(c.Pools[i].Asset)
		if asset == "" {
			return errInvalidParams("pool declaration requires an asset")
		}
		if _, dup := seen[asset]; dup {
			return errInvalidParams(fmt.Sprintf("duplicate pool declaration for %s", asset))
		}
		seen[asset] = struct{}{}
		c.Pools[i].Asset = asset
		if err := c.Pools[i].Params.Validate(); err != nil {
			return fmt.Errorf("pool %s: %w", asset, err)
		}
	}
	return nil
}

// MaxPriceAge returns the configured oracle freshness window.
func (c *Config) MaxPriceAge() time.Duration {
	return time.Duration(c.MaxPriceAgeSeconds) * time.Second
}

// Apply configures the engine and initialises any declared pools that do not
// exist yet.
func (c *Config) Apply(engine *Engine) error {
	if c == nil || engine == nil {
		return nil
	}
	engine.SetMaxPriceAge(c.MaxPriceAge())
	engine.SetWarningThreshold(c.WarningThresholdBps)
	for _, decl := range c.Pools {
		existing, err := engine.state.GetPool(decl.Asset)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		if _, err := engine.InitPool(decl.Asset, decl.Params); err != nil {
			return err
		}
	}
	return nil
}
