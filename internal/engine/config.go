package engine

import (
	"fmt"
	"os"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/domain/blockers"
	"github.com/foundersignal/godscore/internal/domain/delta"
	"github.com/foundersignal/godscore/internal/domain/feature"
)

// GodWeights are the coefficients of the canonical adjustment applied on a
// verified lift. PenaltyPerBlocker is retained for config parity but the
// adjustment formula does not consume it.
type GodWeights struct {
	Signal           float64 `yaml:"signal"`
	Traction         float64 `yaml:"traction"`
	InvestorIntent   float64 `yaml:"investor_intent"`
	PenaltyPerBlocker float64 `yaml:"penalty_per_blocker"`
}

// Config is the full scoring configuration. It is read-mostly: load once,
// cache behind a Provider, invalidate on external update.
type Config struct {
	FreshnessHalfLifeDays float64 `yaml:"freshness_half_life_days"`
	ClampMin              float64 `yaml:"clamp_min"`
	ClampMax              float64 `yaml:"clamp_max"`
	TopN                  int     `yaml:"top_n"`

	FeatureWeights          map[feature.ID]float64   `yaml:"feature_weights"`
	VerificationMultipliers feature.Multipliers      `yaml:"verification_multipliers"`
	ProvisionalMultipliers  map[action.Impact]float64 `yaml:"provisional_multipliers"`
	GodWeights              GodWeights               `yaml:"god_weights"`

	Blockers blockers.Config `yaml:"blockers"`
}

// Default returns the stock configuration.
func Default() Config {
	return Config{
		FreshnessHalfLifeDays: feature.DefaultHalfLifeDays,
		ClampMin:              0,
		ClampMax:              100,
		TopN:                  5,
		FeatureWeights: map[feature.ID]float64{
			feature.Traction:           3.0,
			feature.FounderVelocity:    2.5,
			feature.InvestorIntent:     2.5,
			feature.CapitalConvergence: 2.0,
			feature.MarketBeliefShift:  1.5,
			feature.TeamStrength:       1.5,
			feature.ProductQuality:     1.5,
			feature.MarketSize:         1.0,
		},
		VerificationMultipliers: feature.DefaultMultipliers(),
		ProvisionalMultipliers: map[action.Impact]float64{
			action.ImpactLow:    0.15,
			action.ImpactMedium: 0.25,
			action.ImpactHigh:   0.35,
		},
		GodWeights: GodWeights{
			Signal:           0.25,
			Traction:         0.35,
			InvestorIntent:   0.20,
			PenaltyPerBlocker: 0.5,
		},
		Blockers: blockers.DefaultConfig(),
	}
}

// Load reads configuration from an optional YAML file, applies environment
// overrides, and fills defaults for anything left unset.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return Config{}, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}
	applyEnvOverrides(&cfg)
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GODSCORE_HALF_LIFE_DAYS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FreshnessHalfLifeDays = f
		}
	}
	if v := os.Getenv("GODSCORE_TOP_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TopN = n
		}
	}
	if v := os.Getenv("GODSCORE_CLAMP_MAX"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.ClampMax = f
		}
	}
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.FreshnessHalfLifeDays <= 0 {
		c.FreshnessHalfLifeDays = def.FreshnessHalfLifeDays
	}
	if c.ClampMax == 0 {
		c.ClampMax = def.ClampMax
	}
	if c.TopN <= 0 {
		c.TopN = def.TopN
	}
	if len(c.FeatureWeights) == 0 {
		c.FeatureWeights = def.FeatureWeights
	}
	if len(c.VerificationMultipliers) == 0 {
		c.VerificationMultipliers = def.VerificationMultipliers
	}
	if len(c.ProvisionalMultipliers) == 0 {
		c.ProvisionalMultipliers = def.ProvisionalMultipliers
	}
	if c.GodWeights == (GodWeights{}) {
		c.GodWeights = def.GodWeights
	}
	if c.Blockers.HalfLifeDays <= 0 {
		c.Blockers.HalfLifeDays = c.FreshnessHalfLifeDays
	}
	if len(c.Blockers.Texts) == 0 {
		c.Blockers.Texts = def.Blockers.Texts
	}
}

// Validate rejects configurations the engine cannot score with.
func (c Config) Validate() error {
	if c.ClampMax <= c.ClampMin {
		return fmt.Errorf("clamp_max %.2f must exceed clamp_min %.2f", c.ClampMax, c.ClampMin)
	}
	for id, w := range c.FeatureWeights {
		if w < 0 {
			return fmt.Errorf("feature weight for %s is negative: %.3f", id, w)
		}
	}
	for tier, m := range c.VerificationMultipliers {
		if !tier.Valid() {
			return fmt.Errorf("unknown verification tier %q in multipliers", tier)
		}
		if m < 0 || m > 1 {
			return fmt.Errorf("verification multiplier for %s out of [0,1]: %.3f", tier, m)
		}
	}
	for impact, m := range c.ProvisionalMultipliers {
		if !impact.Valid() {
			return fmt.Errorf("unknown impact %q in provisional multipliers", impact)
		}
		if m < 0 || m > 1 {
			return fmt.Errorf("provisional multiplier for %s out of [0,1]: %.3f", impact, m)
		}
	}
	return nil
}

// Weight resolves the configured weight for a feature, defaulting to 1.0.
func (c Config) Weight(id feature.ID) float64 {
	if w, ok := c.FeatureWeights[id]; ok {
		return w
	}
	return 1.0
}

// DeltaConfig projects the decomposition bounds.
func (c Config) DeltaConfig() delta.Config {
	return delta.Config{
		ClampMin:     c.ClampMin,
		ClampMax:     c.ClampMax,
		TopN:         c.TopN,
		HalfLifeDays: c.FreshnessHalfLifeDays,
	}
}

// Provider caches a loaded Config and rebuilds it on demand after
// Invalidate. Safe for concurrent use.
type Provider struct {
	mu     sync.RWMutex
	cached *Config
	load   func() (Config, error)
}

// NewProvider wraps a load function. A nil load function yields defaults.
func NewProvider(load func() (Config, error)) *Provider {
	if load == nil {
		load = func() (Config, error) { return Default(), nil }
	}
	return &Provider{load: load}
}

// StaticProvider serves a fixed config; used by tests and embedders that
// manage configuration themselves.
func StaticProvider(cfg Config) *Provider {
	return NewProvider(func() (Config, error) { return cfg, nil })
}

// Current returns the cached config, loading it on first use.
func (p *Provider) Current() (Config, error) {
	p.mu.RLock()
	if p.cached != nil {
		cfg := *p.cached
		p.mu.RUnlock()
		return cfg, nil
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cached != nil {
		return *p.cached, nil
	}
	cfg, err := p.load()
	if err != nil {
		return Config{}, err
	}
	p.cached = &cfg
	return cfg, nil
}

// Invalidate drops the cached config so the next Current reloads.
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}
