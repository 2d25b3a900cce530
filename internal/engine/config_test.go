package engine

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundersignal/godscore/internal/domain/action"
	"github.com/foundersignal/godscore/internal/domain/feature"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().FreshnessHalfLifeDays, cfg.FreshnessHalfLifeDays)
	assert.Equal(t, Default().TopN, cfg.TopN)
}

func TestLoadFileWithOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := `
freshness_half_life_days: 7
top_n: 3
feature_weights:
  traction: 4.0
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7.0, cfg.FreshnessHalfLifeDays)
	assert.Equal(t, 3, cfg.TopN)
	assert.Equal(t, 4.0, cfg.Weight(feature.Traction))
	// Unset sections fall back to defaults.
	assert.Equal(t, Default().VerificationMultipliers, cfg.VerificationMultipliers)
	assert.Equal(t, 100.0, cfg.ClampMax)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("GODSCORE_HALF_LIFE_DAYS", "21")
	t.Setenv("GODSCORE_TOP_N", "7")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 21.0, cfg.FreshnessHalfLifeDays)
	assert.Equal(t, 7, cfg.TopN)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted clamp", func(c *Config) { c.ClampMax = -1 }},
		{"negative weight", func(c *Config) { c.FeatureWeights[feature.Traction] = -1 }},
		{"multiplier out of range", func(c *Config) { c.VerificationMultipliers[feature.TierVerified] = 1.5 }},
		{"unknown tier", func(c *Config) { c.VerificationMultipliers["platinum"] = 0.5 }},
		{"unknown impact", func(c *Config) { c.ProvisionalMultipliers["extreme"] = 0.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWeightDefaultsToOne(t *testing.T) {
	cfg := Config{}
	assert.Equal(t, 1.0, cfg.Weight(feature.MarketSize))
}

func TestProvisionalMultipliersDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 0.15, cfg.ProvisionalMultipliers[action.ImpactLow])
	assert.Equal(t, 0.25, cfg.ProvisionalMultipliers[action.ImpactMedium])
	assert.Equal(t, 0.35, cfg.ProvisionalMultipliers[action.ImpactHigh])
}

func TestProviderCachesUntilInvalidated(t *testing.T) {
	loads := 0
	p := NewProvider(func() (Config, error) {
		loads++
		return Default(), nil
	})

	_, err := p.Current()
	require.NoError(t, err)
	_, err = p.Current()
	require.NoError(t, err)
	assert.Equal(t, 1, loads)

	p.Invalidate()
	_, err = p.Current()
	require.NoError(t, err)
	assert.Equal(t, 2, loads)
}

func TestProviderPropagatesLoadError(t *testing.T) {
	boom := errors.New("bad config")
	p := NewProvider(func() (Config, error) { return Config{}, boom })

	_, err := p.Current()
	assert.ErrorIs(t, err, boom)
}
