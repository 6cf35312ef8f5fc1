package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livelab/crowdcue/internal/consensus"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crowdcue.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50*time.Millisecond, cfg.TickPeriod())
	assert.Equal(t, 60*time.Second, cfg.SessionIdleTimeout())
	assert.Len(t, cfg.Parameters, 4)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
tickPeriodMs: 100
temporalWindowMs: 3000
oscEnabled: true
oscRemoteHost: 192.168.1.50
parameters:
  - name: mood
    mode: median
    default: 0.4
  - name: texture
    mode: weighted_average
    default: 0.5
    smoothing: 0
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.TickPeriodMs)
	assert.Equal(t, int64(3000), cfg.TemporalWindowMs)
	assert.Equal(t, "192.168.1.50", cfg.OSCRemoteHost)
	assert.Equal(t, 0.3, cfg.SmoothingFactor, "untouched keys keep defaults")

	require.Len(t, cfg.Parameters, 2)
	assert.Equal(t, consensus.ModeMedian, cfg.Parameters[0].Mode)
	require.NotNil(t, cfg.Parameters[1].Smoothing)
	assert.Equal(t, 0.0, *cfg.Parameters[1].Smoothing, "explicit zero smoothing survives as frozen")
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	path := writeConfig(t, "tickPeriodMs: 50\nshinyNewOption: true\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shinyNewOption")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate_Rejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick", func(c *Config) { c.TickPeriodMs = 0 }},
		{"zero window", func(c *Config) { c.TemporalWindowMs = 0 }},
		{"smoothing above one", func(c *Config) { c.SmoothingFactor = 1.2 }},
		{"weight mix off", func(c *Config) { c.SpatialAlpha = 0.8 }},
		{"zero burst", func(c *Config) { c.RateLimitBurst = 0 }},
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"osc prefix without slash", func(c *Config) {
			c.OSCEnabled = true
			c.OSCPrefix = "crowdcue"
		}},
		{"duplicate parameter", func(c *Config) {
			c.Parameters = append(c.Parameters, Parameter{Name: "mood", Mode: consensus.ModeMedian, Default: 0.5})
		}},
		{"parameter default out of range", func(c *Config) {
			c.Parameters[0].Default = 1.5
		}},
		{"parameter mode unknown", func(c *Config) {
			c.Parameters[0].Mode = "plurality"
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParameterSpecs(t *testing.T) {
	cfg := Default()
	frozen := 0.0
	cfg.Parameters = []Parameter{
		{Name: "mood", Mode: consensus.ModeWeightedAverage, Default: 0.5},
		{Name: "texture", Mode: consensus.ModeMedian, Default: 0.2, Smoothing: &frozen},
	}

	specs := cfg.ParameterSpecs()
	require.Len(t, specs, 2)

	assert.Equal(t, cfg.SmoothingFactor, specs[0].Smoothing, "global factor fills the gap")
	assert.Equal(t, 0.0, specs[1].Smoothing, "per-parameter zero wins over the global")
	assert.Equal(t, 0.0, specs[0].Min)
	assert.Equal(t, 1.0, specs[0].Max)
}

func TestWeightAndAggregateMapping(t *testing.T) {
	cfg := Default()
	cfg.StagePosition = Position{X: 50, Y: 10}

	wc := cfg.WeightConfig()
	assert.Equal(t, 50.0, wc.StagePosition.X)
	assert.Equal(t, cfg.TemporalWindowMs, wc.TemporalWindowMs)

	ac := cfg.AggregateConfig()
	assert.Equal(t, cfg.OutlierThreshold, ac.OutlierThreshold)
	assert.Equal(t, cfg.ClusterThreshold, ac.ClusterThreshold)
}
