// Package config defines the enumerated configuration surface of the
// engine. Options are a fixed struct, not an open bag: unknown keys
// fail at startup.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/livelab/crowdcue/internal/consensus"
)

// Position is a venue coordinate pair.
type Position struct {
	X float64 `yaml:"x"`
	Y float64 `yaml:"y"`
}

// Parameter declares an output parameter registered at startup.
type Parameter struct {
	Name    string         `yaml:"name"`
	Mode    consensus.Mode `yaml:"mode"`
	Default float64        `yaml:"default"`
	// Smoothing overrides the global smoothingFactor when set. Zero is
	// a valid (frozen) factor, so absence is a nil pointer.
	Smoothing *float64 `yaml:"smoothing"`
}

// Config is the full recognized option set. No other durable state
// exists; configuration is the sole durable surface.
type Config struct {
	// Scheduler
	TickPeriodMs int `yaml:"tickPeriodMs"`

	// Buffer and weighting
	TemporalWindowMs  int64    `yaml:"temporalWindowMs"`
	TemporalDecayRate float64  `yaml:"temporalDecayRate"`
	SpatialDecayRate  float64  `yaml:"spatialDecayRate"`
	ClusterThreshold  float64  `yaml:"clusterThreshold"`
	OutlierThreshold  float64  `yaml:"outlierThreshold"`
	SmoothingFactor   float64  `yaml:"smoothingFactor"`
	SpatialAlpha      float64  `yaml:"spatialAlpha"`
	TemporalBeta      float64  `yaml:"temporalBeta"`
	ConsensusGamma    float64  `yaml:"consensusGamma"`
	StagePosition     Position `yaml:"stagePosition"`

	// Sessions
	SessionIdleTimeoutMs int     `yaml:"sessionIdleTimeoutMs"`
	RateLimitHz          float64 `yaml:"rateLimitHz"`
	RateLimitBurst       int     `yaml:"rateLimitBurst"`

	// Bus
	SubscriberQueueSize int `yaml:"subscriberQueueSize"`

	// OSC bridge
	OSCEnabled    bool   `yaml:"oscEnabled"`
	OSCPrefix     string `yaml:"oscPrefix"`
	OSCLocalPort  int    `yaml:"oscLocalPort"`
	OSCRemoteHost string `yaml:"oscRemoteHost"`
	OSCRemotePort int    `yaml:"oscRemotePort"`

	// Server surface
	ListenAddr     string `yaml:"listenAddr"`
	PerformerToken string `yaml:"performerToken"`
	LogLevel       string `yaml:"logLevel"`

	// Initial parameter set
	Parameters []Parameter `yaml:"parameters"`
}

// Default returns the built-in configuration with the standard
// parameter set.
func Default() Config {
	return Config{
		TickPeriodMs:         50,
		TemporalWindowMs:     5000,
		TemporalDecayRate:    1.5,
		SpatialDecayRate:     2.0,
		ClusterThreshold:     0.15,
		OutlierThreshold:     2.5,
		SmoothingFactor:      0.3,
		SpatialAlpha:         0.4,
		TemporalBeta:         0.4,
		ConsensusGamma:       0.2,
		SessionIdleTimeoutMs: 60000,
		RateLimitHz:          20,
		RateLimitBurst:       40,
		SubscriberQueueSize:  64,
		OSCEnabled:           false,
		OSCPrefix:            "/crowdcue",
		OSCLocalPort:         9000,
		OSCRemoteHost:        "127.0.0.1",
		OSCRemotePort:        9001,
		ListenAddr:           "127.0.0.1:8080",
		LogLevel:             "info",
		Parameters: []Parameter{
			{Name: "mood", Mode: consensus.ModeWeightedAverage, Default: 0.5},
			{Name: "tempo", Mode: consensus.ModeWeightedAverage, Default: 0.5},
			{Name: "intensity", Mode: consensus.ModeWeightedAverage, Default: 0.5},
			{Name: "density", Mode: consensus.ModeMajority, Default: 0.5},
		},
	}
}

// Load reads a YAML file over the defaults. Unknown keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := parse(data, &cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate rejects configurations the core refuses to run with.
func (c Config) Validate() error {
	if c.TickPeriodMs <= 0 {
		return fmt.Errorf("tickPeriodMs must be positive, got %d", c.TickPeriodMs)
	}
	if c.TemporalWindowMs <= 0 {
		return fmt.Errorf("temporalWindowMs must be positive, got %d", c.TemporalWindowMs)
	}
	if c.SmoothingFactor < 0 || c.SmoothingFactor > 1 {
		return fmt.Errorf("smoothingFactor must be in [0,1], got %g", c.SmoothingFactor)
	}
	if c.ClusterThreshold <= 0 {
		return fmt.Errorf("clusterThreshold must be positive, got %g", c.ClusterThreshold)
	}
	if c.OutlierThreshold <= 0 {
		return fmt.Errorf("outlierThreshold must be positive, got %g", c.OutlierThreshold)
	}
	mix := c.SpatialAlpha + c.TemporalBeta + c.ConsensusGamma
	if mix < 0.99 || mix > 1.01 {
		return fmt.Errorf("weight mix spatialAlpha+temporalBeta+consensusGamma must sum to ~1, got %g", mix)
	}
	if c.RateLimitHz <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("rate limit must be positive (hz=%g burst=%d)", c.RateLimitHz, c.RateLimitBurst)
	}
	if c.SubscriberQueueSize <= 0 {
		return fmt.Errorf("subscriberQueueSize must be positive, got %d", c.SubscriberQueueSize)
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listenAddr must not be empty")
	}
	if c.OSCEnabled {
		if c.OSCRemoteHost == "" || c.OSCRemotePort <= 0 {
			return fmt.Errorf("oscRemoteHost and oscRemotePort are required when oscEnabled")
		}
		if c.OSCPrefix == "" || c.OSCPrefix[0] != '/' {
			return fmt.Errorf("oscPrefix must start with '/', got %q", c.OSCPrefix)
		}
	}
	seen := make(map[string]bool, len(c.Parameters))
	for _, p := range c.Parameters {
		if p.Name == "" {
			return fmt.Errorf("parameter name must not be empty")
		}
		if seen[p.Name] {
			return fmt.Errorf("duplicate parameter %q", p.Name)
		}
		seen[p.Name] = true
		if !p.Mode.Valid() {
			return fmt.Errorf("parameter %q: unknown mode %q", p.Name, p.Mode)
		}
		if p.Default < 0 || p.Default > 1 {
			return fmt.Errorf("parameter %q: default %g outside [0,1]", p.Name, p.Default)
		}
		if p.Smoothing != nil && (*p.Smoothing < 0 || *p.Smoothing > 1) {
			return fmt.Errorf("parameter %q: smoothing %g outside [0,1]", p.Name, *p.Smoothing)
		}
	}
	return nil
}

// TickPeriod returns the scheduler cadence as a duration.
func (c Config) TickPeriod() time.Duration {
	return time.Duration(c.TickPeriodMs) * time.Millisecond
}

// SessionIdleTimeout returns the idle timeout as a duration.
func (c Config) SessionIdleTimeout() time.Duration {
	return time.Duration(c.SessionIdleTimeoutMs) * time.Millisecond
}

// WeightConfig maps the option set onto the weighting core.
func (c Config) WeightConfig() consensus.WeightConfig {
	return consensus.WeightConfig{
		SpatialDecayRate:  c.SpatialDecayRate,
		TemporalDecayRate: c.TemporalDecayRate,
		ClusterThreshold:  c.ClusterThreshold,
		SpatialAlpha:      c.SpatialAlpha,
		TemporalBeta:      c.TemporalBeta,
		ConsensusGamma:    c.ConsensusGamma,
		TemporalWindowMs:  c.TemporalWindowMs,
		StagePosition:     consensus.Location{X: c.StagePosition.X, Y: c.StagePosition.Y},
	}
}

// AggregateConfig maps the option set onto the aggregator.
func (c Config) AggregateConfig() consensus.AggregateConfig {
	return consensus.AggregateConfig{
		OutlierThreshold: c.OutlierThreshold,
		ClusterThreshold: c.ClusterThreshold,
		SmoothingFactor:  c.SmoothingFactor,
	}
}

// ParameterSpecs expands the configured parameters into full specs.
// The current bounds are [0,1] for every parameter.
func (c Config) ParameterSpecs() []consensus.ParameterSpec {
	specs := make([]consensus.ParameterSpec, 0, len(c.Parameters))
	for _, p := range c.Parameters {
		smoothing := c.SmoothingFactor
		if p.Smoothing != nil {
			smoothing = *p.Smoothing
		}
		specs = append(specs, consensus.ParameterSpec{
			Name:      p.Name,
			Min:       0,
			Max:       1,
			Default:   p.Default,
			Smoothing: smoothing,
			Mode:      p.Mode,
		})
	}
	return specs
}
