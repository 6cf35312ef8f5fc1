package consensus

import (
	"errors"
	"sync"
)

// OverrideMode selects how a performer override combines with the
// audience consensus.
type OverrideMode string

const (
	OverrideAbsolute OverrideMode = "absolute"
	OverrideLock     OverrideMode = "lock"
	OverrideBlend    OverrideMode = "blend"
)

// DefaultBlendFactor is used when a blend override omits one.
const DefaultBlendFactor = 0.5

var (
	ErrInvalidOverrideMode = errors.New("unknown override mode")
	ErrInvalidBlendFactor  = errors.New("blend factor must be in [0,1]")
)

// Override is a performer-issued directive pinning or biasing a
// parameter. ExpiresAt is a monotonic ms deadline; zero means no
// expiry. BlendFactor is a pointer because zero is a valid factor
// (pure consensus); absence is nil.
type Override struct {
	Parameter   string       `json:"parameter"`
	Mode        OverrideMode `json:"mode"`
	Value       float64      `json:"value"`
	BlendFactor *float64     `json:"blend_factor,omitempty"`
	ExpiresAt   int64        `json:"expires_at,omitempty"`
}

// Active reports whether the override is honored at now: always when
// no expiry is set, otherwise only before the deadline.
func (o Override) Active(nowMs int64) bool {
	return o.ExpiresAt == 0 || o.ExpiresAt > nowMs
}

// Mixer owns the active override table. Setting an override for a
// parameter replaces the previous one atomically; expiry is evaluated
// at the moment of application.
type Mixer struct {
	mu        sync.RWMutex
	overrides map[string]Override
}

// NewMixer creates an empty override mixer.
func NewMixer() *Mixer {
	return &Mixer{overrides: make(map[string]Override)}
}

// Set installs an override, replacing any previous one for the same
// parameter.
func (m *Mixer) Set(o Override) error {
	switch o.Mode {
	case OverrideAbsolute, OverrideLock:
	case OverrideBlend:
		if o.BlendFactor == nil {
			k := DefaultBlendFactor
			o.BlendFactor = &k
		}
		if *o.BlendFactor < 0 || *o.BlendFactor > 1 {
			return ErrInvalidBlendFactor
		}
	default:
		return ErrInvalidOverrideMode
	}

	m.mu.Lock()
	m.overrides[o.Parameter] = o
	m.mu.Unlock()
	return nil
}

// Clear removes the override for a parameter, reporting whether one
// was present.
func (m *Mixer) Clear(parameter string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.overrides[parameter]
	delete(m.overrides, parameter)
	return ok
}

// Get returns the stored override for a parameter regardless of
// expiry.
func (m *Mixer) Get(parameter string) (Override, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.overrides[parameter]
	return o, ok
}

// Snapshot copies the override table so a tick applies one coherent
// override state across all parameters.
func (m *Mixer) Snapshot() map[string]Override {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := make(map[string]Override, len(m.overrides))
	for k, v := range m.overrides {
		snap[k] = v
	}
	return snap
}

// Apply mixes an override from a tick's snapshot into the consensus
// value. It returns the effective value and the mode that produced it
// ("" when no active override applied).
func Apply(overrides map[string]Override, parameter string, consensus float64, nowMs int64) (float64, OverrideMode) {
	o, ok := overrides[parameter]
	if !ok || !o.Active(nowMs) {
		return consensus, ""
	}
	switch o.Mode {
	case OverrideAbsolute, OverrideLock:
		return o.Value, o.Mode
	case OverrideBlend:
		k := DefaultBlendFactor
		if o.BlendFactor != nil {
			k = *o.BlendFactor
		}
		return (1-k)*consensus + k*o.Value, o.Mode
	}
	return consensus, ""
}
