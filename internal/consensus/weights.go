package consensus

import (
	"math"
	"sort"
)

// Weighting constants.
const (
	// MinWeight is the floor every combined weight is clamped to.
	MinWeight = 0.001
	// venueScale normalizes distances to venue units.
	venueScale = 100.0
	// temporalFloor is the temporal weight for inputs older than the
	// window that have not been pruned yet.
	temporalFloor = 0.01
	// noLocationWeight is the spatial weight for inputs without a
	// reported location.
	noLocationWeight = 0.5
)

// WeightConfig holds the weighting core tunables.
type WeightConfig struct {
	SpatialDecayRate  float64 // α in exp(−α·d/D), default 2.0
	TemporalDecayRate float64 // β in exp(−β·age/window), default 1.5
	ClusterThreshold  float64 // agreement radius, default 0.15
	SpatialAlpha      float64 // mix share of spatial weight, default 0.4
	TemporalBeta      float64 // mix share of temporal weight, default 0.4
	ConsensusGamma    float64 // mix share of agreement weight, default 0.2
	TemporalWindowMs  int64
	StagePosition     Location
}

// DefaultWeightConfig returns the standard tuning.
func DefaultWeightConfig() WeightConfig {
	return WeightConfig{
		SpatialDecayRate:  2.0,
		TemporalDecayRate: 1.5,
		ClusterThreshold:  0.15,
		SpatialAlpha:      0.4,
		TemporalBeta:      0.4,
		ConsensusGamma:    0.2,
		TemporalWindowMs:  5000,
	}
}

// SpatialWeight maps distance from the stage to (0,1]. Inputs without
// a location get a neutral 0.5.
func SpatialWeight(loc *Location, stage Location, decayRate float64) float64 {
	if loc == nil {
		return noLocationWeight
	}
	dx := loc.X - stage.X
	dy := loc.Y - stage.Y
	d := math.Sqrt(dx*dx + dy*dy)
	return math.Exp(-decayRate * d / venueScale)
}

// TemporalWeight decays with input age within the window and floors at
// 0.01 beyond it.
func TemporalWeight(ageMs, windowMs int64, decayRate float64) float64 {
	if windowMs <= 0 || ageMs > windowMs {
		return temporalFloor
	}
	if ageMs < 0 {
		ageMs = 0
	}
	return math.Exp(-decayRate * float64(ageMs) / float64(windowMs))
}

// AgreementWeights returns, for each value, the fraction of the other
// same-tick values lying within threshold of it. With one or zero
// peers every weight is 1. Computed over a sorted copy with a sliding
// window so the whole batch costs O(N log N) instead of N².
func AgreementWeights(values []float64, threshold float64) []float64 {
	n := len(values)
	weights := make([]float64, n)
	if n <= 2 {
		// ≤1 peer per input
		for i := range weights {
			weights[i] = 1.0
		}
		return weights
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return values[order[a]] < values[order[b]] })

	lo, hi := 0, 0
	for pos, idx := range order {
		v := values[idx]
		for lo < n && values[order[lo]] < v-threshold {
			lo++
		}
		if hi < pos {
			hi = pos
		}
		for hi+1 < n && values[order[hi+1]] <= v+threshold {
			hi++
		}
		neighbors := hi - lo // window size minus self
		weights[idx] = float64(neighbors) / float64(n-1)
	}
	return weights
}

// CombineWeight mixes the three stage weights and clamps to
// [MinWeight, 1].
func (c WeightConfig) CombineWeight(spatial, temporal, agreement float64) float64 {
	w := spatial*c.SpatialAlpha + temporal*c.TemporalBeta + agreement*c.ConsensusGamma
	if w < MinWeight {
		return MinWeight
	}
	if w > 1 {
		return 1
	}
	return w
}

// Weigh derives the per-tick weighted inputs for one parameter's
// snapshot. The agreement stage sees the whole batch; the spatial and
// temporal stages are per input.
func (c WeightConfig) Weigh(inputs []Input, nowMs int64) []WeightedInput {
	if len(inputs) == 0 {
		return nil
	}

	values := make([]float64, len(inputs))
	for i, in := range inputs {
		values[i] = in.Value
	}
	agreement := AgreementWeights(values, c.ClusterThreshold)

	weighted := make([]WeightedInput, len(inputs))
	for i, in := range inputs {
		ws := SpatialWeight(in.Location, c.StagePosition, c.SpatialDecayRate)
		wt := TemporalWeight(nowMs-in.Timestamp, c.TemporalWindowMs, c.TemporalDecayRate)
		weighted[i] = WeightedInput{
			Input:           in,
			SpatialWeight:   ws,
			TemporalWeight:  wt,
			AgreementWeight: agreement[i],
			Weight:          c.CombineWeight(ws, wt, agreement[i]),
		}
	}
	return weighted
}
