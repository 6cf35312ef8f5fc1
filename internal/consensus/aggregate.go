package consensus

import (
	"math"
	"sort"
	"sync"
)

// AggregateConfig holds the aggregator tunables.
type AggregateConfig struct {
	OutlierThreshold float64 // z-score cutoff, default 2.5
	ClusterThreshold float64 // gap that splits clusters, default 0.15
	SmoothingFactor  float64 // default smoothing for parameters that omit one
}

// DefaultAggregateConfig returns the standard tuning.
func DefaultAggregateConfig() AggregateConfig {
	return AggregateConfig{
		OutlierThreshold: 2.5,
		ClusterThreshold: 0.15,
		SmoothingFactor:  0.3,
	}
}

const (
	// minOutlierCount is the smallest batch the z-score filter runs on.
	minOutlierCount = 4
	// minSigma below which the distribution is treated as degenerate
	// and the filter is skipped.
	minSigma = 1e-3
	// bimodalShare is the per-cluster weight share above which two
	// clusters flag crowd disagreement.
	bimodalShare = 0.30
)

type paramState struct {
	spec       ParameterSpec
	prev       float64
	skipSmooth bool
}

// Aggregator turns a tick's weighted inputs into one Result per
// registered parameter, carrying the smoothing state between ticks.
// It is driven only by the scheduler goroutine; the mutex guards the
// registration path, which performers may hit mid-performance.
type Aggregator struct {
	mu     sync.Mutex
	cfg    AggregateConfig
	params map[string]*paramState
	order  []string
}

// NewAggregator creates an aggregator with no registered parameters.
func NewAggregator(cfg AggregateConfig) *Aggregator {
	return &Aggregator{
		cfg:    cfg,
		params: make(map[string]*paramState),
	}
}

// Register adds a parameter. The parameter default seeds the smoothing
// state, so the first tick glides from the default rather than
// jumping. Parameters may be added but never removed; registering an
// existing name fails.
func (a *Aggregator) Register(spec ParameterSpec) error {
	if spec.Name == "" {
		return ErrInvalidParameter
	}
	if !spec.Mode.Valid() {
		return ErrInvalidMode
	}
	if spec.Smoothing < 0 || spec.Smoothing > 1 {
		return ErrInvalidSmoothing
	}
	if spec.Max <= spec.Min {
		return ErrInvalidBounds
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.params[spec.Name]; exists {
		return ErrParameterExists
	}
	a.params[spec.Name] = &paramState{spec: spec, prev: spec.Default}
	a.order = append(a.order, spec.Name)
	return nil
}

// Parameters returns the registered specs in registration order.
func (a *Aggregator) Parameters() []ParameterSpec {
	a.mu.Lock()
	defer a.mu.Unlock()
	specs := make([]ParameterSpec, 0, len(a.order))
	for _, name := range a.order {
		specs = append(specs, a.params[name].spec)
	}
	return specs
}

// Registered reports whether a parameter exists.
func (a *Aggregator) Registered(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.params[name]
	return ok
}

// Spec returns the spec for a registered parameter.
func (a *Aggregator) Spec(name string) (ParameterSpec, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st, ok := a.params[name]
	if !ok {
		return ParameterSpec{}, false
	}
	return st.spec, true
}

// SkipSmoothingOnce marks a parameter so its next tick emits the
// aggregate directly. Used by the scheduler after a lock override
// releases, so the value does not glide away from the pinned point.
func (a *Aggregator) SkipSmoothingOnce(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.params[name]; ok {
		st.skipSmooth = true
	}
}

// Compute produces the consensus result for one parameter from the
// tick's weighted inputs. The second return value carries the cluster
// analysis for majority-vote parameters, nil otherwise.
func (a *Aggregator) Compute(name string, inputs []WeightedInput, nowMs int64) (Result, *ClusterAnalysis) {
	a.mu.Lock()
	st, ok := a.params[name]
	if !ok {
		a.mu.Unlock()
		return Result{}, nil
	}
	spec := st.spec
	prev := st.prev
	skip := st.skipSmooth
	st.skipSmooth = false
	a.mu.Unlock()

	res := Result{
		Parameter: name,
		Mode:      spec.Mode,
		Timestamp: nowMs,
	}

	if len(inputs) == 0 {
		// Sparse window: hold the previous value, zero confidence.
		res.Value = prev
		a.store(name, prev)
		return res, nil
	}

	total := len(inputs)
	res.InputCount = total
	res.RawMean = rawMean(inputs)

	survivors := inputs
	if mu, sigma := weightedStats(inputs); total >= minOutlierCount && sigma >= minSigma {
		survivors = filterOutliers(inputs, mu, sigma, a.cfg.OutlierThreshold)
	}
	res.ParticipationRate = float64(len(survivors)) / float64(total)

	mean, sigma := weightedStats(survivors)
	if sigma < minSigma {
		// Below the degeneracy floor the spread is float accumulation
		// noise; a unanimous batch reports exactly zero.
		sigma = 0
	}
	res.WeightedMean = mean
	res.StdDev = sigma
	res.Confidence = math.Max(0, 1-2*sigma)

	var analysis *ClusterAnalysis
	target := mean
	switch spec.Mode {
	case ModeMedian:
		target = medianValue(survivors)
	case ModeMajority:
		ca := AnalyzeClusters(survivors, a.cfg.ClusterThreshold)
		analysis = &ca
		if ca.Dominant >= 0 {
			target = ca.Clusters[ca.Dominant].Centroid
		}
	}

	value := target
	if !skip {
		f := spec.Smoothing
		value = prev + f*(target-prev)
	}
	res.Value = clamp(value, spec.Min, spec.Max)
	a.store(name, res.Value)
	return res, analysis
}

func (a *Aggregator) store(name string, prev float64) {
	a.mu.Lock()
	if st, ok := a.params[name]; ok {
		st.prev = prev
	}
	a.mu.Unlock()
}

// rawMean is the unweighted mean over the pre-filter batch.
func rawMean(inputs []WeightedInput) float64 {
	sum := 0.0
	for _, in := range inputs {
		sum += in.Value
	}
	return sum / float64(len(inputs))
}

// weightedStats returns the weighted mean and weighted standard
// deviation of a batch.
func weightedStats(inputs []WeightedInput) (mean, sigma float64) {
	if len(inputs) == 0 {
		return 0, 0
	}
	var sumW, sumWV float64
	for _, in := range inputs {
		sumW += in.Weight
		sumWV += in.Weight * in.Value
	}
	if sumW == 0 {
		return 0, 0
	}
	mean = sumWV / sumW

	var sumWD float64
	for _, in := range inputs {
		d := in.Value - mean
		sumWD += in.Weight * d * d
	}
	return mean, math.Sqrt(sumWD / sumW)
}

// filterOutliers drops inputs whose z-score against the weighted
// distribution exceeds the threshold.
func filterOutliers(inputs []WeightedInput, mean, sigma, threshold float64) []WeightedInput {
	survivors := make([]WeightedInput, 0, len(inputs))
	for _, in := range inputs {
		if math.Abs(in.Value-mean)/sigma <= threshold {
			survivors = append(survivors, in)
		}
	}
	if len(survivors) == 0 {
		// A batch cannot outlie itself into oblivion; keep it intact.
		return inputs
	}
	return survivors
}

// medianValue is the weight-ignoring median of the batch. For an even
// count the tie resolves toward the lower index after a stable sort.
func medianValue(inputs []WeightedInput) float64 {
	values := make([]float64, len(inputs))
	for i, in := range inputs {
		values[i] = in.Value
	}
	sort.Stable(sort.Float64Slice(values))
	return values[(len(values)-1)/2]
}

// AnalyzeClusters sorts the surviving values ascending and splits on
// gaps wider than the threshold. Density is the sum of member
// weights; the dominant cluster is the densest, ties broken by
// ascending centroid (the first encountered in the walk). Entropy is
// reported in bits over the density shares.
func AnalyzeClusters(inputs []WeightedInput, threshold float64) ClusterAnalysis {
	analysis := ClusterAnalysis{Dominant: -1}
	if len(inputs) == 0 {
		return analysis
	}

	sorted := make([]WeightedInput, len(inputs))
	copy(sorted, inputs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Value < sorted[j].Value })

	var clusters []Cluster
	start := 0
	for i := 1; i <= len(sorted); i++ {
		if i < len(sorted) && sorted[i].Value-sorted[i-1].Value <= threshold {
			continue
		}
		clusters = append(clusters, buildCluster(sorted[start:i], threshold))
		start = i
	}

	totalDensity := 0.0
	for _, c := range clusters {
		totalDensity += c.Density
	}

	dominant := 0
	for i, c := range clusters {
		// Strict greater keeps the ascending-centroid tie-break.
		if c.Density > clusters[dominant].Density {
			dominant = i
		}
	}

	entropy := 0.0
	over30 := 0
	for _, c := range clusters {
		if totalDensity <= 0 {
			break
		}
		p := c.Density / totalDensity
		if p > 0 {
			entropy -= p * math.Log2(p)
		}
		if p > bimodalShare {
			over30++
		}
	}

	analysis.Clusters = clusters
	analysis.Dominant = dominant
	analysis.Entropy = entropy
	analysis.Bimodal = over30 >= 2
	return analysis
}

func buildCluster(members []WeightedInput, threshold float64) Cluster {
	c := Cluster{Members: make([]float64, len(members))}
	var sumWV float64
	for i, m := range members {
		c.Members[i] = m.Value
		c.Density += m.Weight
		sumWV += m.Weight * m.Value
	}
	if c.Density > 0 {
		c.Centroid = sumWV / c.Density
	}
	spread := members[len(members)-1].Value - members[0].Value
	if threshold > 0 {
		c.Coherence = math.Max(0, 1-spread/threshold)
	}
	return c
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
