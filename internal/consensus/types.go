package consensus

// Mode selects how the aggregator combines surviving inputs for a
// parameter.
type Mode string

const (
	ModeWeightedAverage Mode = "weighted_average"
	ModeMedian          Mode = "median"
	ModeMajority        Mode = "majority"
)

// Valid reports whether m is a recognized consensus mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeWeightedAverage, ModeMedian, ModeMajority:
		return true
	}
	return false
}

// Location is a position in venue units.
type Location struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Input is a single audience submission. Immutable once accepted.
type Input struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Parameter string    `json:"parameter"`
	Value     float64   `json:"value"`
	Timestamp int64     `json:"timestamp"` // monotonic ms
	Location  *Location `json:"location,omitempty"`
}

// WeightedInput is an Input augmented with the per-tick weights of the
// weighting core. Derived each tick, never stored.
type WeightedInput struct {
	Input
	SpatialWeight   float64
	TemporalWeight  float64
	AgreementWeight float64
	Weight          float64 // combined, clamped to [0.001, 1]
}

// ParameterSpec is a registered output parameter. Parameters may be
// added during a performance but never removed.
type ParameterSpec struct {
	Name      string  `json:"name" yaml:"name"`
	Min       float64 `json:"min" yaml:"min"`
	Max       float64 `json:"max" yaml:"max"`
	Default   float64 `json:"default" yaml:"default"`
	Smoothing float64 `json:"smoothing" yaml:"smoothing"` // [0,1]; 0 frozen, 1 instantaneous
	Mode      Mode    `json:"mode" yaml:"mode"`
}

// Result is the consensus output for one parameter at one tick.
type Result struct {
	Parameter         string  `json:"parameter"`
	Value             float64 `json:"value"`
	Confidence        float64 `json:"confidence"` // [0,1]
	InputCount        int     `json:"input_count"`
	Timestamp         int64   `json:"timestamp"` // tick time, monotonic ms
	Mode              Mode    `json:"mode"`
	RawMean           float64 `json:"raw_mean"`
	WeightedMean      float64 `json:"weighted_mean"`
	StdDev            float64 `json:"std_dev"`
	ParticipationRate float64 `json:"participation_rate"` // survivors/original, ≤1
	OverrideMode      string  `json:"override_mode,omitempty"`
}

// Snapshot is a coherent cross-parameter observation from a single
// tick. Results are ordered by parameter registration order and all
// share the same timestamp.
type Snapshot struct {
	Timestamp int64    `json:"timestamp"`
	Results   []Result `json:"results"`
}

// Get returns the result for a parameter, if present.
func (s *Snapshot) Get(parameter string) (Result, bool) {
	for _, r := range s.Results {
		if r.Parameter == parameter {
			return r, true
		}
	}
	return Result{}, false
}

// Values returns the parameter→value mapping of the snapshot.
func (s *Snapshot) Values() map[string]float64 {
	values := make(map[string]float64, len(s.Results))
	for _, r := range s.Results {
		values[r.Parameter] = r.Value
	}
	return values
}

// Cluster is a contiguous group of nearby input values found during
// majority-vote analysis.
type Cluster struct {
	Centroid  float64   `json:"centroid"`
	Members   []float64 `json:"members"`
	Density   float64   `json:"density"`   // sum of member weights
	Coherence float64   `json:"coherence"` // 1 − spread/threshold, in [0,1]
}

// ClusterAnalysis is the per-tick clustering report for a
// majority-vote parameter.
type ClusterAnalysis struct {
	Clusters []Cluster `json:"clusters"`
	Dominant int       `json:"dominant"` // index into Clusters, -1 when empty
	Entropy  float64   `json:"entropy"`  // bits over density shares
	Bimodal  bool      `json:"bimodal"`  // two clusters each >30% of weight
}
