package consensus

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/livelab/crowdcue/internal/metrics"
)

// State is the scheduler lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
)

// Emitter receives the tick outputs. The bus adapts itself to this so
// the core never depends on transport packages.
type Emitter interface {
	EmitUpdate(Result)
	EmitSnapshot(Snapshot)
}

// EngineConfig holds the scheduler tunables.
type EngineConfig struct {
	TickPeriod time.Duration // default 50ms (20 Hz)
}

// Engine is the consensus scheduler: one logical clock per performance
// instance driving buffer snapshot → weighting → aggregation →
// override mixing → emission. All results of one tick derive from a
// single buffer snapshot and a single override snapshot, so every
// emitted Snapshot is cross-parameter consistent.
type Engine struct {
	cfg     EngineConfig
	buffer  *Buffer
	weights WeightConfig
	agg     *Aggregator
	mixer   *Mixer
	emitter Emitter
	metrics *metrics.Registry

	mu          sync.Mutex
	state       State
	stopCh      chan struct{}
	doneCh      chan struct{}
	lastDropped uint64

	nowMs func() int64
}

// NewEngine wires the pipeline components into a scheduler. emitter
// and reg may be nil in tests.
func NewEngine(cfg EngineConfig, buf *Buffer, weights WeightConfig, agg *Aggregator, mixer *Mixer, emitter Emitter, reg *metrics.Registry) *Engine {
	if cfg.TickPeriod <= 0 {
		cfg.TickPeriod = 50 * time.Millisecond
	}
	return &Engine{
		cfg:     cfg,
		buffer:  buf,
		weights: weights,
		agg:     agg,
		mixer:   mixer,
		emitter: emitter,
		metrics: reg,
		state:   StateIdle,
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}
}

// State returns the current scheduler state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RegisterParameter adds an output parameter. Allowed in any state;
// the parameter joins the next tick.
func (e *Engine) RegisterParameter(spec ParameterSpec) error {
	return e.agg.Register(spec)
}

// Submit validates and buffers one audience input. The caller has
// already admitted and rate-limited the session. A replayed
// (session, parameter, timestamp) key returns ErrDuplicateInput so
// ingress does not announce an input the buffer discarded.
func (e *Engine) Submit(in Input) error {
	spec, ok := e.agg.Spec(in.Parameter)
	if !ok {
		return ErrUnknownParameter
	}
	if in.Value < spec.Min || in.Value > spec.Max {
		return ErrValueOutOfBounds
	}
	if !e.buffer.Append(in) {
		return ErrDuplicateInput
	}
	return nil
}

// Start moves the scheduler to running and launches the tick loop.
// Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateRunning || e.state == StateStopping {
		e.mu.Unlock()
		return nil
	}
	e.state = StateRunning
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	log.Info().Dur("tick_period", e.cfg.TickPeriod).Msg("consensus scheduler starting")
	go e.run(ctx, stopCh, doneCh)
	return nil
}

// Stop requests a stop. The in-flight tick always completes; the call
// returns once the loop has exited. Stopping a stopped engine is a
// no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.state != StateRunning {
		e.mu.Unlock()
		return
	}
	e.state = StateStopping
	stopCh, doneCh := e.stopCh, e.doneCh
	e.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (e *Engine) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer func() {
		e.mu.Lock()
		e.state = StateStopped
		e.mu.Unlock()
		close(doneCh)
		log.Info().Msg("consensus scheduler stopped")
	}()

	// time.Ticker drops missed ticks, which is exactly the aligned
	// no-catch-up behavior overruns require.
	ticker := time.NewTicker(e.cfg.TickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			e.Tick()
		}
	}
}

// Tick runs one consensus computation. Exported so tests and tooling
// can drive the pipeline without the wall clock.
func (e *Engine) Tick() Snapshot {
	start := time.Now()
	now := e.nowMs()

	e.buffer.Prune(now)
	buffered := e.buffer.SnapshotAll(now)
	overrides := e.mixer.Snapshot()

	specs := e.agg.Parameters()
	snapshot := Snapshot{Timestamp: now, Results: make([]Result, 0, len(specs))}

	for _, spec := range specs {
		weighted := e.weights.Weigh(buffered[spec.Name], now)
		res, _ := e.agg.Compute(spec.Name, weighted, now)

		effective, mode := Apply(overrides, spec.Name, res.Value, now)
		if mode != "" {
			res.Value = clamp(effective, spec.Min, spec.Max)
			res.OverrideMode = string(mode)
		}
		if mode == OverrideLock {
			// Do not glide away from the pinned point when the lock
			// releases.
			e.agg.SkipSmoothingOnce(spec.Name)
		}
		snapshot.Results = append(snapshot.Results, res)
	}

	if e.emitter != nil {
		for _, res := range snapshot.Results {
			e.emitter.EmitUpdate(res)
		}
		e.emitter.EmitSnapshot(snapshot)
	}
	e.observe(snapshot, time.Since(start))
	return snapshot
}

func (e *Engine) observe(snap Snapshot, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.TicksTotal.Inc()
	e.metrics.TickDuration.Observe(elapsed.Seconds())
	if elapsed > e.cfg.TickPeriod {
		e.metrics.TickOverruns.Inc()
		log.Warn().Dur("elapsed", elapsed).Dur("period", e.cfg.TickPeriod).Msg("tick overrun")
	}
	for _, res := range snap.Results {
		e.metrics.ConsensusValue.WithLabelValues(res.Parameter).Set(res.Value)
		e.metrics.ConsensusConfidence.WithLabelValues(res.Parameter).Set(res.Confidence)
	}
	if dropped := e.buffer.Dropped(); dropped > e.lastDropped {
		e.metrics.BufferDropped.Add(float64(dropped - e.lastDropped))
		e.lastDropped = dropped
	}
}

// Mixer exposes the override table for the performer surface.
func (e *Engine) Mixer() *Mixer {
	return e.mixer
}

// Buffer exposes the input buffer for the ingress surface.
func (e *Engine) Buffer() *Buffer {
	return e.buffer
}
