package bus

import (
	"github.com/livelab/crowdcue/internal/consensus"
)

// Emitter adapts the bus to the consensus engine's output port.
type Emitter struct {
	bus *Bus
}

// NewEmitter wraps a bus for the engine.
func NewEmitter(b *Bus) *Emitter {
	return &Emitter{bus: b}
}

// EmitUpdate publishes a per-parameter consensus update.
func (e *Emitter) EmitUpdate(res consensus.Result) {
	e.bus.Publish(KindConsensusUpdate, res)
}

// EmitSnapshot publishes the whole-tick snapshot.
func (e *Emitter) EmitSnapshot(snap consensus.Snapshot) {
	e.bus.Publish(KindConsensusSnapshot, snap)
}
