// Package bus is the typed in-process pub/sub connecting the consensus
// pipeline to its subscribers. Delivery is fire-and-forget over a
// bounded queue per subscriber; a slow or failing subscriber never
// blocks a publisher or a tick.
package bus

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/livelab/crowdcue/internal/consensus"
	"github.com/livelab/crowdcue/internal/metrics"
)

// Kind identifies an event type on the parameter bus.
type Kind string

const (
	KindConsensusUpdate   Kind = "consensus_update"
	KindConsensusSnapshot Kind = "consensus_snapshot"
	KindParticipantJoin   Kind = "participant_join"
	KindParticipantLeave  Kind = "participant_leave"
	KindOverrideSet       Kind = "override_set"
	KindOverrideCleared   Kind = "override_cleared"
	KindInputAccepted     Kind = "input_accepted"
	KindInputRejected     Kind = "input_rejected"
)

// Event is a single bus event. Payload is one of the typed payload
// structs below, or consensus.Result / consensus.Snapshot for the
// consensus kinds.
type Event struct {
	Kind      Kind
	Timestamp int64 // monotonic ms at publish
	Payload   any
}

// ParticipantEvent accompanies JOIN and LEAVE events.
type ParticipantEvent struct {
	SessionID string
	Count     int // active sessions after the change
}

// OverrideEvent accompanies OVERRIDE_SET and OVERRIDE_CLEARED events.
type OverrideEvent struct {
	Parameter string
	Override  *consensus.Override // nil on clear
}

// InputEvent accompanies INPUT_ACCEPTED and INPUT_REJECTED events.
type InputEvent struct {
	Input  consensus.Input
	Reason string // rejection reason code, empty when accepted
}

// Handler processes one event. Errors and panics are counted and
// isolated; they never reach the publisher.
type Handler func(Event) error

// DefaultQueueSize bounds each subscriber queue unless configured
// otherwise.
const DefaultQueueSize = 64

type subscriber struct {
	name    string
	kinds   map[Kind]bool
	queue   chan Event
	quit    chan struct{}
	done    chan struct{}
	handler Handler
	breaker *gobreaker.CircuitBreaker
}

func (s *subscriber) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// Bus is the parameter bus. It owns the subscriber list and the last
// published snapshot; late subscribers receive that snapshot on
// subscription.
type Bus struct {
	mu           sync.RWMutex
	subs         map[*Subscription]*subscriber
	queueSize    int
	metrics      *metrics.Registry
	lastSnapshot *consensus.Snapshot
	nowMs        func() int64
}

// Subscription is the opaque handle returned by Subscribe. Closing it
// detaches the subscriber and drains its goroutine.
type Subscription struct {
	bus  *Bus
	once sync.Once
}

// Close detaches the subscriber. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() { s.bus.remove(s) })
}

// New creates a bus with the given per-subscriber queue size (≤0 means
// DefaultQueueSize). The metrics registry may be nil in tests.
func New(queueSize int, reg *metrics.Registry) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[*Subscription]*subscriber),
		queueSize: queueSize,
		metrics:   reg,
		nowMs:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Subscribe attaches a handler for the given kinds (all kinds when
// none are listed). If a snapshot has already been published and the
// subscription covers snapshots, it is replayed first so the
// subscriber starts from current state.
func (b *Bus) Subscribe(name string, handler Handler, kinds ...Kind) *Subscription {
	sub := &subscriber{
		name:    name,
		kinds:   make(map[Kind]bool, len(kinds)),
		queue:   make(chan Event, b.queueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		handler: handler,
	}
	for _, k := range kinds {
		sub.kinds[k] = true
	}
	sub.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "bus-subscriber-" + name,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		Timeout: 5 * time.Second,
		OnStateChange: func(cbName string, from, to gobreaker.State) {
			log.Warn().Str("subscriber", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("bus subscriber breaker state changed")
		},
	})

	handle := &Subscription{bus: b}

	// The replay goes onto the queue before the subscriber becomes
	// visible to Publish, so a racing publish cannot slot a newer
	// snapshot ahead of it. The fresh queue is empty; the send cannot
	// block.
	b.mu.Lock()
	if b.lastSnapshot != nil && sub.wants(KindConsensusSnapshot) {
		sub.queue <- Event{
			Kind:      KindConsensusSnapshot,
			Timestamp: b.lastSnapshot.Timestamp,
			Payload:   *b.lastSnapshot,
		}
	}
	b.subs[handle] = sub
	b.mu.Unlock()

	go b.deliverLoop(sub)
	return handle
}

// Publish fans an event out to every matching subscriber. It never
// blocks: a full queue drops the incoming event for that subscriber
// and bumps the drop counter.
func (b *Bus) Publish(kind Kind, payload any) {
	ev := Event{Kind: kind, Timestamp: b.nowMs(), Payload: payload}

	b.mu.Lock()
	if kind == KindConsensusSnapshot {
		if snap, ok := payload.(consensus.Snapshot); ok {
			b.lastSnapshot = &snap
		}
	}
	targets := make([]*subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.wants(kind) {
			targets = append(targets, sub)
		}
	}
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.EventsPublished.WithLabelValues(string(kind)).Inc()
	}
	for _, sub := range targets {
		b.enqueue(sub, ev)
	}
}

// LastSnapshot returns the most recently published snapshot, if any.
func (b *Bus) LastSnapshot() (consensus.Snapshot, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.lastSnapshot == nil {
		return consensus.Snapshot{}, false
	}
	return *b.lastSnapshot, true
}

func (b *Bus) enqueue(sub *subscriber, ev Event) {
	select {
	case sub.queue <- ev:
	default:
		// Drop-newest: the subscriber keeps its backlog, the fresh
		// event is the casualty.
		if b.metrics != nil {
			b.metrics.EventsDropped.WithLabelValues(sub.name).Inc()
		}
	}
}

func (b *Bus) deliverLoop(sub *subscriber) {
	defer close(sub.done)
	for {
		select {
		case <-sub.quit:
			return
		case ev := <-sub.queue:
			b.dispatch(sub, ev)
		}
	}
}

// dispatch runs the handler behind the subscriber's breaker with panic
// isolation. A tripped breaker sheds events until its timeout expires.
func (b *Bus) dispatch(sub *subscriber, ev Event) {
	_, err := sub.breaker.Execute(func() (any, error) {
		return nil, runHandler(sub.handler, ev)
	})
	if err != nil {
		if b.metrics != nil {
			b.metrics.SubscriberErrors.WithLabelValues(sub.name).Inc()
		}
		log.Warn().Str("subscriber", sub.name).Str("kind", string(ev.Kind)).
			Err(err).Msg("bus subscriber error")
	}
}

func runHandler(h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return h(ev)
}

// PanicError wraps a recovered subscriber panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("subscriber panic: %v", e.Value)
}

func (b *Bus) remove(handle *Subscription) {
	b.mu.Lock()
	sub, ok := b.subs[handle]
	if ok {
		delete(b.subs, handle)
	}
	b.mu.Unlock()
	if ok {
		close(sub.quit)
		<-sub.done
	}
}

// Close detaches every subscriber.
func (b *Bus) Close() {
	b.mu.Lock()
	handles := make([]*Subscription, 0, len(b.subs))
	for h := range b.subs {
		handles = append(handles, h)
	}
	b.mu.Unlock()
	for _, h := range handles {
		h.Close()
	}
}
