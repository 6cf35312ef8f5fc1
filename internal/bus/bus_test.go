package bus

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livelab/crowdcue/internal/consensus"
)

type collector struct {
	mu     sync.Mutex
	events []Event
	seen   chan struct{}
}

func newCollector() *collector {
	return &collector{seen: make(chan struct{}, 128)}
}

func (c *collector) handle(ev Event) error {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	c.seen <- struct{}{}
	return nil
}

func (c *collector) wait(t *testing.T, n int) []Event {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.seen:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d of %d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestBus_PublishDeliversInOrder(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	col := newCollector()
	sub := b.Subscribe("orderly", col.handle, KindParticipantJoin)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(KindParticipantJoin, ParticipantEvent{SessionID: "s", Count: i + 1})
	}

	events := col.wait(t, 5)
	require.Len(t, events, 5)
	for i, ev := range events {
		payload := ev.Payload.(ParticipantEvent)
		assert.Equal(t, i+1, payload.Count, "delivery preserves publish order")
	}
}

func TestBus_KindFiltering(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	col := newCollector()
	sub := b.Subscribe("picky", col.handle, KindOverrideSet)
	defer sub.Close()

	b.Publish(KindParticipantJoin, ParticipantEvent{SessionID: "s", Count: 1})
	b.Publish(KindOverrideSet, OverrideEvent{Parameter: "mood"})

	events := col.wait(t, 1)
	require.Len(t, events, 1)
	assert.Equal(t, KindOverrideSet, events[0].Kind)
}

// A subscriber attaching mid-performance starts from the latest
// snapshot instead of waiting for the next tick.
func TestBus_LateSubscriberGetsSnapshot(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	snap := consensus.Snapshot{
		Timestamp: 4200,
		Results:   []consensus.Result{{Parameter: "mood", Value: 0.7}},
	}
	b.Publish(KindConsensusSnapshot, snap)

	col := newCollector()
	sub := b.Subscribe("latecomer", col.handle, KindConsensusSnapshot)
	defer sub.Close()

	events := col.wait(t, 1)
	require.Len(t, events, 1)
	got := events[0].Payload.(consensus.Snapshot)
	assert.Equal(t, int64(4200), got.Timestamp)
	assert.Equal(t, 0.7, got.Results[0].Value)

	last, ok := b.LastSnapshot()
	require.True(t, ok)
	assert.Equal(t, snap.Timestamp, last.Timestamp)
}

// However Subscribe interleaves with a concurrent Publish, the
// subscriber must never observe snapshots moving backwards in time:
// the replayed snapshot always precedes anything published after it.
func TestBus_ReplayNotOvertakenByPublish(t *testing.T) {
	for i := 0; i < 50; i++ {
		b := New(0, nil)
		b.Publish(KindConsensusSnapshot, consensus.Snapshot{Timestamp: 1})

		raced := make(chan struct{})
		go func() {
			b.Publish(KindConsensusSnapshot, consensus.Snapshot{Timestamp: 2})
			close(raced)
		}()

		col := newCollector()
		sub := b.Subscribe("late", col.handle, KindConsensusSnapshot)
		<-raced
		b.Publish(KindConsensusSnapshot, consensus.Snapshot{Timestamp: 3})

		waitForSnapshot(t, col, 3)
		col.mu.Lock()
		var prev int64
		for _, ev := range col.events {
			ts := ev.Payload.(consensus.Snapshot).Timestamp
			if ts < prev {
				col.mu.Unlock()
				t.Fatalf("snapshot went backwards: %d after %d", ts, prev)
			}
			prev = ts
		}
		col.mu.Unlock()

		sub.Close()
		b.Close()
	}
}

func waitForSnapshot(t *testing.T, col *collector, ts int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-col.seen:
			col.mu.Lock()
			last := col.events[len(col.events)-1].Payload.(consensus.Snapshot).Timestamp
			col.mu.Unlock()
			if last == ts {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the fencing snapshot")
		}
	}
}

// A panicking subscriber is isolated: the publisher never notices and
// later events still arrive.
func TestBus_PanicIsolation(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	col := newCollector()
	bomb := b.Subscribe("bomb", func(ev Event) error {
		if ev.Payload.(ParticipantEvent).Count == 1 {
			panic("boom")
		}
		return col.handle(ev)
	}, KindParticipantJoin)
	defer bomb.Close()

	b.Publish(KindParticipantJoin, ParticipantEvent{Count: 1})
	b.Publish(KindParticipantJoin, ParticipantEvent{Count: 2})

	events := col.wait(t, 1)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Payload.(ParticipantEvent).Count)
}

func TestBus_FailingHandlerDoesNotBlockOthers(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	failing := b.Subscribe("failing", func(Event) error {
		return errors.New("downstream broken")
	}, KindParticipantJoin)
	defer failing.Close()

	col := newCollector()
	healthy := b.Subscribe("healthy", col.handle, KindParticipantJoin)
	defer healthy.Close()

	b.Publish(KindParticipantJoin, ParticipantEvent{Count: 1})
	events := col.wait(t, 1)
	assert.Len(t, events, 1)
}

// A stalled subscriber loses the newest events once its queue is full;
// everything already queued survives.
func TestBus_FullQueueDropsNewest(t *testing.T) {
	const queueSize = 4
	b := New(queueSize, nil)
	defer b.Close()

	started := make(chan struct{})
	gate := make(chan struct{})
	col := newCollector()
	sub := b.Subscribe("stalled", func(ev Event) error {
		if ev.Payload.(ParticipantEvent).Count == 0 {
			close(started)
			<-gate
			return nil
		}
		return col.handle(ev)
	}, KindParticipantJoin)
	defer sub.Close()

	// Park the delivery goroutine inside the handler, then overfill.
	b.Publish(KindParticipantJoin, ParticipantEvent{Count: 0})
	<-started
	for i := 1; i <= queueSize+3; i++ {
		b.Publish(KindParticipantJoin, ParticipantEvent{Count: i})
	}
	close(gate)

	events := col.wait(t, queueSize)
	require.Len(t, events, queueSize)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Payload.(ParticipantEvent).Count, "oldest queued events survive")
	}

	select {
	case <-col.seen:
		t.Fatal("overflow events should have been dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscription_CloseIdempotent(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	sub := b.Subscribe("closer", func(Event) error { return nil })
	sub.Close()
	sub.Close()

	// Publishing after close must not panic or deliver.
	b.Publish(KindParticipantJoin, ParticipantEvent{Count: 1})
}

func TestEmitter_PublishesConsensusKinds(t *testing.T) {
	b := New(0, nil)
	defer b.Close()

	col := newCollector()
	sub := b.Subscribe("sink", col.handle, KindConsensusUpdate, KindConsensusSnapshot)
	defer sub.Close()

	em := NewEmitter(b)
	em.EmitUpdate(consensus.Result{Parameter: "mood", Value: 0.6})
	em.EmitSnapshot(consensus.Snapshot{Timestamp: 100})

	events := col.wait(t, 2)
	require.Len(t, events, 2)
	assert.Equal(t, KindConsensusUpdate, events[0].Kind)
	assert.Equal(t, KindConsensusSnapshot, events[1].Kind)
}
