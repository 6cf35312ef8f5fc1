package consensus

import (
	"sync"
)

// DefaultBufferCap is the hard per-parameter entry cap applied on top
// of the temporal window.
const DefaultBufferCap = 10000

type dedupeKey struct {
	sessionID string
	timestamp int64
}

type paramRing struct {
	entries []Input
	seen    map[dedupeKey]struct{}
}

// Buffer keeps a per-parameter sliding window of recent audience
// inputs. Appends from many connections funnel through one mutex; all
// reads are immutable copies. Overflow evicts the oldest entry and
// bumps a drop counter rather than blocking.
type Buffer struct {
	mu       sync.RWMutex
	windowMs int64
	cap      int
	params   map[string]*paramRing
	dropped  uint64
	accepted uint64
}

// NewBuffer creates a buffer with the given temporal window in
// milliseconds and a per-parameter hard cap. A cap ≤ 0 falls back to
// DefaultBufferCap.
func NewBuffer(windowMs int64, capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultBufferCap
	}
	return &Buffer{
		windowMs: windowMs,
		cap:      capacity,
		params:   make(map[string]*paramRing),
	}
}

// Append adds an input to its parameter's window. Appends are
// idempotent on (sessionID, parameter, timestamp); duplicates are
// discarded and reported as false.
func (b *Buffer) Append(in Input) bool {
	key := dedupeKey{sessionID: in.SessionID, timestamp: in.Timestamp}

	b.mu.Lock()
	defer b.mu.Unlock()

	ring, ok := b.params[in.Parameter]
	if !ok {
		ring = &paramRing{seen: make(map[dedupeKey]struct{})}
		b.params[in.Parameter] = ring
	}

	if _, dup := ring.seen[key]; dup {
		return false
	}

	if len(ring.entries) >= b.cap {
		oldest := ring.entries[0]
		delete(ring.seen, dedupeKey{sessionID: oldest.SessionID, timestamp: oldest.Timestamp})
		ring.entries = ring.entries[1:]
		b.dropped++
	}

	ring.entries = append(ring.entries, in)
	ring.seen[key] = struct{}{}
	b.accepted++
	return true
}

// Snapshot returns an immutable copy of the inputs for one parameter
// that fall within the temporal window at now.
func (b *Buffer) Snapshot(parameter string, nowMs int64) []Input {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ring, ok := b.params[parameter]
	if !ok {
		return nil
	}
	return copyWindow(ring.entries, nowMs-b.windowMs)
}

// SnapshotAll copies every parameter's window under a single lock so
// the caller observes one coherent cross-parameter state.
func (b *Buffer) SnapshotAll(nowMs int64) map[string][]Input {
	b.mu.RLock()
	defer b.mu.RUnlock()

	cutoff := nowMs - b.windowMs
	out := make(map[string][]Input, len(b.params))
	for name, ring := range b.params {
		if snap := copyWindow(ring.entries, cutoff); snap != nil {
			out[name] = snap
		}
	}
	return out
}

// Prune drops entries older than the window. Called by the scheduler
// each tick so stale entries do not pin memory between snapshots.
func (b *Buffer) Prune(nowMs int64) int {
	cutoff := nowMs - b.windowMs

	b.mu.Lock()
	defer b.mu.Unlock()

	pruned := 0
	for _, ring := range b.params {
		kept := ring.entries[:0]
		for _, in := range ring.entries {
			if in.Timestamp < cutoff {
				delete(ring.seen, dedupeKey{sessionID: in.SessionID, timestamp: in.Timestamp})
				pruned++
				continue
			}
			kept = append(kept, in)
		}
		ring.entries = kept
	}
	return pruned
}

// Dropped returns the number of entries evicted due to the hard cap.
func (b *Buffer) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.dropped
}

// Len returns the number of buffered entries for a parameter.
func (b *Buffer) Len(parameter string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ring, ok := b.params[parameter]
	if !ok {
		return 0
	}
	return len(ring.entries)
}

// copyWindow returns a copy of the entries at or after cutoff in
// acceptance order. Cross-session timestamps are not guaranteed
// monotone, so this filters rather than slicing a suffix.
func copyWindow(entries []Input, cutoff int64) []Input {
	var snap []Input
	for _, in := range entries {
		if in.Timestamp >= cutoff {
			snap = append(snap, in)
		}
	}
	return snap
}
