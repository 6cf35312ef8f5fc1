package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/livelab/crowdcue/internal/consensus"
)

type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(cfg Config) (*Registry, *fakeClock) {
	r := NewRegistry(cfg, nil, nil)
	clock := newFakeClock()
	r.now = clock.now
	return r, clock
}

func TestRegistry_AdmitAssignsID(t *testing.T) {
	r, _ := newTestRegistry(DefaultConfig())

	id := r.Admit("", nil)
	assert.NotEmpty(t, id)
	assert.Equal(t, 1, r.Count())

	other := r.Admit("", nil)
	assert.NotEqual(t, id, other)
	assert.Equal(t, 2, r.Count())
}

func TestRegistry_Location(t *testing.T) {
	r, _ := newTestRegistry(DefaultConfig())

	id := r.Admit("", &consensus.Location{X: 1, Y: 2})
	loc := r.Location(id)
	require.NotNil(t, loc)
	assert.Equal(t, 1.0, loc.X)

	require.NoError(t, r.SetLocation(id, consensus.Location{X: 9, Y: 9}))
	assert.Equal(t, 9.0, r.Location(id).X)

	assert.ErrorIs(t, r.SetLocation("ghost", consensus.Location{}), ErrUnknownSession)
	assert.Nil(t, r.Location("ghost"))
}

// A session sending 100 inputs in one second gets at most burst plus
// one second of refill through; the rest bounce off the bucket.
func TestRegistry_RateLimit(t *testing.T) {
	r, clock := newTestRegistry(DefaultConfig())
	id := r.Admit("", nil)

	accepted := 0
	for i := 0; i < 100; i++ {
		if err := r.Accept(id); err == nil {
			accepted++
		} else {
			assert.ErrorIs(t, err, ErrRateLimited)
		}
		clock.advance(10 * time.Millisecond)
	}
	assert.LessOrEqual(t, accepted, 60, "burst 40 plus 20/s refill caps one second at 60")
	assert.GreaterOrEqual(t, accepted, 40, "the full burst should pass")
}

func TestRegistry_AcceptUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(DefaultConfig())
	assert.ErrorIs(t, r.Accept("ghost"), ErrUnknownSession)
}

// Reconnecting within the grace window restores the session with its
// rate-limit bucket intact, so a flapping connection earns no fresh
// burst.
func TestRegistry_GraceRejoinKeepsBucket(t *testing.T) {
	r, clock := newTestRegistry(DefaultConfig())
	id := r.Admit("", nil)

	// Drain the burst.
	for i := 0; i < 40; i++ {
		require.NoError(t, r.Accept(id))
	}
	require.ErrorIs(t, r.Accept(id), ErrRateLimited)

	r.Disconnect(id)
	assert.Equal(t, 0, r.Count(), "grace sessions do not count as active")

	clock.advance(500 * time.Millisecond)
	rejoined := r.Admit(id, nil)
	assert.Equal(t, id, rejoined)
	assert.Equal(t, 1, r.Count())

	// Only the 500ms of refill (10 tokens) is available, not a burst.
	accepted := 0
	for i := 0; i < 40; i++ {
		if r.Accept(id) == nil {
			accepted++
		}
	}
	assert.LessOrEqual(t, accepted, 10)
}

func TestRegistry_SweepRemovesExpiredGrace(t *testing.T) {
	r, clock := newTestRegistry(DefaultConfig())
	id := r.Admit("", nil)

	r.Disconnect(id)
	clock.advance(time.Second)
	r.Sweep()
	assert.Equal(t, id, r.Admit(id, nil), "still inside grace after 1s")

	r.Disconnect(id)
	clock.advance(2 * time.Second)
	r.Sweep()

	assert.ErrorIs(t, r.Accept(id), ErrUnknownSession, "grace expired, session gone")
}

func TestRegistry_SweepRemovesIdleSessions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.IdleTimeout = 10 * time.Second
	r, clock := newTestRegistry(cfg)

	idle := r.Admit("", nil)
	busy := r.Admit("", nil)

	clock.advance(9 * time.Second)
	require.NoError(t, r.Accept(busy))
	clock.advance(time.Second)
	r.Sweep()

	assert.ErrorIs(t, r.Accept(idle), ErrUnknownSession, "idle session swept")
	assert.NoError(t, r.Accept(busy))
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_DisconnectIdempotent(t *testing.T) {
	r, clock := newTestRegistry(DefaultConfig())
	id := r.Admit("", nil)

	r.Disconnect(id)
	clock.advance(1900 * time.Millisecond)
	// A second disconnect must not restart the grace window.
	r.Disconnect(id)
	clock.advance(100 * time.Millisecond)
	r.Sweep()

	assert.ErrorIs(t, r.Accept(id), ErrUnknownSession)
}
