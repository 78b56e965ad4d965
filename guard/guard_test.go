package guard

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPolicy() Policy {
	return Policy{
		MinGap:        5 * time.Second,
		WindowReset:   10 * time.Second,
		BurstLimit:    5,
		BlockDuration: 5 * time.Minute,
	}
}

// fakeClock advances manually so the sliding window is deterministic.
type fakeClock struct {
	at time.Time
}

func (c *fakeClock) Now() time.Time { return c.at }

func (c *fakeClock) Advance(d time.Duration) { c.at = c.at.Add(d) }

func newTestGuard(clock *fakeClock) *Guard {
	g := New(testPolicy(), 10*time.Second, slog.Default())
	g.now = clock.Now
	return g
}

func Test_First_Send_Allowed(t *testing.T) {
	req := require.New(t)
	g := newTestGuard(&fakeClock{at: time.Now().UTC()})

	v := g.CheckAndRecord("1.2.3.4")
	req.True(v.Allowed)
	req.Nil(v.BlockedUntil)
}

func Test_Too_Fast_Denied_Without_Block(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{at: time.Now().UTC()}
	g := newTestGuard(clock)

	req.True(g.CheckAndRecord("1.2.3.4").Allowed)
	clock.Advance(2 * time.Second)
	v := g.CheckAndRecord("1.2.3.4")
	req.False(v.Allowed)
	req.Nil(v.BlockedUntil)

	// The too-fast denial must not move the window: a send 5s after the
	// first one is still admitted.
	clock.Advance(3 * time.Second)
	req.True(g.CheckAndRecord("1.2.3.4").Allowed)
}

func Test_Window_Resets_After_Long_Gap(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{at: time.Now().UTC()}
	g := newTestGuard(clock)

	for i := 0; i < 4; i++ {
		req.True(g.CheckAndRecord("1.2.3.4").Allowed)
		clock.Advance(6 * time.Second)
	}
	// Long silence starts a fresh window: the next burst counts from 1.
	clock.Advance(11 * time.Second)
	for i := 0; i < 4; i++ {
		req.True(g.CheckAndRecord("1.2.3.4").Allowed)
		clock.Advance(6 * time.Second)
	}
}

func Test_Fifth_Send_In_Window_Is_Blocked(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{at: time.Now().UTC()}
	g := newTestGuard(clock)

	for i := 0; i < 4; i++ {
		req.True(g.CheckAndRecord("1.2.3.4").Allowed, "send %d", i+1)
		clock.Advance(6 * time.Second)
	}
	v := g.CheckAndRecord("1.2.3.4")
	req.False(v.Allowed)
	req.NotNil(v.BlockedUntil)
	req.Equal(clock.Now().Add(5*time.Minute), *v.BlockedUntil)
}

func Test_Blocked_Identity_Stays_Denied_Until_Block_Lifts(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{at: time.Now().UTC()}
	g := newTestGuard(clock)

	for i := 0; i < 4; i++ {
		g.CheckAndRecord("1.2.3.4")
		clock.Advance(6 * time.Second)
	}
	blocked := g.CheckAndRecord("1.2.3.4")
	req.False(blocked.Allowed)

	clock.Advance(1 * time.Minute)
	v := g.CheckAndRecord("1.2.3.4")
	req.False(v.Allowed)
	req.Equal(*blocked.BlockedUntil, *v.BlockedUntil)

	clock.Advance(5 * time.Minute)
	req.True(g.CheckAndRecord("1.2.3.4").Allowed)
}

func Test_Identities_Are_Independent(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{at: time.Now().UTC()}
	g := newTestGuard(clock)

	req.True(g.CheckAndRecord("1.2.3.4").Allowed)
	req.True(g.CheckAndRecord("5.6.7.8").Allowed)
	clock.Advance(2 * time.Second)
	req.False(g.CheckAndRecord("1.2.3.4").Allowed)
	req.False(g.CheckAndRecord("5.6.7.8").Allowed)
}

func Test_Slow_Mode_Raises_Minimum_Gap(t *testing.T) {
	req := require.New(t)
	clock := &fakeClock{at: time.Now().UTC()}
	g := newTestGuard(clock)

	req.True(g.CheckAndRecord("1.2.3.4").Allowed)
	g.EnableSlowMode(1 * time.Minute)
	req.True(g.SlowModeActive())

	// 6s would normally pass the 5s gap, but slow mode demands 10s.
	clock.Advance(6 * time.Second)
	req.False(g.CheckAndRecord("1.2.3.4").Allowed)

	clock.Advance(4 * time.Second)
	req.True(g.CheckAndRecord("1.2.3.4").Allowed)

	// After expiry the normal gap applies again.
	clock.Advance(2 * time.Minute)
	req.False(g.SlowModeActive())
	req.True(g.CheckAndRecord("1.2.3.4").Allowed)
	clock.Advance(6 * time.Second)
	req.True(g.CheckAndRecord("1.2.3.4").Allowed)
}
