// Package guard enforces the per-identity send policy: a hard minimum gap
// between sends, a burst ceiling inside a sliding window, and an
// escalation block once the ceiling is hit. A process-wide slow mode can
// temporarily raise the minimum gap.
package guard

import (
	"log/slog"
	"sync"
	"time"
)

type Policy struct {
	MinGap        time.Duration // sends closer than this are denied outright
	WindowReset   time.Duration // a gap longer than this starts a fresh window
	BurstLimit    int           // sends within one window that trigger a block
	BlockDuration time.Duration
}

// Verdict is the outcome of a single send attempt.
type Verdict struct {
	Allowed      bool
	BlockedUntil *time.Time
}

type rateState struct {
	mu           sync.Mutex
	count        int
	lastAt       time.Time
	blockedUntil time.Time
}

type Guard struct {
	policy  Policy
	slowGap time.Duration
	log     *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	states map[string]*rateState

	slowMu    sync.Mutex
	slowUntil time.Time
}

func New(policy Policy, slowGap time.Duration, log *slog.Logger) *Guard {
	return &Guard{
		policy:  policy,
		slowGap: slowGap,
		log:     log,
		now:     time.Now,
		states:  make(map[string]*rateState),
	}
}

// CheckAndRecord decides whether a send from identity is admitted and
// updates its rate state. The read-modify-write is serialized per
// identity, so two near-simultaneous sends cannot both slip past the
// burst ceiling. Distinct identities proceed in parallel.
func (g *Guard) CheckAndRecord(identity string) Verdict {
	st := g.state(identity)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := g.now().UTC()
	if now.Before(st.blockedUntil) {
		return denied(st.blockedUntil)
	}

	if st.lastAt.IsZero() {
		st.count = 1
		st.lastAt = now
		return Verdict{Allowed: true}
	}

	gap := now.Sub(st.lastAt)
	if gap > g.policy.WindowReset {
		st.count = 1
		st.lastAt = now
		return Verdict{Allowed: true}
	}

	// Too fast: deny without touching the state, so hammering the bus
	// does not keep pushing lastAt forward.
	if gap < g.minGap(now) {
		return Verdict{Allowed: false}
	}

	st.count++
	if st.count >= g.policy.BurstLimit {
		st.blockedUntil = now.Add(g.policy.BlockDuration)
		st.lastAt = now
		g.log.Info("identity blocked for burst overuse",
			"identity", identity,
			"blocked_until", st.blockedUntil)
		return denied(st.blockedUntil)
	}

	st.lastAt = now
	return Verdict{Allowed: true}
}

// EnableSlowMode raises the minimum inter-message gap to the configured
// slow gap for every identity until now+d.
func (g *Guard) EnableSlowMode(d time.Duration) {
	g.slowMu.Lock()
	defer g.slowMu.Unlock()
	g.slowUntil = g.now().UTC().Add(d)
	g.log.Info("slow mode enabled", "until", g.slowUntil)
}

// SlowModeActive reports whether slow mode is currently in effect.
func (g *Guard) SlowModeActive() bool {
	g.slowMu.Lock()
	defer g.slowMu.Unlock()
	return g.now().UTC().Before(g.slowUntil)
}

func (g *Guard) minGap(now time.Time) time.Duration {
	g.slowMu.Lock()
	defer g.slowMu.Unlock()
	if now.Before(g.slowUntil) && g.slowGap > g.policy.MinGap {
		return g.slowGap
	}
	return g.policy.MinGap
}

func (g *Guard) state(identity string) *rateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.states[identity]
	if !ok {
		st = &rateState{}
		g.states[identity] = st
	}
	return st
}

func denied(blockedUntil time.Time) Verdict {
	return Verdict{Allowed: false, BlockedUntil: &blockedUntil}
}
