package workers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"emberchat/observability"

	"github.com/adhocore/gronx"
)

// Sweep is one failure-isolated step of a reaper tick.
type Sweep struct {
	Kind string
	Run  func() (int, error)
}

// Reaper is the only component allowed to delete records for expiry.
// It wakes on a cron schedule and runs its sweeps in a fixed order;
// one sweep failing never blocks the next. Guardian grants and audit
// entries are never swept here; their lifecycle belongs to payment
// and administrative flows.
type Reaper struct {
	log     *slog.Logger
	cron    string
	sweeps  []Sweep
	metrics *observability.Metrics
}

func NewReaper(log *slog.Logger, cron string, metrics *observability.Metrics, sweeps ...Sweep) (*Reaper, error) {
	if !gronx.IsValid(cron) {
		return nil, fmt.Errorf("invalid reaper cron expression: %s", cron)
	}
	return &Reaper{log: log, cron: cron, sweeps: sweeps, metrics: metrics}, nil
}

func (r *Reaper) Run(ctx context.Context) error {
	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(r.cron, now, false)
		if err != nil {
			return fmt.Errorf("computing next reaper tick: %w", err)
		}

		select {
		case <-ctx.Done():
			r.log.Debug("Stopping reaper")
			return nil
		case <-time.After(time.Until(next)):
			r.SweepOnce()
		}
	}
}

// SweepOnce runs every sweep in order. Safe to call back to back: a
// second pass with no new expirations deletes nothing.
func (r *Reaper) SweepOnce() {
	for _, sweep := range r.sweeps {
		n, err := sweep.Run()
		if err != nil {
			r.log.Error("sweep failed", "kind", sweep.Kind, "error", err)
			continue
		}
		if n > 0 {
			r.metrics.ReaperDeletions.WithLabelValues(sweep.Kind).Add(float64(n))
			r.log.Debug("sweep done", "kind", sweep.Kind, "deleted", n)
		}
	}
}
