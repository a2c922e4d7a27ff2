package session

import (
	"context"
	"log/slog"
	"time"
)

const maxReapInterval = 5 * time.Minute

// Reaper removes sessions idle past MaxAge, closing their channels and
// releasing their resources.
type Reaper struct {
	Registry Registry
	MaxAge   time.Duration
	Interval time.Duration
	Logger   *slog.Logger
}

// NewReaper builds a reaper ticking at half the max age, capped at five
// minutes.
func NewReaper(reg Registry, maxAge time.Duration, log *slog.Logger) *Reaper {
	interval := maxAge / 2
	if interval > maxReapInterval {
		interval = maxReapInterval
	}
	if interval < time.Second {
		interval = time.Second
	}
	return &Reaper{Registry: reg, MaxAge: maxAge, Interval: interval, Logger: log}
}

// Run ticks until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	t := time.NewTicker(r.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.reapOnce(time.Now())
		}
	}
}

func (r *Reaper) reapOnce(now time.Time) {
	for _, s := range r.Registry.ListAll() {
		idle := now.Sub(s.LastActive())
		if idle <= r.MaxAge {
			continue
		}
		s.Close()
		r.Registry.Remove(s.ID)
		if r.Logger != nil {
			r.Logger.Info("reaped idle session", "session", s.ID, "idle", idle)
		}
	}
}
