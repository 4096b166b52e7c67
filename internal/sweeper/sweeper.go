package sweeper

import (
	"context"
	"log"
	"time"
)

// Expirer is the slice of the reconciliation engine the sweeper drives.
type Expirer interface {
	ExpireDue(ctx context.Context, limit int) (int, error)
}

// Sweeper periodically expires payments that never reached a terminal state
// inside their window. It shares the engine's conditional transition, so it
// can never overwrite an outcome that landed concurrently.
type Sweeper struct {
	engine   Expirer
	interval time.Duration
	batch    int
}

func New(engine Expirer, interval time.Duration, batch int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{engine: engine, interval: interval, batch: batch}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	log.Printf("[SWEEPER] running every %s", s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[SWEEPER] stopped")
			return
		case <-t.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce performs a single pass and logs the outcome.
func (s *Sweeper) SweepOnce(ctx context.Context) int {
	n, err := s.engine.ExpireDue(ctx, s.batch)
	if err != nil {
		log.Printf("[SWEEPER] pass failed after %d expiries: %v", n, err)
		return n
	}
	if n > 0 {
		log.Printf("[SWEEPER] expired %d stale payments", n)
	}
	return n
}
