package engine

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ILLUVRSE/docflow/internal/clock"
	"github.com/ILLUVRSE/docflow/internal/errs"
	"github.com/ILLUVRSE/docflow/internal/models"
)

// SweeperPrincipal is the caller recorded on sweeper-driven expiries.
const SweeperPrincipal models.Principal = "system:sweeper"

// ExpirableLister finds open requests whose expiry has passed.
type ExpirableLister interface {
	ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error)
}

// Sweeper periodically expires overdue requests so their status reflects expiry without
// waiting for a decision attempt.
type Sweeper struct {
	engine   *Engine
	source   ExpirableLister
	clock    clock.Clock
	interval time.Duration
	batch    int
}

func NewSweeper(e *Engine, source ExpirableLister, clk clock.Clock, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{engine: e, source: source, clock: clk, interval: interval, batch: 200}
}

// SweepOnce expires one batch and returns how many requests moved to EXPIRED.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now, err := s.clock.Now(ctx)
	if err != nil {
		return 0, err
	}
	ids, err := s.source.ListExpirable(ctx, now, s.batch)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		err := s.engine.Expire(ctx, id, SweeperPrincipal)
		switch {
		case err == nil:
			n++
		case errors.Is(err, errs.ErrState):
			// resolved concurrently
		default:
			log.Printf("[engine.sweeper] expire %s: %v", id, err)
		}
	}
	return n, nil
}

func (s *Sweeper) Run(ctx context.Context) error {
	log.Printf("[engine.sweeper] starting (interval=%s)", s.interval)
	defer log.Printf("[engine.sweeper] stopped")
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if n, err := s.SweepOnce(ctx); err != nil {
				log.Printf("[engine.sweeper] sweep: %v", err)
			} else if n > 0 {
				log.Printf("[engine.sweeper] expired %d requests", n)
			}
		}
	}
}
