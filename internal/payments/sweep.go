package payments

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/imrishuroy/plantbid/internal/apperr"
)

// Sweeper periodically reconciles every payment that is pending, has a queued
// cancel or awaits a gateway cancel. It backs up the scheduled reconciliation
// messages, which may be lost.
type Sweeper struct {
	svc         *Service
	log         *slog.Logger
	interval    time.Duration
	batch       int
	concurrency int
}

// NewSweeper returns a Sweeper.
func NewSweeper(svc *Service, log *slog.Logger, interval time.Duration, batch, concurrency int) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Sweeper{svc: svc, log: log, interval: interval, batch: batch, concurrency: concurrency}
}

// Run sweeps until ctx is done.
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		if _, err := sw.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			sw.log.Error("reconcile sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce reconciles one batch and returns how many payments it visited.
// Per-payment failures are logged; only the listing error is returned.
func (sw *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	items, err := sw.svc.repo.ListReconcilable(ctx, sw.batch)
	if err != nil {
		return 0, err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(sw.concurrency)
	for _, p := range items {
		ref := p.Ref
		g.Go(func() error {
			if _, err := sw.svc.Reconcile(gctx, ref); err != nil {
				lvl := slog.LevelWarn
				if errors.Is(err, apperr.ErrReconciliationMismatch) {
					lvl = slog.LevelError
				}
				sw.log.Log(gctx, lvl, "reconcile failed",
					"payment_ref", ref,
					"kind", apperr.Kind(err),
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(items), nil
}
