package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/helixtrade/positiond/internal/reconciler"
)

// ReconcileMode runs the reconciliation daemon: an immediate sweep followed by
// periodic sweeps until shutdown.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode",
		slog.Duration("interval", a.cfg.Reconciler.Interval.Duration),
	)

	g, ctx := errgroup.WithContext(ctx)

	rec := a.newReconciler(deps)
	g.Go(func() error {
		return rec.Run(ctx)
	})

	return g.Wait()
}

// SweepMode runs a single reconciliation sweep and exits. Useful for cron
// scheduling and for manual repair after an incident.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting one-shot sweep")

	rec := a.newReconciler(deps)
	report, err := rec.Sweep(ctx)
	if err != nil {
		return fmt.Errorf("sweep mode: %w", err)
	}

	a.logger.InfoContext(ctx, "sweep finished",
		slog.Int("accounts", report.Accounts),
		slog.Int("accounts_skipped", report.AccountsSkipped),
		slog.Int("slots_skipped", report.SlotsSkipped),
		slog.Int("corrections", len(report.Corrections)),
	)
	return nil
}

// newReconciler assembles the reconciler from wired dependencies and the
// configured sweep policy.
func (a *App) newReconciler(deps *Dependencies) *reconciler.Reconciler {
	rcfg := reconciler.Config{
		Interval:          a.cfg.Reconciler.Interval.Duration,
		GracePeriod:       a.cfg.Reconciler.GracePeriod.Duration,
		StaleClaimTimeout: a.cfg.Reconciler.StaleClaimTimeout.Duration,
		SizeTolerance:     a.cfg.Reconciler.SizeTolerance,
		AdoptOrphans:      a.cfg.Reconciler.AdoptOrphans,
		AdoptOwnerID:      a.cfg.Reconciler.AdoptOwnerID,
		LockTTL:           a.cfg.Reconciler.LockTTL.Duration,
	}

	// Avoid a typed-nil archiver behind the interface.
	var archiver reconciler.ReportArchiver
	if deps.Archiver != nil {
		archiver = deps.Archiver
	}

	return reconciler.New(
		rcfg,
		deps.PositionStore,
		deps.SlotLocker,
		deps.Exchange,
		deps.AuditStore,
		deps.EventBus,
		deps.Notifier,
		archiver,
		a.logger,
	)
}
