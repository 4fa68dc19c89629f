// Package reconciler periodically compares the position ledger against
// exchange-reported state and repairs drift: zombie rows are closed, orphaned
// exchange positions are adopted or flagged, diverged economics are
// overwritten from the exchange, and stale pending claims are rolled back.
//
// Tie-break rules are fixed: the exchange wins on economics (size, notional,
// entry price), the ledger wins on ownership and ordering.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/helixtrade/positiond/internal/domain"
)

// Config holds the reconciliation policy thresholds. All of them are
// deployment policy, not invariants, so they are configurable.
type Config struct {
	// Interval between sweeps.
	Interval time.Duration

	// GracePeriod protects a just-opened ledger row from zombie detection
	// while the exchange is still catching up.
	GracePeriod time.Duration

	// StaleClaimTimeout is how long a pending claim may sit without a
	// confirm or rollback before the sweep fails it.
	StaleClaimTimeout time.Duration

	// SizeTolerance is the relative divergence between ledger and exchange
	// economics above which size-sync overwrites the ledger.
	SizeTolerance float64

	// AdoptOrphans controls whether exchange positions with no ledger row
	// are adopted into new open records; when false they are only flagged.
	AdoptOrphans bool

	// AdoptOwnerID is the opaque owner recorded on adopted rows.
	AdoptOwnerID string

	// LockTTL bounds how long the sweep may hold any single slot lock.
	LockTTL time.Duration
}

// Notifier delivers operator-facing drift alerts. It matches the notify
// package's Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// ReportArchiver stores the JSON report of a completed sweep.
type ReportArchiver interface {
	Archive(ctx context.Context, sweepTime time.Time, payload []byte) error
}

// Correction is one repair applied (or flagged) during a sweep.
type Correction struct {
	Kind       string  `json:"kind"` // zombie, orphan_adopted, orphan_flagged, size_sync, stale_claim
	AccountID  string  `json:"account_id"`
	Symbol     string  `json:"symbol"`
	PositionID string  `json:"position_id,omitempty"`
	LedgerSize float64 `json:"ledger_size,omitempty"`
	ExchSize   float64 `json:"exchange_size,omitempty"`
}

// Report summarizes a single sweep.
type Report struct {
	StartedAt       time.Time    `json:"started_at"`
	FinishedAt      time.Time    `json:"finished_at"`
	Accounts        int          `json:"accounts"`
	AccountsSkipped int          `json:"accounts_skipped"`
	SlotsSkipped    int          `json:"slots_skipped"`
	Corrections     []Correction `json:"corrections"`
}

// Reconciler runs the periodic sweep. It mutates records only through the
// same store transitions the lifecycle manager uses, and only while holding
// the slot's lock, so it can never race a live claim or close.
type Reconciler struct {
	cfg       Config
	positions domain.PositionStore
	locks     domain.SlotLocker
	exchange  domain.ExchangeReader
	audit     domain.AuditStore
	bus       domain.EventBus
	notifier  Notifier
	archiver  ReportArchiver
	logger    *slog.Logger
}

// New creates a Reconciler. The audit store, event bus, notifier, and
// archiver are optional; nil disables that output.
func New(
	cfg Config,
	positions domain.PositionStore,
	locks domain.SlotLocker,
	exchange domain.ExchangeReader,
	audit domain.AuditStore,
	bus domain.EventBus,
	notifier Notifier,
	archiver ReportArchiver,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		cfg:       cfg,
		positions: positions,
		locks:     locks,
		exchange:  exchange,
		audit:     audit,
		bus:       bus,
		notifier:  notifier,
		archiver:  archiver,
		logger:    logger.With(slog.String("component", "reconciler")),
	}
}

// Run sweeps immediately and then on every interval tick until the context is
// cancelled. Sweep failures are logged, never fatal to the loop.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.InfoContext(ctx, "reconciler starting",
		slog.Duration("interval", r.cfg.Interval),
		slog.Duration("grace_period", r.cfg.GracePeriod),
		slog.Duration("stale_claim_timeout", r.cfg.StaleClaimTimeout),
	)

	if _, err := r.Sweep(ctx); err != nil {
		r.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.InfoContext(ctx, "reconciler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.ErrorContext(ctx, "sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Sweep reconciles every account holding at least one active ledger row.
// Per-account failures are isolated: one bad account never aborts the rest.
func (r *Reconciler) Sweep(ctx context.Context) (Report, error) {
	report := Report{StartedAt: time.Now().UTC()}

	accounts, err := r.positions.ListActiveAccounts(ctx)
	if err != nil {
		return report, fmt.Errorf("reconciler: list active accounts: %w", err)
	}
	report.Accounts = len(accounts)

	for _, account := range accounts {
		if err := r.reconcileAccount(ctx, account, &report); err != nil {
			report.AccountsSkipped++
			r.logger.WarnContext(ctx, "account skipped this sweep",
				slog.String("account_id", account),
				slog.String("error", err.Error()),
			)
		}
	}

	report.FinishedAt = time.Now().UTC()
	r.archive(ctx, report)

	r.logger.InfoContext(ctx, "sweep finished",
		slog.Int("accounts", report.Accounts),
		slog.Int("accounts_skipped", report.AccountsSkipped),
		slog.Int("corrections", len(report.Corrections)),
	)
	return report, nil
}

// reconcileAccount diffs one account's ledger rows against the exchange. An
// exchange read failure means "state unknown" and skips the account; it never
// implies the account is flat.
func (r *Reconciler) reconcileAccount(ctx context.Context, accountID string, report *Report) error {
	exchPositions, err := r.exchange.GetPositions(ctx, accountID)
	if err != nil {
		return fmt.Errorf("reconciler: exchange state unknown: %w", err)
	}
	exchBySymbol := make(map[string]domain.ExchangePosition, len(exchPositions))
	for _, ep := range exchPositions {
		exchBySymbol[ep.Symbol] = ep
	}

	records, err := r.positions.ListActiveByAccount(ctx, accountID)
	if err != nil {
		return fmt.Errorf("reconciler: list ledger rows: %w", err)
	}

	claimed := make(map[string]bool, len(records))
	for _, rec := range records {
		claimed[rec.Symbol] = true
		r.withSlotLock(ctx, accountID, rec.Symbol, report, func() {
			r.reconcileRecord(ctx, rec, exchBySymbol, report)
		})
	}

	for _, ep := range exchPositions {
		if claimed[ep.Symbol] {
			continue
		}
		r.withSlotLock(ctx, accountID, ep.Symbol, report, func() {
			r.handleOrphan(ctx, accountID, ep, report)
		})
	}

	return nil
}

// withSlotLock runs fn while holding the slot's lock. A contended or
// unavailable lock skips the slot until the next sweep; the sweep never
// mutates a record it does not hold the lock for.
func (r *Reconciler) withSlotLock(ctx context.Context, accountID, symbol string, report *Report, fn func()) {
	unlock, err := r.locks.Acquire(ctx, domain.SlotKey(accountID, symbol), r.cfg.LockTTL)
	if err != nil {
		report.SlotsSkipped++
		if errors.Is(err, domain.ErrLockHeld) {
			r.logger.DebugContext(ctx, "slot lock held, skipping until next sweep",
				slog.String("account_id", accountID),
				slog.String("symbol", symbol),
			)
		} else {
			r.logger.WarnContext(ctx, "slot lock unavailable, skipping",
				slog.String("account_id", accountID),
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	defer unlock()
	fn()
}

func (r *Reconciler) reconcileRecord(ctx context.Context, rec domain.PositionRecord, exchBySymbol map[string]domain.ExchangePosition, report *Report) {
	now := time.Now().UTC()
	ep, atExchange := exchBySymbol[rec.Symbol]

	switch rec.Status {
	case domain.PositionStatusPending:
		if now.Sub(rec.OpenedAt) < r.cfg.StaleClaimTimeout {
			return
		}
		err := r.positions.MarkFailed(ctx, rec.ID, domain.ExitReasonStaleClaim)
		if errors.Is(err, domain.ErrNotFound) {
			return // confirmed or rolled back while we looked
		}
		if err != nil {
			r.logger.WarnContext(ctx, "stale claim cleanup failed",
				slog.String("position_id", rec.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		r.drift(ctx, report, Correction{
			Kind:       "stale_claim",
			AccountID:  rec.AccountID,
			Symbol:     rec.Symbol,
			PositionID: rec.ID,
		}, fmt.Sprintf("pending claim %s for %s/%s expired after %s", rec.ID, rec.AccountID, rec.Symbol, r.cfg.StaleClaimTimeout))

	case domain.PositionStatusOpen:
		if !atExchange {
			// Inside the grace period a just-opened position may simply not
			// be visible at the exchange yet.
			if now.Sub(rec.OpenedAt) < r.cfg.GracePeriod {
				return
			}
			err := r.positions.Close(ctx, rec.ID, 0, 0, domain.ExitReasonZombie)
			if errors.Is(err, domain.ErrNotFound) {
				return
			}
			if err != nil {
				r.logger.WarnContext(ctx, "zombie close failed",
					slog.String("position_id", rec.ID),
					slog.String("error", err.Error()),
				)
				return
			}
			r.drift(ctx, report, Correction{
				Kind:       "zombie",
				AccountID:  rec.AccountID,
				Symbol:     rec.Symbol,
				PositionID: rec.ID,
				LedgerSize: rec.Size,
			}, fmt.Sprintf("ledger position %s for %s/%s has no exchange counterpart, closed with zero PnL", rec.ID, rec.AccountID, rec.Symbol))
			return
		}

		if !r.diverged(rec, ep) {
			return
		}
		err := r.positions.ApplyFill(ctx, rec.ID, ep.Size, ep.SizeUSD, ep.EntryPrice)
		if errors.Is(err, domain.ErrNotFound) {
			return
		}
		if err != nil {
			r.logger.WarnContext(ctx, "size sync failed",
				slog.String("position_id", rec.ID),
				slog.String("error", err.Error()),
			)
			return
		}
		r.drift(ctx, report, Correction{
			Kind:       "size_sync",
			AccountID:  rec.AccountID,
			Symbol:     rec.Symbol,
			PositionID: rec.ID,
			LedgerSize: rec.Size,
			ExchSize:   ep.Size,
		}, fmt.Sprintf("ledger economics for %s/%s overwritten from exchange: size %.8f -> %.8f", rec.AccountID, rec.Symbol, rec.Size, ep.Size))
	}
}

// handleOrphan deals with an exchange position that has no active ledger row.
// The engine never trades against an orphan: it either adopts it into the
// ledger under the configured owner, or flags it for an operator.
func (r *Reconciler) handleOrphan(ctx context.Context, accountID string, ep domain.ExchangePosition, report *Report) {
	if !r.cfg.AdoptOrphans {
		r.drift(ctx, report, Correction{
			Kind:      "orphan_flagged",
			AccountID: accountID,
			Symbol:    ep.Symbol,
			ExchSize:  ep.Size,
		}, fmt.Sprintf("exchange holds %s/%s (size %.8f) with no ledger row; operator attention required", accountID, ep.Symbol, ep.Size))
		return
	}

	rec := domain.PositionRecord{
		ID:           uuid.New().String(),
		StrategyID:   r.cfg.AdoptOwnerID,
		StrategyType: domain.StrategyTypeExternal,
		AccountID:    accountID,
		Symbol:       ep.Symbol,
		Side:         ep.Side,
		Size:         ep.Size,
		SizeUSD:      ep.SizeUSD,
		EntryPrice:   ep.EntryPrice,
		Leverage:     1,
		Status:       domain.PositionStatusOpen,
		OpenedAt:     time.Now().UTC(),
	}
	err := r.positions.CreateActive(ctx, rec)
	if errors.Is(err, domain.ErrPositionConflict) {
		return // a claim slipped in between listing and locking
	}
	if err != nil {
		r.logger.WarnContext(ctx, "orphan adoption failed",
			slog.String("account_id", accountID),
			slog.String("symbol", ep.Symbol),
			slog.String("error", err.Error()),
		)
		return
	}
	r.drift(ctx, report, Correction{
		Kind:       "orphan_adopted",
		AccountID:  accountID,
		Symbol:     ep.Symbol,
		PositionID: rec.ID,
		ExchSize:   ep.Size,
	}, fmt.Sprintf("exchange position %s/%s adopted into ledger as %s", accountID, ep.Symbol, rec.ID))
}

// diverged reports whether ledger and exchange economics differ beyond the
// configured relative tolerance.
func (r *Reconciler) diverged(rec domain.PositionRecord, ep domain.ExchangePosition) bool {
	return relDiff(rec.Size, ep.Size) > r.cfg.SizeTolerance ||
		relDiff(rec.SizeUSD, ep.SizeUSD) > r.cfg.SizeTolerance ||
		relDiff(rec.EntryPrice, ep.EntryPrice) > r.cfg.SizeTolerance
}

func relDiff(a, b float64) float64 {
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale == 0 {
		return 0
	}
	return math.Abs(a-b) / scale
}

// drift records a correction in the report, the audit log, the event bus, and
// the operator notifier. Drift is observability, never a sweep-stopping error.
func (r *Reconciler) drift(ctx context.Context, report *Report, c Correction, message string) {
	report.Corrections = append(report.Corrections, c)

	r.logger.WarnContext(ctx, "reconciliation drift",
		slog.String("kind", c.Kind),
		slog.String("account_id", c.AccountID),
		slog.String("symbol", c.Symbol),
		slog.String("position_id", c.PositionID),
	)

	detail := map[string]any{
		"kind":        c.Kind,
		"account_id":  c.AccountID,
		"symbol":      c.Symbol,
		"position_id": c.PositionID,
		"message":     message,
	}
	if r.audit != nil {
		if err := r.audit.Log(ctx, "reconciliation_drift", detail); err != nil {
			r.logger.WarnContext(ctx, "audit log failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		payload, _ := json.Marshal(detail)
		if err := r.bus.Publish(ctx, domain.ChannelDrift, payload); err != nil {
			r.logger.WarnContext(ctx, "event publish failed", slog.String("error", err.Error()))
		}
	}
	if r.notifier != nil {
		title := fmt.Sprintf("Reconciliation drift: %s", c.Kind)
		if err := r.notifier.Notify(ctx, "reconciliation_drift", title, message); err != nil {
			r.logger.WarnContext(ctx, "drift notification failed", slog.String("error", err.Error()))
		}
	}
}

// archive stores the sweep report when an archiver is configured.
func (r *Reconciler) archive(ctx context.Context, report Report) {
	if r.archiver == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		r.logger.WarnContext(ctx, "report marshal failed", slog.String("error", err.Error()))
		return
	}
	if err := r.archiver.Archive(ctx, report.StartedAt, payload); err != nil {
		r.logger.WarnContext(ctx, "report archive failed", slog.String("error", err.Error()))
	}
}
