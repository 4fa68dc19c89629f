// Package lifecycle orchestrates the claim -> confirm/rollback -> accumulate
// -> close state machine for position slots. Mutual exclusion is layered: the
// distributed slot lock is the fast path, and the ledger's active-slot
// uniqueness constraint is the authoritative tie-breaker when the lock races
// or its TTL expires under a slow caller.
package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/helixtrade/positiond/internal/domain"
)

// CapitalChecker validates a proposed position size against the owning
// strategy's capital allocation.
type CapitalChecker interface {
	Check(ctx context.Context, strategyID string, proposedUSD, accountEquity float64) error
}

// Manager owns all mutations of position records on behalf of strategy
// workers. Only the holder of a slot's lock may move its record.
type Manager struct {
	positions domain.PositionStore
	locks     domain.SlotLocker
	capital   CapitalChecker
	audit     domain.AuditStore
	bus       domain.EventBus
	lockTTL   time.Duration
	logger    *slog.Logger
}

// NewManager creates a Manager. The audit store and event bus are optional;
// nil disables that output.
func NewManager(
	positions domain.PositionStore,
	locks domain.SlotLocker,
	capital CapitalChecker,
	audit domain.AuditStore,
	bus domain.EventBus,
	lockTTL time.Duration,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		positions: positions,
		locks:     locks,
		capital:   capital,
		audit:     audit,
		bus:       bus,
		lockTTL:   lockTTL,
		logger:    logger.With(slog.String("component", "lifecycle")),
	}
}

// ClaimRequest describes a slot reservation ahead of an exchange order.
// AccountEquity is the caller's current view of account equity, used to
// resolve percentage-based allocations at check time.
type ClaimRequest struct {
	StrategyID      string
	StrategyType    domain.StrategyType
	AccountID       string
	Symbol          string
	Side            domain.PositionSide
	ProposedSizeUSD float64
	Leverage        int
	AccountEquity   float64
}

// Claim is the handle returned by a successful slot reservation. It carries
// the pending record and keeps the slot lock until Confirm or Rollback
// releases it. The lock is deliberately held across the caller's external
// order placement; its TTL bounds worst-case slot starvation if the caller
// crashes mid-flight.
type Claim struct {
	record domain.PositionRecord
	unlock func()
}

// Record returns the pending record created by the claim.
func (c *Claim) Record() domain.PositionRecord {
	return c.record
}

// Claim reserves the (account, symbol) slot for the caller. It fails with
// domain.ErrPositionConflict when the slot lock is contended or an active
// record already exists, domain.ErrCapitalExceeded when the proposed size
// breaches the strategy's budget, and domain.ErrLockUnavailable when the lock
// provider is unreachable (no trade without mutual exclusion).
func (m *Manager) Claim(ctx context.Context, req ClaimRequest) (*Claim, error) {
	if req.Leverage < 1 {
		req.Leverage = 1
	}

	unlock, err := m.locks.Acquire(ctx, domain.SlotKey(req.AccountID, req.Symbol), m.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, fmt.Errorf("lifecycle: claim %s/%s: %w", req.AccountID, req.Symbol, domain.ErrPositionConflict)
		}
		return nil, fmt.Errorf("lifecycle: claim %s/%s: %v: %w", req.AccountID, req.Symbol, err, domain.ErrLockUnavailable)
	}

	// The lock is advisory only; re-check the ledger before writing.
	if _, err := m.positions.GetActive(ctx, req.AccountID, req.Symbol); err == nil {
		unlock()
		return nil, fmt.Errorf("lifecycle: claim %s/%s: slot already active: %w", req.AccountID, req.Symbol, domain.ErrPositionConflict)
	} else if !errors.Is(err, domain.ErrNotFound) {
		unlock()
		return nil, fmt.Errorf("lifecycle: claim %s/%s: %w", req.AccountID, req.Symbol, err)
	}

	if err := m.capital.Check(ctx, req.StrategyID, req.ProposedSizeUSD, req.AccountEquity); err != nil {
		unlock()
		return nil, fmt.Errorf("lifecycle: claim %s/%s: %w", req.AccountID, req.Symbol, err)
	}

	rec := domain.PositionRecord{
		ID:           uuid.New().String(),
		StrategyID:   req.StrategyID,
		StrategyType: req.StrategyType,
		AccountID:    req.AccountID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Leverage:     req.Leverage,
		Status:       domain.PositionStatusPending,
		OpenedAt:     time.Now().UTC(),
	}

	if err := m.positions.CreateActive(ctx, rec); err != nil {
		unlock()
		if errors.Is(err, domain.ErrPositionConflict) {
			// The constraint is the final arbiter: someone else won the slot
			// even though the lock thought it was free.
			return nil, fmt.Errorf("lifecycle: claim %s/%s: %w", req.AccountID, req.Symbol, err)
		}
		return nil, fmt.Errorf("lifecycle: claim %s/%s: %w", req.AccountID, req.Symbol, err)
	}

	m.record(ctx, "position_claimed", map[string]any{
		"position_id":  rec.ID,
		"strategy_id":  rec.StrategyID,
		"account_id":   rec.AccountID,
		"symbol":       rec.Symbol,
		"side":         string(rec.Side),
		"proposed_usd": req.ProposedSizeUSD,
		"leverage":     rec.Leverage,
	})

	m.logger.InfoContext(ctx, "slot claimed",
		slog.String("position_id", rec.ID),
		slog.String("account_id", rec.AccountID),
		slog.String("symbol", rec.Symbol),
		slog.String("strategy_id", rec.StrategyID),
	)

	return &Claim{record: rec, unlock: unlock}, nil
}

// Confirm finalizes a claim once the exchange order's fill is known,
// transitioning pending -> open with the fill's economics, and releases the
// slot lock. Confirming a claim whose record already moved on (confirmed
// twice, rolled back, or closed) is an idempotent no-op that returns the
// current record. A record that is already open receives the fill through the
// accumulate path instead.
func (m *Manager) Confirm(ctx context.Context, claim *Claim, fill domain.Fill) (domain.PositionRecord, error) {
	defer claim.unlock()

	current, err := m.positions.GetByID(ctx, claim.record.ID)
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("lifecycle: confirm %s: %w", claim.record.ID, err)
	}

	switch current.Status {
	case domain.PositionStatusPending:
		if fill.Size <= 0 {
			return current, fmt.Errorf("lifecycle: confirm %s: fill size must be positive, got %v", current.ID, fill.Size)
		}

		err := m.positions.ConfirmFill(ctx, current.ID, fill.Size, fill.SizeUSD, fill.Price)
		if errors.Is(err, domain.ErrNotFound) {
			// Lost a race with the reconciler's stale-claim sweep; report
			// whatever the record became.
			return m.positions.GetByID(ctx, current.ID)
		}
		if err != nil {
			return domain.PositionRecord{}, fmt.Errorf("lifecycle: confirm %s: %w", current.ID, err)
		}

		m.record(ctx, "position_opened", map[string]any{
			"position_id": current.ID,
			"account_id":  current.AccountID,
			"symbol":      current.Symbol,
			"side":        string(current.Side),
			"size":        fill.Size,
			"size_usd":    fill.SizeUSD,
			"entry_price": fill.Price,
			"strategy_id": current.StrategyID,
		})
		m.logger.InfoContext(ctx, "position opened",
			slog.String("position_id", current.ID),
			slog.String("symbol", current.Symbol),
			slog.Float64("size", fill.Size),
			slog.Float64("entry_price", fill.Price),
		)

		return m.positions.GetByID(ctx, current.ID)

	case domain.PositionStatusOpen:
		return m.applyFill(ctx, current, fill)

	default:
		// Already rolled back, closed, or failed: nothing left to confirm.
		return current, nil
	}
}

// Rollback abandons a claim whose exchange order produced no fill. The pending
// record is marked failed, the slot lock is released, and the slot is free for
// the next claim. Rolling back a record that already moved on is a no-op.
func (m *Manager) Rollback(ctx context.Context, claim *Claim, reason string) error {
	defer claim.unlock()

	err := m.positions.MarkFailed(ctx, claim.record.ID, reason)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lifecycle: rollback %s: %w", claim.record.ID, err)
	}

	m.record(ctx, "position_rolled_back", map[string]any{
		"position_id": claim.record.ID,
		"account_id":  claim.record.AccountID,
		"symbol":      claim.record.Symbol,
		"reason":      reason,
	})
	m.logger.InfoContext(ctx, "claim rolled back",
		slog.String("position_id", claim.record.ID),
		slog.String("symbol", claim.record.Symbol),
		slog.String("reason", reason),
	)
	return nil
}

// Accumulate merges an additional same-side fill into the slot's open
// position under the slot lock, recomputing the size-weighted average entry
// price. A missing or still-pending record, a contended lock, or a side
// mismatch all surface as domain.ErrPositionConflict (the side mismatch also
// matches domain.ErrSideMismatch); partial reversals must go through
// close-then-claim.
func (m *Manager) Accumulate(ctx context.Context, accountID, symbol string, fill domain.Fill) (domain.PositionRecord, error) {
	unlock, err := m.acquire(ctx, accountID, symbol)
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("lifecycle: accumulate %s/%s: %w", accountID, symbol, err)
	}
	defer unlock()

	rec, err := m.positions.GetActive(ctx, accountID, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PositionRecord{}, fmt.Errorf("lifecycle: accumulate %s/%s: no open position: %w", accountID, symbol, domain.ErrPositionConflict)
		}
		return domain.PositionRecord{}, fmt.Errorf("lifecycle: accumulate %s/%s: %w", accountID, symbol, err)
	}
	if rec.Status != domain.PositionStatusOpen {
		return domain.PositionRecord{}, fmt.Errorf("lifecycle: accumulate %s/%s: record is %s: %w", accountID, symbol, rec.Status, domain.ErrPositionConflict)
	}

	return m.applyFill(ctx, rec, fill)
}

// applyFill merges a fill into an open record. Callers must hold the slot lock.
func (m *Manager) applyFill(ctx context.Context, rec domain.PositionRecord, fill domain.Fill) (domain.PositionRecord, error) {
	if fill.Size <= 0 {
		return rec, fmt.Errorf("lifecycle: fill size must be positive, got %v", fill.Size)
	}
	if fill.Side != "" && fill.Side != rec.Side {
		return rec, fmt.Errorf("lifecycle: position %s is %s, fill is %s: %w",
			rec.ID, rec.Side, fill.Side, errors.Join(domain.ErrPositionConflict, domain.ErrSideMismatch))
	}

	newSize, newEntry := domain.MergeFill(rec.Size, rec.EntryPrice, fill.Size, fill.Price)
	newSizeUSD := rec.SizeUSD + fill.SizeUSD

	err := m.positions.ApplyFill(ctx, rec.ID, newSize, newSizeUSD, newEntry)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PositionRecord{}, fmt.Errorf("lifecycle: position %s no longer open: %w", rec.ID, domain.ErrPositionConflict)
	}
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("lifecycle: apply fill to %s: %w", rec.ID, err)
	}

	m.record(ctx, "position_accumulated", map[string]any{
		"position_id": rec.ID,
		"account_id":  rec.AccountID,
		"symbol":      rec.Symbol,
		"fill_size":   fill.Size,
		"fill_price":  fill.Price,
		"new_size":    newSize,
		"new_entry":   newEntry,
	})
	m.logger.InfoContext(ctx, "position accumulated",
		slog.String("position_id", rec.ID),
		slog.String("symbol", rec.Symbol),
		slog.Float64("new_size", newSize),
		slog.Float64("new_entry_price", newEntry),
	)

	return m.positions.GetByID(ctx, rec.ID)
}

// Close transitions the slot's open position to closed under the slot lock,
// stamping the close price, realized PnL, and closed_at. A slot with no
// active record, or one whose record is not yet open, returns
// domain.ErrPositionConflict; so does a second Close on the same slot.
func (m *Manager) Close(ctx context.Context, accountID, symbol string, closePrice, realizedPnL float64) (domain.PositionRecord, error) {
	unlock, err := m.acquire(ctx, accountID, symbol)
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("lifecycle: close %s/%s: %w", accountID, symbol, err)
	}
	defer unlock()

	rec, err := m.positions.GetActive(ctx, accountID, symbol)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.PositionRecord{}, fmt.Errorf("lifecycle: close %s/%s: nothing to close: %w", accountID, symbol, domain.ErrPositionConflict)
		}
		return domain.PositionRecord{}, fmt.Errorf("lifecycle: close %s/%s: %w", accountID, symbol, err)
	}

	err = m.positions.Close(ctx, rec.ID, closePrice, realizedPnL, domain.ExitReasonClosed)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.PositionRecord{}, fmt.Errorf("lifecycle: close %s/%s: record is %s: %w", accountID, symbol, rec.Status, domain.ErrPositionConflict)
	}
	if err != nil {
		return domain.PositionRecord{}, fmt.Errorf("lifecycle: close %s/%s: %w", accountID, symbol, err)
	}

	m.record(ctx, "position_closed", map[string]any{
		"position_id":  rec.ID,
		"account_id":   rec.AccountID,
		"symbol":       rec.Symbol,
		"close_price":  closePrice,
		"realized_pnl": realizedPnL,
		"strategy_id":  rec.StrategyID,
	})
	m.logger.InfoContext(ctx, "position closed",
		slog.String("position_id", rec.ID),
		slog.String("symbol", rec.Symbol),
		slog.Float64("close_price", closePrice),
		slog.Float64("realized_pnl", realizedPnL),
	)

	return m.positions.GetByID(ctx, rec.ID)
}

// acquire takes the slot lock, translating provider errors into the
// lifecycle's error kinds.
func (m *Manager) acquire(ctx context.Context, accountID, symbol string) (func(), error) {
	unlock, err := m.locks.Acquire(ctx, domain.SlotKey(accountID, symbol), m.lockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return nil, domain.ErrPositionConflict
		}
		return nil, fmt.Errorf("%v: %w", err, domain.ErrLockUnavailable)
	}
	return unlock, nil
}

// record writes an audit entry and publishes the matching event. Both outputs
// are best effort; failures are logged and never fail the transition.
func (m *Manager) record(ctx context.Context, event string, detail map[string]any) {
	if m.audit != nil {
		if err := m.audit.Log(ctx, event, detail); err != nil {
			m.logger.WarnContext(ctx, "audit log failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
	if m.bus != nil {
		detail["event"] = event
		payload, _ := json.Marshal(detail)
		if err := m.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
			m.logger.WarnContext(ctx, "event publish failed",
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}
}
