package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists position records. Transition methods are conditional
// on the record's current status so that repeated calls are no-ops and the
// database remains the authoritative arbiter under concurrent writers: an
// insert that violates the active-slot constraint returns ErrPositionConflict,
// a transition that matched no row returns ErrNotFound.
type PositionStore interface {
	// CreateActive inserts a new record in an active status. The partial
	// uniqueness constraint on (account_id, symbol) rejects a second active
	// row with ErrPositionConflict.
	CreateActive(ctx context.Context, rec PositionRecord) error

	// GetActive returns the single active (pending or open) record for a
	// slot, or ErrNotFound.
	GetActive(ctx context.Context, accountID, symbol string) (PositionRecord, error)

	GetByID(ctx context.Context, id string) (PositionRecord, error)

	// ConfirmFill transitions pending -> open, setting the first fill's
	// economics. Returns ErrNotFound if the record is no longer pending.
	ConfirmFill(ctx context.Context, id string, size, sizeUSD, entryPrice float64) error

	// ApplyFill overwrites size, size_usd, and entry_price of an open record.
	// Returns ErrNotFound if the record is not open.
	ApplyFill(ctx context.Context, id string, size, sizeUSD, entryPrice float64) error

	// Close transitions open -> closed, stamping close economics and
	// closed_at. Returns ErrNotFound if the record is not open.
	Close(ctx context.Context, id string, closePrice, realizedPnL float64, exitReason string) error

	// MarkFailed transitions pending -> failed, freeing the slot. Returns
	// ErrNotFound if the record is no longer pending.
	MarkFailed(ctx context.Context, id, reason string) error

	// SumActiveUSD returns the total size_usd across a strategy's active
	// records.
	SumActiveUSD(ctx context.Context, strategyID string) (float64, error)

	// ListActiveAccounts returns the distinct accounts holding at least one
	// active record.
	ListActiveAccounts(ctx context.Context) ([]string, error)

	// ListActiveByAccount returns every active record for an account.
	ListActiveByAccount(ctx context.Context, accountID string) ([]PositionRecord, error)

	ListHistory(ctx context.Context, accountID string, opts ListOpts) ([]PositionRecord, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log of lifecycle transitions and
// reconciliation corrections.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
