package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/helixtrade/positiond/internal/domain"
)

// uniqueViolation is the PostgreSQL error code raised when an insert collides
// with the active-slot partial unique index.
const uniqueViolation = "23505"

// PositionStore implements domain.PositionStore using PostgreSQL. Every
// transition is a conditional write guarded by the record's current status, so
// the database stays the final arbiter even when the advisory lock races.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, strategy_id, strategy_type, account_id, symbol, side,
	size, size_usd, entry_price, leverage, status, realized_pnl,
	close_price, exit_reason, opened_at, closed_at`

func scanPositionRow(row pgx.Row) (domain.PositionRecord, error) {
	var rec domain.PositionRecord
	var strategyType, side, status string

	err := row.Scan(
		&rec.ID, &rec.StrategyID, &strategyType,
		&rec.AccountID, &rec.Symbol, &side,
		&rec.Size, &rec.SizeUSD, &rec.EntryPrice,
		&rec.Leverage, &status, &rec.RealizedPnL,
		&rec.ClosePrice, &rec.ExitReason,
		&rec.OpenedAt, &rec.ClosedAt,
	)
	if err != nil {
		return domain.PositionRecord{}, err
	}
	rec.StrategyType = domain.StrategyType(strategyType)
	rec.Side = domain.PositionSide(side)
	rec.Status = domain.PositionStatus(status)
	return rec, nil
}

func scanPositionRows(rows pgx.Rows) ([]domain.PositionRecord, error) {
	var records []domain.PositionRecord
	for rows.Next() {
		rec, err := scanPositionRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// CreateActive inserts a new record in an active status. A collision with the
// active-slot unique index is surfaced as domain.ErrPositionConflict: some
// other claimant won the slot first.
func (s *PositionStore) CreateActive(ctx context.Context, rec domain.PositionRecord) error {
	const query = `
		INSERT INTO positions (
			id, strategy_id, strategy_type, account_id, symbol, side,
			size, size_usd, entry_price, leverage, status, realized_pnl,
			close_price, exit_reason, opened_at, closed_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12,
			$13, $14, $15, $16, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.StrategyID, string(rec.StrategyType),
		rec.AccountID, rec.Symbol, string(rec.Side),
		rec.Size, rec.SizeUSD, rec.EntryPrice,
		rec.Leverage, string(rec.Status), rec.RealizedPnL,
		rec.ClosePrice, rec.ExitReason, rec.OpenedAt, rec.ClosedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return domain.ErrPositionConflict
		}
		return fmt.Errorf("postgres: create position %s: %w", rec.ID, err)
	}
	return nil
}

// GetActive returns the single pending or open record for a slot.
func (s *PositionStore) GetActive(ctx context.Context, accountID, symbol string) (domain.PositionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE account_id = $1 AND symbol = $2 AND status IN ('pending', 'open')`,
		accountID, symbol)

	rec, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PositionRecord{}, domain.ErrNotFound
		}
		return domain.PositionRecord{}, fmt.Errorf("postgres: get active position %s/%s: %w", accountID, symbol, err)
	}
	return rec, nil
}

// GetByID retrieves a single record by its ID.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.PositionRecord, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE id = $1`, id)

	rec, err := scanPositionRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.PositionRecord{}, domain.ErrNotFound
		}
		return domain.PositionRecord{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return rec, nil
}

// ConfirmFill transitions pending -> open with the first fill's economics.
func (s *PositionStore) ConfirmFill(ctx context.Context, id string, size, sizeUSD, entryPrice float64) error {
	const query = `
		UPDATE positions SET
			status      = 'open',
			size        = $2,
			size_usd    = $3,
			entry_price = $4,
			opened_at   = NOW(),
			updated_at  = NOW()
		WHERE id = $1 AND status = 'pending'`

	tag, err := s.pool.Exec(ctx, query, id, size, sizeUSD, entryPrice)
	if err != nil {
		return fmt.Errorf("postgres: confirm position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ApplyFill overwrites the economics of an open record. Used both by the
// accumulate path and by reconciliation size-sync.
func (s *PositionStore) ApplyFill(ctx context.Context, id string, size, sizeUSD, entryPrice float64) error {
	const query = `
		UPDATE positions SET
			size        = $2,
			size_usd    = $3,
			entry_price = $4,
			updated_at  = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, size, sizeUSD, entryPrice)
	if err != nil {
		return fmt.Errorf("postgres: apply fill to position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close transitions open -> closed, stamping close economics and closed_at.
func (s *PositionStore) Close(ctx context.Context, id string, closePrice, realizedPnL float64, exitReason string) error {
	const query = `
		UPDATE positions SET
			status       = 'closed',
			close_price  = $2,
			realized_pnl = $3,
			exit_reason  = $4,
			closed_at    = NOW(),
			updated_at   = NOW()
		WHERE id = $1 AND status = 'open'`

	tag, err := s.pool.Exec(ctx, query, id, closePrice, realizedPnL, exitReason)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// MarkFailed transitions pending -> failed, freeing the slot for the next claim.
func (s *PositionStore) MarkFailed(ctx context.Context, id, reason string) error {
	const query = `
		UPDATE positions SET
			status      = 'failed',
			exit_reason = $2,
			closed_at   = NOW(),
			updated_at  = NOW()
		WHERE id = $1 AND status = 'pending'`

	tag, err := s.pool.Exec(ctx, query, id, reason)
	if err != nil {
		return fmt.Errorf("postgres: mark position %s failed: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// SumActiveUSD returns the total notional of a strategy's active records.
func (s *PositionStore) SumActiveUSD(ctx context.Context, strategyID string) (float64, error) {
	var sum float64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(size_usd), 0) FROM positions
		 WHERE strategy_id = $1 AND status IN ('pending', 'open')`,
		strategyID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("postgres: sum active usd for %s: %w", strategyID, err)
	}
	return sum, nil
}

// ListActiveAccounts returns the distinct accounts with at least one active record.
func (s *PositionStore) ListActiveAccounts(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT account_id FROM positions
		 WHERE status IN ('pending', 'open')
		 ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active accounts: %w", err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("postgres: scan active account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// ListActiveByAccount returns every active record for an account.
func (s *PositionStore) ListActiveByAccount(ctx context.Context, accountID string) ([]domain.PositionRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions
		 WHERE account_id = $1 AND status IN ('pending', 'open')
		 ORDER BY opened_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list active positions: %w", err)
	}
	defer rows.Close()

	records, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan active positions: %w", err)
	}
	return records, nil
}

// ListHistory returns records for an account with pagination and optional
// time filtering.
func (s *PositionStore) ListHistory(ctx context.Context, accountID string, opts domain.ListOpts) ([]domain.PositionRecord, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE account_id = $1`
	args := []any{accountID}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND opened_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND opened_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY opened_at DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list position history: %w", err)
	}
	defer rows.Close()

	records, err := scanPositionRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan position history: %w", err)
	}
	return records, nil
}

// Compile-time interface check.
var _ domain.PositionStore = (*PositionStore)(nil)
