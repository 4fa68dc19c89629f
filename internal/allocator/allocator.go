// Package allocator enforces per-strategy capital budgets. A budget is either
// an absolute USD ceiling or a percentage of account equity; the equity value
// is supplied by the caller at check time so percentage budgets are never
// resolved against stale data.
package allocator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/helixtrade/positiond/internal/domain"
)

// Allocator checks proposed position sizes against a strategy's configured
// allocation. It reads ledger rows but never writes them.
type Allocator struct {
	positions domain.PositionStore
	source    domain.AllocationSource
	logger    *slog.Logger
}

// New creates an Allocator.
func New(positions domain.PositionStore, source domain.AllocationSource, logger *slog.Logger) *Allocator {
	return &Allocator{
		positions: positions,
		source:    source,
		logger:    logger.With(slog.String("component", "allocator")),
	}
}

// Check returns nil when proposedUSD fits within the strategy's remaining
// budget, counting every currently active (pending or open) position, and
// domain.ErrCapitalExceeded otherwise. A strategy with no configured
// allocation is unconstrained.
func (a *Allocator) Check(ctx context.Context, strategyID string, proposedUSD, accountEquity float64) error {
	alloc, err := a.source.Get(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("allocator: get allocation for %q: %w", strategyID, err)
	}
	if alloc.Unlimited() {
		return nil
	}

	budget := alloc.CapitalUSD
	if alloc.CapitalPercent > 0 {
		budget = accountEquity * alloc.CapitalPercent / 100
	}

	sumActive, err := a.positions.SumActiveUSD(ctx, strategyID)
	if err != nil {
		return fmt.Errorf("allocator: sum active positions for %q: %w", strategyID, err)
	}

	if sumActive+proposedUSD > budget {
		a.logger.DebugContext(ctx, "capital check failed",
			slog.String("strategy_id", strategyID),
			slog.Float64("proposed_usd", proposedUSD),
			slog.Float64("active_usd", sumActive),
			slog.Float64("budget_usd", budget),
		)
		return fmt.Errorf("allocator: %q proposed %.2f with %.2f active against %.2f budget: %w",
			strategyID, proposedUSD, sumActive, budget, domain.ErrCapitalExceeded)
	}
	return nil
}
