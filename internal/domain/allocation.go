package domain

import "context"

// Allocation is a strategy's capital budget. Exactly one of CapitalUSD (an
// absolute ceiling) or CapitalPercent (a share of account equity, resolved at
// check time) should be set; a zero Allocation means unlimited.
type Allocation struct {
	CapitalUSD     float64
	CapitalPercent float64
}

// Unlimited reports whether no budget has been configured.
func (a Allocation) Unlimited() bool {
	return a.CapitalUSD <= 0 && a.CapitalPercent <= 0
}

// AllocationSource resolves the configured allocation for a strategy. It is
// read at claim time, never cached by the allocator.
type AllocationSource interface {
	Get(ctx context.Context, strategyID string) (Allocation, error)
}
