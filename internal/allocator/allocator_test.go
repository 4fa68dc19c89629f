package allocator

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixtrade/positiond/internal/domain"
)

// sumStore stubs the one PositionStore method the allocator reads.
type sumStore struct {
	domain.PositionStore
	sums map[string]float64
}

func (s *sumStore) SumActiveUSD(_ context.Context, strategyID string) (float64, error) {
	return s.sums[strategyID], nil
}

func newTestAllocator(sums map[string]float64, allocations map[string]domain.Allocation) *Allocator {
	return New(
		&sumStore{sums: sums},
		NewStaticSource(allocations),
		slog.Default(),
	)
}

func TestCheckAbsoluteBudget(t *testing.T) {
	a := newTestAllocator(
		map[string]float64{},
		map[string]domain.Allocation{"momentum": {CapitalUSD: 5000}},
	)

	err := a.Check(context.Background(), "momentum", 6000, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrCapitalExceeded)

	assert.NoError(t, a.Check(context.Background(), "momentum", 5000, 0))
}

func TestCheckCountsActivePositions(t *testing.T) {
	a := newTestAllocator(
		map[string]float64{"momentum": 3000},
		map[string]domain.Allocation{"momentum": {CapitalUSD: 5000}},
	)

	assert.NoError(t, a.Check(context.Background(), "momentum", 2000, 0))
	assert.ErrorIs(t, a.Check(context.Background(), "momentum", 2001, 0), domain.ErrCapitalExceeded)
}

func TestCheckPercentOfEquity(t *testing.T) {
	a := newTestAllocator(
		map[string]float64{},
		map[string]domain.Allocation{"grid": {CapitalPercent: 10}},
	)

	// 10% of 100k equity is a 10k budget.
	assert.NoError(t, a.Check(context.Background(), "grid", 9000, 100_000))
	assert.ErrorIs(t, a.Check(context.Background(), "grid", 11000, 100_000), domain.ErrCapitalExceeded)
}

func TestCheckUnconfiguredStrategyIsUnlimited(t *testing.T) {
	a := newTestAllocator(map[string]float64{"ghost": 1e9}, nil)

	assert.NoError(t, a.Check(context.Background(), "ghost", 1e12, 0))
}
