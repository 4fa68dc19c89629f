package allocator

import (
	"context"

	"github.com/helixtrade/positiond/internal/domain"
)

// StaticSource implements domain.AllocationSource from a fixed map, typically
// built from configuration at startup. Strategies absent from the map are
// unconstrained.
type StaticSource struct {
	allocations map[string]domain.Allocation
}

// NewStaticSource creates a StaticSource from the given allocations.
func NewStaticSource(allocations map[string]domain.Allocation) *StaticSource {
	if allocations == nil {
		allocations = map[string]domain.Allocation{}
	}
	return &StaticSource{allocations: allocations}
}

// Get returns the allocation configured for strategyID, or a zero (unlimited)
// allocation when none is configured.
func (s *StaticSource) Get(_ context.Context, strategyID string) (domain.Allocation, error) {
	return s.allocations[strategyID], nil
}

// Compile-time interface check.
var _ domain.AllocationSource = (*StaticSource)(nil)
