package domain

import "context"

// Event channels published by the engine. Other platform services subscribe
// to follow slot lifecycle and reconciliation activity.
const (
	ChannelPositions = "positions"
	ChannelDrift     = "reconciliation"
)

// EventBus publishes engine events to interested platform services. Delivery
// is best effort: a publish failure is logged, never propagated into a
// lifecycle transition.
type EventBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}
