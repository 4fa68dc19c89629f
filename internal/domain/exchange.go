package domain

import "context"

// ExchangePosition is a position as reported by the exchange, the
// authoritative source for economics during reconciliation.
type ExchangePosition struct {
	Symbol     string
	Side       PositionSide
	Size       float64
	SizeUSD    float64
	EntryPrice float64
}

// ExchangeReader reports authoritative exchange state for an account. It must
// be cheap to call repeatedly. A read failure means "state unknown", not
// "no positions": callers skip rather than assume flat.
type ExchangeReader interface {
	GetPositions(ctx context.Context, accountID string) ([]ExchangePosition, error)
	GetEquity(ctx context.Context, accountID string) (float64, error)
}
