package domain

import "time"

// PositionStatus tracks a position record through its lifecycle.
type PositionStatus string

const (
	// PositionStatusPending marks a slot claimed ahead of an exchange order,
	// before any fill has been recorded.
	PositionStatusPending PositionStatus = "pending"
	PositionStatusOpen    PositionStatus = "open"
	PositionStatusClosed  PositionStatus = "closed"
	PositionStatusFailed  PositionStatus = "failed"
)

// Active reports whether the status counts against the one-active-position
// constraint for a slot.
func (s PositionStatus) Active() bool {
	return s == PositionStatusPending || s == PositionStatusOpen
}

// PositionSide is the direction of a position.
type PositionSide string

const (
	SideLong  PositionSide = "long"
	SideShort PositionSide = "short"
)

// StrategyType distinguishes the strategy families that own positions. The
// owner identifier itself is opaque; the type is a reporting tag only.
type StrategyType string

const (
	StrategyTypeAI    StrategyType = "ai"
	StrategyTypeQuant StrategyType = "quant"

	// StrategyTypeExternal marks rows the engine did not open itself, such
	// as adopted exchange positions.
	StrategyTypeExternal StrategyType = "external"
)

// PositionRecord is the ledger's unit of isolation: at most one record with an
// active status may exist per (account, symbol) slot.
type PositionRecord struct {
	ID           string
	StrategyID   string
	StrategyType StrategyType
	AccountID    string
	Symbol       string
	Side         PositionSide
	Size         float64
	SizeUSD      float64
	EntryPrice   float64
	Leverage     int
	Status       PositionStatus
	RealizedPnL  float64
	ClosePrice   *float64
	ExitReason   string
	OpenedAt     time.Time
	ClosedAt     *time.Time
}

// Exit reasons recorded when a position leaves an active status.
const (
	ExitReasonClosed     = "closed"      // normal close reported by the owner
	ExitReasonZombie     = "zombie"      // active in the ledger, absent at the exchange
	ExitReasonStaleClaim = "stale_claim" // pending claim never confirmed or rolled back
)

// Fill is a single execution reported back by the caller after an exchange
// order, or a partial fill merged into an already-open position.
type Fill struct {
	Side    PositionSide
	Size    float64
	SizeUSD float64
	Price   float64
}

// MergeFill folds a same-side fill into an existing position and returns the
// new size and size-weighted average entry price. A zero combined size returns
// the fill price unchanged so callers never divide by zero.
func MergeFill(oldSize, oldEntry, fillSize, fillPrice float64) (newSize, newEntry float64) {
	newSize = oldSize + fillSize
	if newSize <= 0 {
		return 0, fillPrice
	}
	newEntry = (oldSize*oldEntry + fillSize*fillPrice) / newSize
	return newSize, newEntry
}
