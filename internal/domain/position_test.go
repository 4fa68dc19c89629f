package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeFill(t *testing.T) {
	tests := []struct {
		name      string
		oldSize   float64
		oldEntry  float64
		fillSize  float64
		fillPrice float64
		wantSize  float64
		wantEntry float64
	}{
		{
			name:     "equal weights average the prices",
			oldSize:  0.1, oldEntry: 50000,
			fillSize: 0.1, fillPrice: 51000,
			wantSize: 0.2, wantEntry: 50500,
		},
		{
			name:     "larger existing position dominates the entry",
			oldSize:  0.3, oldEntry: 50000,
			fillSize: 0.1, fillPrice: 54000,
			wantSize: 0.4, wantEntry: 51000,
		},
		{
			name:     "first fill takes the fill price",
			oldSize:  0, oldEntry: 0,
			fillSize: 2, fillPrice: 1850,
			wantSize: 2, wantEntry: 1850,
		},
		{
			name:     "zero combined size returns fill price without dividing",
			oldSize:  0, oldEntry: 0,
			fillSize: 0, fillPrice: 100,
			wantSize: 0, wantEntry: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotSize, gotEntry := MergeFill(tt.oldSize, tt.oldEntry, tt.fillSize, tt.fillPrice)
			assert.InDelta(t, tt.wantSize, gotSize, 1e-9)
			assert.InDelta(t, tt.wantEntry, gotEntry, 1e-9)
		})
	}
}

func TestPositionStatusActive(t *testing.T) {
	assert.True(t, PositionStatusPending.Active())
	assert.True(t, PositionStatusOpen.Active())
	assert.False(t, PositionStatusClosed.Active())
	assert.False(t, PositionStatusFailed.Active())
}

func TestSlotKey(t *testing.T) {
	assert.Equal(t, "position:acct-1:BTC-USD", SlotKey("acct-1", "BTC-USD"))
}

func TestAllocationUnlimited(t *testing.T) {
	assert.True(t, Allocation{}.Unlimited())
	assert.False(t, Allocation{CapitalUSD: 5000}.Unlimited())
	assert.False(t, Allocation{CapitalPercent: 10}.Unlimited())
}
