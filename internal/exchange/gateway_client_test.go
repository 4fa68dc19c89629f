package exchange

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helixtrade/positiond/internal/domain"
)

func TestGetPositions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acct-1/positions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"positions": [
				{"symbol": "BTC-USD", "side": "long", "size": 0.1, "size_usd": 5000, "entry_price": 50000},
				{"symbol": "ETH-USD", "side": "short", "size": 2, "size_usd": 6000, "entry_price": 3000}
			]
		}`))
	}))
	defer srv.Close()

	c := NewGatewayClient(srv.URL, "secret")
	positions, err := c.GetPositions(context.Background(), "acct-1")
	require.NoError(t, err)

	require.Len(t, positions, 2)
	assert.Equal(t, "BTC-USD", positions[0].Symbol)
	assert.Equal(t, domain.SideLong, positions[0].Side)
	assert.InDelta(t, 0.1, positions[0].Size, 1e-9)
	assert.Equal(t, domain.SideShort, positions[1].Side)
	assert.InDelta(t, 3000, positions[1].EntryPrice, 1e-9)
}

func TestGetPositionsEmptyAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"positions": []}`))
	}))
	defer srv.Close()

	c := NewGatewayClient(srv.URL, "")
	positions, err := c.GetPositions(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestGetPositionsServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream exchange unreachable", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewGatewayClient(srv.URL, "")
	_, err := c.GetPositions(context.Background(), "acct-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestGetEquity(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/accounts/acct-1/equity", r.URL.Path)
		_, _ = w.Write([]byte(`{"equity_usd": 123456.78}`))
	}))
	defer srv.Close()

	c := NewGatewayClient(srv.URL, "")
	equity, err := c.GetEquity(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.InDelta(t, 123456.78, equity, 1e-6)
}
