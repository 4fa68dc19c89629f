// Package exchange provides a read-only HTTP client for the platform's
// internal exchange-gateway service, which fronts the actual exchange
// connectors. Only state reads live here; order routing belongs to the
// gateway itself.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/helixtrade/positiond/internal/domain"
)

// GatewayClient is the REST client for the exchange-gateway read API. Reads
// are cheap on the gateway side, so callers may poll freely; a failed read
// means the exchange state is unknown, never that the account is flat.
type GatewayClient struct {
	baseURL    string
	apiToken   string
	httpClient *http.Client
}

// NewGatewayClient creates a GatewayClient.
//
// baseURL is the API root, e.g. "http://exchange-gateway:8080/api/v1".
// apiToken, when non-empty, is sent as a bearer token.
func NewGatewayClient(baseURL, apiToken string) *GatewayClient {
	return &GatewayClient{
		baseURL:  baseURL,
		apiToken: apiToken,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// GetPositions returns the positions the exchange currently reports for the
// account.
func (c *GatewayClient) GetPositions(ctx context.Context, accountID string) ([]domain.ExchangePosition, error) {
	path := fmt.Sprintf("/accounts/%s/positions", url.PathEscape(accountID))

	body, err := c.doRequest(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("exchange: get positions for %s: %w", accountID, err)
	}

	var resp struct {
		Positions []struct {
			Symbol     string  `json:"symbol"`
			Side       string  `json:"side"`
			Size       float64 `json:"size"`
			SizeUSD    float64 `json:"size_usd"`
			EntryPrice float64 `json:"entry_price"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("exchange: decode positions: %w", err)
	}

	positions := make([]domain.ExchangePosition, 0, len(resp.Positions))
	for _, p := range resp.Positions {
		positions = append(positions, domain.ExchangePosition{
			Symbol:     p.Symbol,
			Side:       domain.PositionSide(p.Side),
			Size:       p.Size,
			SizeUSD:    p.SizeUSD,
			EntryPrice: p.EntryPrice,
		})
	}
	return positions, nil
}

// GetEquity returns the account's current equity in USD.
func (c *GatewayClient) GetEquity(ctx context.Context, accountID string) (float64, error) {
	path := fmt.Sprintf("/accounts/%s/equity", url.PathEscape(accountID))

	body, err := c.doRequest(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("exchange: get equity for %s: %w", accountID, err)
	}

	var resp struct {
		EquityUSD float64 `json:"equity_usd"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("exchange: decode equity: %w", err)
	}
	return resp.EquityUSD, nil
}

// doRequest performs a GET against the gateway and returns the response body.
func (c *GatewayClient) doRequest(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// Compile-time interface check.
var _ domain.ExchangeReader = (*GatewayClient)(nil)
