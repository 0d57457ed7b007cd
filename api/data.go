package api

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"polymarket-copytrader/models"
)

const DefaultDataURL = "https://data-api.polymarket.com"

// DataClient reads positions and activity from the public data API.
type DataClient struct {
	*restClient
}

var (
	_ PositionSource = (*DataClient)(nil)
	_ ActivitySource = (*DataClient)(nil)
)

// NewDataClient creates a data API client.
func NewDataClient(baseURL string, timeout time.Duration, rps float64) *DataClient {
	if baseURL == "" {
		baseURL = DefaultDataURL
	}
	return &DataClient{restClient: newRESTClient(baseURL, timeout, rps)}
}

// GetPositions returns open positions for address.
func (c *DataClient) GetPositions(ctx context.Context, address string) ([]models.Position, error) {
	q := url.Values{}
	q.Set("user", address)
	q.Set("sizeThreshold", "0")
	q.Set("limit", "500")
	return c.positions(ctx, "/positions", q)
}

// GetClosedPositions returns closed positions for address.
func (c *DataClient) GetClosedPositions(ctx context.Context, address string) ([]models.Position, error) {
	q := url.Values{}
	q.Set("user", address)
	q.Set("limit", "500")
	return c.positions(ctx, "/closed-positions", q)
}

func (c *DataClient) positions(ctx context.Context, path string, q url.Values) ([]models.Position, error) {
	var rows []DataPosition
	if _, err := c.getJSON(ctx, path, q, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toPosition())
	}
	return out, nil
}

// GetActivity returns the newest activity rows for address.
func (c *DataClient) GetActivity(ctx context.Context, address string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = 100
	}
	q := url.Values{}
	q.Set("user", address)
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sortBy", "TIMESTAMP")
	q.Set("sortDirection", "DESC")

	var rows []DataActivity
	if _, err := c.getJSON(ctx, "/activity", q, nil, &rows); err != nil {
		return nil, err
	}
	out := make([]Activity, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toActivity())
	}
	return out, nil
}
