package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/uhyunpark/simexchange/pkg/api"
)

// client is a thin REST client for the exchange API.
type client struct {
	base string
	http *http.Client
}

func newClient(host string) *client {
	host = strings.TrimRight(host, "/")
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return &client{base: host, http: &http.Client{}}
}

// apiError is a non-2xx response decoded from api.ErrorResponse.
type apiError struct {
	Status int
	api.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%d: %s", e.Status, e.ErrorResponse.Error)
	}
	return fmt.Sprintf("%d: %s: %s", e.Status, e.ErrorResponse.Error, e.Message)
}

func (c *client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(buf)
	}

	u := c.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr.ErrorResponse); err != nil {
			apiErr.ErrorResponse.Error = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *client) submitLimit(ctx context.Context, req api.LimitOrderRequest) (api.SubmitOrderResponse, error) {
	var resp api.SubmitOrderResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/orders", nil, req, &resp)
	return resp, err
}

func (c *client) submitMarket(ctx context.Context, req api.MarketOrderRequest) (api.SubmitOrderResponse, error) {
	var resp api.SubmitOrderResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/orders/market", nil, req, &resp)
	return resp, err
}

func (c *client) cancel(ctx context.Context, id string) (api.CancelOrderResponse, error) {
	var resp api.CancelOrderResponse
	err := c.do(ctx, http.MethodDelete, "/api/v1/orders/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

func (c *client) order(ctx context.Context, id string) (json.RawMessage, error) {
	var resp json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/v1/orders/"+url.PathEscape(id), nil, nil, &resp)
	return resp, err
}

func (c *client) orderbook(ctx context.Context) (api.OrderbookSnapshot, error) {
	var resp api.OrderbookSnapshot
	err := c.do(ctx, http.MethodGet, "/api/v1/orderbook", nil, nil, &resp)
	return resp, err
}

func (c *client) trades(ctx context.Context, after uint64, archived bool, limit int) (json.RawMessage, error) {
	q := url.Values{}
	path := "/api/v1/trades"
	if archived {
		path = "/api/v1/trades/archive"
		if limit > 0 {
			q.Set("limit", fmt.Sprint(limit))
		}
	} else if after > 0 {
		q.Set("after", fmt.Sprint(after))
	}
	var resp json.RawMessage
	err := c.do(ctx, http.MethodGet, path, q, nil, &resp)
	return resp, err
}

func (c *client) pnl(ctx context.Context) (api.PnLResponse, error) {
	var resp api.PnLResponse
	err := c.do(ctx, http.MethodGet, "/api/v1/pnl", nil, nil, &resp)
	return resp, err
}

func (c *client) setPrice(ctx context.Context, req api.PriceTickRequest) (api.TickUpdate, error) {
	var resp api.TickUpdate
	err := c.do(ctx, http.MethodPost, "/api/v1/price", nil, req, &resp)
	return resp, err
}

func (c *client) health(ctx context.Context) (api.HealthResponse, error) {
	var resp api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &resp)
	return resp, err
}
