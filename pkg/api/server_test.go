package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/simexchange/params"
	"github.com/uhyunpark/simexchange/pkg/app/core/engine"
	"github.com/uhyunpark/simexchange/pkg/app/exchange"
	"github.com/uhyunpark/simexchange/pkg/storage"
)

type harness struct {
	t   *testing.T
	app *exchange.App
	srv *Server
	h   http.Handler
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	pc := params.Default()
	pc.Feed.Enabled = false
	pc.Storage.ArchivePath = ""

	arc, err := storage.NewInMemoryTradeArchive()
	require.NoError(t, err)

	app, err := exchange.New(pc, exchange.Options{Archive: arc}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = app.Close() })

	srv := NewServer(app, cfg, app.Metrics(), zaptest.NewLogger(t).Sugar())
	return &harness{t: t, app: app, srv: srv, h: srv.Handler()}
}

func (h *harness) do(method, path string, body interface{}) *httptest.ResponseRecorder {
	h.t.Helper()
	var rd io.Reader
	if body != nil {
		switch b := body.(type) {
		case string:
			rd = strings.NewReader(b)
		default:
			buf, err := json.Marshal(b)
			require.NoError(h.t, err)
			rd = bytes.NewReader(buf)
		}
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestSubmitLimit_RestsThenFills(t *testing.T) {
	h := newHarness(t, Config{})

	rec := h.do("POST", "/api/v1/orders", `{"id":"b1","side":"buy","price":"100","quantity":10}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp := decodeBody[SubmitOrderResponse](t, rec)
	assert.Equal(t, "resting", resp.Status)
	assert.Equal(t, int64(10), resp.Remaining)
	assert.Empty(t, resp.Trades)

	rec = h.do("POST", "/api/v1/orders", `{"id":"s1","side":"SELL","price":99.5,"quantity":4}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	resp = decodeBody[SubmitOrderResponse](t, rec)
	assert.Equal(t, "filled", resp.Status)
	require.Len(t, resp.Trades, 1)
	assert.True(t, resp.Trades[0].Price.Equal(decimal.RequireFromString("99.5")))
	assert.Equal(t, "b1", resp.Trades[0].BuyOrderID)

	rec = h.do("GET", "/api/v1/orders/b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	o := decodeBody[engine.Order](t, rec)
	assert.Equal(t, int64(6), o.Qty)
	assert.Equal(t, engine.Buy, o.Side)
}

func TestSubmitLimit_WithConditions(t *testing.T) {
	h := newHarness(t, Config{})

	rec := h.do("POST", "/api/v1/orders", `{"id":"b1","side":"buy","price":"90","quantity":2,"stopLoss":"95","takeProfit":"120"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	sl, tp := h.app.Watching()
	assert.Equal(t, []string{"b1"}, sl)
	assert.Equal(t, []string{"b1"}, tp)
}

func TestSubmitLimit_Errors(t *testing.T) {
	h := newHarness(t, Config{})
	require.Equal(t, http.StatusCreated,
		h.do("POST", "/api/v1/orders", `{"id":"x","side":"buy","price":"10","quantity":1}`).Code)

	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"duplicate id", `{"id":"x","side":"sell","price":"50","quantity":1}`, http.StatusConflict, "duplicate order id"},
		{"zero price", `{"id":"y","side":"buy","price":"0","quantity":1}`, http.StatusBadRequest, "invalid order"},
		{"negative stop", `{"id":"y","side":"buy","price":"5","quantity":1,"stopLoss":"-1"}`, http.StatusBadRequest, "invalid order"},
		{"missing id", `{"side":"buy","price":"10","quantity":1}`, http.StatusBadRequest, "invalid request"},
		{"zero quantity", `{"id":"y","side":"buy","price":"10","quantity":0}`, http.StatusBadRequest, "invalid request"},
		{"bad side", `{"id":"y","side":"hold","price":"10","quantity":1}`, http.StatusBadRequest, "invalid request"},
		{"unknown field", `{"id":"y","side":"buy","price":"10","quantity":1,"leverage":5}`, http.StatusBadRequest, "invalid request body"},
		{"malformed", `{"id":`, http.StatusBadRequest, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do("POST", "/api/v1/orders", tt.body)
			require.Equal(t, tt.code, rec.Code, rec.Body.String())
			assert.Equal(t, tt.want, decodeBody[ErrorResponse](t, rec).Error)
		})
	}

	// rejected submissions leave the book as it was
	snap := h.app.Snapshot()
	require.Len(t, snap.Buys, 1)
	assert.Equal(t, "x", snap.Buys[0].ID)
	assert.Empty(t, snap.Sells)
}

func TestSubmitMarket(t *testing.T) {
	h := newHarness(t, Config{})
	h.do("POST", "/api/v1/orders", `{"id":"s1","side":"sell","price":"90","quantity":50}`)

	rec := h.do("POST", "/api/v1/orders/market", MarketOrderRequest{Side: "buy", Quantity: 1000})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decodeBody[SubmitOrderResponse](t, rec)
	assert.Equal(t, "partially_filled", resp.Status)
	assert.Equal(t, int64(50), resp.Filled)
	assert.Equal(t, int64(950), resp.Remaining)
	require.Len(t, resp.Trades, 1)
	assert.Equal(t, engine.MarketCounterparty, resp.Trades[0].BuyOrderID)

	rec = h.do("POST", "/api/v1/orders/market", MarketOrderRequest{Side: "buy", Quantity: 5})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "unfilled", decodeBody[SubmitOrderResponse](t, rec).Status)

	snap := h.app.Snapshot()
	assert.Empty(t, snap.Buys)
	assert.Empty(t, snap.Sells)
}

func TestCancelAndGetOrder(t *testing.T) {
	h := newHarness(t, Config{})
	h.do("POST", "/api/v1/orders", `{"id":"b1","side":"buy","price":"10","quantity":1}`)

	rec := h.do("DELETE", "/api/v1/orders/b1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decodeBody[CancelOrderResponse](t, rec).Status)

	assert.Equal(t, http.StatusNotFound, h.do("DELETE", "/api/v1/orders/b1", nil).Code)
	assert.Equal(t, http.StatusNotFound, h.do("GET", "/api/v1/orders/b1", nil).Code)
}

func TestGetOrderbook_AggregatesLevels(t *testing.T) {
	h := newHarness(t, Config{})
	h.do("POST", "/api/v1/orders", `{"id":"b1","side":"buy","price":"99","quantity":2}`)
	h.do("POST", "/api/v1/orders", `{"id":"b2","side":"buy","price":"99","quantity":3}`)
	h.do("POST", "/api/v1/orders", `{"id":"b3","side":"buy","price":"98","quantity":1}`)
	h.do("POST", "/api/v1/orders", `{"id":"s1","side":"sell","price":"101","quantity":4}`)

	rec := h.do("GET", "/api/v1/orderbook", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ob := decodeBody[OrderbookSnapshot](t, rec)

	require.Len(t, ob.Bids, 2)
	assert.True(t, ob.Bids[0].Price.Equal(decimal.NewFromInt(99)))
	assert.Equal(t, int64(5), ob.Bids[0].Size)
	assert.Equal(t, 2, ob.Bids[0].Orders)
	require.Len(t, ob.Asks, 1)
	assert.Equal(t, int64(4), ob.Asks[0].Size)
	require.Len(t, ob.BuyOrders, 3)
	assert.Equal(t, "b1", ob.BuyOrders[0].ID)
	assert.True(t, ob.MarketPrice.Equal(decimal.NewFromInt(100)))
}

func TestGetTrades(t *testing.T) {
	h := newHarness(t, Config{})
	h.do("POST", "/api/v1/orders", `{"id":"s1","side":"sell","price":"10","quantity":1}`)
	h.do("POST", "/api/v1/orders", `{"id":"s2","side":"sell","price":"11","quantity":1}`)
	h.do("POST", "/api/v1/orders/market", `{"side":"buy","quantity":2}`)

	all := decodeBody[[]engine.Trade](t, h.do("GET", "/api/v1/trades", nil))
	require.Len(t, all, 2)

	tail := decodeBody[[]engine.Trade](t, h.do("GET", "/api/v1/trades?after=1", nil))
	require.Len(t, tail, 1)
	assert.Equal(t, "s2", tail[0].SellOrderID)

	assert.Equal(t, http.StatusBadRequest, h.do("GET", "/api/v1/trades?after=x", nil).Code)

	archived := decodeBody[[]engine.Trade](t, h.do("GET", "/api/v1/trades/archive?limit=1", nil))
	require.Len(t, archived, 1)
	assert.Equal(t, all[1].ID, archived[0].ID)

	assert.Equal(t, http.StatusBadRequest, h.do("GET", "/api/v1/trades/archive?limit=-3", nil).Code)

	rec := h.do("GET", "/api/v1/trades/archive/1", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, all[0].ID, decodeBody[engine.Trade](t, rec).ID)
	assert.Equal(t, http.StatusNotFound, h.do("GET", "/api/v1/trades/archive/9", nil).Code)
}

func TestPriceAndPnL(t *testing.T) {
	h := newHarness(t, Config{})
	h.do("POST", "/api/v1/orders", `{"id":"s1","side":"sell","price":"90","quantity":10}`)

	rec := h.do("POST", "/api/v1/price", `{"price":"85"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	pnl := decodeBody[PnLResponse](t, h.do("GET", "/api/v1/pnl", nil))
	assert.True(t, pnl.MarketPrice.Equal(decimal.NewFromInt(85)))
	assert.True(t, pnl.Capital.Equal(decimal.NewFromInt(10000)))
	assert.True(t, pnl.UnrealizedPnL.Equal(decimal.NewFromInt(50)), "unrealized=%s", pnl.UnrealizedPnL)

	rec = h.do("POST", "/api/v1/price", `{"price":"0"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid price", decodeBody[ErrorResponse](t, rec).Error)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, Config{})
	h.do("POST", "/api/v1/orders", `{"id":"b1","side":"buy","price":"10","quantity":1}`)

	health := decodeBody[HealthResponse](t, h.do("GET", "/health", nil))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, h.app.StateHashHex(), health.StateHash)
	assert.Zero(t, health.WSClients)

	rec := h.do("GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `simexchange_http_requests_total{method="POST",path="/api/v1/orders",status="201"} 1`)
	assert.Contains(t, body, `simexchange_book_orders{side="buy"} 1`)
}

func TestRateLimitedOrderEntry(t *testing.T) {
	h := newHarness(t, Config{RateLimit: 0.001, RateBurst: 2})

	assert.Equal(t, http.StatusCreated, h.do("POST", "/api/v1/orders", `{"id":"a","side":"buy","price":"1","quantity":1}`).Code)
	assert.Equal(t, http.StatusCreated, h.do("POST", "/api/v1/orders", `{"id":"b","side":"buy","price":"1","quantity":1}`).Code)

	rec := h.do("POST", "/api/v1/orders", `{"id":"c","side":"buy","price":"1","quantity":1}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	_, ok := h.app.Order("c")
	assert.False(t, ok)

	// reads are not limited
	assert.Equal(t, http.StatusOK, h.do("GET", "/api/v1/orderbook", nil).Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t, Config{CORSOrigins: []string{"http://ui.test"}})

	req := httptest.NewRequest("OPTIONS", "/api/v1/orders", nil)
	req.Header.Set("Origin", "http://ui.test")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.h.ServeHTTP(rec, req)

	assert.Equal(t, "http://ui.test", rec.Header().Get("Access-Control-Allow-Origin"))
}

func subscribers(hub *Hub, channel string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	n := 0
	for c := range hub.clients {
		if c.IsSubscribed(channel) {
			n++
		}
	}
	return n
}

func TestWebSocket_TradesAndTicks(t *testing.T) {
	h := newHarness(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.srv.RunHub(ctx)

	h.app.OnTrades = h.srv.BroadcastTrades
	h.app.OnTick = h.srv.BroadcastTick

	ts := httptest.NewServer(h.h)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{ChannelTrades, ChannelTicks, "bogus"}}))
	require.Eventually(t, func() bool {
		return subscribers(h.srv.Hub(), ChannelTrades) == 1 && subscribers(h.srv.Hub(), ChannelTicks) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Zero(t, subscribers(h.srv.Hub(), "bogus"))
	health := decodeBody[HealthResponse](t, h.do("GET", "/health", nil))
	assert.Equal(t, 1, health.WSClients)

	h.do("POST", "/api/v1/orders", `{"id":"s1","side":"sell","price":"90","quantity":1}`)
	h.do("POST", "/api/v1/orders/market", `{"side":"buy","quantity":1}`)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var tu TradeUpdate
	require.NoError(t, conn.ReadJSON(&tu))
	assert.Equal(t, "trade", tu.Type)
	assert.Equal(t, "s1", tu.Trade.SellOrderID)

	h.do("POST", "/api/v1/price", `{"price":"101"}`)
	var tick TickUpdate
	require.NoError(t, conn.ReadJSON(&tick))
	assert.Equal(t, "tick", tick.Type)
	assert.True(t, tick.Price.Equal(decimal.NewFromInt(101)))
}
