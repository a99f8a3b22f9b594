package api

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/simexchange/pkg/app/core/engine"
	"github.com/uhyunpark/simexchange/pkg/app/core/ledger"
)

// API request/response types for REST endpoints and WebSocket messages

// ==============================
// REST Request Types
// ==============================

// LimitOrderRequest is the payload for POST /api/v1/orders.
// Prices accept JSON numbers or strings ("101.25").
type LimitOrderRequest struct {
	ID         string           `json:"id" validate:"required,max=64"`
	Side       string           `json:"side" validate:"required,oneof=buy sell BUY SELL"`
	Price      decimal.Decimal  `json:"price"`
	Quantity   int64            `json:"quantity" validate:"required,gt=0"`
	StopLoss   *decimal.Decimal `json:"stopLoss,omitempty"`
	TakeProfit *decimal.Decimal `json:"takeProfit,omitempty"`
}

// MarketOrderRequest is the payload for POST /api/v1/orders/market
type MarketOrderRequest struct {
	Side     string `json:"side" validate:"required,oneof=buy sell BUY SELL"`
	Quantity int64  `json:"quantity" validate:"required,gt=0"`
}

// PriceTickRequest is the payload for POST /api/v1/price
type PriceTickRequest struct {
	Price decimal.Decimal `json:"price"`
}

// ==============================
// REST Response Types
// ==============================

// SubmitOrderResponse is returned for limit and market submissions.
type SubmitOrderResponse struct {
	Status    string         `json:"status"`            // "resting", "filled", "partially_filled", "unfilled"
	OrderID   string         `json:"orderId,omitempty"` // empty for market orders
	Filled    int64          `json:"filled"`
	Remaining int64          `json:"remaining"` // still resting (limit) or dropped (market)
	Trades    []engine.Trade `json:"trades"`
}

// CancelOrderResponse is returned by DELETE /api/v1/orders/{id}
type CancelOrderResponse struct {
	Status  string `json:"status"` // "cancelled"
	OrderID string `json:"orderId"`
}

// PriceLevel aggregates the resting quantity at one price.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Size   int64           `json:"size"`
	Orders int             `json:"orders"`
}

// OrderbookSnapshot represents current orderbook state
type OrderbookSnapshot struct {
	MarketPrice decimal.Decimal `json:"marketPrice"`
	Bids        []PriceLevel    `json:"bids"` // Sorted high to low
	Asks        []PriceLevel    `json:"asks"` // Sorted low to high
	BuyOrders   []engine.Order  `json:"buyOrders"`
	SellOrders  []engine.Order  `json:"sellOrders"`
	TradeCount  int             `json:"tradeCount"`
	Timestamp   int64           `json:"timestamp"` // Unix milliseconds
}

// PnLResponse is returned by GET /api/v1/pnl
type PnLResponse struct {
	ledger.Summary
	MarketPrice decimal.Decimal `json:"marketPrice"`
}

// HealthResponse is returned by GET /health
type HealthResponse struct {
	Status      string          `json:"status"`
	MarketPrice decimal.Decimal `json:"marketPrice"`
	StateHash   string          `json:"stateHash"`
	WSClients   int             `json:"wsClients"`
}

// ErrorResponse is returned for all errors
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ==============================
// WebSocket Message Types
// ==============================

// Channels a client can subscribe to.
const (
	ChannelTrades    = "trades"
	ChannelTicks     = "ticks"
	ChannelOrderbook = "orderbook"
)

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g., ["trades", "ticks"]
}

// TradeUpdate is broadcast when a trade executes
type TradeUpdate struct {
	Type  string       `json:"type"` // "trade"
	Trade engine.Trade `json:"trade"`
}

// TickUpdate is broadcast on every accepted market price
type TickUpdate struct {
	Type      string          `json:"type"` // "tick"
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp"`
}

// OrderbookUpdate is broadcast after trades change the book
type OrderbookUpdate struct {
	Type      string       `json:"type"` // "orderbook"
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp int64        `json:"timestamp"`
}
