// Package engine is the in-process matching engine for a single instrument.
//
// All mutable state (order store, ledger, trade history, market price and the
// conditional-order collections) sits behind one mutex. Every operation that
// reads or writes it, including snapshots and monitor ticks, runs to completion
// inside that section. Trade notifications are delivered after it is released.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/simexchange/pkg/app/core/ledger"
	"github.com/uhyunpark/simexchange/pkg/app/core/orderbook"
	"github.com/uhyunpark/simexchange/pkg/util"
)

// Re-export order types so callers only need this package.
type (
	Side  = orderbook.Side
	Order = orderbook.Order
)

const (
	Buy  = orderbook.Buy
	Sell = orderbook.Sell
)

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) { return orderbook.ParseSide(s) }

// MarketCounterparty stands in for the missing side of a market-order or
// conditional-order fill.
const MarketCounterparty = "market"

// Trade is an executed fill. Immutable once recorded.
type Trade struct {
	ID          string          `json:"id"`
	BuyOrderID  string          `json:"buyOrderId"`
	SellOrderID string          `json:"sellOrderId"`
	Price       decimal.Decimal `json:"price"`
	Qty         int64           `json:"quantity"`
	Seq         uint64          `json:"seq"`
	Time        time.Time       `json:"time"`
}

// Snapshot is a consistent, detached view of the engine.
type Snapshot struct {
	MarketPrice decimal.Decimal `json:"marketPrice"`
	Buys        []Order         `json:"buyOrders"`  // best (highest) first
	Sells       []Order         `json:"sellOrders"` // best (lowest) first
	Trades      []Trade         `json:"tradeHistory"`
}

type Config struct {
	InitialCapital  decimal.Decimal
	InitialPrice    decimal.Decimal
	MonitorInterval time.Duration
	Clock           util.Clock // defaults to util.RealClock
}

func DefaultConfig() Config {
	return Config{
		InitialCapital:  decimal.NewFromInt(10000),
		InitialPrice:    decimal.NewFromInt(100),
		MonitorInterval: time.Second,
		Clock:           util.RealClock{},
	}
}

type Engine struct {
	mu sync.Mutex

	store       *orderbook.Store
	ledger      *ledger.Ledger
	trades      []Trade
	tradeSeq    uint64
	marketPrice decimal.Decimal
	monitor     *Monitor

	clock  util.Clock
	logger *zap.SugaredLogger

	// OnTrades receives every batch of new trades once the engine lock has
	// been released. Set it before the engine is shared between goroutines.
	OnTrades func(trades []Trade)
}

func New(cfg Config, logger *zap.SugaredLogger) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	e := &Engine{
		store:       orderbook.NewStore(),
		ledger:      ledger.New(cfg.InitialCapital),
		marketPrice: cfg.InitialPrice,
		clock:       cfg.Clock,
		logger:      logger,
	}
	e.monitor = newMonitor(e, cfg.MonitorInterval, cfg.Clock, logger.Named("monitor"))
	return e
}

// Monitor returns the conditional-order monitor bound to this engine.
func (e *Engine) Monitor() *Monitor { return e.monitor }

func validateLimit(o *Order) error {
	switch {
	case o.ID == "":
		return fmt.Errorf("%w: empty id", ErrInvalidOrder)
	case o.ID == MarketCounterparty:
		return fmt.Errorf("%w: id %q is reserved", ErrInvalidOrder, o.ID)
	case !o.Side.Valid():
		return fmt.Errorf("%w: %s: unknown side", ErrInvalidOrder, o.ID)
	case !o.Price.IsPositive():
		return fmt.Errorf("%w: %s: price must be positive, got %s", ErrInvalidOrder, o.ID, o.Price)
	case o.Qty <= 0:
		return fmt.Errorf("%w: %s: quantity must be positive, got %d", ErrInvalidOrder, o.ID, o.Qty)
	case o.StopLoss.Valid && !o.StopLoss.Decimal.IsPositive():
		return fmt.Errorf("%w: %s: stop-loss must be positive", ErrInvalidOrder, o.ID)
	case o.TakeProfit.Valid && !o.TakeProfit.Decimal.IsPositive():
		return fmt.Errorf("%w: %s: take-profit must be positive", ErrInvalidOrder, o.ID)
	}
	return nil
}

// AddLimitOrder validates and rests the order, then matches the book until it
// is no longer crossed. Each cross executes at the resting sell order's price,
// whichever side was the aggressor. A remainder stays on the book and, if it
// carries a stop-loss or take-profit, is handed to the monitor.
func (e *Engine) AddLimitOrder(in Order) ([]Trade, error) {
	trades, err := e.addLimitOrder(in)
	e.publish(trades)
	return trades, err
}

func (e *Engine) addLimitOrder(in Order) ([]Trade, error) {
	o := new(Order)
	*o = in.Clone()
	o.Seq = 0
	if err := validateLimit(o); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.Insert(o); err != nil {
		return nil, err
	}
	e.logger.Debugw("order_accepted",
		"id", o.ID, "side", o.Side, "price", o.Price, "qty", o.Qty, "seq", o.Seq)

	trades := e.matchLocked()

	if live, ok := e.store.Get(o.ID); ok && live.Conditional() {
		e.monitor.register(live)
	}
	return trades, nil
}

// matchLocked drains every crossable pair. Caller holds e.mu.
func (e *Engine) matchLocked() []Trade {
	var trades []Trade
	for e.store.Crossed() {
		buy, _ := e.store.PeekBestBuy()
		sell, _ := e.store.PeekBestSell()
		qty := min(buy.Qty, sell.Qty)
		trades = append(trades, e.executeTrade(buy, sell, sell.Price, qty))
	}
	return trades
}

// AddMarketOrder fills up to qty against the opposite side at each resting
// order's own price. Whatever cannot be filled is dropped: market orders never
// rest, and running out of liquidity is not an error. The fill size is the sum
// of the returned trades.
func (e *Engine) AddMarketOrder(side Side, qty int64) ([]Trade, error) {
	trades, err := e.addMarketOrder(side, qty)
	e.publish(trades)
	return trades, err
}

func (e *Engine) addMarketOrder(side Side, qty int64) ([]Trade, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("%w: market order: unknown side", ErrInvalidOrder)
	}
	if qty <= 0 {
		return nil, fmt.Errorf("%w: market order: quantity must be positive, got %d", ErrInvalidOrder, qty)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var trades []Trade
	remaining := qty
	for remaining > 0 {
		best, ok := e.store.PeekBest(side.Opposite())
		if !ok {
			break
		}
		fill := min(remaining, best.Qty)
		var buy, sell *Order
		if side == Buy {
			sell = best
		} else {
			buy = best
		}
		trades = append(trades, e.executeTrade(buy, sell, best.Price, fill))
		remaining -= fill
	}

	if remaining > 0 {
		e.logger.Debugw("market_order_unfilled", "side", side, "requested", qty, "dropped", remaining)
	}
	return trades, nil
}

// executeTrade records a fill and settles both sides. A nil side is the
// synthetic market counterpart. qty must not exceed either side's remaining
// quantity. Caller holds e.mu.
func (e *Engine) executeTrade(buy, sell *Order, price decimal.Decimal, qty int64) Trade {
	e.tradeSeq++
	t := Trade{
		ID:          uuid.NewString(),
		BuyOrderID:  MarketCounterparty,
		SellOrderID: MarketCounterparty,
		Price:       price,
		Qty:         qty,
		Seq:         e.tradeSeq,
		Time:        e.clock.Now(),
	}
	if buy != nil {
		t.BuyOrderID = buy.ID
	}
	if sell != nil {
		t.SellOrderID = sell.ID
	}
	e.trades = append(e.trades, t)

	if buy != nil {
		e.settle(buy, t)
	}
	if sell != nil {
		e.settle(sell, t)
	}

	e.logger.Debugw("trade_executed",
		"seq", t.Seq, "buy", t.BuyOrderID, "sell", t.SellOrderID, "price", t.Price, "qty", t.Qty)
	return t
}

func (e *Engine) settle(o *Order, t Trade) {
	o.Qty -= t.Qty
	if o.Qty <= 0 {
		e.store.Remove(o.ID)
		e.monitor.unregister(o.ID)
	}
	e.ledger.UpdateForTrade(t.Price, t.Qty, o.Side)
}

// CancelOrder removes a resting order and any stop-loss/take-profit watch on it.
func (e *Engine) CancelOrder(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.store.Remove(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, id)
	}
	e.monitor.unregister(id)
	e.logger.Infow("order_cancelled", "id", id, "remaining", o.Qty)
	return nil
}

// OnPriceTick replaces the shared market price.
func (e *Engine) OnPriceTick(price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	e.mu.Lock()
	e.marketPrice = price
	e.mu.Unlock()
	return nil
}

// UpdatePrice replaces the market price with next(current) in one critical
// section, so a concurrent OnPriceTick is never overwritten by a value derived
// from a stale read. A non-positive result is rejected and the price kept.
// next must not call back into the engine.
func (e *Engine) UpdatePrice(next func(current decimal.Decimal) decimal.Decimal) (decimal.Decimal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price := next(e.marketPrice)
	if !price.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("%w: %s", ErrInvalidPrice, price)
	}
	e.marketPrice = price
	return price, nil
}

func (e *Engine) MarketPrice() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marketPrice
}

// Snapshot returns copies of the book, the trade history and the market price
// taken in one critical section.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	trades := make([]Trade, len(e.trades))
	copy(trades, e.trades)
	return Snapshot{
		MarketPrice: e.marketPrice,
		Buys:        e.store.Buys(),
		Sells:       e.store.Sells(),
		Trades:      trades,
	}
}

// Trades returns a copy of the trade history with Seq > after.
func (e *Engine) Trades(after uint64) []Trade {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Seq starts at 1 and is dense, so history[i].Seq == i+1
	if after >= uint64(len(e.trades)) {
		return []Trade{}
	}
	out := make([]Trade, len(e.trades)-int(after))
	copy(out, e.trades[after:])
	return out
}

// Depth returns the number of resting orders per side.
func (e *Engine) Depth() (buys, sells int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Depth()
}

// Order looks up a resting order by id.
func (e *Engine) Order(id string) (Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.store.Get(id)
	if !ok {
		return Order{}, false
	}
	return o.Clone(), true
}

// PnL marks open orders to the current market price and returns the ledger.
func (e *Engine) PnL() ledger.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.ledger.RecomputeUnrealized(e.store.Buys(), e.store.Sells(), e.marketPrice)
	return e.ledger.Summary()
}

func (e *Engine) publish(trades []Trade) {
	if len(trades) == 0 || e.OnTrades == nil {
		return
	}
	e.OnTrades(trades)
}
