package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/simexchange/pkg/util"
)

// Monitor watches resting orders that carry a stop-loss or take-profit and
// force-fills them at the market price once the threshold is crossed:
//
//	stop-loss:   market <= StopLoss
//	take-profit: market >= TakeProfit
//
// Its collections are guarded by the engine mutex, and a tick holds that mutex
// for its whole evaluation, so an order triggers at most once and never
// interleaves with a matching pass.
type Monitor struct {
	engine   *Engine
	interval time.Duration
	clock    util.Clock
	logger   *zap.SugaredLogger

	// guarded by engine.mu
	stopLoss   []*Order
	takeProfit []*Order

	// OnTrigger is called once per forced fill, after Engine.OnTrades. Set
	// before Start.
	OnTrigger func(t Trade)
}

func newMonitor(e *Engine, interval time.Duration, clock util.Clock, logger *zap.SugaredLogger) *Monitor {
	return &Monitor{
		engine:   e,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// register starts watching a resting order. Caller holds engine.mu.
func (m *Monitor) register(o *Order) {
	if o.StopLoss.Valid {
		m.stopLoss = append(m.stopLoss, o)
	}
	if o.TakeProfit.Valid {
		m.takeProfit = append(m.takeProfit, o)
	}
	m.logger.Debugw("conditional_registered",
		"id", o.ID, "stop_loss", o.StopLoss, "take_profit", o.TakeProfit)
}

// unregister drops every watch on id. Caller holds engine.mu.
func (m *Monitor) unregister(id string) {
	m.stopLoss = without(m.stopLoss, id)
	m.takeProfit = without(m.takeProfit, id)
}

func without(list []*Order, id string) []*Order {
	for i, o := range list {
		if o.ID == id {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// Watching returns the ids currently watched for each condition.
func (m *Monitor) Watching() (stopLoss, takeProfit []string) {
	m.engine.mu.Lock()
	defer m.engine.mu.Unlock()

	for _, o := range m.stopLoss {
		stopLoss = append(stopLoss, o.ID)
	}
	for _, o := range m.takeProfit {
		takeProfit = append(takeProfit, o.ID)
	}
	return stopLoss, takeProfit
}

// Tick evaluates every watched order against the current market price and
// returns the trades it forced.
func (m *Monitor) Tick() []Trade {
	trades := m.evaluate()
	m.engine.publish(trades)
	if m.OnTrigger != nil {
		for _, t := range trades {
			m.OnTrigger(t)
		}
	}
	return trades
}

func (m *Monitor) evaluate() []Trade {
	e := m.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	price := e.marketPrice
	var trades []Trade

	// iterate copies: triggering mutates both live lists
	for _, o := range append([]*Order(nil), m.stopLoss...) {
		if o.StopLoss.Decimal.GreaterThanOrEqual(price) {
			trades = m.trigger(trades, o, price, "stop_loss")
		}
	}
	for _, o := range append([]*Order(nil), m.takeProfit...) {
		if o.TakeProfit.Decimal.LessThanOrEqual(price) {
			trades = m.trigger(trades, o, price, "take_profit")
		}
	}
	return trades
}

// trigger fills o's full remaining quantity against the market counterpart.
// Caller holds engine.mu.
func (m *Monitor) trigger(trades []Trade, o *Order, price decimal.Decimal, kind string) []Trade {
	e := m.engine
	m.unregister(o.ID)

	live, ok := e.store.Get(o.ID)
	if !ok || live != o || o.Qty <= 0 {
		m.logger.Warnw("conditional_stale", "id", o.ID, "kind", kind)
		return trades
	}

	var buy, sell *Order
	if o.Side == Buy {
		buy = o
	} else {
		sell = o
	}
	t := e.executeTrade(buy, sell, price, o.Qty)

	m.logger.Infow("conditional_triggered",
		"id", o.ID, "kind", kind, "side", o.Side, "market_price", price, "qty", t.Qty, "trade_seq", t.Seq)
	return append(trades, t)
}

// safeTick runs one tick, turning a panic into an error so the schedule survives.
func (m *Monitor) safeTick() (trades []Trade, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("monitor tick panic: %v", r)
		}
	}()
	return m.Tick(), nil
}

// Run ticks every interval until ctx is cancelled. Cancellation is observed
// between ticks; a tick in progress always completes.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Infow("monitor_started", "interval", m.interval)
	var ticks, triggered int

	for {
		select {
		case <-ctx.Done():
			m.logger.Infow("monitor_stopped", "ticks", ticks, "triggered", triggered)
			return
		case <-m.clock.After(m.interval):
			ticks++
			trades, err := m.safeTick()
			if err != nil {
				m.logger.Errorw("monitor_tick_failed", "tick", ticks, "err", err)
				continue
			}
			triggered += len(trades)
		}
	}
}

// Start runs the monitor in a goroutine. The returned stop func cancels it and
// waits for the loop to exit.
func (m *Monitor) Start(ctx context.Context) (stop func()) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(runCtx)
	}()
	return func() {
		cancel()
		<-done
	}
}
