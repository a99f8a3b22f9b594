// Package exchange wires the matching engine, the price feed, the trade
// archive and metrics into one application that transports can drive.
package exchange

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/simexchange/params"
	"github.com/uhyunpark/simexchange/pkg/app/core/engine"
	"github.com/uhyunpark/simexchange/pkg/app/core/ledger"
	"github.com/uhyunpark/simexchange/pkg/app/feed"
	"github.com/uhyunpark/simexchange/pkg/metrics"
	"github.com/uhyunpark/simexchange/pkg/storage"
	"github.com/uhyunpark/simexchange/pkg/util"
)

// ErrArchiveDisabled is returned by RecentTrades when no archive is configured.
var ErrArchiveDisabled = errors.New("trade archive disabled")

type App struct {
	cfg     params.Config
	engine  *engine.Engine
	feed    *feed.Feed
	archive *storage.TradeArchive // nil when disabled
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger

	mu          sync.Mutex
	stopMonitor func()
	stopFeed    context.CancelFunc

	// batches reach handleTrades from several goroutines; the archive is
	// written in engine seq order through this reorder buffer
	archiveMu   sync.Mutex
	nextArchive uint64                    // first engine seq not yet archived
	pending     map[uint64][]engine.Trade // keyed by the batch's first seq

	// Hooks for transports. Set before Start.
	OnTrades func(trades []engine.Trade)
	OnTick   func(price decimal.Decimal)
}

// Options carries dependencies that are not part of params.Config.
type Options struct {
	Clock   util.Clock
	Archive *storage.TradeArchive // overrides cfg.Storage.ArchivePath
}

func New(cfg params.Config, opts Options, logger *zap.SugaredLogger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}

	a := &App{
		cfg:     cfg,
		metrics: metrics.New(),
		logger:  logger,
		archive: opts.Archive,

		nextArchive: 1,
		pending:     make(map[uint64][]engine.Trade),
	}

	if a.archive == nil && cfg.Storage.ArchivePath != "" {
		arc, err := storage.NewTradeArchive(cfg.Storage.ArchivePath)
		if err != nil {
			return nil, err
		}
		a.archive = arc
		logger.Infow("trade_archive_opened", "path", cfg.Storage.ArchivePath, "last_seq", arc.LastSeq())
	}

	a.engine = engine.New(engine.Config{
		InitialCapital:  cfg.Engine.InitialCapital,
		InitialPrice:    cfg.Engine.InitialPrice,
		MonitorInterval: cfg.Engine.MonitorInterval,
		Clock:           opts.Clock,
	}, logger.Named("engine"))
	a.engine.OnTrades = a.handleTrades
	a.engine.Monitor().OnTrigger = func(engine.Trade) { a.metrics.ConditionalTriggers.Inc() }

	a.feed = feed.New(a.engine, feed.Config{
		Interval: cfg.Feed.Interval,
		MaxStep:  cfg.Feed.MaxStep,
		MinPrice: cfg.Feed.MinPrice,
		Seed:     cfg.Feed.Seed,
		Clock:    opts.Clock,
	}, logger.Named("feed"))
	a.feed.OnTick = a.handleTick

	a.metrics.MarketPrice.Set(cfg.Engine.InitialPrice.InexactFloat64())
	a.refreshDepth()
	return a, nil
}

func (a *App) Engine() *engine.Engine { return a.engine }

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Start launches the conditional-order monitor and, if enabled, the price feed.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stopMonitor != nil {
		return
	}
	a.stopMonitor = a.engine.Monitor().Start(ctx)
	if a.cfg.Feed.Enabled {
		a.stopFeed = a.feed.Start(ctx)
	}
	a.logger.Infow("exchange_started",
		"market_price", a.engine.MarketPrice(),
		"feed_enabled", a.cfg.Feed.Enabled,
		"archive_enabled", a.archive != nil)
}

// Close stops background work and closes the archive.
func (a *App) Close() error {
	// stop outside a.mu: an in-flight tick may still need it
	a.mu.Lock()
	stopFeed, stopMonitor := a.stopFeed, a.stopMonitor
	a.stopFeed, a.stopMonitor = nil, nil
	a.mu.Unlock()

	if stopFeed != nil {
		stopFeed()
	}
	if stopMonitor != nil {
		stopMonitor()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.archive == nil {
		return nil
	}
	err := a.archive.Close()
	a.archive = nil
	return err
}

// handleTrades runs outside the engine lock for every trade batch.
func (a *App) handleTrades(trades []engine.Trade) {
	var qty int64
	for _, t := range trades {
		qty += t.Qty
	}
	a.metrics.TradesTotal.Add(float64(len(trades)))
	a.metrics.TradedQuantityTotal.Add(float64(qty))
	a.refreshDepth()

	a.archiveTrades(trades)

	for _, t := range trades {
		a.logger.Infow("trade",
			"seq", t.Seq, "buy", t.BuyOrderID, "sell", t.SellOrderID, "price", t.Price, "qty", t.Qty)
	}

	if a.OnTrades != nil {
		a.OnTrades(trades)
	}
}

// maxPendingBatches bounds the reorder buffer. A batch that never arrives
// (a tick that panicked mid-way) would otherwise stall the archive.
const maxPendingBatches = 64

// archiveTrades saves batches in engine seq order, holding back any batch
// that overtook an earlier one.
func (a *App) archiveTrades(trades []engine.Trade) {
	a.archiveMu.Lock()
	defer a.archiveMu.Unlock()

	arc := a.currentArchive()
	if arc == nil {
		return
	}
	a.pending[trades[0].Seq] = trades

	for {
		batch, ok := a.pending[a.nextArchive]
		if !ok {
			break
		}
		delete(a.pending, a.nextArchive)
		a.nextArchive = batch[len(batch)-1].Seq + 1
		a.saveBatch(arc, batch)
	}

	if len(a.pending) > maxPendingBatches {
		a.logger.Warnw("trade_archive_gap", "missing_seq", a.nextArchive, "pending", len(a.pending))
		for _, seq := range slices.Sorted(maps.Keys(a.pending)) {
			batch := a.pending[seq]
			delete(a.pending, seq)
			a.nextArchive = batch[len(batch)-1].Seq + 1
			a.saveBatch(arc, batch)
		}
	}
}

func (a *App) saveBatch(arc *storage.TradeArchive, batch []engine.Trade) {
	if err := arc.SaveTrades(batch); err != nil {
		a.logger.Warnw("trade_archive_failed", "trades", len(batch), "first_seq", batch[0].Seq, "err", err)
	}
}

func (a *App) handleTick(price decimal.Decimal) {
	a.metrics.MarketPrice.Set(price.InexactFloat64())
	if a.OnTick != nil {
		a.OnTick(price)
	}
}

func (a *App) currentArchive() *storage.TradeArchive {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archive
}

func (a *App) refreshDepth() {
	buys, sells := a.engine.Depth()
	a.metrics.BookOrders.WithLabelValues(engine.Buy.String()).Set(float64(buys))
	a.metrics.BookOrders.WithLabelValues(engine.Sell.String()).Set(float64(sells))
}

func (a *App) reject(err error) error {
	var reason string
	switch {
	case errors.Is(err, engine.ErrDuplicateOrderID):
		reason = "duplicate"
	case errors.Is(err, engine.ErrInvalidOrder):
		reason = "invalid"
	case errors.Is(err, engine.ErrOrderNotFound):
		reason = "not_found"
	case errors.Is(err, engine.ErrInvalidPrice):
		reason = "invalid_price"
	default:
		reason = "other"
	}
	a.metrics.OrdersRejected.WithLabelValues(reason).Inc()
	a.logger.Debugw("request_rejected", "reason", reason, "err", err)
	return err
}

// PlaceLimit submits a limit order, optionally carrying a stop-loss or take-profit.
func (a *App) PlaceLimit(o engine.Order) ([]engine.Trade, error) {
	trades, err := a.engine.AddLimitOrder(o)
	if err != nil {
		return nil, a.reject(err)
	}
	a.refreshDepth()
	return trades, nil
}

// PlaceMarket fills up to qty against the book; the unfilled rest is dropped.
func (a *App) PlaceMarket(side engine.Side, qty int64) ([]engine.Trade, error) {
	trades, err := a.engine.AddMarketOrder(side, qty)
	if err != nil {
		return nil, a.reject(err)
	}
	return trades, nil
}

func (a *App) Cancel(id string) error {
	if err := a.engine.CancelOrder(id); err != nil {
		return a.reject(err)
	}
	a.refreshDepth()
	return nil
}

// SetPrice injects an external price tick, the same path the feed uses.
func (a *App) SetPrice(price decimal.Decimal) error {
	if err := a.engine.OnPriceTick(price); err != nil {
		return a.reject(err)
	}
	a.handleTick(price)
	return nil
}

func (a *App) Order(id string) (engine.Order, bool) { return a.engine.Order(id) }
func (a *App) Snapshot() engine.Snapshot { return a.engine.Snapshot() }
func (a *App) Trades(after uint64) []engine.Trade { return a.engine.Trades(after) }
func (a *App) PnL() ledger.Summary { return a.engine.PnL() }
func (a *App) MarketPrice() decimal.Decimal { return a.engine.MarketPrice() }

func (a *App) Watching() (stopLoss, takeProfit []string) { return a.engine.Monitor().Watching() }

// RecentTrades reads the archive, newest first.
func (a *App) RecentTrades(limit int) ([]engine.Trade, error) {
	arc := a.currentArchive()
	if arc == nil {
		return nil, ErrArchiveDisabled
	}
	return arc.LoadRecentTrades(limit)
}

// ArchivedTrade looks up one trade by its archive sequence number.
func (a *App) ArchivedTrade(seq uint64) (engine.Trade, bool, error) {
	arc := a.currentArchive()
	if arc == nil {
		return engine.Trade{}, false, ErrArchiveDisabled
	}
	return arc.GetTrade(seq)
}

// StateHash computes a deterministic digest of the engine state: market price,
// both sides of the book in priority order and the trade count. Two engines
// that processed the same inputs report the same hash.
//
// State components hashed (in order):
//  1. Market price (string form)
//  2. Buy side: order count, then id, price, remaining quantity, seq per order
//  3. Sell side: same fields
//  4. Number of trades executed
func (a *App) StateHash() [32]byte {
	snap := a.engine.Snapshot()
	h := sha256.New()

	h.Write([]byte(snap.MarketPrice.String()))

	var buf [8]byte
	for _, side := range [][]engine.Order{snap.Buys, snap.Sells} {
		binary.BigEndian.PutUint64(buf[:], uint64(len(side)))
		h.Write(buf[:])
		for _, o := range side {
			h.Write([]byte(o.ID))
			h.Write([]byte{0})
			h.Write([]byte(o.Price.String()))
			h.Write([]byte{0})
			binary.BigEndian.PutUint64(buf[:], uint64(o.Qty))
			h.Write(buf[:])
			binary.BigEndian.PutUint64(buf[:], o.Seq)
			h.Write(buf[:])
		}
	}

	binary.BigEndian.PutUint64(buf[:], uint64(len(snap.Trades)))
	h.Write(buf[:])

	return sha256.Sum256(h.Sum(nil))
}

// StateHashHex is StateHash as 0x-prefixed hex.
func (a *App) StateHashHex() string {
	return fmt.Sprintf("0x%x", a.StateHash())
}
