// Package feed simulates an external market data source: a bounded random
// walk pushed into the engine as price ticks.
package feed

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/simexchange/pkg/util"
)

// PriceSink receives ticks. *engine.Engine satisfies it. UpdatePrice must
// read and replace the price atomically.
type PriceSink interface {
	UpdatePrice(next func(current decimal.Decimal) decimal.Decimal) (decimal.Decimal, error)
}

// Config controls the walk.
type Config struct {
	Interval time.Duration
	MaxStep  decimal.Decimal // each tick moves by a uniform amount in [-MaxStep, +MaxStep]
	MinPrice decimal.Decimal // floor
	Seed     int64           // 0 seeds from the clock
	Clock    util.Clock
}

// DefaultConfig returns a walk of ±0.5 per second, floored at 1.
func DefaultConfig() Config {
	return Config{
		Interval: time.Second,
		MaxStep:  decimal.RequireFromString("0.5"),
		MinPrice: decimal.NewFromInt(1),
		Clock:    util.RealClock{},
	}
}

type Feed struct {
	sink   PriceSink
	cfg    Config
	logger *zap.SugaredLogger

	mu  sync.Mutex
	rng *rand.Rand

	// OnTick is called with every price the feed publishes. Set before Start.
	OnTick func(price decimal.Decimal)
}

func New(sink PriceSink, cfg Config, logger *zap.SugaredLogger) *Feed {
	if cfg.Clock == nil {
		cfg.Clock = util.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	seed := uint64(cfg.Seed)
	if cfg.Seed == 0 {
		seed = uint64(cfg.Clock.Now().UnixNano())
	}
	return &Feed{
		sink:   sink,
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// next applies one step of the walk to price.
func (f *Feed) next(price decimal.Decimal) decimal.Decimal {
	f.mu.Lock()
	u := f.rng.Float64()*2 - 1
	f.mu.Unlock()

	p := price.Add(decimal.NewFromFloat(u).Mul(f.cfg.MaxStep)).Round(2)
	if p.LessThan(f.cfg.MinPrice) {
		p = f.cfg.MinPrice
	}
	return p
}

// Step moves the sink's current price by one step of the walk.
func (f *Feed) Step() (decimal.Decimal, error) {
	p, err := f.sink.UpdatePrice(f.next)
	if err != nil {
		return decimal.Decimal{}, err
	}
	if f.OnTick != nil {
		f.OnTick(p)
	}
	return p, nil
}

// Start runs the walk in a background goroutine until ctx is done or the
// returned cancel function is called.
func (f *Feed) Start(ctx context.Context) context.CancelFunc {
	feedCtx, cancel := context.WithCancel(ctx)

	go func() {
		startTime := f.cfg.Clock.Now()
		ticks := 0

		f.logger.Infow("feed_started", "interval", f.cfg.Interval, "max_step", f.cfg.MaxStep, "min_price", f.cfg.MinPrice)

		for {
			select {
			case <-feedCtx.Done():
				f.logger.Infow("feed_stopped", "ticks", ticks, "elapsed", f.cfg.Clock.Now().Sub(startTime))
				return

			case <-f.cfg.Clock.After(f.cfg.Interval):
				p, err := f.Step()
				if err != nil {
					f.logger.Warnw("feed_tick_rejected", "err", err)
					continue
				}
				ticks++
				f.logger.Debugw("price_tick", "price", p, "tick", ticks)
			}
		}
	}()

	return cancel
}
