package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/simexchange/pkg/util"
)

type fakeSink struct {
	mu     sync.Mutex
	price  decimal.Decimal
	ticks  []decimal.Decimal
	reject bool
}

func (s *fakeSink) MarketPrice() decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price
}

func (s *fakeSink) UpdatePrice(next func(decimal.Decimal) decimal.Decimal) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return decimal.Decimal{}, errors.New("rejected")
	}
	s.price = next(s.price)
	s.ticks = append(s.ticks, s.price)
	return s.price, nil
}

func (s *fakeSink) set(p decimal.Decimal) {
	s.mu.Lock()
	s.price = p
	s.mu.Unlock()
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ticks)
}

func seeded(seed int64) Config {
	cfg := DefaultConfig()
	cfg.Seed = seed
	return cfg
}

func TestStep_BoundedAndRounded(t *testing.T) {
	sink := &fakeSink{price: decimal.NewFromInt(100)}
	f := New(sink, seeded(42), zaptest.NewLogger(t).Sugar())

	prev := sink.price
	for i := 0; i < 500; i++ {
		p, err := f.Step()
		require.NoError(t, err)
		assert.True(t, p.Sub(prev).Abs().LessThanOrEqual(decimal.RequireFromString("0.5")), "step %s -> %s", prev, p)
		assert.True(t, p.Equal(p.Round(2)), "price %s not rounded to cents", p)
		assert.True(t, p.GreaterThanOrEqual(decimal.NewFromInt(1)))
		prev = p
	}
	assert.Len(t, sink.ticks, 500)
}

func TestStep_SameSeedSamePath(t *testing.T) {
	a := &fakeSink{price: decimal.NewFromInt(100)}
	b := &fakeSink{price: decimal.NewFromInt(100)}
	fa := New(a, seeded(7), nil)
	fb := New(b, seeded(7), nil)

	for i := 0; i < 50; i++ {
		pa, err := fa.Step()
		require.NoError(t, err)
		pb, err := fb.Step()
		require.NoError(t, err)
		require.True(t, pa.Equal(pb), "diverged at %d: %s vs %s", i, pa, pb)
	}
}

func TestStep_FloorsAtMinPrice(t *testing.T) {
	sink := &fakeSink{price: decimal.RequireFromString("1.1")}
	cfg := seeded(3)
	cfg.MaxStep = decimal.NewFromInt(5)
	f := New(sink, cfg, nil)

	for i := 0; i < 200; i++ {
		p, err := f.Step()
		require.NoError(t, err)
		require.True(t, p.GreaterThanOrEqual(decimal.NewFromInt(1)), "price %s fell through floor", p)
	}
}

func TestStep_OnTickOnlyForAcceptedPrices(t *testing.T) {
	sink := &fakeSink{price: decimal.NewFromInt(100), reject: true}
	f := New(sink, seeded(1), nil)

	var seen int
	f.OnTick = func(decimal.Decimal) { seen++ }

	_, err := f.Step()
	require.Error(t, err)
	assert.Zero(t, seen)

	sink.reject = false
	p, err := f.Step()
	require.NoError(t, err)
	assert.Equal(t, 1, seen)
	assert.True(t, sink.MarketPrice().Equal(p))
}

func TestStep_WalksFromExternallySetPrice(t *testing.T) {
	sink := &fakeSink{price: decimal.NewFromInt(100)}
	f := New(sink, seeded(5), nil)

	_, err := f.Step()
	require.NoError(t, err)

	sink.set(decimal.NewFromInt(250))
	p, err := f.Step()
	require.NoError(t, err)
	assert.True(t, p.Sub(decimal.NewFromInt(250)).Abs().LessThanOrEqual(decimal.RequireFromString("0.5")), "price %s", p)
}

func TestStart_TicksOnClock(t *testing.T) {
	clock := util.NewManualClock(time.Unix(0, 0))
	cfg := seeded(9)
	cfg.Clock = clock
	cfg.Interval = 100 * time.Millisecond

	sink := &fakeSink{price: decimal.NewFromInt(100)}
	f := New(sink, cfg, nil)

	cancel := f.Start(context.Background())
	defer cancel()

	for i := 1; i <= 3; i++ {
		require.Eventually(t, func() bool { return clock.Waiters() == 1 }, time.Second, time.Millisecond)
		clock.Advance(cfg.Interval)
		require.Eventually(t, func() bool { return sink.count() == i }, time.Second, time.Millisecond)
	}

	cancel()
	clock.Advance(time.Hour)
	assert.LessOrEqual(t, sink.count(), 4)
}
