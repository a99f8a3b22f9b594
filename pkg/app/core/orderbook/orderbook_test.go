package orderbook

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOrder(id string, side Side, price int64, qty int64) *Order {
	return &Order{ID: id, Side: side, Price: decimal.NewFromInt(price), Qty: qty}
}

func ids(orders []Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

func TestStore_PriceTimePriority(t *testing.T) {
	s := NewStore()

	require.NoError(t, s.Insert(newOrder("b1", Buy, 100, 1)))
	require.NoError(t, s.Insert(newOrder("b2", Buy, 101, 1)))
	require.NoError(t, s.Insert(newOrder("b3", Buy, 100, 1)))
	require.NoError(t, s.Insert(newOrder("s1", Sell, 105, 1)))
	require.NoError(t, s.Insert(newOrder("s2", Sell, 103, 1)))
	require.NoError(t, s.Insert(newOrder("s3", Sell, 103, 1)))

	assert.Equal(t, []string{"b2", "b1", "b3"}, ids(s.Buys()))
	assert.Equal(t, []string{"s2", "s3", "s1"}, ids(s.Sells()))

	best, ok := s.PeekBestBuy()
	require.True(t, ok)
	assert.Equal(t, "b2", best.ID)

	best, ok = s.PeekBestSell()
	require.True(t, ok)
	assert.Equal(t, "s2", best.ID)
	assert.Equal(t, 6, s.Len(), "peek must not mutate")
}

func TestStore_SequenceIsMonotonic(t *testing.T) {
	s := NewStore()
	var last uint64
	for i, id := range []string{"a", "b", "c", "d"} {
		o := newOrder(id, Side(1-2*(i%2)), 100, 1)
		require.NoError(t, s.Insert(o))
		assert.Greater(t, o.Seq, last)
		last = o.Seq
	}
}

func TestStore_DuplicateID(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Insert(newOrder("x", Buy, 100, 5)))

	err := s.Insert(newOrder("x", Sell, 90, 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateOrderID))

	assert.Equal(t, 1, s.Len())
	assert.Empty(t, s.Sells())
	assert.Equal(t, int64(5), s.Buys()[0].Qty)
}

func TestStore_PopDrainsInOrder(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Insert(newOrder("s1", Sell, 10, 1)))
	require.NoError(t, s.Insert(newOrder("s2", Sell, 9, 1)))
	require.NoError(t, s.Insert(newOrder("s3", Sell, 9, 1)))

	var got []string
	for {
		o, ok := s.PopBestSell()
		if !ok {
			break
		}
		got = append(got, o.ID)
		_, stillIndexed := s.Get(o.ID)
		assert.False(t, stillIndexed)
	}
	assert.Equal(t, []string{"s2", "s3", "s1"}, got)

	_, ok := s.PopBestBuy()
	assert.False(t, ok)
}

func TestStore_RemoveExcisesHeapEntry(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Insert(newOrder("b1", Buy, 100, 1)))
	require.NoError(t, s.Insert(newOrder("b2", Buy, 99, 1)))
	require.NoError(t, s.Insert(newOrder("b3", Buy, 98, 1)))

	o, ok := s.Remove("b1")
	require.True(t, ok)
	assert.Equal(t, "b1", o.ID)

	best, ok := s.PeekBestBuy()
	require.True(t, ok)
	assert.Equal(t, "b2", best.ID, "removed order must not be visible to peek")

	_, ok = s.Remove("b1")
	assert.False(t, ok)

	// removing from the middle keeps the heap consistent
	_, ok = s.Remove("b3")
	require.True(t, ok)
	assert.Equal(t, []string{"b2"}, ids(s.Buys()))

	popped, ok := s.PopBestBuy()
	require.True(t, ok)
	assert.Equal(t, "b2", popped.ID)
	assert.Equal(t, 0, s.Len())
}

func TestStore_SnapshotsAreDetached(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Insert(newOrder("b1", Buy, 100, 4)))

	view := s.Buys()
	view[0].Qty = 1

	live, _ := s.Get("b1")
	assert.Equal(t, int64(4), live.Qty)
}

func TestStore_Crossed(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Crossed())

	require.NoError(t, s.Insert(newOrder("b", Buy, 99, 1)))
	require.NoError(t, s.Insert(newOrder("s", Sell, 100, 1)))
	assert.False(t, s.Crossed())

	require.NoError(t, s.Insert(newOrder("b2", Buy, 100, 1)))
	assert.True(t, s.Crossed())
}

func TestParseSide(t *testing.T) {
	tests := []struct {
		in      string
		want    Side
		wantErr bool
	}{
		{in: "buy", want: Buy},
		{in: "SELL", want: Sell},
		{in: " Buy ", want: Buy},
		{in: "hold", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSide(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
