package orderbook

import (
	"container/heap"
	"fmt"
	"sort"
)

// Store holds the resting orders of the single instrument: one heap per side
// plus an id index. Every removal updates the index and the heap in the same
// call, so Peek/Pop never surface a cancelled or exhausted order.
//
// Store is not safe for concurrent use; the engine serializes all access.
type Store struct {
	// Heap-based best price tracking (O(1) peek)
	buys  *orderHeap
	sells *orderHeap

	// Order index for O(1) lookup, O(log n) cancellation
	index map[string]*Order

	lastSeq uint64
}

func NewStore() *Store {
	buys := newBuyHeap()
	sells := newSellHeap()
	heap.Init(buys)
	heap.Init(sells)

	return &Store{
		buys:  buys,
		sells: sells,
		index: make(map[string]*Order),
	}
}

func (s *Store) side(sd Side) *orderHeap {
	if sd == Buy {
		return s.buys
	}
	return s.sells
}

// Insert queues o on its side and assigns the next sequence number.
// The store keeps the pointer: later fills mutate o.Qty in place.
func (s *Store) Insert(o *Order) error {
	if _, exists := s.index[o.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateOrderID, o.ID)
	}
	if !o.Side.Valid() {
		return fmt.Errorf("order %s: unknown side %d", o.ID, o.Side)
	}
	s.lastSeq++
	o.Seq = s.lastSeq
	heap.Push(s.side(o.Side), o)
	s.index[o.ID] = o
	return nil
}

// PeekBestBuy returns the highest bid (earliest on ties)
func (s *Store) PeekBestBuy() (*Order, bool) { return s.buys.Peek() }

// PeekBestSell returns the lowest ask (earliest on ties)
func (s *Store) PeekBestSell() (*Order, bool) { return s.sells.Peek() }

// PeekBest returns the top of the given side.
func (s *Store) PeekBest(sd Side) (*Order, bool) { return s.side(sd).Peek() }

func (s *Store) PopBestBuy() (*Order, bool)  { return s.pop(s.buys) }
func (s *Store) PopBestSell() (*Order, bool) { return s.pop(s.sells) }

func (s *Store) pop(h *orderHeap) (*Order, bool) {
	if h.Len() == 0 {
		return nil, false
	}
	o := heap.Pop(h).(*Order)
	delete(s.index, o.ID)
	return o, true
}

// Remove drops the order from both the index and its heap.
func (s *Store) Remove(id string) (*Order, bool) {
	o, ok := s.index[id]
	if !ok {
		return nil, false
	}
	h := s.side(o.Side)
	if o.index >= 0 && o.index < h.Len() && h.orders[o.index] == o {
		heap.Remove(h, o.index)
	}
	delete(s.index, id)
	return o, true
}

// Get returns the live resting order with the given id.
func (s *Store) Get(id string) (*Order, bool) {
	o, ok := s.index[id]
	return o, ok
}

// Len returns the number of resting orders on both sides.
func (s *Store) Len() int { return len(s.index) }

// Depth returns the number of resting orders on each side.
func (s *Store) Depth() (buys, sells int) { return s.buys.Len(), s.sells.Len() }

// Buys returns copies of all resting buy orders, best first.
func (s *Store) Buys() []Order { return sorted(s.buys) }

// Sells returns copies of all resting sell orders, best first.
func (s *Store) Sells() []Order { return sorted(s.sells) }

func sorted(h *orderHeap) []Order {
	ptrs := make([]*Order, len(h.orders))
	copy(ptrs, h.orders)
	sort.Slice(ptrs, func(i, j int) bool { return h.less(ptrs[i], ptrs[j]) })

	out := make([]Order, len(ptrs))
	for i, o := range ptrs {
		out[i] = o.Clone()
	}
	return out
}

// Crossed reports whether the best bid is at or above the best ask.
func (s *Store) Crossed() bool {
	b, okB := s.buys.Peek()
	a, okA := s.sells.Peek()
	return okB && okA && b.Price.GreaterThanOrEqual(a.Price)
}
