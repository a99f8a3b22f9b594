package orderbook

// orderHeap implements heap.Interface over resting orders.
// Use container/heap to manipulate it (Init, Push, Pop, Remove).
// Each order tracks its own slot so Remove can excise it in O(log n).
type orderHeap struct {
	orders []*Order
	less   func(a, b *Order) bool
}

// buyFirst: higher price on top, earlier seq wins ties
func buyFirst(a, b *Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c > 0
	}
	return a.Seq < b.Seq
}

// sellFirst: lower price on top, earlier seq wins ties
func sellFirst(a, b *Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		return c < 0
	}
	return a.Seq < b.Seq
}

func newBuyHeap() *orderHeap  { return &orderHeap{less: buyFirst} }
func newSellHeap() *orderHeap { return &orderHeap{less: sellFirst} }

func (h orderHeap) Len() int           { return len(h.orders) }
func (h orderHeap) Less(i, j int) bool { return h.less(h.orders[i], h.orders[j]) }

func (h orderHeap) Swap(i, j int) {
	h.orders[i], h.orders[j] = h.orders[j], h.orders[i]
	h.orders[i].index = i
	h.orders[j].index = j
}

func (h *orderHeap) Push(x interface{}) {
	o := x.(*Order)
	o.index = len(h.orders)
	h.orders = append(h.orders, o)
}

func (h *orderHeap) Pop() interface{} {
	old := h.orders
	n := len(old)
	o := old[n-1]
	old[n-1] = nil
	o.index = -1
	h.orders = old[0 : n-1]
	return o
}

// Peek returns the top element without removing it
func (h *orderHeap) Peek() (*Order, bool) {
	if len(h.orders) == 0 {
		return nil, false
	}
	return h.orders[0], true
}
