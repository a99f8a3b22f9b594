package orderbook

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrDuplicateOrderID is returned by Insert when the id is already resting.
var ErrDuplicateOrderID = errors.New("duplicate order id")

type Side int8

const (
	Buy  Side = 1
	Sell Side = -1
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

// Opposite returns the side a market order on s trades against.
func (s Side) Opposite() Side { return -s }

// Valid reports whether s is Buy or Sell.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// ParseSide accepts "buy"/"sell" in any case.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell":
		return Sell, nil
	}
	return 0, fmt.Errorf("unknown side %q", s)
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("unknown side %d", s)
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Order is a resting limit order. Qty is the remaining quantity and is
// decremented in place as the order fills. Seq is assigned by Store.Insert.
type Order struct {
	ID         string              `json:"id"`
	Side       Side                `json:"side"`
	Price      decimal.Decimal     `json:"price"`
	Qty        int64               `json:"quantity"`
	Seq        uint64              `json:"seq"`
	StopLoss   decimal.NullDecimal `json:"stopLoss"`
	TakeProfit decimal.NullDecimal `json:"takeProfit"`

	// position inside the side heap, -1 when not queued
	index int
}

// Conditional reports whether the order carries a stop-loss or take-profit.
func (o *Order) Conditional() bool {
	return o.StopLoss.Valid || o.TakeProfit.Valid
}

// Clone returns a detached copy safe to hand out of the store.
func (o *Order) Clone() Order {
	cp := *o
	cp.index = -1
	return cp
}
