package ledger

import (
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/simexchange/pkg/app/core/orderbook"
)

// Ledger tracks capital and profit/loss for the single account the engine
// trades on behalf of. Not safe for concurrent use; the engine lock guards it.
type Ledger struct {
	capital    decimal.Decimal
	realized   decimal.Decimal // cumulative cash flow booked from fills
	unrealized decimal.Decimal // mark-to-market of open orders, see RecomputeUnrealized
}

// Summary is a point-in-time copy of the ledger.
type Summary struct {
	Capital       decimal.Decimal `json:"capital"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
}

func New(initialCapital decimal.Decimal) *Ledger {
	return &Ledger{capital: initialCapital}
}

// UpdateForTrade books one side of a fill.
// Buy:  capital -= price × qty, realized -= price × qty
// Sell: capital += price × qty, realized += price × qty
func (l *Ledger) UpdateForTrade(price decimal.Decimal, qty int64, side orderbook.Side) {
	notional := price.Mul(decimal.NewFromInt(qty))
	switch side {
	case orderbook.Buy:
		l.capital = l.capital.Sub(notional)
		l.realized = l.realized.Sub(notional)
	case orderbook.Sell:
		l.capital = l.capital.Add(notional)
		l.realized = l.realized.Add(notional)
	}
}

// RecomputeUnrealized marks open orders against the market price.
// Formula: Σ buys (market - price) × qty + Σ sells (price - market) × qty
func (l *Ledger) RecomputeUnrealized(buys, sells []orderbook.Order, market decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, o := range buys {
		total = total.Add(market.Sub(o.Price).Mul(decimal.NewFromInt(o.Qty)))
	}
	for _, o := range sells {
		total = total.Add(o.Price.Sub(market).Mul(decimal.NewFromInt(o.Qty)))
	}
	l.unrealized = total
	return total
}

func (l *Ledger) Summary() Summary {
	return Summary{
		Capital:       l.capital,
		RealizedPnL:   l.realized,
		UnrealizedPnL: l.unrealized,
	}
}
