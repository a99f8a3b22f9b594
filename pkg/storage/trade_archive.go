package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/uhyunpark/simexchange/pkg/app/core/engine"
)

// TradeArchive is a best-effort, append-only trade history in Pebble. Writes
// use NoSync: a crash may lose the tail, which is acceptable for a history
// that the engine never reads back. Trades are keyed in the order SaveTrades
// is called; callers that need engine order must serialize their writes.
type TradeArchive struct {
	db *pebble.DB

	mu      sync.Mutex
	lastSeq uint64
}

// NewTradeArchive opens (or creates) the archive at path.
func NewTradeArchive(path string) (*TradeArchive, error) {
	return openTradeArchive(path, &pebble.Options{})
}

// NewInMemoryTradeArchive keeps everything in a pebble in-memory filesystem.
func NewInMemoryTradeArchive() (*TradeArchive, error) {
	return openTradeArchive("", &pebble.Options{FS: vfs.NewMem()})
}

func openTradeArchive(path string, opts *pebble.Options) (*TradeArchive, error) {
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("open trade archive: %w", err)
	}
	a := &TradeArchive{db: db}
	if a.lastSeq, err = a.scanLastSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *TradeArchive) Close() error { return a.db.Close() }

func (a *TradeArchive) scanLastSeq() (uint64, error) {
	prefix := []byte(prefixTrade)
	iter, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return 0, fmt.Errorf("scan trade archive: %w", err)
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, nil
	}
	return tradeSeqFromKey(iter.Key())
}

// LastSeq is the archive sequence of the newest stored trade, 0 when empty.
func (a *TradeArchive) LastSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeq
}

// SaveTrades appends a batch of trades in order, atomically.
func (a *TradeArchive) SaveTrades(trades []engine.Trade) error {
	if len(trades) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	b := a.db.NewBatch()
	defer b.Close()

	seq := a.lastSeq
	for _, t := range trades {
		data, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("failed to marshal trade %s: %w", t.ID, err)
		}
		seq++
		if err := b.Set(tradeKey(seq), data, nil); err != nil {
			return fmt.Errorf("failed to stage trade %s: %w", t.ID, err)
		}
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to save trades: %w", err)
	}
	a.lastSeq = seq
	return nil
}

// LoadRecentTrades loads the most recent limit trades, newest first.
func (a *TradeArchive) LoadRecentTrades(limit int) ([]engine.Trade, error) {
	if limit <= 0 {
		return []engine.Trade{}, nil
	}

	prefix := []byte(prefixTrade)
	iter, err := a.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	trades := make([]engine.Trade, 0, limit)
	for iter.Last(); iter.Valid() && len(trades) < limit; iter.Prev() {
		var t engine.Trade
		if err := json.Unmarshal(iter.Value(), &t); err != nil {
			continue // Skip invalid entries
		}
		trades = append(trades, t)
	}
	return trades, iter.Error()
}

// GetTrade returns the trade stored under archive sequence seq.
func (a *TradeArchive) GetTrade(seq uint64) (engine.Trade, bool, error) {
	data, closer, err := a.db.Get(tradeKey(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return engine.Trade{}, false, nil
	}
	if err != nil {
		return engine.Trade{}, false, fmt.Errorf("failed to get trade: %w", err)
	}
	defer closer.Close()

	var t engine.Trade
	if err := json.Unmarshal(data, &t); err != nil {
		return engine.Trade{}, false, fmt.Errorf("failed to unmarshal trade: %w", err)
	}
	return t, true, nil
}
