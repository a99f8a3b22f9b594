package storage

import (
	"fmt"
	"strconv"
)

// Trade archive key schema for Pebble storage:
//
//	trade:<seq>   → Trade (JSON), seq zero-padded to 20 digits
//
// seq is the archive's own counter, so it keeps growing across restarts even
// though engine trade sequences start over at 1.
const prefixTrade = "trade:"

// tradeKey returns the key for a trade
// Format: "trade:{seq}"
func tradeKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", prefixTrade, seq))
}

// tradeSeqFromKey is the inverse of tradeKey.
func tradeSeqFromKey(key []byte) (uint64, error) {
	if len(key) != len(prefixTrade)+20 || string(key[:len(prefixTrade)]) != prefixTrade {
		return 0, fmt.Errorf("not a trade key: %q", key)
	}
	return strconv.ParseUint(string(key[len(prefixTrade):]), 10, 64)
}

// keyUpperBound returns the exclusive upper bound for a prefix scan
func keyUpperBound(prefix []byte) []byte {
	bound := make([]byte, len(prefix))
	copy(bound, prefix)
	bound[len(bound)-1]++
	return bound
}

