package oracle

// HistoryDepth bounds the per-feed rolling price history.
const HistoryDepth = 10

// PriceFeed is a named price series. Prices and Timestamps are parallel
// ring buffers, newest first, truncated at HistoryDepth.
//
// SourceCount is a monotonic counter of accepted submissions, not a count
// of distinct reporters. It never decreases and is the liveness proxy the
// trusted-price read compares against the minimum-sources threshold.
type PriceFeed struct {
	CurrentPrice int64
	LastUpdate   int64
	SourceCount  int64
	Prices       []int64
	Timestamps   []int64
}

// record prepends an accepted price, truncating the histories to
// HistoryDepth, and bumps the submission counter.
func (f *PriceFeed) record(price, now int64) {
	f.Prices = prependBounded(f.Prices, price)
	f.Timestamps = prependBounded(f.Timestamps, now)
	f.CurrentPrice = price
	f.LastUpdate = now
	f.SourceCount++
}

// prependBounded inserts v at the head of h, dropping the oldest entry
// once capacity is reached. No dynamic growth beyond HistoryDepth.
func prependBounded(h []int64, v int64) []int64 {
	if len(h) < HistoryDepth {
		h = append(h, 0)
	}
	copy(h[1:], h)
	h[0] = v
	return h
}
