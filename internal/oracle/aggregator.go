package oracle

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	imath "PerpOracle/internal/math"
	"PerpOracle/internal/policy"
)

var (
	ErrUnauthorized        = errors.New("caller is not a registered active price source")
	ErrInvalidPrice        = errors.New("invalid price")
	ErrStalePrice          = errors.New("price is stale")
	ErrPriceDeviation      = errors.New("price deviates beyond allowed bound")
	ErrInsufficientSources = errors.New("insufficient price submissions")
)

// Aggregator validates and folds price reports into per-feed bounded
// histories. It exclusively owns PriceFeed records; the registry owns
// PriceSource records but the aggregator mutates source heartbeats on
// accepted submissions.
type Aggregator struct {
	registry *SourceRegistry
	policy   *policy.Policy
	feeds    map[string]*PriceFeed
}

func NewAggregator(registry *SourceRegistry, pol *policy.Policy) *Aggregator {
	return &Aggregator{
		registry: registry,
		policy:   pol,
		feeds:    make(map[string]*PriceFeed),
	}
}

// Submit validates a price report and folds it into the feed.
// Checks run in a fixed order; the first failure is surfaced and no
// state is committed on failure (atomic accept-or-reject):
//
//  1. reporter must be a registered, active source
//  2. platform must not be paused
//  3. price must be strictly positive
//  4. the source's own cadence must be within the heartbeat interval
//     (first-ever submission always passes)
//  5. deviation from the feed's current price must be within the bound
//     (a feed with no prior price always passes)
func (a *Aggregator) Submit(reporter uuid.UUID, feedID string, price, now int64) error {
	src := a.registry.Lookup(reporter)
	if src == nil || !src.Active {
		return fmt.Errorf("%w: %s", ErrUnauthorized, reporter)
	}

	if a.policy.Paused() {
		return policy.ErrMarketClosed
	}

	if price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrInvalidPrice)
	}

	params := a.policy.Params()

	// Heartbeat: gates on the source's OWN cadence, not the feed's.
	if src.LastUpdate != 0 && now-src.LastUpdate >= params.HeartbeatInterval {
		return fmt.Errorf("%w: source heartbeat gap %ds >= %ds",
			ErrStalePrice, now-src.LastUpdate, params.HeartbeatInterval)
	}

	feed := a.feeds[feedID]
	if feed == nil {
		feed = &PriceFeed{}
		a.feeds[feedID] = feed
	}

	if feed.CurrentPrice != 0 {
		dev := deviationBps(price, feed.CurrentPrice)
		if dev > params.MaxPriceDeviationBps {
			return fmt.Errorf("%w: %d bps > %d bps", ErrPriceDeviation, dev, params.MaxPriceDeviationBps)
		}
	}

	feed.record(price, now)
	src.LastUpdate = now

	return nil
}

// ValidPrice is the only sanctioned way to read a trusted price.
// Direct reads of CurrentPrice bypass the freshness and liveness gates.
func (a *Aggregator) ValidPrice(feedID string, now int64) (int64, error) {
	feed := a.feeds[feedID]
	if feed == nil {
		return 0, fmt.Errorf("%w: no feed %q", ErrInvalidPrice, feedID)
	}

	params := a.policy.Params()

	if now-feed.LastUpdate >= params.PriceValidityPeriod {
		return 0, fmt.Errorf("%w: feed %q last updated %ds ago (validity %ds)",
			ErrStalePrice, feedID, now-feed.LastUpdate, params.PriceValidityPeriod)
	}

	if feed.SourceCount < params.MinOracleSources {
		return 0, fmt.Errorf("%w: feed %q has %d submissions, need %d",
			ErrInsufficientSources, feedID, feed.SourceCount, params.MinOracleSources)
	}

	return feed.CurrentPrice, nil
}

// Feed returns the feed record, or nil if unknown. Read-only access for
// queries and snapshots.
func (a *Aggregator) Feed(feedID string) *PriceFeed {
	return a.feeds[feedID]
}

// RestoreFeed directly sets a feed record (used for snapshot restore).
func (a *Aggregator) RestoreFeed(feedID string, feed *PriceFeed) {
	a.feeds[feedID] = feed
}

// Snapshot returns a copy of all feeds.
func (a *Aggregator) Snapshot() map[string]PriceFeed {
	out := make(map[string]PriceFeed, len(a.feeds))
	for id, f := range a.feeds {
		c := *f
		c.Prices = append([]int64(nil), f.Prices...)
		c.Timestamps = append([]int64(nil), f.Timestamps...)
		out[id] = c
	}
	return out
}

// deviationBps computes |new - old| * 10000 / old as an integer
// basis-point value, truncating. old must be non-zero. The product goes
// through a 128-bit intermediate; a plain int64 multiply wraps once the
// difference exceeds ~9.2e14 and a wrapped value can slip past the
// deviation bound.
func deviationBps(newPrice, oldPrice int64) int64 {
	diff := newPrice - oldPrice
	if diff < 0 {
		diff = -diff
	}
	return imath.MulDivTrunc(diff, 10_000, oldPrice)
}
