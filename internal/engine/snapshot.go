package engine

import (
	"github.com/google/uuid"

	"PerpOracle/internal/ledger"
	"PerpOracle/internal/oracle"
	"PerpOracle/internal/policy"
)

// SnapshotState holds the serializable in-memory state for restore.
type SnapshotState struct {
	Sequence        int64
	StateHash       [32]byte
	Balances        map[uuid.UUID]ledger.Balance
	Positions       []*Position
	NextPositionID  int64
	Feeds           map[string]oracle.PriceFeed
	Sources         map[uuid.UUID]oracle.PriceSource
	Params          policy.Params
	Paused          bool
	IdempotencyKeys []string
}

// CreateSnapshotState captures the current in-memory state for persistence.
func (e *Engine) CreateSnapshotState() *SnapshotState {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return &SnapshotState{
		Sequence:        e.sequence - 1, // Last applied sequence
		StateHash:       e.hasher.GetPrevHash(),
		Balances:        e.collateral.Snapshot(),
		Positions:       e.book.Snapshot(),
		NextPositionID:  e.book.NextID(),
		Feeds:           e.aggregator.Snapshot(),
		Sources:         e.registry.Snapshot(),
		Params:          e.riskPolicy.Params(),
		Paused:          e.riskPolicy.Paused(),
		IdempotencyKeys: e.idempotency.Keys(),
	}
}

// RestoreFromSnapshot loads state captured by CreateSnapshotState.
// Only called during startup, before the engine accepts commands.
func (e *Engine) RestoreFromSnapshot(snap *SnapshotState) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.sequence = snap.Sequence + 1 // Next sequence to assign
	e.hasher.SetPrevHash(snap.StateHash)

	for account, b := range snap.Balances {
		e.collateral.Restore(account, b)
	}

	for _, pos := range snap.Positions {
		e.book.Restore(pos)
	}
	e.book.RestoreNextID(snap.NextPositionID)

	for feedID, feed := range snap.Feeds {
		f := feed
		e.aggregator.RestoreFeed(feedID, &f)
	}

	for id, src := range snap.Sources {
		s := src
		e.registry.Restore(id, &s)
	}

	e.riskPolicy.Restore(snap.Params, snap.Paused)

	e.idempotency.WarmFromKeys(snap.IdempotencyKeys)
}
