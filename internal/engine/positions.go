package engine

import (
	"fmt"

	"github.com/google/uuid"

	"PerpOracle/internal/event"
)

// Position is an immutable record of an open leveraged position.
// Lifecycle completion (closing, liquidation execution) belongs to
// external collaborators working against the read contract.
type Position struct {
	ID               int64
	Owner            uuid.UUID
	Side             event.Side
	Size             int64
	EntryPrice       int64
	Leverage         int64
	Collateral       int64
	LiquidationPrice int64
	OpenedAt         int64 // Epoch seconds (versioned input)
}

// PositionBook owns Position records and the strictly increasing
// position id counter. Ids start at 1.
type PositionBook struct {
	positions map[int64]*Position
	nextID    int64
}

func NewPositionBook() *PositionBook {
	return &PositionBook{
		positions: make(map[int64]*Position),
		nextID:    1,
	}
}

// NextID returns the id the next inserted position will receive.
func (pb *PositionBook) NextID() int64 {
	return pb.nextID
}

// Insert records a position under the next id. The duplicate check is
// unreachable under single-writer sequencing; it exists to catch counter
// corruption after a bad restore.
func (pb *PositionBook) Insert(pos *Position) error {
	if _, exists := pb.positions[pos.ID]; exists {
		return fmt.Errorf("%w: position id %d already exists", ErrStateConflict, pos.ID)
	}
	pb.positions[pos.ID] = pos
	pb.nextID = pos.ID + 1
	return nil
}

// Remove deletes a position record. Only used to roll back a failed
// open before the transaction commits.
func (pb *PositionBook) Remove(id int64) {
	delete(pb.positions, id)
	if pb.nextID == id+1 {
		pb.nextID = id
	}
}

// Get returns the position, or nil if unknown.
func (pb *PositionBook) Get(id int64) *Position {
	return pb.positions[id]
}

// Count returns the number of recorded positions.
func (pb *PositionBook) Count() int {
	return len(pb.positions)
}

// Restore directly sets a position and advances the counter past it
// (used for snapshot restore).
func (pb *PositionBook) Restore(pos *Position) {
	pb.positions[pos.ID] = pos
	if pos.ID >= pb.nextID {
		pb.nextID = pos.ID + 1
	}
}

// RestoreNextID sets the id counter (used for snapshot restore; never
// moves the counter backwards past an existing position).
func (pb *PositionBook) RestoreNextID(next int64) {
	if next > pb.nextID {
		pb.nextID = next
	}
}

// Snapshot returns all positions (shared pointers; positions are
// immutable once created).
func (pb *PositionBook) Snapshot() []*Position {
	out := make([]*Position, 0, len(pb.positions))
	for _, pos := range pb.positions {
		out = append(out, pos)
	}
	return out
}
