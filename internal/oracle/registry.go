package oracle

import "github.com/google/uuid"

// PriceSource is an identity authorized to report prices.
// Sources are never deleted; liveness is tracked via LastUpdate.
type PriceSource struct {
	Active     bool
	LastUpdate int64 // Epoch seconds of last accepted submission, 0 = never
	Weight     int64
}

// SourceRegistry tracks authorized reporters. Admin gating happens in the
// engine; the registry itself only stores.
type SourceRegistry struct {
	sources map[uuid.UUID]*PriceSource
}

func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{
		sources: make(map[uuid.UUID]*PriceSource),
	}
}

// Register inserts or overwrites a source with the given weight.
// An overwritten source is reactivated and its heartbeat reset.
func (r *SourceRegistry) Register(id uuid.UUID, weight int64) {
	r.sources[id] = &PriceSource{
		Active:     true,
		LastUpdate: 0,
		Weight:     weight,
	}
}

// Lookup returns the source record, or nil if unknown.
func (r *SourceRegistry) Lookup(id uuid.UUID) *PriceSource {
	return r.sources[id]
}

// Restore directly sets a source record (used for snapshot restore).
func (r *SourceRegistry) Restore(id uuid.UUID, src *PriceSource) {
	r.sources[id] = src
}

// Snapshot returns a copy of all source records.
func (r *SourceRegistry) Snapshot() map[uuid.UUID]PriceSource {
	out := make(map[uuid.UUID]PriceSource, len(r.sources))
	for id, src := range r.sources {
		out[id] = *src
	}
	return out
}

// Count returns the number of registered sources.
func (r *SourceRegistry) Count() int {
	return len(r.sources)
}
