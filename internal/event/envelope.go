package event

// Envelope wraps every applied command in the log
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Command type discriminator
	Kind CommandKind

	// Feed context (nullable for global commands)
	FeedID *string

	// Versioned input timestamp in epoch seconds (NOT wall-clock)
	Timestamp int64

	// JSON-encoded command payload
	Payload []byte

	// SHA-256 of state AFTER applying this command
	StateHash [32]byte

	// Previous entry's state hash (chain integrity)
	PrevHash [32]byte
}
