package event

import (
	"fmt"

	"github.com/google/uuid"
)

// OpenPosition requests a new leveraged position against the default feed.
type OpenPosition struct {
	RequestID   uuid.UUID
	Account     uuid.UUID
	PosSide     Side
	Size        int64
	Leverage    int64
	SubmittedAt int64
}

func (o *OpenPosition) IdempotencyKey() string {
	return fmt.Sprintf("open:%s", o.RequestID)
}

func (o *OpenPosition) Kind() CommandKind {
	return CommandKindOpenPosition
}

func (o *OpenPosition) FeedID() *string {
	return nil // Engine resolves the default feed
}

func (o *OpenPosition) Timestamp() int64 {
	return o.SubmittedAt
}
