package event

import (
	"fmt"

	"github.com/google/uuid"
)

// RegisterSource authorizes a reporter identity. Admin-only; registering
// an already-known source overwrites its weight and reactivates it.
type RegisterSource struct {
	RequestID   uuid.UUID
	Caller      uuid.UUID
	SourceID    uuid.UUID
	Weight      int64
	SubmittedAt int64
}

func (r *RegisterSource) IdempotencyKey() string {
	return fmt.Sprintf("source:%s", r.RequestID)
}

func (r *RegisterSource) Kind() CommandKind {
	return CommandKindRegisterSource
}

func (r *RegisterSource) FeedID() *string {
	return nil // Global command
}

func (r *RegisterSource) Timestamp() int64 {
	return r.SubmittedAt
}
