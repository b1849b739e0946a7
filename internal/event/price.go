package event

import (
	"fmt"

	"github.com/google/uuid"
)

// SubmitPrice is a price report from a registered source for one feed.
// The reporter asserts its own identity; there is no delegation.
type SubmitPrice struct {
	SubmissionID uuid.UUID
	Reporter     uuid.UUID
	Feed         string
	Price        int64
	SubmittedAt  int64 // Epoch seconds (versioned input)
}

func (s *SubmitPrice) IdempotencyKey() string {
	return fmt.Sprintf("price:%s", s.SubmissionID)
}

func (s *SubmitPrice) Kind() CommandKind {
	return CommandKindSubmitPrice
}

func (s *SubmitPrice) FeedID() *string {
	return &s.Feed
}

func (s *SubmitPrice) Timestamp() int64 {
	return s.SubmittedAt
}
