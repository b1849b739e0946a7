package event

import (
	"fmt"

	"github.com/google/uuid"
)

// RiskConfigUpdate is the single admin-gated entry point for mutating
// global bounds and the pause flag. Nil fields are left unchanged.
type RiskConfigUpdate struct {
	RequestID uuid.UUID
	Caller    uuid.UUID

	Paused               *bool
	MinOracleSources     *int64
	PriceValidityPeriod  *int64
	MaxPriceDeviationBps *int64
	HeartbeatInterval    *int64
	MaxLeverage          *int64
	MinPositionSize      *int64
	MaxPositionSize      *int64

	SubmittedAt int64
}

func (r *RiskConfigUpdate) IdempotencyKey() string {
	return fmt.Sprintf("config:%s", r.RequestID)
}

func (r *RiskConfigUpdate) Kind() CommandKind {
	return CommandKindRiskConfigUpdate
}

func (r *RiskConfigUpdate) FeedID() *string {
	return nil
}

func (r *RiskConfigUpdate) Timestamp() int64 {
	return r.SubmittedAt
}
