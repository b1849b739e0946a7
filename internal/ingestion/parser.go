package ingestion

import (
	"PerpOracle/internal/event"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ParseRawCommand converts a RawCommand (JSON bytes + command kind
// string) into a typed event.Command. The shell validates and converts
// everything before the engine sees it; a parse failure here terminates
// the message (ACK, no redelivery) because redelivering malformed JSON
// can never succeed.
func ParseRawCommand(raw RawCommand, commandKind string) (event.Command, error) {
	switch commandKind {
	case "SubmitPrice":
		return parseSubmitPrice(raw.Data)
	case "RegisterSource":
		return parseRegisterSource(raw.Data)
	case "OpenPosition":
		return parseOpenPosition(raw.Data)
	case "DepositConfirmed":
		return parseDepositConfirmed(raw.Data)
	case "RiskConfigUpdate":
		return parseRiskConfigUpdate(raw.Data)
	default:
		return nil, fmt.Errorf("unknown command kind: %s", commandKind)
	}
}

// --- JSON wire formats ---
// These structs represent the JSON payloads received from NATS.
// Field names use snake_case to match upstream producers.
// Timestamps are epoch seconds.

type submitPriceJSON struct {
	SubmissionID string `json:"submission_id"`
	SourceID     string `json:"source_id"`
	Feed         string `json:"feed"`
	Price        int64  `json:"price"`
	TimestampS   int64  `json:"timestamp_s"`
}

func parseSubmitPrice(data []byte) (*event.SubmitPrice, error) {
	var j submitPriceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse SubmitPrice: %w", err)
	}

	submissionID, err := uuid.Parse(j.SubmissionID)
	if err != nil {
		return nil, fmt.Errorf("parse submission_id: %w", err)
	}
	sourceID, err := uuid.Parse(j.SourceID)
	if err != nil {
		return nil, fmt.Errorf("parse source_id: %w", err)
	}

	return &event.SubmitPrice{
		SubmissionID: submissionID,
		Reporter:     sourceID,
		Feed:         j.Feed,
		Price:        j.Price,
		SubmittedAt:  j.TimestampS,
	}, nil
}

type registerSourceJSON struct {
	RequestID  string `json:"request_id"`
	CallerID   string `json:"caller_id"`
	SourceID   string `json:"source_id"`
	Weight     int64  `json:"weight"`
	TimestampS int64  `json:"timestamp_s"`
}

func parseRegisterSource(data []byte) (*event.RegisterSource, error) {
	var j registerSourceJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RegisterSource: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	callerID, err := uuid.Parse(j.CallerID)
	if err != nil {
		return nil, fmt.Errorf("parse caller_id: %w", err)
	}
	sourceID, err := uuid.Parse(j.SourceID)
	if err != nil {
		return nil, fmt.Errorf("parse source_id: %w", err)
	}

	return &event.RegisterSource{
		RequestID:   requestID,
		Caller:      callerID,
		SourceID:    sourceID,
		Weight:      j.Weight,
		SubmittedAt: j.TimestampS,
	}, nil
}

type openPositionJSON struct {
	RequestID  string `json:"request_id"`
	AccountID  string `json:"account_id"`
	Side       string `json:"side"` // "long" or "short"
	Size       int64  `json:"size"`
	Leverage   int64  `json:"leverage"`
	TimestampS int64  `json:"timestamp_s"`
}

func parseOpenPosition(data []byte) (*event.OpenPosition, error) {
	var j openPositionJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse OpenPosition: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	accountID, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}

	// The side string is carried through as-is; the engine rejects
	// anything other than long/short so the rejection is recorded in
	// the command log rather than dropped at the border.
	return &event.OpenPosition{
		RequestID:   requestID,
		Account:     accountID,
		PosSide:     event.ParseSide(j.Side),
		Size:        j.Size,
		Leverage:    j.Leverage,
		SubmittedAt: j.TimestampS,
	}, nil
}

type depositConfirmedJSON struct {
	DepositID  string `json:"deposit_id"`
	AccountID  string `json:"account_id"`
	Amount     int64  `json:"amount"`
	TimestampS int64  `json:"timestamp_s"`
}

func parseDepositConfirmed(data []byte) (*event.DepositConfirmed, error) {
	var j depositConfirmedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse DepositConfirmed: %w", err)
	}

	depositID, err := uuid.Parse(j.DepositID)
	if err != nil {
		return nil, fmt.Errorf("parse deposit_id: %w", err)
	}
	accountID, err := uuid.Parse(j.AccountID)
	if err != nil {
		return nil, fmt.Errorf("parse account_id: %w", err)
	}

	return &event.DepositConfirmed{
		DepositID:   depositID,
		Account:     accountID,
		Amount:      j.Amount,
		SubmittedAt: j.TimestampS,
	}, nil
}

type riskConfigUpdateJSON struct {
	RequestID string `json:"request_id"`
	CallerID  string `json:"caller_id"`

	Paused               *bool  `json:"paused,omitempty"`
	MinOracleSources     *int64 `json:"min_oracle_sources,omitempty"`
	PriceValidityPeriod  *int64 `json:"price_validity_period_s,omitempty"`
	MaxPriceDeviationBps *int64 `json:"max_price_deviation_bps,omitempty"`
	HeartbeatInterval    *int64 `json:"heartbeat_interval_s,omitempty"`
	MaxLeverage          *int64 `json:"max_leverage,omitempty"`
	MinPositionSize      *int64 `json:"min_position_size,omitempty"`
	MaxPositionSize      *int64 `json:"max_position_size,omitempty"`

	TimestampS int64 `json:"timestamp_s"`
}

func parseRiskConfigUpdate(data []byte) (*event.RiskConfigUpdate, error) {
	var j riskConfigUpdateJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse RiskConfigUpdate: %w", err)
	}

	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	callerID, err := uuid.Parse(j.CallerID)
	if err != nil {
		return nil, fmt.Errorf("parse caller_id: %w", err)
	}

	return &event.RiskConfigUpdate{
		RequestID:            requestID,
		Caller:               callerID,
		Paused:               j.Paused,
		MinOracleSources:     j.MinOracleSources,
		PriceValidityPeriod:  j.PriceValidityPeriod,
		MaxPriceDeviationBps: j.MaxPriceDeviationBps,
		HeartbeatInterval:    j.HeartbeatInterval,
		MaxLeverage:          j.MaxLeverage,
		MinPositionSize:      j.MinPositionSize,
		MaxPositionSize:      j.MaxPositionSize,
		SubmittedAt:          j.TimestampS,
	}, nil
}
