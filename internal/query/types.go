package query

import "github.com/google/uuid"

// BalanceResponse represents an account's free balance for API queries.
// Locked collateral is reported separately; it is not spendable.
type BalanceResponse struct {
	Account uuid.UUID `json:"account"`
	Free    int64     `json:"free"`
	Locked  int64     `json:"locked"`

	AsOfSequence int64 `json:"as_of_sequence"` // last applied command sequence
}

// PositionResponse represents a position for API queries.
type PositionResponse struct {
	PositionID       int64     `json:"position_id"`
	Account          uuid.UUID `json:"account"`
	Side             string    `json:"side"`
	Size             int64     `json:"size"`
	EntryPrice       int64     `json:"entry_price"`
	Leverage         int64     `json:"leverage"`
	Collateral       int64     `json:"collateral"`
	LiquidationPrice int64     `json:"liquidation_price"`
	OpenedAt         int64     `json:"opened_at"`
	AsOfSequence     int64     `json:"as_of_sequence"`
}

// PriceResponse represents an aggregated valid price for API queries.
type PriceResponse struct {
	Feed         string `json:"feed"`
	Price        int64  `json:"price"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// PriceTickResponse is one historical accepted submission.
type PriceTickResponse struct {
	Sequence   int64  `json:"sequence"`
	Feed       string `json:"feed"`
	Price      int64  `json:"price"`
	TimestampS int64  `json:"timestamp_s"`
}

// RiskParamsResponse reports the live global bounds.
type RiskParamsResponse struct {
	Paused               bool  `json:"paused"`
	MinOracleSources     int64 `json:"min_oracle_sources"`
	PriceValidityPeriod  int64 `json:"price_validity_period_s"`
	MaxPriceDeviationBps int64 `json:"max_price_deviation_bps"`
	HeartbeatInterval    int64 `json:"heartbeat_interval_s"`
	MaxLeverage          int64 `json:"max_leverage"`
	MinPositionSize      int64 `json:"min_position_size"`
	MaxPositionSize      int64 `json:"max_position_size"`
	AsOfSequence         int64 `json:"as_of_sequence"`
}

// IntegrityReport is the result of a hash-chain verification pass over
// the command log.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
