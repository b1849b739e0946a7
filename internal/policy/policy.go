package policy

import (
	"errors"
	"fmt"

	"PerpOracle/internal/event"
)

var (
	ErrMarketClosed     = errors.New("platform is paused")
	ErrInvalidSide      = errors.New("invalid position side")
	ErrPositionTooSmall = errors.New("position size below minimum")
	ErrPositionTooLarge = errors.New("position size above maximum")
	ErrInvalidLeverage  = errors.New("leverage must be positive")
	ErrMaxLeverage      = errors.New("leverage exceeds maximum")
	ErrInvalidParam     = errors.New("invalid policy parameter")
)

// Params holds the global bounds consumed by the aggregator and the
// position engine. All durations are in epoch seconds, deviation in
// basis points.
type Params struct {
	MinOracleSources     int64
	PriceValidityPeriod  int64
	MaxPriceDeviationBps int64
	HeartbeatInterval    int64
	MaxLeverage          int64
	MinPositionSize      int64
	MaxPositionSize      int64

	// MinCollateralRatioPct is carried for collaborators but enforced by
	// no operation in this core.
	MinCollateralRatioPct int64
}

// DefaultParams returns the platform defaults.
func DefaultParams() Params {
	return Params{
		MinOracleSources:      3,
		PriceValidityPeriod:   300,
		MaxPriceDeviationBps:  1000, // 10%
		HeartbeatInterval:     300,
		MaxLeverage:           20,
		MinPositionSize:       100,
		MaxPositionSize:       100_000,
		MinCollateralRatioPct: 150,
	}
}

// Policy owns the global mutable configuration and the pause flag.
// Mutation goes through ApplyUpdate only; the engine gates the caller.
type Policy struct {
	params Params
	paused bool
}

func New(params Params) *Policy {
	return &Policy{params: params}
}

func (p *Policy) Params() Params {
	return p.params
}

func (p *Policy) Paused() bool {
	return p.paused
}

// Update carries the mutable subset of Params plus the pause flag.
// Nil fields are left unchanged.
type Update struct {
	Paused               *bool
	MinOracleSources     *int64
	PriceValidityPeriod  *int64
	MaxPriceDeviationBps *int64
	HeartbeatInterval    *int64
	MaxLeverage          *int64
	MinPositionSize      *int64
	MaxPositionSize      *int64
}

// UpdateFromCommand converts the wire command into an Update.
func UpdateFromCommand(cmd *event.RiskConfigUpdate) Update {
	return Update{
		Paused:               cmd.Paused,
		MinOracleSources:     cmd.MinOracleSources,
		PriceValidityPeriod:  cmd.PriceValidityPeriod,
		MaxPriceDeviationBps: cmd.MaxPriceDeviationBps,
		HeartbeatInterval:    cmd.HeartbeatInterval,
		MaxLeverage:          cmd.MaxLeverage,
		MinPositionSize:      cmd.MinPositionSize,
		MaxPositionSize:      cmd.MaxPositionSize,
	}
}

// ApplyUpdate validates and applies an update atomically: either every
// field passes validation or nothing is changed.
func (p *Policy) ApplyUpdate(u Update) error {
	next := p.params

	if u.MinOracleSources != nil {
		if *u.MinOracleSources < 1 {
			return fmt.Errorf("%w: min_oracle_sources=%d", ErrInvalidParam, *u.MinOracleSources)
		}
		next.MinOracleSources = *u.MinOracleSources
	}
	if u.PriceValidityPeriod != nil {
		if *u.PriceValidityPeriod < 1 {
			return fmt.Errorf("%w: price_validity_period=%d", ErrInvalidParam, *u.PriceValidityPeriod)
		}
		next.PriceValidityPeriod = *u.PriceValidityPeriod
	}
	if u.MaxPriceDeviationBps != nil {
		if *u.MaxPriceDeviationBps < 1 {
			return fmt.Errorf("%w: max_price_deviation_bps=%d", ErrInvalidParam, *u.MaxPriceDeviationBps)
		}
		next.MaxPriceDeviationBps = *u.MaxPriceDeviationBps
	}
	if u.HeartbeatInterval != nil {
		if *u.HeartbeatInterval < 1 {
			return fmt.Errorf("%w: heartbeat_interval=%d", ErrInvalidParam, *u.HeartbeatInterval)
		}
		next.HeartbeatInterval = *u.HeartbeatInterval
	}
	if u.MaxLeverage != nil {
		if *u.MaxLeverage < 1 {
			return fmt.Errorf("%w: max_leverage=%d", ErrInvalidParam, *u.MaxLeverage)
		}
		next.MaxLeverage = *u.MaxLeverage
	}
	if u.MinPositionSize != nil {
		if *u.MinPositionSize < 1 {
			return fmt.Errorf("%w: min_position_size=%d", ErrInvalidParam, *u.MinPositionSize)
		}
		next.MinPositionSize = *u.MinPositionSize
	}
	if u.MaxPositionSize != nil {
		if *u.MaxPositionSize < next.MinPositionSize {
			return fmt.Errorf("%w: max_position_size=%d below min_position_size=%d",
				ErrInvalidParam, *u.MaxPositionSize, next.MinPositionSize)
		}
		next.MaxPositionSize = *u.MaxPositionSize
	}

	p.params = next
	if u.Paused != nil {
		p.paused = *u.Paused
	}

	return nil
}

// Restore overwrites params and pause state wholesale (snapshot restore
// only; runtime mutation goes through ApplyUpdate).
func (p *Policy) Restore(params Params, paused bool) {
	p.params = params
	p.paused = paused
}

// ValidatePositionParams enforces side, size, and leverage bounds.
// Pure validation; checks run in a fixed order and the first failure
// is the one surfaced.
func (p *Policy) ValidatePositionParams(side event.Side, size, leverage int64) error {
	if side != event.SideLong && side != event.SideShort {
		return fmt.Errorf("%w: %d", ErrInvalidSide, side)
	}
	if size < p.params.MinPositionSize {
		return fmt.Errorf("%w: size=%d min=%d", ErrPositionTooSmall, size, p.params.MinPositionSize)
	}
	if size > p.params.MaxPositionSize {
		return fmt.Errorf("%w: size=%d max=%d", ErrPositionTooLarge, size, p.params.MaxPositionSize)
	}
	if leverage <= 0 {
		return fmt.Errorf("%w: leverage=%d", ErrInvalidLeverage, leverage)
	}
	if leverage > p.params.MaxLeverage {
		return fmt.Errorf("%w: leverage=%d max=%d", ErrMaxLeverage, leverage, p.params.MaxLeverage)
	}
	return nil
}
