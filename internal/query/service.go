package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"PerpOracle/internal/engine"
)

// ErrNotFound is returned when a queried entity does not exist.
var ErrNotFound = errors.New("not found")

// Clock supplies the current time in epoch seconds. Injected so tests
// and replay tooling control freshness evaluation.
type Clock func() int64

// QueryService serves reads. Point lookups (balance, position, valid
// price, risk params) go straight to the engine's read facade so they
// are strongly consistent with applied commands. History queries read
// from PostgreSQL projection tables and carry the projection watermark
// as as_of_sequence.
type QueryService struct {
	eng   *engine.Engine
	db    *sql.DB
	clock Clock
}

func NewQueryService(eng *engine.Engine, db *sql.DB, clock Clock) *QueryService {
	return &QueryService{eng: eng, db: db, clock: clock}
}

// GetBalance returns an account's balance. Unknown accounts report zero
// rather than an error.
func (qs *QueryService) GetBalance(account uuid.UUID) *BalanceResponse {
	b := qs.eng.GetBalance(account)
	return &BalanceResponse{
		Account:      account,
		Free:         b.Free,
		Locked:       b.Locked,
		AsOfSequence: qs.eng.Sequence() - 1,
	}
}

// GetPosition returns a position by id.
func (qs *QueryService) GetPosition(id int64) (*PositionResponse, error) {
	pos := qs.eng.GetPosition(id)
	if pos == nil {
		return nil, fmt.Errorf("position %d: %w", id, ErrNotFound)
	}
	return &PositionResponse{
		PositionID:       pos.ID,
		Account:          pos.Owner,
		Side:             pos.Side.String(),
		Size:             pos.Size,
		EntryPrice:       pos.EntryPrice,
		Leverage:         pos.Leverage,
		Collateral:       pos.Collateral,
		LiquidationPrice: pos.LiquidationPrice,
		OpenedAt:         pos.OpenedAt,
		AsOfSequence:     qs.eng.Sequence() - 1,
	}, nil
}

// GetValidPrice returns the current aggregated price for a feed,
// subject to the freshness and quorum gates. Gate failures surface as
// the aggregator's errors so callers can map them to status codes.
func (qs *QueryService) GetValidPrice(feedID string) (*PriceResponse, error) {
	price, err := qs.eng.GetValidPrice(feedID, qs.clock())
	if err != nil {
		return nil, err
	}
	return &PriceResponse{
		Feed:         feedID,
		Price:        price,
		AsOfSequence: qs.eng.Sequence() - 1,
	}, nil
}

// GetRiskParams reports the live global bounds and pause flag.
func (qs *QueryService) GetRiskParams() *RiskParamsResponse {
	p := qs.eng.PolicyParams()
	return &RiskParamsResponse{
		Paused:               qs.eng.Paused(),
		MinOracleSources:     p.MinOracleSources,
		PriceValidityPeriod:  p.PriceValidityPeriod,
		MaxPriceDeviationBps: p.MaxPriceDeviationBps,
		HeartbeatInterval:    p.HeartbeatInterval,
		MaxLeverage:          p.MaxLeverage,
		MinPositionSize:      p.MinPositionSize,
		MaxPositionSize:      p.MaxPositionSize,
		AsOfSequence:         qs.eng.Sequence() - 1,
	}
}

// GetPriceHistory returns recent accepted submissions for a feed from
// the projection tables, newest first.
func (qs *QueryService) GetPriceHistory(ctx context.Context, feedID string, limit int) ([]PriceTickResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT sequence, feed, price, timestamp_s
		FROM projections.price_ticks
		WHERE feed = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, feedID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ticks []PriceTickResponse
	for rows.Next() {
		var t PriceTickResponse
		if err := rows.Scan(&t.Sequence, &t.Feed, &t.Price, &t.TimestampS); err != nil {
			return nil, err
		}
		ticks = append(ticks, t)
	}
	return ticks, rows.Err()
}

// GetAccountPositions returns all projected positions for an account,
// newest first.
func (qs *QueryService) GetAccountPositions(ctx context.Context, account uuid.UUID) ([]PositionResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT position_id, side, size, entry_price, leverage,
		       collateral, liquidation_price, opened_at
		FROM projections.positions
		WHERE account = $1
		ORDER BY position_id DESC
	`, account.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []PositionResponse
	for rows.Next() {
		var p PositionResponse
		p.Account = account
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.PositionID, &p.Side, &p.Size, &p.EntryPrice, &p.Leverage,
			&p.Collateral, &p.LiquidationPrice, &p.OpenedAt,
		); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// VerifyIntegrity checks hash chain continuity over the command log.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT c1.sequence
		FROM event_log.commands c1
		LEFT JOIN event_log.commands c2 ON c2.sequence = c1.sequence - 1
		WHERE c1.sequence > 0 AND c1.prev_hash != COALESCE(c2.state_hash, c1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}
