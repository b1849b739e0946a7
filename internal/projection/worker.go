package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// Update mirrors the data projection workers need from an applied
// command. The orchestrator (cmd/perporacle) bridges between
// engine.Output and this; only the fields relevant to the command kind
// are populated.
type Update struct {
	Sequence   int64
	Kind       string
	Tick       *PriceTick
	Position   *PositionRow
	Balances   []BalanceRow
	TimestampS int64
}

// PriceTick is an accepted price submission for projections.price_ticks.
type PriceTick struct {
	Feed       string
	Price      int64
	TimestampS int64
}

// PositionRow is an opened position for projections.positions.
type PositionRow struct {
	PositionID       int64
	Account          string
	Side             string
	Size             int64
	EntryPrice       int64
	Leverage         int64
	Collateral       int64
	LiquidationPrice int64
	OpenedAt         int64
}

// BalanceRow is an account balance after a command for
// projections.balances. Balances are written whole, not as deltas, so a
// replayed update is naturally idempotent.
type BalanceRow struct {
	Account string
	Free    int64
	Locked  int64
}

// ProjectionWorker updates projection tables from applied commands.
// The projection channel uses non-blocking sends with drop; if
// projections fall behind, they can be rebuilt from the command log.
type ProjectionWorker struct {
	db        *sql.DB
	inputChan <-chan Update
	log       zerolog.Logger
}

func NewProjectionWorker(db *sql.DB, inputChan <-chan Update, log zerolog.Logger) *ProjectionWorker {
	return &ProjectionWorker{
		db:        db,
		inputChan: inputChan,
		log:       log,
	}
}

// Run starts the projection worker loop.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case update, ok := <-pw.inputChan:
			if !ok {
				return nil
			}

			if err := pw.processUpdate(ctx, update); err != nil {
				// Continue: projections are eventually consistent and
				// can be rebuilt from the command log
				pw.log.Warn().Err(err).Int64("sequence", update.Sequence).
					Msg("projection update failed")
			}
		}
	}
}

func (pw *ProjectionWorker) processUpdate(ctx context.Context, update Update) error {
	tx, err := pw.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if update.Tick != nil {
		if err := pw.insertPriceTick(ctx, tx, update.Sequence, update.Tick); err != nil {
			return fmt.Errorf("price tick projection: %w", err)
		}
	}

	if update.Position != nil {
		if err := pw.upsertPosition(ctx, tx, update.Sequence, update.Position); err != nil {
			return fmt.Errorf("position projection: %w", err)
		}
	}

	for _, b := range update.Balances {
		if err := pw.upsertBalance(ctx, tx, update.Sequence, b); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, update.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (pw *ProjectionWorker) insertPriceTick(ctx context.Context, tx *sql.Tx, seq int64, t *PriceTick) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.price_ticks (sequence, feed, price, timestamp_s)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (sequence) DO NOTHING
	`, seq, t.Feed, t.Price, t.TimestampS)
	return err
}

func (pw *ProjectionWorker) upsertPosition(ctx context.Context, tx *sql.Tx, seq int64, p *PositionRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.positions
			(position_id, account, side, size, entry_price, leverage,
			 collateral, liquidation_price, opened_at, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (position_id) DO UPDATE SET last_sequence = $10
	`, p.PositionID, p.Account, p.Side, p.Size, p.EntryPrice, p.Leverage,
		p.Collateral, p.LiquidationPrice, p.OpenedAt, seq)
	return err
}

func (pw *ProjectionWorker) upsertBalance(ctx context.Context, tx *sql.Tx, seq int64, b BalanceRow) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account, free, locked, last_sequence)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account)
		DO UPDATE SET free = $2, locked = $3, last_sequence = $4
		WHERE projections.balances.last_sequence < $4
	`, b.Account, b.Free, b.Locked, seq)
	return err
}

// ResetProjections truncates all projection tables. A rebuild replays
// the command log through a fresh engine and re-emits updates; this
// only clears the slate.
func ResetProjections(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.positions`,
		`TRUNCATE projections.price_ticks`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset projections: %w", err)
		}
	}
	return nil
}
