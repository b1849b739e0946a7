package main

import (
	"PerpOracle/internal/config"
	"PerpOracle/internal/engine"
	"PerpOracle/internal/event"
	"PerpOracle/internal/ingestion"
	"PerpOracle/internal/observability"
	"PerpOracle/internal/persistence"
	"PerpOracle/internal/policy"
	"PerpOracle/internal/projection"
	"PerpOracle/internal/query"
	"PerpOracle/internal/server"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
)

func main() {
	log := observability.NewLogger("perporacle")
	log.Info().Msg("starting")

	cfgPath := os.Getenv("ORACLE_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	log = observability.NewLoggerWithLevel("perporacle", cfg.LogLevel)

	adminID, err := uuid.Parse(cfg.AdminID)
	if err != nil {
		log.Fatal().Err(err).Str("admin_id", cfg.AdminID).Msg("parse admin id")
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Postgres ---
	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres open")
	}
	defer db.Close()

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("postgres ping")
	}
	log.Info().Msg("postgres connected")

	// --- SQL migrations ---
	migrator := persistence.NewMigrator(db, cfg.MigrationsDir, observability.NewLoggerWithLevel("migrator", cfg.LogLevel))
	if err := migrator.Up(ctx); err != nil {
		log.Fatal().Err(err).Msg("run migrations")
	}

	snapMgr := persistence.NewSnapshotManager(db)

	// --- Recovery: load snapshot ---
	startSequence := int64(0)

	snap, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("load snapshot failed")
	}
	if snap != nil {
		startSequence = snap.Sequence + 1
		log.Info().Int64("sequence", snap.Sequence).Msg("loaded snapshot")
	} else {
		log.Info().Msg("no snapshot found, cold start from sequence 0")
	}

	// --- Channels ---
	// The persist channel blocks (backpressure), the projection channel drops.
	persistEngineChan := make(chan engine.Output, cfg.PersistChanSize)
	projectionEngineChan := make(chan engine.Output, cfg.ProjectionChanSize)

	// Bridge channels for the workers
	persistWorkerChan := make(chan persistence.CommandRow, cfg.PersistChanSize)
	projectionWorkerChan := make(chan projection.Update, cfg.ProjectionChanSize)
	publishChan := make(chan ingestion.PublishableEvent, 4096)

	// --- Observability ---
	metrics := observability.NewMetrics()
	healthChecker := observability.NewHealthChecker()

	// --- Engine ---
	eng := engine.New(engine.Options{
		StartSequence:  startSequence,
		AdminID:        adminID,
		DefaultFeed:    cfg.DefaultFeed,
		Params:         policy.DefaultParams(),
		LRUCapacity:    cfg.IdempotencyLRUCapacity,
		DBChecker:      persistence.NewPostgresIdempotencyChecker(db),
		Metrics:        metrics,
		PersistChan:    persistEngineChan,
		ProjectionChan: projectionEngineChan,
	})

	// --- Snapshot restore + command replay ---
	if snap != nil {
		eng.RestoreFromSnapshot(snap)
		log.Info().Int64("sequence", snap.Sequence).Msg("restored state from snapshot")
	}

	writer := persistence.NewCommandLogWriter(db)
	replayed, err := replayCommandLog(ctx, writer, eng, startSequence-1, log)
	if err != nil {
		log.Fatal().Err(err).Msg("command replay failed")
	}
	if replayed > 0 {
		log.Info().Int64("replayed", replayed).Int64("sequence", eng.Sequence()).Msg("command replay complete")
	}

	// Verify the recovered hash chain tip against the command log. The
	// persisted row at the last applied sequence is an independent record
	// of the hash, so a corrupt snapshot or partial replay fails here.
	if last := eng.Sequence() - 1; last > 0 {
		logged, err := writer.StateHashAt(ctx, last)
		if err != nil {
			log.Fatal().Err(err).Msg("state hash lookup failed")
		}
		tip := eng.StateHash()
		if logged != nil && !bytes.Equal(logged, tip[:]) {
			log.Fatal().
				Int64("sequence", last).
				Hex("logged", logged).
				Hex("recovered", tip[:]).
				Msg("state hash mismatch after recovery")
		}
		if logged != nil {
			log.Info().Int64("sequence", last).Msg("state hash verified against command log")
		}
	}

	// --- NATS ---
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLoggerWithLevel("nats", cfg.LogLevel))
	if err != nil {
		log.Fatal().Err(err).Msg("nats connect")
	}
	defer nc.Close()
	log.Info().Msg("nats connected")

	if err := ingestion.EnsureStreams(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure nats streams")
	}
	if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
		log.Fatal().Err(err).Msg("ensure outbound stream")
	}

	rawChan := make(chan ingestion.RawCommand, 4096)
	subscriber := ingestion.NewNATSSubscriber(js, rawChan, observability.NewLoggerWithLevel("subscriber", cfg.LogLevel))
	if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
		log.Fatal().Err(err).Msg("nats subscribe")
	}

	publisher := ingestion.NewOutboundPublisher(js, publishChan, observability.NewLoggerWithLevel("publisher", cfg.LogLevel))

	// --- Services ---
	queryService := query.NewQueryService(eng, db, func() int64 { return time.Now().Unix() })
	httpServer := server.NewHTTPServer(cfg.HTTPAddr, queryService, healthChecker, metrics,
		observability.NewLoggerWithLevel("http", cfg.LogLevel))
	grpcServer := server.NewGRPCServer(cfg.GRPCAddr, observability.NewLoggerWithLevel("grpc", cfg.LogLevel))

	// --- Goroutines ---
	errChan := make(chan error, 8)

	persistWorker := persistence.NewPersistenceWorker(db, persistWorkerChan,
		cfg.PersistBatchSize, cfg.PersistFlushTimeout, metrics,
		observability.NewLoggerWithLevel("persistence", cfg.LogLevel))
	go func() { errChan <- persistWorker.Run(ctx) }()

	projWorker := projection.NewProjectionWorker(db, projectionWorkerChan,
		observability.NewLoggerWithLevel("projection", cfg.LogLevel))
	go func() { errChan <- projWorker.Run(ctx) }()

	go func() { errChan <- publisher.Run(ctx) }()

	var bridgeWG sync.WaitGroup
	bridgeWG.Add(1)
	go func() {
		defer bridgeWG.Done()
		bridgeOutputs(ctx, eng, metrics, persistEngineChan, projectionEngineChan,
			persistWorkerChan, projectionWorkerChan, publishChan)
	}()

	go runIngestionLoop(ctx, rawChan, eng, metrics, log)

	go func() { errChan <- httpServer.Start(ctx) }()
	go func() { errChan <- grpcServer.Start(ctx) }()

	go runPeriodicSnapshots(ctx, eng, snapMgr, cfg.SnapshotInterval, log)

	healthChecker.SetReady(true)
	grpcServer.SetServing(true)

	log.Info().
		Int64("sequence", eng.Sequence()).
		Str("http", cfg.HTTPAddr).
		Str("grpc", cfg.GRPCAddr).
		Msg("ready")

	// --- Wait for shutdown ---
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errChan:
		log.Error().Err(err).Msg("goroutine failed, shutting down")
	}

	cancel()
	subscriber.Stop()

	// The bridge owns the worker channels and closes them on exit;
	// closing them here would race with its in-flight sends.
	bridgeWG.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Final snapshot so the next start replays as little as possible.
	if err := takeSnapshot(shutdownCtx, eng, snapMgr); err != nil {
		log.Error().Err(err).Msg("final snapshot failed")
	} else {
		log.Info().Msg("final snapshot saved")
	}

	log.Info().Msg("shutdown complete")
}

// bridgeOutputs converts engine.Output into the persistence, projection,
// and outbound-publish formats. Keeping the conversion here keeps the
// engine free of storage and wire concerns. The bridge is the sole
// sender on the out channels and closes them when it exits, signalling
// the workers to drain and stop.
func bridgeOutputs(
	ctx context.Context,
	eng *engine.Engine,
	metrics *observability.Metrics,
	persistIn <-chan engine.Output,
	projectionIn <-chan engine.Output,
	persistOut chan<- persistence.CommandRow,
	projectionOut chan<- projection.Update,
	publishOut chan<- ingestion.PublishableEvent,
) {
	defer func() {
		close(persistOut)
		close(projectionOut)
		close(publishOut)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case output, ok := <-persistIn:
			if !ok {
				return
			}

			env := output.Envelope
			row := persistence.CommandRow{
				Sequence:       env.Sequence,
				Kind:           env.Kind.String(),
				IdempotencyKey: env.IdempotencyKey,
				Feed:           env.FeedID,
				Payload:        env.Payload,
				StateHash:      env.StateHash[:],
				PrevHash:       env.PrevHash[:],
				TimestampS:     env.Timestamp,
			}

			select {
			case persistOut <- row:
			default:
				if metrics != nil {
					metrics.PersistBackpressure.Inc()
				}
				select {
				case persistOut <- row:
				case <-ctx.Done():
					return
				}
			}

			select {
			case publishOut <- ingestion.PublishableEvent{
				Sequence:       env.Sequence,
				Kind:           env.Kind.String(),
				IdempotencyKey: env.IdempotencyKey,
				Feed:           env.FeedID,
				Payload:        json.RawMessage(env.Payload),
				StateHash:      env.StateHash[:],
				TimestampS:     env.Timestamp,
			}:
			default:
				// Drop if the publish channel is full
			}

		case output, ok := <-projectionIn:
			if !ok {
				return
			}

			update, err := buildProjectionUpdate(eng, output)
			if err != nil {
				continue
			}

			select {
			case projectionOut <- update:
			default:
				// Drop if projection channel is full
			}
		}
	}
}

// buildProjectionUpdate derives typed projection rows from an applied
// command, reading post-apply state from the engine's read facade.
func buildProjectionUpdate(eng *engine.Engine, output engine.Output) (projection.Update, error) {
	env := output.Envelope
	update := projection.Update{
		Sequence:   env.Sequence,
		Kind:       env.Kind.String(),
		TimestampS: env.Timestamp,
	}

	switch env.Kind {
	case event.CommandKindSubmitPrice:
		if env.FeedID != nil && output.Result != nil {
			update.Tick = &projection.PriceTick{
				Feed:       *env.FeedID,
				Price:      output.Result.Price,
				TimestampS: env.Timestamp,
			}
		}

	case event.CommandKindOpenPosition:
		if output.Result == nil {
			break
		}
		pos := eng.GetPosition(output.Result.PositionID)
		if pos == nil {
			return update, fmt.Errorf("position %d not found", output.Result.PositionID)
		}
		update.Position = &projection.PositionRow{
			PositionID:       pos.ID,
			Account:          pos.Owner.String(),
			Side:             pos.Side.String(),
			Size:             pos.Size,
			EntryPrice:       pos.EntryPrice,
			Leverage:         pos.Leverage,
			Collateral:       pos.Collateral,
			LiquidationPrice: pos.LiquidationPrice,
			OpenedAt:         pos.OpenedAt,
		}
		b := eng.GetBalance(pos.Owner)
		update.Balances = append(update.Balances, projection.BalanceRow{
			Account: pos.Owner.String(),
			Free:    b.Free,
			Locked:  b.Locked,
		})

	case event.CommandKindDepositConfirmed:
		var dc event.DepositConfirmed
		if err := json.Unmarshal(env.Payload, &dc); err != nil {
			return update, fmt.Errorf("decode deposit payload: %w", err)
		}
		b := eng.GetBalance(dc.Account)
		update.Balances = append(update.Balances, projection.BalanceRow{
			Account: dc.Account.String(),
			Free:    b.Free,
			Locked:  b.Locked,
		})
	}

	return update, nil
}

// runIngestionLoop reads raw commands from NATS, parses them, and feeds
// them to the engine. Messages are acked after the parse succeeds and
// the command is handed to the engine path: rejections are terminal,
// recorded in metrics only, and never redelivered.
func runIngestionLoop(
	ctx context.Context,
	rawChan <-chan ingestion.RawCommand,
	eng *engine.Engine,
	metrics *observability.Metrics,
	log zerolog.Logger,
) {
	// Subject-prefix → command-kind lookup (strip trailing ".>").
	subjectToKind := make(map[string]string)
	for _, cfg := range ingestion.DefaultSubjects() {
		prefix := strings.TrimSuffix(cfg.Subject, ".>")
		subjectToKind[prefix] = cfg.CommandKind
	}

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rawChan:
			if !ok {
				return
			}

			kind := resolveCommandKind(raw.Subject, subjectToKind)
			if kind == "" {
				log.Warn().Str("subject", raw.Subject).Msg("unknown nats subject")
				metrics.IngestParseErrors.WithLabelValues(raw.Subject).Inc()
				raw.AckFunc() // Ack to avoid a redelivery loop
				continue
			}

			cmd, err := ingestion.ParseRawCommand(raw, kind)
			if err != nil {
				log.Warn().Err(err).Str("subject", raw.Subject).Msg("parse command failed")
				metrics.IngestParseErrors.WithLabelValues(raw.Subject).Inc()
				raw.AckFunc() // Malformed payloads can never succeed on redelivery
				continue
			}

			if _, err := eng.Apply(cmd); err != nil {
				// Rejections are terminal decisions, already counted by
				// the engine's metrics. Ack so NATS does not redeliver.
				log.Debug().Err(err).Str("kind", kind).
					Str("key", cmd.IdempotencyKey()).Msg("command rejected")
			}
			raw.AckFunc()
		}
	}
}

// resolveCommandKind finds the command kind by longest subject prefix.
func resolveCommandKind(subject string, prefixMap map[string]string) string {
	bestMatch := ""
	bestKind := ""
	for prefix, kind := range prefixMap {
		if strings.HasPrefix(subject, prefix) && len(prefix) > len(bestMatch) {
			bestMatch = prefix
			bestKind = kind
		}
	}
	return bestKind
}

// replayCommandLog replays persisted commands with sequence greater
// than afterSequence through the engine.
func replayCommandLog(
	ctx context.Context,
	writer *persistence.CommandLogWriter,
	eng *engine.Engine,
	afterSequence int64,
	log zerolog.Logger,
) (int64, error) {
	head, err := writer.MaxSequence(ctx)
	if err != nil {
		return 0, err
	}
	if head <= afterSequence {
		return 0, nil
	}

	const batchSize = 1000
	var total int64

	for afterSequence < head {
		upTo := afterSequence + batchSize
		if upTo > head {
			upTo = head
		}

		rows, err := writer.LoadRange(ctx, afterSequence, upTo)
		if err != nil {
			return total, fmt.Errorf("load commands after %d: %w", afterSequence, err)
		}

		for _, row := range rows {
			cmd, err := decodeCommand(row.Kind, row.Payload)
			if err != nil {
				return total, fmt.Errorf("decode command seq=%d: %w", row.Sequence, err)
			}

			if err := eng.Replay(cmd); err != nil {
				// A command that was applied once must apply again:
				// replay rejection means the log and state disagree.
				return total, fmt.Errorf("replay seq=%d kind=%s: %w", row.Sequence, row.Kind, err)
			}
			total++
		}

		afterSequence = upTo
	}

	return total, nil
}

// decodeCommand unmarshals a persisted command payload back into its
// typed form. Payloads are stored as the engine marshaled them.
func decodeCommand(kind string, payload []byte) (event.Command, error) {
	switch kind {
	case "SubmitPrice":
		var c event.SubmitPrice
		return &c, json.Unmarshal(payload, &c)
	case "RegisterSource":
		var c event.RegisterSource
		return &c, json.Unmarshal(payload, &c)
	case "OpenPosition":
		var c event.OpenPosition
		return &c, json.Unmarshal(payload, &c)
	case "DepositConfirmed":
		var c event.DepositConfirmed
		return &c, json.Unmarshal(payload, &c)
	case "RiskConfigUpdate":
		var c event.RiskConfigUpdate
		return &c, json.Unmarshal(payload, &c)
	default:
		return nil, fmt.Errorf("unknown command kind: %s", kind)
	}
}

// runPeriodicSnapshots takes a snapshot every interval commands.
func runPeriodicSnapshots(
	ctx context.Context,
	eng *engine.Engine,
	snapMgr *persistence.SnapshotManager,
	interval int64,
	log zerolog.Logger,
) {
	lastSnapshotSeq := eng.Sequence()
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			currentSeq := eng.Sequence()
			if currentSeq-lastSnapshotSeq >= interval {
				if err := takeSnapshot(ctx, eng, snapMgr); err != nil {
					log.Warn().Err(err).Msg("periodic snapshot failed")
					continue
				}
				lastSnapshotSeq = currentSeq
				log.Info().Int64("sequence", currentSeq).Msg("periodic snapshot")
			}
		}
	}
}

// takeSnapshot captures engine state and persists it. Snapshots taken
// from live state are marked verified immediately.
func takeSnapshot(ctx context.Context, eng *engine.Engine, snapMgr *persistence.SnapshotManager) error {
	snap := eng.CreateSnapshotState()

	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return snapMgr.MarkVerified(ctx, snap.Sequence)
}
