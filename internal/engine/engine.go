package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"PerpOracle/internal/event"
	"PerpOracle/internal/ledger"
	imath "PerpOracle/internal/math"
	"PerpOracle/internal/observability"
	"PerpOracle/internal/oracle"
	"PerpOracle/internal/policy"
)

var (
	ErrUnauthorized           = errors.New("caller is not the platform administrator")
	ErrInsufficientCollateral = errors.New("insufficient collateral")
	ErrStateConflict          = errors.New("invalid state transition")
	ErrUnknownCommand         = errors.New("unknown command type")
)

// Engine is the single-writer command processor. Each Apply call is one
// atomic transaction: all checks run against committed state, and either
// every mutation lands or none does. Reads take the read lock and only
// ever observe committed state.
//
// Time is a versioned input carried on each command; the engine never
// reads the wall clock for state decisions.
type Engine struct {
	mu sync.RWMutex

	sequence    int64
	adminID     uuid.UUID
	defaultFeed string

	registry    *oracle.SourceRegistry
	aggregator  *oracle.Aggregator
	collateral  *ledger.CollateralLedger
	riskPolicy  *policy.Policy
	book        *PositionBook
	hasher      *StateHasher
	idempotency *IdempotencyChecker
	metrics     *observability.Metrics

	persistChan    chan<- Output
	projectionChan chan<- Output
}

// Output is what the engine emits per applied command.
type Output struct {
	Envelope *event.Envelope
	Result   *Result
}

// Result carries command-specific success data.
type Result struct {
	PositionID int64 // Set for OpenPosition
	Price      int64 // Set for SubmitPrice (the accepted price)
}

type Options struct {
	StartSequence  int64
	AdminID        uuid.UUID
	DefaultFeed    string
	Params         policy.Params
	LRUCapacity    int
	DBChecker      DBIdempotencyChecker
	Metrics        *observability.Metrics
	PersistChan    chan<- Output
	ProjectionChan chan<- Output
}

func New(opts Options) *Engine {
	registry := oracle.NewSourceRegistry()
	riskPolicy := policy.New(opts.Params)

	lruCapacity := opts.LRUCapacity
	if lruCapacity <= 0 {
		lruCapacity = 100_000
	}

	return &Engine{
		sequence:       opts.StartSequence,
		adminID:        opts.AdminID,
		defaultFeed:    opts.DefaultFeed,
		registry:       registry,
		aggregator:     oracle.NewAggregator(registry, riskPolicy),
		collateral:     ledger.NewCollateralLedger(),
		riskPolicy:     riskPolicy,
		book:           NewPositionBook(),
		hasher:         NewStateHasher(),
		idempotency:    NewIdempotencyChecker(lruCapacity, opts.DBChecker),
		metrics:        opts.Metrics,
		persistChan:    opts.PersistChan,
		projectionChan: opts.ProjectionChan,
	}
}

// Apply is the main processing pipeline. A nil error means the command
// committed; a non-nil error means no state changed.
func (e *Engine) Apply(cmd event.Command) (*Result, error) {
	start := time.Now()
	kind := cmd.Kind().String()
	idempotencyKey := cmd.IdempotencyKey()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.idempotency.IsDuplicate(kind, idempotencyKey) {
		if e.metrics != nil {
			e.metrics.CommandsRejected.WithLabelValues(kind, "duplicate").Inc()
		}
		return nil, nil
	}

	result, err := e.dispatch(cmd)
	if err != nil {
		if e.metrics != nil {
			e.metrics.CommandsRejected.WithLabelValues(kind, reasonForError(err)).Inc()
		}
		return nil, err
	}

	// Post-commit invariant checks. A violation here means a committed
	// transaction broke an accounting invariant, which must never happen.
	if err := e.postCheckInvariants(cmd); err != nil {
		panic(fmt.Sprintf("FATAL: invariant violated: %v", err))
	}

	envelope := e.buildEnvelope(cmd, result)
	e.sequence++

	e.emit(Output{Envelope: envelope, Result: result})

	e.idempotency.MarkProcessed(kind, idempotencyKey)

	if e.metrics != nil {
		e.metrics.CommandsApplied.WithLabelValues(kind).Inc()
		e.metrics.CommandDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		e.metrics.EngineSequence.Set(float64(e.sequence))
	}

	return result, nil
}

func (e *Engine) dispatch(cmd event.Command) (*Result, error) {
	switch c := cmd.(type) {
	case *event.RegisterSource:
		return e.handleRegisterSource(c)
	case *event.SubmitPrice:
		return e.handleSubmitPrice(c)
	case *event.OpenPosition:
		return e.handleOpenPosition(c)
	case *event.DepositConfirmed:
		return e.handleDepositConfirmed(c)
	case *event.RiskConfigUpdate:
		return e.handleRiskConfigUpdate(c)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownCommand, cmd)
	}
}

func (e *Engine) handleRegisterSource(cmd *event.RegisterSource) (*Result, error) {
	if cmd.Caller != e.adminID {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, cmd.Caller)
	}
	e.registry.Register(cmd.SourceID, cmd.Weight)
	return &Result{}, nil
}

func (e *Engine) handleSubmitPrice(cmd *event.SubmitPrice) (*Result, error) {
	if err := e.aggregator.Submit(cmd.Reporter, cmd.Feed, cmd.Price, cmd.SubmittedAt); err != nil {
		return nil, err
	}
	if e.metrics != nil {
		e.metrics.PricesAccepted.WithLabelValues(cmd.Feed).Inc()
	}
	return &Result{Price: cmd.Price}, nil
}

// handleOpenPosition opens a leveraged position. Step order matters:
// every check runs against committed state before any mutation, so a
// failure at any step leaves all components unchanged.
func (e *Engine) handleOpenPosition(cmd *event.OpenPosition) (*Result, error) {
	// 1. Trusted price; aggregator failures propagate as-is.
	entryPrice, err := e.aggregator.ValidPrice(e.defaultFeed, cmd.SubmittedAt)
	if err != nil {
		return nil, err
	}

	// 2. Parameter bounds.
	if err := e.riskPolicy.ValidatePositionParams(cmd.PosSide, cmd.Size, cmd.Leverage); err != nil {
		return nil, err
	}

	// 3. Pause gate.
	if e.riskPolicy.Paused() {
		return nil, policy.ErrMarketClosed
	}

	// 4. Required collateral, truncating division.
	required := imath.RequiredCollateral(cmd.Size, entryPrice, cmd.Leverage)

	// 5. Balance check before any mutation.
	if e.collateral.Get(cmd.Account).Free < required {
		return nil, fmt.Errorf("%w: free=%d, required=%d",
			ErrInsufficientCollateral, e.collateral.Get(cmd.Account).Free, required)
	}

	// 6. Liquidation threshold.
	var liquidationPrice int64
	if cmd.PosSide == event.SideLong {
		liquidationPrice = imath.LiquidationPriceLong(entryPrice, cmd.Leverage)
	} else {
		liquidationPrice = imath.LiquidationPriceShort(entryPrice, cmd.Leverage)
	}

	// 7. Next id; the duplicate check is defensive (see PositionBook).
	pos := &Position{
		ID:               e.book.NextID(),
		Owner:            cmd.Account,
		Side:             cmd.PosSide,
		Size:             cmd.Size,
		EntryPrice:       entryPrice,
		Leverage:         cmd.Leverage,
		Collateral:       required,
		LiquidationPrice: liquidationPrice,
		OpenedAt:         cmd.SubmittedAt,
	}

	// 8. Commit: record position, then lock collateral. The lock cannot
	// fail after step 5 under single-writer sequencing; if it somehow
	// does, the position record is rolled back before returning.
	if err := e.book.Insert(pos); err != nil {
		return nil, err
	}
	if err := e.collateral.LockCollateral(cmd.Account, required); err != nil {
		e.book.Remove(pos.ID)
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.PositionsOpened.Inc()
		e.metrics.CollateralLocked.Add(float64(required))
	}

	return &Result{PositionID: pos.ID}, nil
}

func (e *Engine) handleDepositConfirmed(cmd *event.DepositConfirmed) (*Result, error) {
	if err := e.collateral.Credit(cmd.Account, cmd.Amount); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

func (e *Engine) handleRiskConfigUpdate(cmd *event.RiskConfigUpdate) (*Result, error) {
	if cmd.Caller != e.adminID {
		return nil, fmt.Errorf("%w: %s", ErrUnauthorized, cmd.Caller)
	}
	if err := e.riskPolicy.ApplyUpdate(policy.UpdateFromCommand(cmd)); err != nil {
		return nil, err
	}
	return &Result{}, nil
}

func (e *Engine) postCheckInvariants(cmd event.Command) error {
	switch c := cmd.(type) {
	case *event.OpenPosition:
		return e.collateral.ValidateNonNegative(c.Account)
	case *event.DepositConfirmed:
		return e.collateral.ValidateNonNegative(c.Account)
	}
	return nil
}

func (e *Engine) buildEnvelope(cmd event.Command, result *Result) *event.Envelope {
	payload, err := json.Marshal(cmd)
	if err != nil {
		// Commands are plain structs; marshal cannot fail at runtime.
		panic(fmt.Sprintf("FATAL: marshal command payload: %v", err))
	}

	digest := e.computeStateDigest(cmd, result)
	prevHash := e.hasher.GetPrevHash()
	stateHash := e.hasher.ComputeHash(e.sequence, digest)

	return &event.Envelope{
		Sequence:       e.sequence,
		IdempotencyKey: cmd.IdempotencyKey(),
		Kind:           cmd.Kind(),
		FeedID:         cmd.FeedID(),
		Timestamp:      cmd.Timestamp(),
		Payload:        payload,
		StateHash:      stateHash,
		PrevHash:       prevHash,
	}
}

// computeStateDigest builds canonical bytes over the state this command
// touched. The digest feeds the hash chain, so its layout must stay
// deterministic across restarts.
func (e *Engine) computeStateDigest(cmd event.Command, result *Result) []byte {
	digest := make([]byte, 0, 64)

	appendAccount := func(account uuid.UUID) {
		b := e.collateral.Get(account)
		digest = append(digest, account[:]...)
		digest = appendInt64LE(digest, b.Free)
		digest = appendInt64LE(digest, b.Locked)
	}

	switch c := cmd.(type) {
	case *event.SubmitPrice:
		feed := e.aggregator.Feed(c.Feed)
		digest = append(digest, byte(len(c.Feed)))
		digest = append(digest, []byte(c.Feed)...)
		digest = appendInt64LE(digest, feed.CurrentPrice)
		digest = appendInt64LE(digest, feed.LastUpdate)
		digest = appendInt64LE(digest, feed.SourceCount)

	case *event.OpenPosition:
		appendAccount(c.Account)
		if result != nil {
			digest = appendInt64LE(digest, result.PositionID)
		}

	case *event.DepositConfirmed:
		appendAccount(c.Account)

	case *event.RegisterSource:
		digest = append(digest, c.SourceID[:]...)
		digest = appendInt64LE(digest, c.Weight)

	case *event.RiskConfigUpdate:
		p := e.riskPolicy.Params()
		digest = appendInt64LE(digest, p.MinOracleSources)
		digest = appendInt64LE(digest, p.PriceValidityPeriod)
		digest = appendInt64LE(digest, p.MaxPriceDeviationBps)
		digest = appendInt64LE(digest, p.HeartbeatInterval)
		digest = appendInt64LE(digest, p.MaxLeverage)
		digest = appendInt64LE(digest, p.MinPositionSize)
		digest = appendInt64LE(digest, p.MaxPositionSize)
		if e.riskPolicy.Paused() {
			digest = append(digest, 1)
		} else {
			digest = append(digest, 0)
		}
	}

	return digest
}

// emit sends outputs downstream. Persistence uses a blocking send so the
// engine stalls rather than lose a committed command; projections use a
// non-blocking send and can rebuild from the event log if they fall behind.
func (e *Engine) emit(output Output) {
	if e.persistChan != nil {
		e.persistChan <- output
	}

	if e.projectionChan != nil {
		select {
		case e.projectionChan <- output:
		default:
			if e.metrics != nil {
				e.metrics.ProjectionDrops.Inc()
			}
		}
	}
}

// reasonForError maps a rejection to its metrics label.
func reasonForError(err error) string {
	switch {
	case errors.Is(err, oracle.ErrUnauthorized), errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, policy.ErrMarketClosed):
		return "market_closed"
	case errors.Is(err, oracle.ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, oracle.ErrStalePrice):
		return "stale_price"
	case errors.Is(err, oracle.ErrPriceDeviation):
		return "price_deviation"
	case errors.Is(err, oracle.ErrInsufficientSources):
		return "insufficient_sources"
	case errors.Is(err, policy.ErrInvalidSide):
		return "invalid_side"
	case errors.Is(err, policy.ErrPositionTooSmall):
		return "position_too_small"
	case errors.Is(err, policy.ErrPositionTooLarge):
		return "position_too_large"
	case errors.Is(err, policy.ErrInvalidLeverage):
		return "invalid_leverage"
	case errors.Is(err, policy.ErrMaxLeverage):
		return "max_leverage"
	case errors.Is(err, policy.ErrInvalidParam):
		return "invalid_param"
	case errors.Is(err, ErrInsufficientCollateral):
		return "insufficient_collateral"
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrStateConflict):
		return "state_conflict"
	default:
		return "unknown"
	}
}

// Replay re-applies a previously persisted command during startup
// recovery. It bypasses idempotency checks (the command log is the
// source of truth for what was applied) and does not re-emit outputs:
// the row is already durable and projection writes are idempotent.
func (e *Engine) Replay(cmd event.Command) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Domain metrics describe live traffic. Replayed commands were
	// counted when first applied; counting them again would inflate
	// the counters on every restart.
	saved := e.metrics
	e.metrics = nil
	defer func() { e.metrics = saved }()

	result, err := e.dispatch(cmd)
	if err != nil {
		return err
	}

	// Advance the hash chain exactly as the original apply did.
	_ = e.buildEnvelope(cmd, result)
	e.sequence++

	e.idempotency.MarkProcessed(cmd.Kind().String(), cmd.IdempotencyKey())
	return nil
}

// --- Read facade ---

// GetBalance returns the account's balance; unknown accounts are zero.
func (e *Engine) GetBalance(account uuid.UUID) ledger.Balance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.collateral.Get(account)
}

// GetPosition returns the position, or nil if unknown.
func (e *Engine) GetPosition(id int64) *Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.book.Get(id)
}

// GetValidPrice returns the trusted price for a feed at the given time.
func (e *Engine) GetValidPrice(feedID string, now int64) (int64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.aggregator.ValidPrice(feedID, now)
}

// PolicyParams returns the current global bounds.
func (e *Engine) PolicyParams() policy.Params {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.riskPolicy.Params()
}

// Paused reports the global pause flag.
func (e *Engine) Paused() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.riskPolicy.Paused()
}

// Sequence returns the current global sequence number.
func (e *Engine) Sequence() int64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sequence
}

// StateHash returns the current hash chain tip.
func (e *Engine) StateHash() [32]byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hasher.GetPrevHash()
}
