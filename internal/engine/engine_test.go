package engine_test

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"

	"PerpOracle/internal/engine"
	"PerpOracle/internal/event"
	"PerpOracle/internal/ledger"
	"PerpOracle/internal/observability"
	"PerpOracle/internal/oracle"
	"PerpOracle/internal/policy"
)

const testFeed = "BTC-USD"

type harness struct {
	eng     *engine.Engine
	admin   uuid.UUID
	source  uuid.UUID
	persist chan engine.Output
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		admin:   uuid.New(),
		source:  uuid.New(),
		persist: make(chan engine.Output, 64),
	}
	h.eng = engine.New(engine.Options{
		StartSequence: 1,
		AdminID:       h.admin,
		DefaultFeed:   testFeed,
		Params:        policy.DefaultParams(),
		PersistChan:   h.persist,
	})
	return h
}

func (h *harness) mustApply(t *testing.T, cmd event.Command) *engine.Result {
	t.Helper()
	result, err := h.eng.Apply(cmd)
	if err != nil {
		t.Fatalf("apply %s: %v", cmd.Kind(), err)
	}
	return result
}

func (h *harness) registerSource(t *testing.T) {
	t.Helper()
	h.mustApply(t, &event.RegisterSource{
		RequestID:   uuid.New(),
		Caller:      h.admin,
		SourceID:    h.source,
		Weight:      1,
		SubmittedAt: 500,
	})
}

func (h *harness) submitPrice(t *testing.T, price, at int64) {
	t.Helper()
	h.mustApply(t, &event.SubmitPrice{
		SubmissionID: uuid.New(),
		Reporter:     h.source,
		Feed:         testFeed,
		Price:        price,
		SubmittedAt:  at,
	})
}

// seedMarket registers a source and pushes enough submissions to make
// the feed quotable at the given price.
func (h *harness) seedMarket(t *testing.T, price int64) {
	t.Helper()
	h.registerSource(t)
	for i := int64(0); i < 3; i++ {
		h.submitPrice(t, price, 1000+i*10)
	}
}

func (h *harness) deposit(t *testing.T, account uuid.UUID, amount int64) {
	t.Helper()
	h.mustApply(t, &event.DepositConfirmed{
		DepositID:   uuid.New(),
		Account:     account,
		Amount:      amount,
		SubmittedAt: 900,
	})
}

func (h *harness) drainOutputs() []engine.Output {
	var out []engine.Output
	for {
		select {
		case o := <-h.persist:
			out = append(out, o)
		default:
			return out
		}
	}
}

func TestOpenPosition_HappyPath(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	h.seedMarket(t, 100)
	h.deposit(t, account, 100_000)

	result := h.mustApply(t, &event.OpenPosition{
		RequestID:   uuid.New(),
		Account:     account,
		PosSide:     event.SideLong,
		Size:        1_000,
		Leverage:    10,
		SubmittedAt: 1030,
	})
	if result.PositionID != 1 {
		t.Fatalf("position id: got %d, want 1", result.PositionID)
	}

	pos := h.eng.GetPosition(1)
	if pos == nil {
		t.Fatal("position not recorded")
	}
	if pos.EntryPrice != 100 {
		t.Errorf("entry price: got %d, want 100", pos.EntryPrice)
	}
	if pos.Collateral != 10_000 { // 1000 * 100 / 10
		t.Errorf("collateral: got %d, want 10000", pos.Collateral)
	}
	if pos.LiquidationPrice != 90 { // 100 * 90 / 100
		t.Errorf("liquidation price: got %d, want 90", pos.LiquidationPrice)
	}
	if pos.Owner != account || pos.Side != event.SideLong {
		t.Errorf("position identity: %+v", pos)
	}

	b := h.eng.GetBalance(account)
	if b.Free != 90_000 || b.Locked != 10_000 {
		t.Errorf("balance: got %+v, want free=90000 locked=10000", b)
	}
}

func TestOpenPosition_ShortLiquidationPrice(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	h.seedMarket(t, 100)
	h.deposit(t, account, 100_000)

	result := h.mustApply(t, &event.OpenPosition{
		RequestID:   uuid.New(),
		Account:     account,
		PosSide:     event.SideShort,
		Size:        1_000,
		Leverage:    10,
		SubmittedAt: 1030,
	})

	pos := h.eng.GetPosition(result.PositionID)
	if pos.LiquidationPrice != 110 { // 100 * 110 / 100
		t.Errorf("liquidation price: got %d, want 110", pos.LiquidationPrice)
	}
}

func TestOpenPosition_IDsMonotonic(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	h.seedMarket(t, 100)
	h.deposit(t, account, 100_000)

	open := func(at int64) int64 {
		result := h.mustApply(t, &event.OpenPosition{
			RequestID:   uuid.New(),
			Account:     account,
			PosSide:     event.SideLong,
			Size:        100,
			Leverage:    10,
			SubmittedAt: at,
		})
		return result.PositionID
	}

	if got := open(1030); got != 1 {
		t.Errorf("first id: got %d", got)
	}
	if got := open(1031); got != 2 {
		t.Errorf("second id: got %d", got)
	}
	if got := open(1032); got != 3 {
		t.Errorf("third id: got %d", got)
	}
}

func TestOpenPosition_NoQuotableFeed(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()
	h.deposit(t, account, 100_000)

	// No submissions at all: the feed does not exist.
	_, err := h.eng.Apply(&event.OpenPosition{
		RequestID:   uuid.New(),
		Account:     account,
		PosSide:     event.SideLong,
		Size:        1_000,
		Leverage:    10,
		SubmittedAt: 1030,
	})
	if !errors.Is(err, oracle.ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice, got %v", err)
	}

	// Two submissions: below the liveness minimum.
	h.registerSource(t)
	h.submitPrice(t, 100, 1000)
	h.submitPrice(t, 100, 1010)

	_, err = h.eng.Apply(&event.OpenPosition{
		RequestID:   uuid.New(),
		Account:     account,
		PosSide:     event.SideLong,
		Size:        1_000,
		Leverage:    10,
		SubmittedAt: 1020,
	})
	if !errors.Is(err, oracle.ErrInsufficientSources) {
		t.Fatalf("expected ErrInsufficientSources, got %v", err)
	}
}

func TestOpenPosition_LeverageAboveCap(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	h.seedMarket(t, 100)
	h.deposit(t, account, 1_000_000)
	before := h.eng.GetBalance(account)

	_, err := h.eng.Apply(&event.OpenPosition{
		RequestID:   uuid.New(),
		Account:     account,
		PosSide:     event.SideLong,
		Size:        1_000,
		Leverage:    25,
		SubmittedAt: 1030,
	})
	if !errors.Is(err, policy.ErrMaxLeverage) {
		t.Fatalf("expected ErrMaxLeverage, got %v", err)
	}
	if h.eng.GetBalance(account) != before {
		t.Error("rejected open mutated balance")
	}
	if h.eng.GetPosition(1) != nil {
		t.Error("rejected open recorded a position")
	}
}

func TestOpenPosition_InsufficientCollateral(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	h.seedMarket(t, 100)
	h.deposit(t, account, 9_999) // required is 10000

	_, err := h.eng.Apply(&event.OpenPosition{
		RequestID:   uuid.New(),
		Account:     account,
		PosSide:     event.SideLong,
		Size:        1_000,
		Leverage:    10,
		SubmittedAt: 1030,
	})
	if !errors.Is(err, engine.ErrInsufficientCollateral) {
		t.Fatalf("expected ErrInsufficientCollateral, got %v", err)
	}

	b := h.eng.GetBalance(account)
	if b.Free != 9_999 || b.Locked != 0 {
		t.Errorf("balance after rejection: %+v", b)
	}
}

func TestOpenPosition_ExactCollateralSucceeds(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	h.seedMarket(t, 100)
	h.deposit(t, account, 10_000)

	h.mustApply(t, &event.OpenPosition{
		RequestID:   uuid.New(),
		Account:     account,
		PosSide:     event.SideLong,
		Size:        1_000,
		Leverage:    10,
		SubmittedAt: 1030,
	})

	b := h.eng.GetBalance(account)
	if b.Free != 0 || b.Locked != 10_000 {
		t.Errorf("balance: %+v, want free=0 locked=10000", b)
	}
}

func TestPause_GatesSubmitAndOpen(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	h.seedMarket(t, 100)
	h.deposit(t, account, 100_000)

	paused := true
	h.mustApply(t, &event.RiskConfigUpdate{
		RequestID:   uuid.New(),
		Caller:      h.admin,
		Paused:      &paused,
		SubmittedAt: 1025,
	})

	_, err := h.eng.Apply(&event.SubmitPrice{
		SubmissionID: uuid.New(),
		Reporter:     h.source,
		Feed:         testFeed,
		Price:        100,
		SubmittedAt:  1030,
	})
	if !errors.Is(err, policy.ErrMarketClosed) {
		t.Fatalf("submit while paused: expected ErrMarketClosed, got %v", err)
	}

	_, err = h.eng.Apply(&event.OpenPosition{
		RequestID:   uuid.New(),
		Account:     account,
		PosSide:     event.SideLong,
		Size:        1_000,
		Leverage:    10,
		SubmittedAt: 1030,
	})
	if !errors.Is(err, policy.ErrMarketClosed) {
		t.Fatalf("open while paused: expected ErrMarketClosed, got %v", err)
	}

	// Resume and the same open goes through.
	paused = false
	h.mustApply(t, &event.RiskConfigUpdate{
		RequestID:   uuid.New(),
		Caller:      h.admin,
		Paused:      &paused,
		SubmittedAt: 1035,
	})
	h.mustApply(t, &event.OpenPosition{
		RequestID:   uuid.New(),
		Account:     account,
		PosSide:     event.SideLong,
		Size:        1_000,
		Leverage:    10,
		SubmittedAt: 1040,
	})
}

func TestDuplicateCommand_NoEffect(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	dep := &event.DepositConfirmed{
		DepositID:   uuid.New(),
		Account:     account,
		Amount:      5_000,
		SubmittedAt: 900,
	}
	h.mustApply(t, dep)

	seqBefore := h.eng.Sequence()
	result, err := h.eng.Apply(dep)
	if err != nil {
		t.Fatalf("duplicate apply: %v", err)
	}
	if result != nil {
		t.Errorf("duplicate must yield no result, got %+v", result)
	}
	if h.eng.GetBalance(account).Free != 5_000 {
		t.Errorf("duplicate credited twice: %+v", h.eng.GetBalance(account))
	}
	if h.eng.Sequence() != seqBefore {
		t.Errorf("duplicate advanced sequence: %d -> %d", seqBefore, h.eng.Sequence())
	}
}

func TestAdminGating(t *testing.T) {
	h := newHarness(t)
	intruder := uuid.New()

	_, err := h.eng.Apply(&event.RegisterSource{
		RequestID:   uuid.New(),
		Caller:      intruder,
		SourceID:    uuid.New(),
		Weight:      1,
		SubmittedAt: 500,
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("register source: expected ErrUnauthorized, got %v", err)
	}

	lev := int64(5)
	_, err = h.eng.Apply(&event.RiskConfigUpdate{
		RequestID:   uuid.New(),
		Caller:      intruder,
		MaxLeverage: &lev,
		SubmittedAt: 500,
	})
	if !errors.Is(err, engine.ErrUnauthorized) {
		t.Fatalf("config update: expected ErrUnauthorized, got %v", err)
	}
	if h.eng.PolicyParams().MaxLeverage != 20 {
		t.Errorf("unauthorized update applied: %+v", h.eng.PolicyParams())
	}
}

func TestRiskConfigUpdate_TightensLeverage(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	h.seedMarket(t, 100)
	h.deposit(t, account, 1_000_000)

	lev := int64(5)
	h.mustApply(t, &event.RiskConfigUpdate{
		RequestID:   uuid.New(),
		Caller:      h.admin,
		MaxLeverage: &lev,
		SubmittedAt: 1025,
	})

	_, err := h.eng.Apply(&event.OpenPosition{
		RequestID:   uuid.New(),
		Account:     account,
		PosSide:     event.SideLong,
		Size:        1_000,
		Leverage:    10,
		SubmittedAt: 1030,
	})
	if !errors.Is(err, policy.ErrMaxLeverage) {
		t.Fatalf("expected ErrMaxLeverage under tightened cap, got %v", err)
	}
}

func TestHashChain_Links(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	h.deposit(t, account, 1_000)
	h.deposit(t, account, 2_000)
	h.deposit(t, account, 3_000)

	outputs := h.drainOutputs()
	if len(outputs) != 3 {
		t.Fatalf("outputs: got %d, want 3", len(outputs))
	}

	for i, o := range outputs {
		env := o.Envelope
		if env.Sequence != int64(i)+1 {
			t.Errorf("envelope %d: sequence %d", i, env.Sequence)
		}
		if env.StateHash == env.PrevHash {
			t.Errorf("envelope %d: state hash equals prev hash", i)
		}
		if i > 0 && env.PrevHash != outputs[i-1].Envelope.StateHash {
			t.Errorf("envelope %d: prev hash does not link to predecessor", i)
		}
	}

	if h.eng.StateHash() != outputs[2].Envelope.StateHash {
		t.Error("engine hash tip does not match last envelope")
	}
}

func TestSnapshot_RoundTrip(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	h.seedMarket(t, 100)
	h.deposit(t, account, 100_000)
	openCmd := &event.OpenPosition{
		RequestID:   uuid.New(),
		Account:     account,
		PosSide:     event.SideLong,
		Size:        1_000,
		Leverage:    10,
		SubmittedAt: 1030,
	}
	h.mustApply(t, openCmd)

	snap := h.eng.CreateSnapshotState()
	if snap.Sequence != h.eng.Sequence()-1 {
		t.Errorf("snapshot sequence: got %d, want %d", snap.Sequence, h.eng.Sequence()-1)
	}

	restored := engine.New(engine.Options{
		AdminID:     h.admin,
		DefaultFeed: testFeed,
		Params:      policy.DefaultParams(),
	})
	restored.RestoreFromSnapshot(snap)

	if restored.Sequence() != h.eng.Sequence() {
		t.Errorf("sequence: got %d, want %d", restored.Sequence(), h.eng.Sequence())
	}
	if restored.StateHash() != h.eng.StateHash() {
		t.Error("state hash not restored")
	}
	if restored.GetBalance(account) != h.eng.GetBalance(account) {
		t.Errorf("balance: got %+v, want %+v",
			restored.GetBalance(account), h.eng.GetBalance(account))
	}

	pos := restored.GetPosition(1)
	if pos == nil || pos.Collateral != 10_000 || pos.LiquidationPrice != 90 {
		t.Errorf("restored position: %+v", pos)
	}

	price, err := restored.GetValidPrice(testFeed, 1040)
	if err != nil {
		t.Fatalf("valid price after restore: %v", err)
	}
	if price != 100 {
		t.Errorf("price: got %d, want 100", price)
	}

	// Idempotency survives the snapshot: the original open is a no-op.
	result, err := restored.Apply(openCmd)
	if err != nil || result != nil {
		t.Errorf("replayed duplicate after restore: result=%+v err=%v", result, err)
	}
	if restored.GetPosition(2) != nil {
		t.Error("duplicate opened a second position after restore")
	}

	// New work continues the id sequence instead of reusing ids.
	next := h.mustApplyOn(t, restored, &event.OpenPosition{
		RequestID:   uuid.New(),
		Account:     account,
		PosSide:     event.SideShort,
		Size:        100,
		Leverage:    10,
		SubmittedAt: 1050,
	})
	if next.PositionID != 2 {
		t.Errorf("next position id after restore: got %d, want 2", next.PositionID)
	}
}

func (h *harness) mustApplyOn(t *testing.T, eng *engine.Engine, cmd event.Command) *engine.Result {
	t.Helper()
	result, err := eng.Apply(cmd)
	if err != nil {
		t.Fatalf("apply %s: %v", cmd.Kind(), err)
	}
	return result
}

func TestReplay_ReproducesState(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	commands := []event.Command{
		&event.RegisterSource{
			RequestID: uuid.New(), Caller: h.admin,
			SourceID: h.source, Weight: 1, SubmittedAt: 500,
		},
		&event.SubmitPrice{
			SubmissionID: uuid.New(), Reporter: h.source,
			Feed: testFeed, Price: 100, SubmittedAt: 1000,
		},
		&event.SubmitPrice{
			SubmissionID: uuid.New(), Reporter: h.source,
			Feed: testFeed, Price: 101, SubmittedAt: 1010,
		},
		&event.SubmitPrice{
			SubmissionID: uuid.New(), Reporter: h.source,
			Feed: testFeed, Price: 102, SubmittedAt: 1020,
		},
		&event.DepositConfirmed{
			DepositID: uuid.New(), Account: account,
			Amount: 100_000, SubmittedAt: 900,
		},
		&event.OpenPosition{
			RequestID: uuid.New(), Account: account,
			PosSide: event.SideLong, Size: 1_000, Leverage: 10, SubmittedAt: 1030,
		},
	}
	for _, cmd := range commands {
		h.mustApply(t, cmd)
	}

	replayed := engine.New(engine.Options{
		StartSequence: 1,
		AdminID:       h.admin,
		DefaultFeed:   testFeed,
		Params:        policy.DefaultParams(),
	})
	for _, cmd := range commands {
		if err := replayed.Replay(cmd); err != nil {
			t.Fatalf("replay %s: %v", cmd.Kind(), err)
		}
	}

	if replayed.Sequence() != h.eng.Sequence() {
		t.Errorf("sequence: got %d, want %d", replayed.Sequence(), h.eng.Sequence())
	}
	if replayed.StateHash() != h.eng.StateHash() {
		t.Error("replayed hash chain diverged from the original")
	}
	if replayed.GetBalance(account) != h.eng.GetBalance(account) {
		t.Errorf("balance: got %+v, want %+v",
			replayed.GetBalance(account), h.eng.GetBalance(account))
	}

	// Replay marks keys as processed, so an at-least-once redelivery of
	// the last command is absorbed.
	result, err := replayed.Apply(commands[len(commands)-1])
	if err != nil || result != nil {
		t.Errorf("redelivery after replay: result=%+v err=%v", result, err)
	}
}

func TestReplay_DoesNotInflateMetrics(t *testing.T) {
	// promauto registers in the default registry; construct once.
	metrics := observability.NewMetrics()
	admin := uuid.New()
	source := uuid.New()
	account := uuid.New()

	commands := []event.Command{
		&event.RegisterSource{
			RequestID: uuid.New(), Caller: admin,
			SourceID: source, Weight: 1, SubmittedAt: 500,
		},
		&event.SubmitPrice{
			SubmissionID: uuid.New(), Reporter: source,
			Feed: testFeed, Price: 100, SubmittedAt: 1000,
		},
		&event.SubmitPrice{
			SubmissionID: uuid.New(), Reporter: source,
			Feed: testFeed, Price: 100, SubmittedAt: 1010,
		},
		&event.SubmitPrice{
			SubmissionID: uuid.New(), Reporter: source,
			Feed: testFeed, Price: 100, SubmittedAt: 1020,
		},
		&event.DepositConfirmed{
			DepositID: uuid.New(), Account: account,
			Amount: 100_000, SubmittedAt: 900,
		},
		&event.OpenPosition{
			RequestID: uuid.New(), Account: account,
			PosSide: event.SideLong, Size: 1_000, Leverage: 10, SubmittedAt: 1030,
		},
	}

	live := engine.New(engine.Options{
		StartSequence: 1,
		AdminID:       admin,
		DefaultFeed:   testFeed,
		Params:        policy.DefaultParams(),
		Metrics:       metrics,
	})
	for _, cmd := range commands {
		if _, err := live.Apply(cmd); err != nil {
			t.Fatalf("apply %s: %v", cmd.Kind(), err)
		}
	}

	pricesAfterApply := promtest.ToFloat64(metrics.PricesAccepted.WithLabelValues(testFeed))
	openedAfterApply := promtest.ToFloat64(metrics.PositionsOpened)
	lockedAfterApply := promtest.ToFloat64(metrics.CollateralLocked)
	if pricesAfterApply != 3 || openedAfterApply != 1 {
		t.Fatalf("live counters: prices=%v opened=%v", pricesAfterApply, openedAfterApply)
	}

	// A restart replaying the same log must leave the counters alone.
	restarted := engine.New(engine.Options{
		StartSequence: 1,
		AdminID:       admin,
		DefaultFeed:   testFeed,
		Params:        policy.DefaultParams(),
		Metrics:       metrics,
	})
	for _, cmd := range commands {
		if err := restarted.Replay(cmd); err != nil {
			t.Fatalf("replay %s: %v", cmd.Kind(), err)
		}
	}

	if got := promtest.ToFloat64(metrics.PricesAccepted.WithLabelValues(testFeed)); got != pricesAfterApply {
		t.Errorf("prices accepted after replay: got %v, want %v", got, pricesAfterApply)
	}
	if got := promtest.ToFloat64(metrics.PositionsOpened); got != openedAfterApply {
		t.Errorf("positions opened after replay: got %v, want %v", got, openedAfterApply)
	}
	if got := promtest.ToFloat64(metrics.CollateralLocked); got != lockedAfterApply {
		t.Errorf("collateral locked after replay: got %v, want %v", got, lockedAfterApply)
	}

	// And fresh work on the restarted engine counts again.
	if _, err := restarted.Apply(&event.SubmitPrice{
		SubmissionID: uuid.New(), Reporter: source,
		Feed: testFeed, Price: 100, SubmittedAt: 1040,
	}); err != nil {
		t.Fatalf("apply after replay: %v", err)
	}
	if got := promtest.ToFloat64(metrics.PricesAccepted.WithLabelValues(testFeed)); got != pricesAfterApply+1 {
		t.Errorf("prices accepted after new submit: got %v, want %v", got, pricesAfterApply+1)
	}
}

func TestRejectedPriceLeavesFeedUsable(t *testing.T) {
	h := newHarness(t)
	h.seedMarket(t, 10_000)

	// 10000 -> 12000 is 2000 bps, over the 1000 bps cap.
	_, err := h.eng.Apply(&event.SubmitPrice{
		SubmissionID: uuid.New(),
		Reporter:     h.source,
		Feed:         testFeed,
		Price:        12_000,
		SubmittedAt:  1030,
	})
	if !errors.Is(err, oracle.ErrPriceDeviation) {
		t.Fatalf("expected ErrPriceDeviation, got %v", err)
	}

	price, err := h.eng.GetValidPrice(testFeed, 1040)
	if err != nil {
		t.Fatalf("valid price after rejected submission: %v", err)
	}
	if price != 10_000 {
		t.Errorf("price: got %d, want 10000", price)
	}
}

func TestDepositThenBalanceVisible(t *testing.T) {
	h := newHarness(t)
	account := uuid.New()

	h.deposit(t, account, 42)

	b := h.eng.GetBalance(account)
	if (b != ledger.Balance{Free: 42}) {
		t.Errorf("balance: %+v", b)
	}
}
