package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hakifi/insurance-engine/internal/bus"
	"github.com/hakifi/insurance-engine/internal/chain"
	"github.com/hakifi/insurance-engine/internal/engine"
	"github.com/hakifi/insurance-engine/internal/lock"
	"github.com/hakifi/insurance-engine/internal/model"
	"github.com/hakifi/insurance-engine/internal/oracle"
	"github.com/hakifi/insurance-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var (
	t0     = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	wallet = "0xAbCd000000000000000000000000000000000001"
)

type testEnv struct {
	engine *engine.Engine
	store  *store.MemoryStore
	chain  *chain.Sim
	oracle *oracle.Static
	bus    *bus.Bus
	now    time.Time
	mu     sync.Mutex
}

func (env *testEnv) setNow(t time.Time) {
	env.mu.Lock()
	env.now = t
	env.mu.Unlock()
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:  store.NewMemoryStore(),
		chain:  chain.NewSim(),
		oracle: oracle.NewStatic(),
		bus:    bus.New(),
		now:    t0,
	}
	env.engine = engine.New(env.store, env.chain, lock.NewMutex(), env.oracle, env.bus)
	env.engine.SetClock(func() time.Time {
		env.mu.Lock()
		defer env.mu.Unlock()
		return env.now
	})

	env.store.SeedUser(&model.User{ID: "user-1", WalletAddress: wallet})
	env.oracle.Set("BTCUSDT", d(40000))
	return env
}

// seedPending creates a PENDING contract as the lifecycle API would.
func seedPending(t *testing.T, env *testEnv) *model.Insurance {
	t.Helper()
	ins := &model.Insurance{
		ID:                "ins-1",
		UserID:            "user-1",
		Asset:             "BTC",
		Unit:              "USDT",
		Side:              model.SideBull,
		Margin:            d(100),
		QCovered:          d(1000),
		PClaim:            d(43000),
		POpen:             d(40000),
		Period:            4,
		PeriodUnit:        model.PeriodHour,
		PeriodChangeRatio: d(0.05),
		State:             model.StatePending,
		CreatedAt:         t0,
	}
	if err := env.store.CreateInsurance(context.Background(), ins); err != nil {
		t.Fatalf("seed insurance: %v", err)
	}
	return ins
}

func getInsurance(t *testing.T, env *testEnv, id string) *model.Insurance {
	t.Helper()
	ins, err := env.store.GetInsurance(context.Background(), id)
	if err != nil {
		t.Fatalf("get insurance: %v", err)
	}
	return ins
}

func fund(env *testEnv, id string) error {
	return env.engine.OnContractCreated(context.Background(), id, wallet, "USDT", d(100), "0xdeposit")
}

// --- Funding (CREATE event) ---

func TestOnContractCreated_BecomesAvailable(t *testing.T) {
	env := newTestEnv(t)
	seedPending(t, env)
	env.setNow(t0.Add(10 * time.Second))

	if err := fund(env, "ins-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ins := getInsurance(t, env, "ins-1")
	if ins.State != model.StateAvailable {
		t.Fatalf("expected AVAILABLE, got %s", ins.State)
	}
	if ins.TxHash != "0xdeposit" {
		t.Errorf("funding txhash not recorded: %q", ins.TxHash)
	}

	// Parameters frozen: ratio 0.075 over band 0.05 → q_claim 150.
	if !ins.QClaim.Equal(d(150)) {
		t.Errorf("expected q_claim=150, got %s", ins.QClaim)
	}
	if !ins.PCancel.Equal(d(38500)) || !ins.PRefund.Equal(d(40750)) {
		t.Errorf("unexpected cancel/refund prices: %s / %s", ins.PCancel, ins.PRefund)
	}
	if want := t0.Add(10 * time.Second).Add(4 * time.Hour); !ins.ExpiredAt.Equal(want) {
		t.Errorf("expected expiry %s, got %s", want, ins.ExpiredAt)
	}

	if n := env.chain.CallCount("updateAvailableInsurance"); n != 1 {
		t.Errorf("expected 1 availability call, got %d", n)
	}

	if len(ins.StateLogs) != 1 || ins.StateLogs[0].State != model.StateAvailable {
		t.Fatalf("expected single AVAILABLE log entry, got %+v", ins.StateLogs)
	}
	if ins.StateLogs[0].TxHash == "" || ins.StateLogs[0].Error != "" {
		t.Errorf("log should carry the call hash and no error: %+v", ins.StateLogs[0])
	}

	txs, _ := env.store.ListTransactions(context.Background(), "", "ins-1")
	if len(txs) != 1 || txs[0].Type != model.TxMargin || !txs[0].Amount.Equal(d(100)) {
		t.Errorf("expected one MARGIN transaction of 100, got %+v", txs)
	}
}

func TestOnContractCreated_DuplicateDelivery(t *testing.T) {
	env := newTestEnv(t)
	seedPending(t, env)
	env.setNow(t0.Add(10 * time.Second))

	if err := fund(env, "ins-1"); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := fund(env, "ins-1"); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	// Exactly one funding record, at most one AVAILABLE transition.
	txs, _ := env.store.ListTransactions(context.Background(), "", "ins-1")
	if len(txs) != 1 {
		t.Errorf("expected exactly 1 funding transaction, got %d", len(txs))
	}
	if n := env.chain.CallCount("updateAvailableInsurance"); n != 1 {
		t.Errorf("expected 1 availability call, got %d", n)
	}
	ins := getInsurance(t, env, "ins-1")
	if len(ins.StateLogs) != 1 {
		t.Errorf("expected 1 log entry, got %d", len(ins.StateLogs))
	}
}

func TestOnContractCreated_UnknownID(t *testing.T) {
	env := newTestEnv(t)

	if err := fund(env, "no-such-id"); err != nil {
		t.Fatalf("unknown id must be ignored, got %v", err)
	}
	if len(env.chain.Calls()) != 0 {
		t.Errorf("no chain calls expected, got %+v", env.chain.Calls())
	}
}

func TestOnContractCreated_TimeoutInvalidatesWithPayback(t *testing.T) {
	env := newTestEnv(t)
	seedPending(t, env)
	env.setNow(t0.Add(61 * time.Second))

	if err := fund(env, "ins-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ins := getInsurance(t, env, "ins-1")
	if ins.State != model.StateInvalid {
		t.Fatalf("expected INVALID, got %s", ins.State)
	}
	if ins.InvalidReason != model.ReasonTimeout {
		t.Errorf("expected timeout reason, got %q", ins.InvalidReason)
	}
	if ins.ClosedAt == nil {
		t.Error("invalidation must close the contract")
	}
	// Payback: escrowed funds released on-chain.
	if n := env.chain.CallCount("updateInvalidInsurance"); n != 1 {
		t.Errorf("expected payback call, got %d", n)
	}
	if len(ins.StateLogs) != 1 || ins.StateLogs[0].State != model.StateInvalid {
		t.Fatalf("expected INVALID log entry, got %+v", ins.StateLogs)
	}
}

func TestOnContractCreated_MismatchInvalidatesWithoutPayback(t *testing.T) {
	cases := []struct {
		name    string
		address string
		unit    string
		margin  decimal.Decimal
		reason  string
	}{
		{"wrong margin", wallet, "USDT", d(99), model.ReasonInvalidMargin},
		{"wrong wallet", "0xothercafe00000000000000000000000000000002", "USDT", d(100), model.ReasonInvalidWallet},
		{"wrong unit", wallet, "VNST", d(100), model.ReasonInvalidUnit},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			seedPending(t, env)
			env.setNow(t0.Add(10 * time.Second))

			err := env.engine.OnContractCreated(context.Background(), "ins-1", tc.address, tc.unit, tc.margin, "0xdeposit")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			ins := getInsurance(t, env, "ins-1")
			if ins.State != model.StateInvalid {
				t.Fatalf("expected INVALID, got %s", ins.State)
			}
			if ins.InvalidReason != tc.reason {
				t.Errorf("expected reason %q, got %q", tc.reason, ins.InvalidReason)
			}
			// Mismatches are recovered separately; no payback call.
			if n := env.chain.CallCount("updateInvalidInsurance"); n != 0 {
				t.Errorf("no payback call expected, got %d", n)
			}
		})
	}
}

// --- Cancel / Claim / Refund / Liquidate ---

func available(t *testing.T, env *testEnv) *model.Insurance {
	t.Helper()
	seedPending(t, env)
	env.setNow(t0.Add(10 * time.Second))
	if err := fund(env, "ins-1"); err != nil {
		t.Fatalf("funding: %v", err)
	}
	return getInsurance(t, env, "ins-1")
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ins := available(t, env)

	updated, err := env.engine.Cancel(context.Background(), ins, d(40100))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.State != model.StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", updated.State)
	}
	if !updated.PClose.Equal(d(40100)) || updated.ClosedAt == nil {
		t.Error("cancel must set close price and time")
	}
	if n := env.chain.CallCount("cancel"); n != 1 {
		t.Errorf("expected 1 cancel call, got %d", n)
	}

	// Margin refunded.
	txs, _ := env.store.ListTransactions(context.Background(), "", "ins-1")
	var cancelTx *model.TransactionRecord
	for i := range txs {
		if txs[i].Type == model.TxCancel {
			cancelTx = &txs[i]
		}
	}
	if cancelTx == nil || !cancelTx.Amount.Equal(d(100)) {
		t.Errorf("expected CANCEL transaction of 100, got %+v", txs)
	}
}

func TestClaim_PnL(t *testing.T) {
	env := newTestEnv(t)
	ins := available(t, env)

	updated, err := env.engine.Claim(context.Background(), ins, d(43200))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// margin=100, q_claim=150 → pnlUser=50, pnlProject=-50, atomic with
	// the CLAIM_WAITING write.
	if updated.State != model.StateClaimWaiting {
		t.Fatalf("expected CLAIM_WAITING, got %s", updated.State)
	}
	if !updated.PnlUser.Equal(d(50)) || !updated.PnlProject.Equal(d(-50)) {
		t.Errorf("expected pnl 50/-50, got %s/%s", updated.PnlUser, updated.PnlProject)
	}

	txs, _ := env.store.ListTransactions(context.Background(), "", "ins-1")
	var claimTx *model.TransactionRecord
	for i := range txs {
		if txs[i].Type == model.TxClaim {
			claimTx = &txs[i]
		}
	}
	if claimTx == nil || !claimTx.Amount.Equal(d(150)) {
		t.Errorf("expected CLAIM transaction of 150, got %+v", txs)
	}
}

func TestRefund_NoPnL(t *testing.T) {
	env := newTestEnv(t)
	ins := available(t, env)

	updated, err := env.engine.Refund(context.Background(), ins, d(40800))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.State != model.StateRefundWaiting {
		t.Fatalf("expected REFUND_WAITING, got %s", updated.State)
	}
	if !updated.PnlUser.IsZero() {
		t.Errorf("refund must not set pnl, got %s", updated.PnlUser)
	}
	if n := env.chain.CallCount("refund"); n != 1 {
		t.Errorf("expected 1 refund call, got %d", n)
	}
}

func TestLiquidateAndExpire(t *testing.T) {
	for _, target := range []model.State{model.StateLiquidated, model.StateExpired} {
		t.Run(string(target), func(t *testing.T) {
			env := newTestEnv(t)
			ins := available(t, env)

			updated, err := env.engine.LiquidateOrExpire(context.Background(), ins, target, d(36000))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if updated.State != target {
				t.Fatalf("expected %s, got %s", target, updated.State)
			}
			if !updated.PnlUser.Equal(d(-100)) || !updated.PnlProject.Equal(d(100)) {
				t.Errorf("expected pnl -margin/+margin, got %s/%s", updated.PnlUser, updated.PnlProject)
			}

			method := "liquidate"
			if target == model.StateExpired {
				method = "expire"
			}
			if n := env.chain.CallCount(method); n != 1 {
				t.Errorf("expected 1 %s call, got %d", method, n)
			}
		})
	}
}

func TestLiquidateOrExpire_RejectsOtherTargets(t *testing.T) {
	env := newTestEnv(t)
	ins := available(t, env)

	if _, err := env.engine.LiquidateOrExpire(context.Background(), ins, model.StateCancelled, d(0)); err == nil {
		t.Error("expected error for non-settlement target")
	}
}

// --- On-chain failure handling ---

func TestChainFailureDoesNotRevertOffchainState(t *testing.T) {
	env := newTestEnv(t)
	ins := available(t, env)

	env.chain.FailWith("claim", errors.New("nonce too low"))

	updated, err := env.engine.Claim(context.Background(), ins, d(43200))
	if err != nil {
		t.Fatalf("chain failure must not surface: %v", err)
	}
	if updated.State != model.StateClaimWaiting {
		t.Fatalf("off-chain state must stay committed, got %s", updated.State)
	}

	// Failure lands in the state log: no hash, error set.
	final := getInsurance(t, env, "ins-1")
	last := final.StateLogs[len(final.StateLogs)-1]
	if last.State != model.StateClaimWaiting || last.TxHash != "" || last.Error == "" {
		t.Errorf("expected errored CLAIM_WAITING log entry, got %+v", last)
	}
}

// --- On-chain confirmation ---

func TestOnContractStateChanged_ConfirmsTerminalState(t *testing.T) {
	env := newTestEnv(t)
	ins := available(t, env)

	if _, err := env.engine.Claim(context.Background(), ins, d(43200)); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := env.engine.OnContractStateChanged(context.Background(), "ins-1", model.StateClaimed, "0xconfirm"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	final := getInsurance(t, env, "ins-1")
	if final.State != model.StateClaimed {
		t.Fatalf("expected CLAIMED, got %s", final.State)
	}
	if final.ClosedAt == nil {
		t.Error("confirmation must close the contract")
	}

	// Duplicate confirmation is absorbed: no extra log entry.
	before := len(final.StateLogs)
	if err := env.engine.OnContractStateChanged(context.Background(), "ins-1", model.StateClaimed, "0xconfirm"); err != nil {
		t.Fatalf("duplicate confirmation: %v", err)
	}
	after := getInsurance(t, env, "ins-1")
	if len(after.StateLogs) != before {
		t.Errorf("duplicate confirmation must not append logs: %d -> %d", before, len(after.StateLogs))
	}
}

// --- Concurrency ---

func TestCancelRacesRefundConfirmation(t *testing.T) {
	env := newTestEnv(t)
	ins := available(t, env)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		env.engine.Cancel(context.Background(), ins, d(40100))
	}()
	go func() {
		defer wg.Done()
		env.engine.OnContractStateChanged(context.Background(), "ins-1", model.StateRefunded, "0xconfirm")
	}()
	wg.Wait()

	final := getInsurance(t, env, "ins-1")
	if final.State != model.StateCancelled && final.State != model.StateRefunded {
		t.Fatalf("unexpected final state %s", final.State)
	}

	// Both racers change state (AVAILABLE is neither target), so both
	// conditional writes match — the lock serializes them, the loser's
	// write still applies on top. What must hold: exactly one log entry
	// and at most one cancel call per transition that won.
	cancelLogs, refundLogs := 0, 0
	for _, l := range final.StateLogs {
		switch l.State {
		case model.StateCancelled:
			cancelLogs++
		case model.StateRefunded:
			refundLogs++
		}
	}
	if cancelLogs > 1 || refundLogs > 1 {
		t.Errorf("each transition must log at most once: cancel=%d refund=%d", cancelLogs, refundLogs)
	}
	if n := env.chain.CallCount("cancel"); n > 1 {
		t.Errorf("at most one cancel call, got %d", n)
	}
}

func TestCancelRace_SameTarget(t *testing.T) {
	env := newTestEnv(t)
	ins := available(t, env)

	// Two concurrent cancels on the same contract: the conditional write
	// admits exactly one; the other observes zero rows and performs no
	// chain call and no log append.
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			env.engine.Cancel(context.Background(), ins, d(40100))
		}()
	}
	wg.Wait()

	final := getInsurance(t, env, "ins-1")
	if final.State != model.StateCancelled {
		t.Fatalf("expected CANCELLED, got %s", final.State)
	}
	if n := env.chain.CallCount("cancel"); n != 1 {
		t.Errorf("expected exactly 1 cancel call, got %d", n)
	}

	cancelLogs := 0
	for _, l := range final.StateLogs {
		if l.State == model.StateCancelled {
			cancelLogs++
		}
	}
	if cancelLogs != 1 {
		t.Errorf("expected exactly 1 CANCELLED log entry, got %d", cancelLogs)
	}
}

// --- Audit trail ---

// validNext encodes the state machine's allowed transitions as observed in
// a contract's log history.
var validNext = map[model.State][]model.State{
	model.StateAvailable: {
		model.StateCancelled, model.StateClaimWaiting, model.StateRefundWaiting,
		model.StateLiquidated, model.StateExpired,
	},
	model.StateClaimWaiting:  {model.StateClaimed},
	model.StateRefundWaiting: {model.StateRefunded},
}

func TestStateLogFollowsMachine(t *testing.T) {
	env := newTestEnv(t)
	ins := available(t, env)

	if _, err := env.engine.Claim(context.Background(), ins, d(43200)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := env.engine.OnContractStateChanged(context.Background(), "ins-1", model.StateClaimed, "0xconfirm"); err != nil {
		t.Fatalf("confirm: %v", err)
	}

	final := getInsurance(t, env, "ins-1")
	logs := final.StateLogs
	if len(logs) != 3 {
		t.Fatalf("expected 3 log entries, got %+v", logs)
	}

	for i := 1; i < len(logs); i++ {
		allowed := false
		for _, next := range validNext[logs[i-1].State] {
			if logs[i].State == next {
				allowed = true
			}
		}
		if !allowed {
			t.Errorf("log skips a required predecessor: %s -> %s", logs[i-1].State, logs[i].State)
		}
		if logs[i].Time.Before(logs[i-1].Time) {
			t.Errorf("log entries out of order at %d", i)
		}
	}
}

// --- Domain events ---

func TestDomainEvents(t *testing.T) {
	env := newTestEnv(t)
	events := env.bus.Subscribe(16)

	ins := available(t, env)

	select {
	case ev := <-events:
		if ev.Kind != bus.InsuranceCreated || ev.Insurance.State != model.StateAvailable {
			t.Errorf("expected CREATED event for AVAILABLE contract, got %+v", ev)
		}
	default:
		t.Fatal("expected a CREATED event")
	}

	if _, err := env.engine.Cancel(context.Background(), ins, d(40100)); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	select {
	case ev := <-events:
		if ev.Kind != bus.InsuranceUpdated {
			t.Errorf("expected UPDATED event, got %+v", ev)
		}
	default:
		t.Fatal("expected an UPDATED event")
	}
}
