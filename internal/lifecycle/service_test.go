package lifecycle_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/hakifi/insurance-engine/internal/bus"
	"github.com/hakifi/insurance-engine/internal/chain"
	"github.com/hakifi/insurance-engine/internal/engine"
	"github.com/hakifi/insurance-engine/internal/lifecycle"
	"github.com/hakifi/insurance-engine/internal/lock"
	"github.com/hakifi/insurance-engine/internal/model"
	"github.com/hakifi/insurance-engine/internal/oracle"
	"github.com/hakifi/insurance-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	service *lifecycle.Service
	engine  *engine.Engine
	store   *store.MemoryStore
	chain   *chain.Sim
	oracle  *oracle.Static
	router  chi.Router
}

// newTestEnv wires a test service over the in-memory store, simulated chain
// client, and static oracle, with one active pair and one user seeded.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:  store.NewMemoryStore(),
		chain:  chain.NewSim(),
		oracle: oracle.NewStatic(),
	}
	env.engine = engine.New(env.store, env.chain, lock.NewMutex(), env.oracle, bus.New())
	env.engine.SetClock(func() time.Time { return t0 })
	env.service = lifecycle.NewService(env.store, env.engine, env.oracle, env.chain)
	env.service.SetClock(func() time.Time { return t0 })

	r := chi.NewRouter()
	r.Route("/api/v1", env.service.Routes)
	env.router = r

	env.store.SeedUser(&model.User{ID: "user-1", WalletAddress: "0xabc0000000000000000000000000000000000001"})
	env.store.SeedPair(&model.Pair{
		Symbol:           "BTCUSDT",
		Asset:            "BTC",
		Unit:             "USDT",
		IsActive:         true,
		HourChangeRatios: []decimal.Decimal{d(0.01), d(0.02), d(0.03), d(0.05)},
		DayChangeRatios:  []decimal.Decimal{d(0.05), d(0.08)},
	})
	env.oracle.Set("BTCUSDT", d(40000))
	return env
}

func doJSON(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func createRequest() lifecycle.CreateInsuranceRequest {
	return lifecycle.CreateInsuranceRequest{
		UserID:     "user-1",
		Asset:      "BTC",
		Unit:       "USDT",
		Margin:     d(100),
		QCovered:   d(1000),
		PClaim:     d(43000),
		Period:     4,
		PeriodUnit: model.PeriodHour,
	}
}

// --- Creation ---

func TestCreateInsurance(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.router, "POST", "/api/v1/insurances", createRequest())
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var ins model.Insurance
	json.Unmarshal(w.Body.Bytes(), &ins)

	if ins.ID == "" {
		t.Error("expected non-empty id")
	}
	if ins.State != model.StatePending {
		t.Errorf("expected PENDING, got %s", ins.State)
	}
	if ins.Side != model.SideBull {
		t.Errorf("expected BULL for p_claim above price, got %s", ins.Side)
	}
	if !ins.POpen.Equal(d(40000)) {
		t.Errorf("expected p_open from oracle, got %s", ins.POpen)
	}
	// Claim ratio 0.075 falls in the 4-hour band (0.05).
	if !ins.PeriodChangeRatio.Equal(d(0.05)) {
		t.Errorf("expected band ratio 0.05, got %s", ins.PeriodChangeRatio)
	}

	// Creation is off-chain only.
	if len(env.chain.Calls()) != 0 {
		t.Errorf("creation must not touch the chain, got %+v", env.chain.Calls())
	}
}

func TestCreateInsurance_Validation(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*lifecycle.CreateInsuranceRequest)
		status int
	}{
		{"missing user", func(r *lifecycle.CreateInsuranceRequest) { r.UserID = "" }, http.StatusBadRequest},
		{"unknown user", func(r *lifecycle.CreateInsuranceRequest) { r.UserID = "ghost" }, http.StatusNotFound},
		{"zero margin", func(r *lifecycle.CreateInsuranceRequest) { r.Margin = d(0) }, http.StatusBadRequest},
		{"margin above covered", func(r *lifecycle.CreateInsuranceRequest) { r.Margin = d(2000) }, http.StatusBadRequest},
		{"bad period unit", func(r *lifecycle.CreateInsuranceRequest) { r.PeriodUnit = "WEEK" }, http.StatusBadRequest},
		{"unknown pair", func(r *lifecycle.CreateInsuranceRequest) { r.Asset = "DOGE" }, http.StatusNotFound},
		{"claim at market price", func(r *lifecycle.CreateInsuranceRequest) { r.PClaim = d(40000) }, http.StatusBadRequest},
		// Ratio 0.005 sits below every configured band.
		{"claim too close for any band", func(r *lifecycle.CreateInsuranceRequest) { r.PClaim = d(40200) }, http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := createRequest()
			tc.mutate(&req)

			w := doJSON(t, env.router, "POST", "/api/v1/insurances", req)
			if w.Code != tc.status {
				t.Errorf("expected %d, got %d: %s", tc.status, w.Code, w.Body.String())
			}
		})
	}
}

func TestCreateInsurance_InactivePair(t *testing.T) {
	env := newTestEnv(t)
	env.store.SeedPair(&model.Pair{Symbol: "ETHUSDT", Asset: "ETH", Unit: "USDT", IsActive: false})
	env.oracle.Set("ETHUSDT", d(2500))

	req := createRequest()
	req.Asset = "ETH"
	req.PClaim = d(2700)

	w := doJSON(t, env.router, "POST", "/api/v1/insurances", req)
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for inactive pair, got %d", w.Code)
	}
}

// --- Listing and fetching ---

// createAvailable creates a contract through the API and funds it through the
// engine so it reaches AVAILABLE.
func createAvailable(t *testing.T, env *testEnv) *model.Insurance {
	t.Helper()

	w := doJSON(t, env.router, "POST", "/api/v1/insurances", createRequest())
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	var ins model.Insurance
	json.Unmarshal(w.Body.Bytes(), &ins)

	err := env.engine.OnContractCreated(context.Background(), ins.ID,
		"0xabc0000000000000000000000000000000000001", "USDT", d(100), "0xdeposit")
	if err != nil {
		t.Fatalf("funding: %v", err)
	}

	funded, err := env.store.GetInsurance(context.Background(), ins.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if funded.State != model.StateAvailable {
		t.Fatalf("expected AVAILABLE after funding, got %s", funded.State)
	}
	return funded
}

func TestListInsurances(t *testing.T) {
	env := newTestEnv(t)
	createAvailable(t, env)

	w := doJSON(t, env.router, "GET", "/api/v1/insurances?user_id=user-1&state=AVAILABLE", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var resp lifecycle.ListInsurancesResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 1 || len(resp.Rows) != 1 {
		t.Fatalf("expected 1 match, got total=%d rows=%d", resp.Total, len(resp.Rows))
	}

	// Filter that matches nothing still returns an empty page.
	w = doJSON(t, env.router, "GET", "/api/v1/insurances?state=CLAIMED", nil)
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Total != 0 || resp.Rows == nil {
		t.Errorf("expected empty non-nil page, got %+v", resp)
	}
}

func TestGetInsurance(t *testing.T) {
	env := newTestEnv(t)
	ins := createAvailable(t, env)

	w := doJSON(t, env.router, "GET", "/api/v1/insurances/"+ins.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = doJSON(t, env.router, "GET", "/api/v1/insurances/no-such-id", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetAvailablePeriods(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.router, "GET", "/api/v1/insurances/periods?asset=BTC&unit=USDT&p_claim=43000", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var opts []map[string]any
	json.Unmarshal(w.Body.Bytes(), &opts)
	// Ratio 0.075 admits hour bands 0.01..0.05 and day band 0.05.
	if len(opts) == 0 {
		t.Fatal("expected at least one admitted period")
	}
}

// --- Cancel ---

func TestCancelInsurance(t *testing.T) {
	env := newTestEnv(t)
	ins := createAvailable(t, env)

	// Oracle price 40000 lies inside [p_cancel=38500, p_claim=43000].
	w := doJSON(t, env.router, "POST", "/api/v1/insurances/"+ins.ID+"/cancel",
		lifecycle.CancelInsuranceRequest{UserID: "user-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var updated model.Insurance
	json.Unmarshal(w.Body.Bytes(), &updated)
	if updated.State != model.StateCancelled {
		t.Errorf("expected CANCELLED, got %s", updated.State)
	}
	if n := env.chain.CallCount("cancel"); n != 1 {
		t.Errorf("expected 1 chain cancel, got %d", n)
	}
}

func TestCancelInsurance_Guards(t *testing.T) {
	t.Run("wrong owner", func(t *testing.T) {
		env := newTestEnv(t)
		ins := createAvailable(t, env)

		w := doJSON(t, env.router, "POST", "/api/v1/insurances/"+ins.ID+"/cancel",
			lifecycle.CancelInsuranceRequest{UserID: "user-2"})
		if w.Code != http.StatusForbidden {
			t.Errorf("expected 403, got %d", w.Code)
		}
	})

	t.Run("not available", func(t *testing.T) {
		env := newTestEnv(t)
		w := doJSON(t, env.router, "POST", "/api/v1/insurances", createRequest())
		var ins model.Insurance
		json.Unmarshal(w.Body.Bytes(), &ins)

		// Still PENDING.
		w = doJSON(t, env.router, "POST", "/api/v1/insurances/"+ins.ID+"/cancel",
			lifecycle.CancelInsuranceRequest{UserID: "user-1"})
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", w.Code)
		}
	})

	t.Run("price outside window", func(t *testing.T) {
		env := newTestEnv(t)
		ins := createAvailable(t, env)

		// Below p_cancel=38500: the user would dodge a losing position.
		env.oracle.Set("BTCUSDT", d(37000))

		w := doJSON(t, env.router, "POST", "/api/v1/insurances/"+ins.ID+"/cancel",
			lifecycle.CancelInsuranceRequest{UserID: "user-1"})
		if w.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d: %s", w.Code, w.Body.String())
		}
		if n := env.chain.CallCount("cancel"); n != 0 {
			t.Errorf("rejected cancel must not reach the chain, got %d calls", n)
		}
	})
}

// --- Delete pending ---

func TestDeletePending(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.router, "POST", "/api/v1/insurances", createRequest())
	var ins model.Insurance
	json.Unmarshal(w.Body.Bytes(), &ins)

	w = doJSON(t, env.router, "DELETE", "/api/v1/insurances/"+ins.ID+"?user_id=user-1", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	// A funding event arriving after deletion is ignored.
	err := env.engine.OnContractCreated(context.Background(), ins.ID,
		"0xabc0000000000000000000000000000000000001", "USDT", d(100), "0xlate")
	if err != nil {
		t.Fatalf("late funding must be ignored: %v", err)
	}
	if len(env.chain.Calls()) != 0 {
		t.Errorf("no chain calls expected, got %+v", env.chain.Calls())
	}
}

func TestDeletePending_OnlyWhilePending(t *testing.T) {
	env := newTestEnv(t)
	ins := createAvailable(t, env)

	w := doJSON(t, env.router, "DELETE", "/api/v1/insurances/"+ins.ID+"?user_id=user-1", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for non-pending delete, got %d", w.Code)
	}

	if _, err := env.store.GetInsurance(context.Background(), ins.ID); err != nil {
		t.Errorf("available contract must survive delete attempt: %v", err)
	}
}

// --- TxHash patch ---

func TestUpdateTxHash(t *testing.T) {
	env := newTestEnv(t)

	w := doJSON(t, env.router, "POST", "/api/v1/insurances", createRequest())
	var ins model.Insurance
	json.Unmarshal(w.Body.Bytes(), &ins)

	w = doJSON(t, env.router, "PATCH", "/api/v1/insurances/"+ins.ID+"/txhash",
		lifecycle.UpdateTxHashRequest{TxHash: "0xuserhash"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}

	got, _ := env.store.GetInsurance(context.Background(), ins.ID)
	if got.TxHash != "0xuserhash" {
		t.Errorf("txhash not recorded: %q", got.TxHash)
	}
}

func TestUpdateTxHash_OnlyWhilePending(t *testing.T) {
	env := newTestEnv(t)
	ins := createAvailable(t, env)

	w := doJSON(t, env.router, "PATCH", "/api/v1/insurances/"+ins.ID+"/txhash",
		lifecycle.UpdateTxHashRequest{TxHash: "0xlate"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
}

// --- On-chain mirror ---

func TestGetOnChain(t *testing.T) {
	env := newTestEnv(t)
	ins := createAvailable(t, env)

	env.chain.SetMirror(ins.ID, &chain.Insurance{
		Address: "0xabc0000000000000000000000000000000000001",
		Unit:    "USDT",
		Margin:  d(100),
		State:   "AVAILABLE",
	})

	w := doJSON(t, env.router, "GET", "/api/v1/insurances/"+ins.ID+"/onchain", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(t, env.router, "GET", "/api/v1/insurances/unknown/onchain", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for missing mirror, got %d", w.Code)
	}
}

// --- Transactions ---

func TestListTransactions(t *testing.T) {
	env := newTestEnv(t)
	ins := createAvailable(t, env)

	w := doJSON(t, env.router, "GET", "/api/v1/transactions?insurance_id="+ins.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var txs []model.TransactionRecord
	json.Unmarshal(w.Body.Bytes(), &txs)
	if len(txs) != 1 || txs[0].Type != model.TxMargin {
		t.Fatalf("expected the funding MARGIN record, got %+v", txs)
	}
}
