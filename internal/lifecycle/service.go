// Package lifecycle provides the HTTP handlers and business logic for
// creating insurance contracts, querying them, and driving the user-facing
// transitions (cancel, delete-pending).
//
// All monetary values use shopspring/decimal — never float64 for money.
package lifecycle

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hakifi/insurance-engine/internal/chain"
	"github.com/hakifi/insurance-engine/internal/engine"
	"github.com/hakifi/insurance-engine/internal/formula"
	"github.com/hakifi/insurance-engine/internal/model"
	"github.com/hakifi/insurance-engine/internal/oracle"
	"github.com/hakifi/insurance-engine/internal/store"
)

// Service handles insurance lifecycle operations. Transition requests are
// delegated to the reconciliation engine, which serializes them per contract;
// the handlers here own validation and HTTP shape only.
type Service struct {
	store  store.Store
	engine *engine.Engine
	oracle oracle.Oracle
	chain  chain.Client

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// NewService creates a new lifecycle service.
func NewService(st store.Store, eng *engine.Engine, orc oracle.Oracle, ch chain.Client) *Service {
	return &Service{
		store:  st,
		engine: eng,
		oracle: orc,
		chain:  ch,
		now:    time.Now,
	}
}

// SetClock overrides the service's clock. Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Routes mounts the lifecycle endpoints on a chi router.
func (s *Service) Routes(r chi.Router) {
	r.Route("/insurances", func(r chi.Router) {
		r.Post("/", s.CreateInsurance)
		r.Get("/", s.ListInsurances)
		r.Get("/periods", s.GetAvailablePeriods)
		r.Get("/{insuranceID}", s.GetInsurance)
		r.Get("/{insuranceID}/onchain", s.GetOnChain)
		r.Post("/{insuranceID}/cancel", s.CancelInsurance)
		r.Patch("/{insuranceID}/txhash", s.UpdateTxHash)
		r.Delete("/{insuranceID}", s.DeletePending)
	})
	r.Get("/transactions", s.ListTransactions)
}

// --- Request/Response types ---

// CreateInsuranceRequest is the JSON body for contract creation.
type CreateInsuranceRequest struct {
	UserID     string           `json:"user_id"`
	Asset      string           `json:"asset"`
	Unit       string           `json:"unit"`
	Margin     decimal.Decimal  `json:"margin"`
	QCovered   decimal.Decimal  `json:"q_covered"`
	PClaim     decimal.Decimal  `json:"p_claim"`
	Period     int              `json:"period"`
	PeriodUnit model.PeriodUnit `json:"period_unit"`
}

// ListInsurancesResponse is one page of contracts plus the total match count.
type ListInsurancesResponse struct {
	Total int64             `json:"total"`
	Rows  []model.Insurance `json:"rows"`
}

// CancelInsuranceRequest is the JSON body for POST /insurances/{id}/cancel.
type CancelInsuranceRequest struct {
	UserID string `json:"user_id"`
}

// UpdateTxHashRequest is the JSON body for PATCH /insurances/{id}/txhash.
type UpdateTxHashRequest struct {
	TxHash string `json:"txhash"`
}

// --- HTTP Handlers ---

// CreateInsurance handles POST /api/v1/insurances
// Validates the pair and period band, fetches the current market price, and
// persists the contract in PENDING state. Funding happens on-chain afterward;
// the contract only becomes AVAILABLE once the deposit event is observed.
func (s *Service) CreateInsurance(w http.ResponseWriter, r *http.Request) {
	var req CreateInsuranceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// --- Input validation ---
	if req.UserID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}
	if req.Margin.LessThanOrEqual(decimal.Zero) {
		writeError(w, "margin must be positive", http.StatusBadRequest)
		return
	}
	if req.QCovered.LessThanOrEqual(decimal.Zero) {
		writeError(w, "q_covered must be positive", http.StatusBadRequest)
		return
	}
	if req.Margin.GreaterThan(req.QCovered) {
		writeError(w, "margin must not exceed q_covered", http.StatusBadRequest)
		return
	}
	if req.PeriodUnit != model.PeriodHour && req.PeriodUnit != model.PeriodDay {
		writeError(w, "period_unit must be HOUR or DAY", http.StatusBadRequest)
		return
	}
	if req.Period <= 0 {
		writeError(w, "period must be positive", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if _, err := s.store.GetUser(ctx, req.UserID); err != nil {
		writeError(w, "user not found", http.StatusNotFound)
		return
	}

	pair, err := s.store.GetPair(ctx, req.Asset+req.Unit)
	if err != nil {
		writeError(w, "pair not found: "+req.Asset+req.Unit, http.StatusNotFound)
		return
	}
	if !pair.IsActive {
		writeError(w, "pair is not active", http.StatusConflict)
		return
	}
	if pair.IsMaintain {
		writeError(w, "pair is under maintenance", http.StatusConflict)
		return
	}

	pOpen, err := s.oracle.Price(ctx, pair.Symbol)
	if err != nil {
		writeError(w, "failed to fetch market price", http.StatusServiceUnavailable)
		return
	}
	if req.PClaim.Equal(pOpen) {
		writeError(w, "p_claim must differ from the current price", http.StatusBadRequest)
		return
	}

	// --- Period band check ---
	// The claim distance must fall inside the risk band configured for the
	// requested period. The band's change ratio is frozen on the contract so
	// later recomputation at availability time uses the same divisor.
	claimRatio := formula.ClaimRatio(req.PClaim, pOpen)
	changeRatio, err := formula.SelectPeriod(claimRatio, pair, req.Period, req.PeriodUnit)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// Dry-run the parameter computation so an input the formula rejects
	// never reaches the store.
	if _, err := formula.Calculate(formula.Params{
		Margin:            req.Margin,
		QCovered:          req.QCovered,
		POpen:             pOpen,
		PClaim:            req.PClaim,
		Period:            req.Period,
		PeriodUnit:        req.PeriodUnit,
		PeriodChangeRatio: changeRatio,
		OpenTime:          s.now(),
	}); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ins := &model.Insurance{
		ID:                uuid.New().String(),
		UserID:            req.UserID,
		Asset:             req.Asset,
		Unit:              req.Unit,
		Side:              formula.SideOf(req.PClaim, pOpen),
		Margin:            req.Margin,
		QCovered:          req.QCovered,
		PClaim:            req.PClaim,
		POpen:             pOpen,
		Period:            req.Period,
		PeriodUnit:        req.PeriodUnit,
		PeriodChangeRatio: changeRatio,
		State:             model.StatePending,
		CreatedAt:         s.now(),
	}

	if err := s.store.CreateInsurance(ctx, ins); err != nil {
		writeError(w, "failed to create insurance", http.StatusInternalServerError)
		return
	}

	slog.Info("insurance created",
		"id", ins.ID,
		"user", ins.UserID,
		"symbol", ins.Symbol(),
		"side", ins.Side,
		"margin", ins.Margin.String(),
		"p_claim", ins.PClaim.String(),
		"period", ins.Period,
		"period_unit", ins.PeriodUnit,
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(ins)
}

// ListInsurances handles GET /api/v1/insurances
// Supports ?user_id=, ?state=, ?asset=, ?q= (id or txhash), ?closed=true,
// ?closed_from/?closed_to, ?created_from/?created_to (RFC3339),
// ?skip= and ?limit= for pagination.
func (s *Service) ListInsurances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := store.InsuranceFilter{
		UserID: q.Get("user_id"),
		State:  model.State(q.Get("state")),
		Asset:  q.Get("asset"),
		Query:  q.Get("q"),
	}
	if q.Get("closed") == "true" {
		f.IsClosed = true
	}
	f.ClosedFrom = parseTimeParam(q.Get("closed_from"))
	f.ClosedTo = parseTimeParam(q.Get("closed_to"))
	f.CreatedFrom = parseTimeParam(q.Get("created_from"))
	f.CreatedTo = parseTimeParam(q.Get("created_to"))

	if v := q.Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			f.Skip = n
		}
	}
	f.Limit = 20
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			f.Limit = n
		}
	}

	total, rows, err := s.store.ListInsurances(r.Context(), f)
	if err != nil {
		writeError(w, "failed to list insurances", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []model.Insurance{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ListInsurancesResponse{Total: total, Rows: rows})
}

// GetInsurance handles GET /api/v1/insurances/{insuranceID}
func (s *Service) GetInsurance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "insuranceID")

	ins, err := s.store.GetInsurance(r.Context(), id)
	if err != nil {
		writeError(w, "insurance not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ins)
}

// GetAvailablePeriods handles GET /api/v1/insurances/periods
// Returns the periods whose risk band admits the given claim distance:
// ?asset=, ?unit=, ?p_claim=.
func (s *Service) GetAvailablePeriods(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asset, unit := q.Get("asset"), q.Get("unit")

	pClaim, err := decimal.NewFromString(q.Get("p_claim"))
	if err != nil || pClaim.LessThanOrEqual(decimal.Zero) {
		writeError(w, "p_claim must be a positive decimal", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	pair, err := s.store.GetPair(ctx, asset+unit)
	if err != nil {
		writeError(w, "pair not found: "+asset+unit, http.StatusNotFound)
		return
	}

	pOpen, err := s.oracle.Price(ctx, pair.Symbol)
	if err != nil {
		writeError(w, "failed to fetch market price", http.StatusServiceUnavailable)
		return
	}
	if pClaim.Equal(pOpen) {
		writeError(w, "p_claim must differ from the current price", http.StatusBadRequest)
		return
	}

	opts := formula.AvailablePeriods(formula.ClaimRatio(pClaim, pOpen), pair)
	if opts == nil {
		opts = []formula.PeriodOption{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(opts)
}

// CancelInsurance handles POST /api/v1/insurances/{insuranceID}/cancel
// Only the owner can cancel, only while AVAILABLE, only while no transition
// holds the contract's lock, and only while the market price lies inside the
// cancel window [p_cancel, p_claim].
func (s *Service) CancelInsurance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "insuranceID")

	var req CancelInsuranceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	ins, err := s.store.GetInsurance(ctx, id)
	if err != nil {
		writeError(w, "insurance not found", http.StatusNotFound)
		return
	}
	if ins.UserID != req.UserID {
		writeError(w, "insurance does not belong to user", http.StatusForbidden)
		return
	}
	if ins.State != model.StateAvailable {
		writeError(w, "insurance is not cancellable in state "+string(ins.State), http.StatusConflict)
		return
	}
	if s.engine.IsLocked(id) {
		writeError(w, "insurance is mid-transition, retry shortly", http.StatusConflict)
		return
	}

	price, err := s.oracle.Price(ctx, ins.Symbol())
	if err != nil {
		writeError(w, "failed to fetch market price", http.StatusServiceUnavailable)
		return
	}
	if !formula.InRange(price, ins.PCancel, ins.PClaim) {
		writeError(w, "market price is outside the cancel window", http.StatusConflict)
		return
	}

	updated, err := s.engine.Cancel(ctx, ins, price)
	if err != nil {
		writeError(w, "failed to cancel insurance", http.StatusInternalServerError)
		return
	}

	slog.Info("insurance cancelled",
		"id", id,
		"user", req.UserID,
		"p_close", price.String(),
	)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(updated)
}

// DeletePending handles DELETE /api/v1/insurances/{insuranceID}
// A contract can be removed only while it is still PENDING and owned by the
// requesting user (?user_id=). A funding event arriving afterward is ignored
// by the engine as an unknown id.
func (s *Service) DeletePending(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "insuranceID")
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", http.StatusBadRequest)
		return
	}

	if err := s.store.DeletePendingInsurance(r.Context(), userID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, "no pending insurance for user", http.StatusNotFound)
			return
		}
		writeError(w, "failed to delete insurance", http.StatusInternalServerError)
		return
	}

	slog.Info("pending insurance deleted", "id", id, "user", userID)
	w.WriteHeader(http.StatusNoContent)
}

// GetOnChain handles GET /api/v1/insurances/{insuranceID}/onchain
// Returns the contract's on-chain mirror for reconciliation checks.
func (s *Service) GetOnChain(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "insuranceID")

	mirror, err := s.chain.ReadInsurance(r.Context(), id)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadGateway)
		return
	}
	if mirror == nil {
		writeError(w, "insurance not found on chain", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(mirror)
}

// UpdateTxHash handles PATCH /api/v1/insurances/{insuranceID}/txhash
// Lets a client record its funding transaction hash before the deposit event
// is observed, so support can correlate stuck fundings.
func (s *Service) UpdateTxHash(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "insuranceID")

	var req UpdateTxHashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TxHash == "" {
		writeError(w, "txhash is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ins, err := s.store.GetInsurance(ctx, id)
	if err != nil {
		writeError(w, "insurance not found", http.StatusNotFound)
		return
	}
	if ins.State != model.StatePending {
		writeError(w, "txhash can only be set while pending", http.StatusConflict)
		return
	}

	if err := s.store.SetTxHash(ctx, id, req.TxHash); err != nil {
		writeError(w, "failed to update txhash", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListTransactions handles GET /api/v1/transactions
// Supports ?user_id= and ?insurance_id= filters.
func (s *Service) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	txs, err := s.store.ListTransactions(r.Context(), q.Get("user_id"), q.Get("insurance_id"))
	if err != nil {
		writeError(w, "failed to list transactions", http.StatusInternalServerError)
		return
	}
	if txs == nil {
		txs = []model.TransactionRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(txs)
}

func parseTimeParam(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
