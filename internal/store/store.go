// Package store defines the persistence interface for the insurance engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hakifi/insurance-engine/internal/model"
)

// ErrAlreadyApplied is returned by UpdateWhereStateNot when the conditional
// write matched zero rows: the contract is already in the target state, so
// the transition was applied by an earlier delivery. Callers treat this as a
// silent no-op, not a failure.
var ErrAlreadyApplied = errors.New("store: transition already applied")

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// Update is the set of optional field changes applied by an insurance write.
// Nil fields are left untouched.
type Update struct {
	State         *model.State
	POpen         *decimal.Decimal
	PClaim        *decimal.Decimal
	PLiquidation  *decimal.Decimal
	PRefund       *decimal.Decimal
	PCancel       *decimal.Decimal
	PClose        *decimal.Decimal
	QClaim        *decimal.Decimal
	SystemCapital *decimal.Decimal
	Leverage      *decimal.Decimal
	Hedge         *decimal.Decimal
	PnlUser       *decimal.Decimal
	PnlProject    *decimal.Decimal
	InvalidReason *string
	ExpiredAt     *time.Time
	ClosedAt      *time.Time
}

// InsuranceFilter selects contracts for listing. Zero values mean "no filter".
type InsuranceFilter struct {
	UserID      string
	State       model.State
	Asset       string
	Query       string // matches id or txhash
	IsClosed    bool
	ClosedFrom  *time.Time
	ClosedTo    *time.Time
	CreatedFrom *time.Time
	CreatedTo   *time.Time
	Skip        int
	Limit       int
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Insurance contracts ---

	// CreateInsurance persists a new contract in PENDING state.
	CreateInsurance(ctx context.Context, ins *model.Insurance) error

	// GetInsurance retrieves a contract by id. Returns ErrNotFound when the
	// id is unknown.
	GetInsurance(ctx context.Context, id string) (*model.Insurance, error)

	// ListInsurances returns the total match count and one page of contracts.
	ListInsurances(ctx context.Context, f InsuranceFilter) (int64, []model.Insurance, error)

	// ListByState returns all contracts currently in the given state.
	ListByState(ctx context.Context, state model.State) ([]model.Insurance, error)

	// DeletePendingInsurance removes a contract only while it is still
	// PENDING and owned by userID.
	DeletePendingInsurance(ctx context.Context, userID, id string) error

	// UpdateWhereStateNot is the atomic idempotency guard: it sets
	// state=target plus the given fields only where the current state
	// differs from target. Zero matched rows → ErrAlreadyApplied.
	UpdateWhereStateNot(ctx context.Context, id string, target model.State, upd Update) (*model.Insurance, error)

	// UpdateInsurance applies an unconditional field update.
	UpdateInsurance(ctx context.Context, id string, upd Update) (*model.Insurance, error)

	// SetTxHash records the funding transaction hash on the contract.
	SetTxHash(ctx context.Context, id, txhash string) error

	// AppendStateLog appends one immutable entry to the contract's audit
	// trail. Entries are never rewritten.
	AppendStateLog(ctx context.Context, id string, entry model.StateLog) error

	// --- Transaction records ---

	// CreateTransaction records a fund movement tied to a contract.
	CreateTransaction(ctx context.Context, tx *model.TransactionRecord) error

	// ListTransactions returns fund movements, filtered by user and/or
	// contract when non-empty.
	ListTransactions(ctx context.Context, userID, insuranceID string) ([]model.TransactionRecord, error)

	// --- Collaborating records ---

	// GetUser retrieves a user (wallet address) by id.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetPair retrieves the pair configuration for a market symbol.
	GetPair(ctx context.Context, symbol string) (*model.Pair, error)
}
