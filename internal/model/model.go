// Package model defines the core domain types shared across the insurance
// engine. All monetary values use shopspring/decimal — never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is the lifecycle state of an insurance contract.
type State string

const (
	StatePending       State = "PENDING"
	StateAvailable     State = "AVAILABLE"
	StateCancelled     State = "CANCELLED"
	StateClaimWaiting  State = "CLAIM_WAITING"
	StateClaimed       State = "CLAIMED"
	StateRefundWaiting State = "REFUND_WAITING"
	StateRefunded      State = "REFUNDED"
	StateLiquidated    State = "LIQUIDATED"
	StateExpired       State = "EXPIRED"
	StateInvalid       State = "INVALID"
)

// Terminal reports whether s is a terminal state — no further transitions
// are accepted once a contract reaches one of these.
func (s State) Terminal() bool {
	switch s {
	case StateCancelled, StateClaimed, StateRefunded,
		StateLiquidated, StateExpired, StateInvalid:
		return true
	}
	return false
}

// Side is the direction of an insurance position, derived from the claim
// price relative to the open price.
type Side string

const (
	SideBull Side = "BULL" // p_claim above p_open
	SideBear Side = "BEAR" // p_claim below p_open
)

// PeriodUnit is the duration class of a contract's covered period.
type PeriodUnit string

const (
	PeriodHour PeriodUnit = "HOUR"
	PeriodDay  PeriodUnit = "DAY"
)

// Invalid reasons recorded when a funded contract fails validation.
const (
	ReasonInvalidMargin = "INVALID_MARGIN"
	ReasonInvalidWallet = "INVALID_WALLET_ADDRESS"
	ReasonTimeout       = "CREATED_TIME_TIMEOUT"
	ReasonInvalidUnit   = "INVALID_UNIT"
)

// StateLog is one entry in a contract's append-only audit trail. One entry is
// written per attempted transition, including failed on-chain calls (TxHash
// empty, Error set). Entries are never modified once appended.
type StateLog struct {
	State  State     `json:"state"`
	Time   time.Time `json:"time"`
	TxHash string    `json:"txhash,omitempty"`
	Error  string    `json:"error,omitempty"`
}

// Insurance is the central entity: one parametric insurance position.
// Financial parameters are fixed once the contract enters AVAILABLE and
// never recomputed afterward.
type Insurance struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`
	Asset  string `json:"asset" db:"asset"`
	Unit   string `json:"unit" db:"unit"`
	Side   Side   `json:"side" db:"side"`

	Margin        decimal.Decimal `json:"margin" db:"margin"`
	QCovered      decimal.Decimal `json:"q_covered" db:"q_covered"`
	QClaim        decimal.Decimal `json:"q_claim" db:"q_claim"`
	POpen         decimal.Decimal `json:"p_open" db:"p_open"`
	PClaim        decimal.Decimal `json:"p_claim" db:"p_claim"`
	PLiquidation  decimal.Decimal `json:"p_liquidation" db:"p_liquidation"`
	PRefund       decimal.Decimal `json:"p_refund" db:"p_refund"`
	PCancel       decimal.Decimal `json:"p_cancel" db:"p_cancel"`
	PClose        decimal.Decimal `json:"p_close" db:"p_close"`
	Leverage      decimal.Decimal `json:"leverage" db:"leverage"`
	SystemCapital decimal.Decimal `json:"system_capital" db:"system_capital"`
	Hedge         decimal.Decimal `json:"hedge" db:"hedge"`
	PnlUser       decimal.Decimal `json:"pnl_user" db:"pnl_user"`
	PnlProject    decimal.Decimal `json:"pnl_project" db:"pnl_project"`

	Period            int             `json:"period" db:"period"`
	PeriodUnit        PeriodUnit      `json:"period_unit" db:"period_unit"`
	PeriodChangeRatio decimal.Decimal `json:"period_change_ratio" db:"period_change_ratio"`

	State         State      `json:"state" db:"state"`
	InvalidReason string     `json:"invalid_reason,omitempty" db:"invalid_reason"`
	TxHash        string     `json:"txhash,omitempty" db:"txhash"`
	StateLogs     []StateLog `json:"state_logs" db:"state_logs"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	ExpiredAt time.Time  `json:"expired_at" db:"expired_at"`
	ClosedAt  *time.Time `json:"closed_at,omitempty" db:"closed_at"`
}

// Symbol returns the market symbol for the contract's asset/unit pair.
func (i *Insurance) Symbol() string {
	return i.Asset + i.Unit
}

// TransactionType classifies a fund movement tied to a contract.
type TransactionType string

const (
	TxMargin TransactionType = "MARGIN" // margin deposit observed on-chain
	TxClaim  TransactionType = "CLAIM"  // claim payout
	TxRefund TransactionType = "REFUND" // margin returned on refund
	TxCancel TransactionType = "CANCEL" // margin returned on cancel
)

// TransactionStatus is the off-chain bookkeeping status of a fund movement.
type TransactionStatus string

const (
	TxSuccess TransactionStatus = "SUCCESS"
	TxPending TransactionStatus = "PENDING"
)

// TransactionRecord is a ledger-independent record of a fund movement.
// Always created even if the paired on-chain call fails — off-chain
// bookkeeping must not silently lose a completed off-chain mutation.
type TransactionRecord struct {
	ID          string            `json:"id" db:"id"`
	InsuranceID string            `json:"insurance_id" db:"insurance_id"`
	UserID      string            `json:"user_id" db:"user_id"`
	Amount      decimal.Decimal   `json:"amount" db:"amount"`
	Unit        string            `json:"unit" db:"unit"`
	Type        TransactionType   `json:"type" db:"type"`
	Status      TransactionStatus `json:"status" db:"status"`
	TxHash      string            `json:"txhash,omitempty" db:"txhash"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
}

// User holds the subset of the user record the engine needs: the registered
// wallet the funding deposit must originate from.
type User struct {
	ID            string `json:"id" db:"id"`
	WalletAddress string `json:"wallet_address" db:"wallet_address"`
}

// Pair is the tradable asset/unit pair configuration. Change-ratio bands
// select the period risk band at contract creation.
type Pair struct {
	Symbol     string `json:"symbol" db:"symbol"`
	Asset      string `json:"asset" db:"asset"`
	Unit       string `json:"unit" db:"unit"`
	IsActive   bool   `json:"is_active" db:"is_active"`
	IsMaintain bool   `json:"is_maintain" db:"is_maintain"`

	// Risk bands: index k holds the change ratio for period k+1 in the
	// matching unit.
	DayChangeRatios  []decimal.Decimal `json:"day_change_ratios" db:"day_change_ratios"`
	HourChangeRatios []decimal.Decimal `json:"hour_change_ratios" db:"hour_change_ratios"`
}
