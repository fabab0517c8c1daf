// Package engine is the reconciliation core: the state machine that keeps
// the off-chain record store and the on-chain contract consistent.
//
// Every transition runs under the contract's lock and follows the same
// shape: conditional off-chain write (the idempotency guard — zero matched
// rows means an earlier delivery already applied the transition), then the
// paired on-chain call, then a state-log append recording the call's hash or
// error. The off-chain write is the commit point: a failed on-chain call is
// logged, never rolled back, and never retried here.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/hakifi/insurance-engine/internal/bus"
	"github.com/hakifi/insurance-engine/internal/chain"
	"github.com/hakifi/insurance-engine/internal/formula"
	"github.com/hakifi/insurance-engine/internal/lock"
	"github.com/hakifi/insurance-engine/internal/metrics"
	"github.com/hakifi/insurance-engine/internal/model"
	"github.com/hakifi/insurance-engine/internal/oracle"
	"github.com/hakifi/insurance-engine/internal/store"
)

// FundingWindow is the deadline between contract creation and the observed
// on-chain deposit. Evaluated at event-processing time, not via a timer: a
// late CREATE event still invalidates with payback.
const FundingWindow = 60 * time.Second

// Engine drives all insurance state transitions.
type Engine struct {
	store  store.Store
	chain  chain.Client
	locks  lock.Manager
	oracle oracle.Oracle
	bus    *bus.Bus

	// now is injectable for tests; defaults to time.Now.
	now func() time.Time
}

// New creates a reconciliation engine.
func New(st store.Store, ch chain.Client, locks lock.Manager, orc oracle.Oracle, b *bus.Bus) *Engine {
	return &Engine{
		store:  st,
		chain:  ch,
		locks:  locks,
		oracle: orc,
		bus:    b,
		now:    time.Now,
	}
}

// SetClock overrides the engine's clock. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// IsLocked reports whether a contract is currently mid-transition. Advisory
// read-side guard for the lifecycle API.
func (e *Engine) IsLocked(id string) bool { return e.locks.IsLocked(id) }

// OnContractCreated processes an observed funding deposit (on-chain CREATE
// event). An unknown id is ignored — the event may reference a contract that
// was deleted while still pending. The funding transaction is recorded
// unconditionally, then the deposit is validated against the stored margin,
// the owner's registered wallet, the funding window, and the unit. Any
// mismatch invalidates the contract; a clean deposit makes it AVAILABLE.
func (e *Engine) OnContractCreated(ctx context.Context, id, address, unit string, margin decimal.Decimal, txHash string) error {
	var ins *model.Insurance
	err := lock.WithLock(e.locks, id, func() error {
		var err error
		ins, err = e.store.GetInsurance(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		slog.Warn("funding event for unknown insurance", "insurance", id)
		return nil
	}
	if err != nil {
		return err
	}

	if err := e.store.SetTxHash(ctx, id, txHash); err != nil {
		slog.Error("record funding txhash", "insurance", id, "err", err)
	}

	if err := e.store.CreateTransaction(ctx, &model.TransactionRecord{
		ID:          uuid.New().String(),
		InsuranceID: ins.ID,
		UserID:      ins.UserID,
		Amount:      margin,
		Unit:        ins.Unit,
		Type:        model.TxMargin,
		Status:      model.TxSuccess,
		TxHash:      txHash,
		CreatedAt:   e.now(),
	}); err != nil {
		slog.Error("record funding transaction", "insurance", id, "err", err)
	}

	if ins.State != model.StatePending {
		// Already progressed; duplicate or replayed delivery.
		slog.Warn("funding event for non-pending insurance", "insurance", id, "state", ins.State)
		return nil
	}

	reason, payback := e.validateFunding(ctx, ins, address, unit, margin)
	if reason != "" {
		metrics.InvalidationsTotal.WithLabelValues(reason).Inc()
		return e.Invalidate(ctx, id, reason, payback)
	}

	return e.Available(ctx, ins)
}

// validateFunding checks the observed deposit against the stored contract.
// Payback is flagged only for the timeout case: a correct deposit that
// arrived too late must be returned on-chain; pure mismatches are recovered
// through a separate path.
func (e *Engine) validateFunding(ctx context.Context, ins *model.Insurance, address, unit string, margin decimal.Decimal) (string, bool) {
	user, err := e.store.GetUser(ctx, ins.UserID)
	if err != nil {
		slog.Error("load insurance owner", "insurance", ins.ID, "err", err)
		return model.ReasonInvalidWallet, false
	}

	switch {
	case !margin.Equal(ins.Margin):
		return model.ReasonInvalidMargin, false
	case !strings.EqualFold(user.WalletAddress, address):
		return model.ReasonInvalidWallet, false
	case e.now().Sub(ins.CreatedAt) > FundingWindow:
		return model.ReasonTimeout, true
	case ins.Unit != unit:
		return model.ReasonInvalidUnit, false
	}
	return "", false
}

// Invalidate moves a contract to INVALID unconditionally, recording the
// reason and close time. When payback is set the on-chain contract is told
// to release the escrowed funds; a failed call is logged, not reverted.
func (e *Engine) Invalidate(ctx context.Context, id, reason string, payback bool) error {
	slog.Info("invalidating insurance", "insurance", id, "reason", reason, "payback", payback)

	return lock.WithLock(e.locks, id, func() error {
		st := model.StateInvalid
		closed := e.now()
		if _, err := e.store.UpdateInsurance(ctx, id, store.Update{
			State:         &st,
			InvalidReason: &reason,
			ClosedAt:      &closed,
		}); err != nil {
			return err
		}
		metrics.TransitionsTotal.WithLabelValues(string(model.StateInvalid)).Inc()

		var hash string
		var callErr error
		if payback {
			hash, callErr = e.chain.UpdateInvalidInsurance(ctx, id)
			if callErr != nil {
				metrics.ChainCallErrors.WithLabelValues("updateInvalidInsurance").Inc()
				slog.Error("chain updateInvalidInsurance failed", "insurance", id, "err", callErr)
			}
		}

		return e.appendLog(ctx, id, model.StateInvalid, hash, callErr)
	})
}

// Available computes the contract's financial parameters at the currently
// observed market price and commits the AVAILABLE transition. The parameters
// written here are final: nothing recomputes them afterward.
func (e *Engine) Available(ctx context.Context, ins *model.Insurance) error {
	return lock.WithLock(e.locks, ins.ID, func() error {
		price, err := e.oracle.Price(ctx, ins.Symbol())
		if err != nil {
			return err
		}

		res, err := formula.Calculate(formula.Params{
			Margin:            ins.Margin,
			QCovered:          ins.QCovered,
			POpen:             price,
			PClaim:            ins.PClaim,
			Period:            ins.Period,
			PeriodUnit:        ins.PeriodUnit,
			PeriodChangeRatio: ins.PeriodChangeRatio,
			OpenTime:          e.now(),
		})
		if err != nil {
			return err
		}

		updated, err := e.store.UpdateWhereStateNot(ctx, ins.ID, model.StateAvailable, store.Update{
			POpen:         &price,
			PLiquidation:  &res.PLiquidation,
			QClaim:        &res.QClaim,
			SystemCapital: &res.SystemCapital,
			PRefund:       &res.PRefund,
			PCancel:       &res.PCancel,
			Leverage:      &res.Leverage,
			Hedge:         &res.Hedge,
			ExpiredAt:     &res.ExpiredAt,
		})
		if errors.Is(err, store.ErrAlreadyApplied) {
			metrics.TransitionsSkipped.WithLabelValues(string(model.StateAvailable)).Inc()
			return nil
		}
		if err != nil {
			return err
		}
		metrics.TransitionsTotal.WithLabelValues(string(model.StateAvailable)).Inc()

		e.bus.Publish(bus.Event{Kind: bus.InsuranceCreated, Insurance: updated})

		hash, callErr := e.chain.UpdateAvailableInsurance(ctx, ins.ID, res.QClaim, res.ExpiredAt.Unix())
		if callErr != nil {
			metrics.ChainCallErrors.WithLabelValues("updateAvailableInsurance").Inc()
			slog.Error("chain updateAvailableInsurance failed", "insurance", ins.ID, "err", callErr)
		}

		return e.appendLog(ctx, ins.ID, model.StateAvailable, hash, callErr)
	})
}

// Cancel commits a user-initiated cancellation at the given close price and
// refunds the margin. Price-window validation happens in the lifecycle API
// before this is called.
func (e *Engine) Cancel(ctx context.Context, ins *model.Insurance, pClose decimal.Decimal) (*model.Insurance, error) {
	var updated *model.Insurance
	err := lock.WithLock(e.locks, ins.ID, func() error {
		closed := e.now()
		var err error
		updated, err = e.store.UpdateWhereStateNot(ctx, ins.ID, model.StateCancelled, store.Update{
			PClose:   &pClose,
			ClosedAt: &closed,
		})
		if errors.Is(err, store.ErrAlreadyApplied) {
			metrics.TransitionsSkipped.WithLabelValues(string(model.StateCancelled)).Inc()
			return nil
		}
		if err != nil {
			return err
		}
		metrics.TransitionsTotal.WithLabelValues(string(model.StateCancelled)).Inc()

		e.bus.Publish(bus.Event{Kind: bus.InsuranceUpdated, Insurance: updated})

		hash, callErr := e.chain.Cancel(ctx, ins.ID)
		if callErr != nil {
			metrics.ChainCallErrors.WithLabelValues("cancel").Inc()
			slog.Error("chain cancel failed", "insurance", ins.ID, "err", callErr)
		}

		e.recordTransaction(ctx, ins, ins.Margin, model.TxCancel, hash)
		return e.appendLog(ctx, ins.ID, model.StateCancelled, hash, callErr)
	})
	return updated, err
}

// Claim commits the claim decision: the contract moves to CLAIM_WAITING with
// the user's PnL fixed at q_claim - margin, and the on-chain claim call is
// issued. The terminal CLAIMED state arrives later via the chain's CLAIM
// event through OnContractStateChanged.
func (e *Engine) Claim(ctx context.Context, ins *model.Insurance, pClose decimal.Decimal) (*model.Insurance, error) {
	var updated *model.Insurance
	err := lock.WithLock(e.locks, ins.ID, func() error {
		pnlUser := ins.QClaim.Sub(ins.Margin)
		pnlProject := pnlUser.Neg()

		var err error
		updated, err = e.store.UpdateWhereStateNot(ctx, ins.ID, model.StateClaimWaiting, store.Update{
			PClose:     &pClose,
			PnlUser:    &pnlUser,
			PnlProject: &pnlProject,
		})
		if errors.Is(err, store.ErrAlreadyApplied) {
			metrics.TransitionsSkipped.WithLabelValues(string(model.StateClaimWaiting)).Inc()
			return nil
		}
		if err != nil {
			return err
		}
		metrics.TransitionsTotal.WithLabelValues(string(model.StateClaimWaiting)).Inc()

		e.bus.Publish(bus.Event{Kind: bus.InsuranceUpdated, Insurance: updated})

		hash, callErr := e.chain.Claim(ctx, ins.ID)
		if callErr != nil {
			metrics.ChainCallErrors.WithLabelValues("claim").Inc()
			slog.Error("chain claim failed", "insurance", ins.ID, "err", callErr)
		}

		e.recordTransaction(ctx, ins, ins.QClaim, model.TxClaim, hash)
		return e.appendLog(ctx, ins.ID, model.StateClaimWaiting, hash, callErr)
	})
	return updated, err
}

// Refund commits the refund decision. Unlike claim, no PnL is set — a refund
// voids the position rather than paying it out.
func (e *Engine) Refund(ctx context.Context, ins *model.Insurance, pClose decimal.Decimal) (*model.Insurance, error) {
	var updated *model.Insurance
	err := lock.WithLock(e.locks, ins.ID, func() error {
		closed := e.now()
		var err error
		updated, err = e.store.UpdateWhereStateNot(ctx, ins.ID, model.StateRefundWaiting, store.Update{
			PClose:   &pClose,
			ClosedAt: &closed,
		})
		if errors.Is(err, store.ErrAlreadyApplied) {
			metrics.TransitionsSkipped.WithLabelValues(string(model.StateRefundWaiting)).Inc()
			return nil
		}
		if err != nil {
			return err
		}
		metrics.TransitionsTotal.WithLabelValues(string(model.StateRefundWaiting)).Inc()

		e.bus.Publish(bus.Event{Kind: bus.InsuranceUpdated, Insurance: updated})

		hash, callErr := e.chain.Refund(ctx, ins.ID)
		if callErr != nil {
			metrics.ChainCallErrors.WithLabelValues("refund").Inc()
			slog.Error("chain refund failed", "insurance", ins.ID, "err", callErr)
		}

		e.recordTransaction(ctx, ins, ins.Margin, model.TxRefund, hash)
		return e.appendLog(ctx, ins.ID, model.StateRefundWaiting, hash, callErr)
	})
	return updated, err
}

// LiquidateOrExpire commits margin exhaustion (LIQUIDATED) or period elapse
// (EXPIRED): the user loses the margin, the counterparty gains it.
func (e *Engine) LiquidateOrExpire(ctx context.Context, ins *model.Insurance, target model.State, pClose decimal.Decimal) (*model.Insurance, error) {
	if target != model.StateLiquidated && target != model.StateExpired {
		return nil, errors.New("engine: target must be LIQUIDATED or EXPIRED")
	}

	var updated *model.Insurance
	err := lock.WithLock(e.locks, ins.ID, func() error {
		pnlUser := ins.Margin.Neg()
		pnlProject := ins.Margin
		closed := e.now()

		var err error
		updated, err = e.store.UpdateWhereStateNot(ctx, ins.ID, target, store.Update{
			PClose:     &pClose,
			ClosedAt:   &closed,
			PnlUser:    &pnlUser,
			PnlProject: &pnlProject,
		})
		if errors.Is(err, store.ErrAlreadyApplied) {
			metrics.TransitionsSkipped.WithLabelValues(string(target)).Inc()
			return nil
		}
		if err != nil {
			return err
		}
		metrics.TransitionsTotal.WithLabelValues(string(target)).Inc()

		e.bus.Publish(bus.Event{Kind: bus.InsuranceUpdated, Insurance: updated})

		var hash string
		var callErr error
		if target == model.StateLiquidated {
			hash, callErr = e.chain.Liquidate(ctx, ins.ID)
		} else {
			hash, callErr = e.chain.Expire(ctx, ins.ID)
		}
		if callErr != nil {
			metrics.ChainCallErrors.WithLabelValues(strings.ToLower(string(target))).Inc()
			slog.Error("chain settle failed", "insurance", ins.ID, "target", target, "err", callErr)
		}

		return e.appendLog(ctx, ins.ID, target, hash, callErr)
	})
	return updated, err
}

// OnContractStateChanged applies a terminal state confirmed by the chain
// (REFUNDED or CLAIMED events): the on-chain source of truth overrides the
// transient WAITING state and closes the contract.
func (e *Engine) OnContractStateChanged(ctx context.Context, id string, state model.State, txHash string) error {
	return lock.WithLock(e.locks, id, func() error {
		closed := e.now()
		updated, err := e.store.UpdateWhereStateNot(ctx, id, state, store.Update{
			ClosedAt: &closed,
		})
		if errors.Is(err, store.ErrAlreadyApplied) {
			metrics.TransitionsSkipped.WithLabelValues(string(state)).Inc()
			return nil
		}
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("state-change event for unknown insurance", "insurance", id)
			return nil
		}
		if err != nil {
			return err
		}
		metrics.TransitionsTotal.WithLabelValues(string(state)).Inc()

		e.bus.Publish(bus.Event{Kind: bus.InsuranceUpdated, Insurance: updated})

		return e.appendLog(ctx, id, state, txHash, nil)
	})
}

// recordTransaction books a fund movement; failures are logged, never
// propagated — bookkeeping must not undo a committed transition.
func (e *Engine) recordTransaction(ctx context.Context, ins *model.Insurance, amount decimal.Decimal, typ model.TransactionType, txHash string) {
	err := e.store.CreateTransaction(ctx, &model.TransactionRecord{
		ID:          uuid.New().String(),
		InsuranceID: ins.ID,
		UserID:      ins.UserID,
		Amount:      amount,
		Unit:        ins.Unit,
		Type:        typ,
		Status:      model.TxSuccess,
		TxHash:      txHash,
		CreatedAt:   e.now(),
	})
	if err != nil {
		slog.Error("record transaction", "insurance", ins.ID, "type", typ, "err", err)
	}
}

// appendLog writes one audit entry for an attempted transition. The on-chain
// call's error, if any, is captured here — this is the trail a future
// reconciliation sweep would read.
func (e *Engine) appendLog(ctx context.Context, id string, state model.State, txHash string, callErr error) error {
	entry := model.StateLog{
		State:  state,
		Time:   e.now(),
		TxHash: txHash,
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}
	return e.store.AppendStateLog(ctx, id, entry)
}
