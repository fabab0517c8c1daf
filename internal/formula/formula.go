// Package formula computes the financial parameters of a parametric
// insurance contract: liquidation price, refund price, cancel price, claim
// quantity, leverage, system capital requirement, hedge ratio, and expiry.
//
// Everything here is pure and deterministic — no clock, no RNG, no I/O —
// so the same inputs always produce byte-identical outputs whether the
// computation runs at request-validation time or at availability time.
//
// All monetary values use shopspring/decimal — never float64 for money.
package formula

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hakifi/insurance-engine/internal/model"
)

var (
	// ErrInvalidMargin is returned when margin is not positive or exceeds
	// the covered quantity.
	ErrInvalidMargin = errors.New("formula: margin must be positive and at most q_covered")

	// ErrInvalidQCovered is returned when the covered quantity is not positive.
	ErrInvalidQCovered = errors.New("formula: q_covered must be positive")

	// ErrInvalidPrice is returned when the open price is not positive or the
	// claim price equals the open price (no direction).
	ErrInvalidPrice = errors.New("formula: p_open must be positive and p_claim must differ from p_open")

	// ErrInvalidPeriod is returned when no risk band covers the requested
	// period for the given claim distance.
	ErrInvalidPeriod = errors.New("formula: no available period for claim ratio")
)

// Scale is the number of decimal places prices and quantities are rounded to.
var Scale int32 = 8

// MaxPayoutRatio caps q_claim at this multiple of margin. A claim distance
// more than MaxPayoutRatio times the period band is rejected at creation.
var MaxPayoutRatio = decimal.NewFromInt(10)

// Params are the inputs fixed at contract creation. OpenTime is passed
// explicitly so expiry derivation stays clock-free.
type Params struct {
	Margin            decimal.Decimal
	QCovered          decimal.Decimal
	POpen             decimal.Decimal
	PClaim            decimal.Decimal
	Period            int
	PeriodUnit        model.PeriodUnit
	PeriodChangeRatio decimal.Decimal
	OpenTime          time.Time
}

// Result holds every parameter frozen when a contract becomes AVAILABLE.
type Result struct {
	ExpiredAt     time.Time
	Hedge         decimal.Decimal
	PLiquidation  decimal.Decimal
	QClaim        decimal.Decimal
	SystemCapital decimal.Decimal
	PRefund       decimal.Decimal
	Leverage      decimal.Decimal
	PCancel       decimal.Decimal
}

// SideOf derives the position direction from the claim price relative to
// the open price.
func SideOf(pClaim, pOpen decimal.Decimal) model.Side {
	if pClaim.GreaterThan(pOpen) {
		return model.SideBull
	}
	return model.SideBear
}

// ClaimRatio returns |p_claim - p_open| / p_open, the relative distance the
// market must move for the claim to pay out.
func ClaimRatio(pClaim, pOpen decimal.Decimal) decimal.Decimal {
	return pClaim.Sub(pOpen).Abs().Div(pOpen)
}

// Calculate derives all financial parameters from the contract inputs.
//
//	hedge          = margin / q_covered
//	leverage       = max(1, floor(1 / hedge))
//	ratio_predict  = |p_claim - p_open| / p_open
//	q_claim        = margin * ratio_predict / period_change_ratio
//	system_capital = q_claim - margin
//	p_liquidation  = p_open * (1 - sign * hedge)
//	p_refund       = p_open * (1 + sign * ratio_predict / 4)
//	p_cancel       = p_open * (1 - sign * ratio_predict / 2)
//
// where sign is +1 for BULL and -1 for BEAR. The refund price sits a quarter
// of the way toward the claim price; the cancel price sits half the claim
// distance on the far side of the open price, so the cancel window
// [p_cancel, p_claim] always brackets p_open.
func Calculate(p Params) (Result, error) {
	if p.QCovered.LessThanOrEqual(decimal.Zero) {
		return Result{}, ErrInvalidQCovered
	}
	if p.Margin.LessThanOrEqual(decimal.Zero) || p.Margin.GreaterThan(p.QCovered) {
		return Result{}, ErrInvalidMargin
	}
	if p.POpen.LessThanOrEqual(decimal.Zero) || p.PClaim.Equal(p.POpen) {
		return Result{}, ErrInvalidPrice
	}
	if p.PeriodChangeRatio.LessThanOrEqual(decimal.Zero) {
		return Result{}, ErrInvalidPeriod
	}

	one := decimal.NewFromInt(1)
	sign := one
	if SideOf(p.PClaim, p.POpen) == model.SideBear {
		sign = one.Neg()
	}

	hedge := p.Margin.Div(p.QCovered).Round(Scale)

	leverage := one
	if hedge.LessThan(one) {
		leverage = one.Div(hedge).Floor()
	}

	ratioPredict := ClaimRatio(p.PClaim, p.POpen)

	qClaim := p.Margin.Mul(ratioPredict).Div(p.PeriodChangeRatio).Round(Scale)
	systemCapital := qClaim.Sub(p.Margin).Round(Scale)

	pLiquidation := p.POpen.Mul(one.Sub(sign.Mul(hedge))).Round(Scale)
	pRefund := p.POpen.Mul(one.Add(sign.Mul(ratioPredict).Div(decimal.NewFromInt(4)))).Round(Scale)
	pCancel := p.POpen.Mul(one.Sub(sign.Mul(ratioPredict).Div(decimal.NewFromInt(2)))).Round(Scale)

	return Result{
		ExpiredAt:     expiry(p.OpenTime, p.Period, p.PeriodUnit),
		Hedge:         hedge,
		PLiquidation:  pLiquidation,
		QClaim:        qClaim,
		SystemCapital: systemCapital,
		PRefund:       pRefund,
		Leverage:      leverage,
		PCancel:       pCancel,
	}, nil
}

func expiry(open time.Time, period int, unit model.PeriodUnit) time.Time {
	if unit == model.PeriodHour {
		return open.Add(time.Duration(period) * time.Hour)
	}
	return open.AddDate(0, 0, period)
}

// PeriodOption is one period the caller may select given the claim distance.
type PeriodOption struct {
	Period            int
	PeriodUnit        model.PeriodUnit
	PeriodChangeRatio decimal.Decimal
}

// AvailablePeriods returns the periods whose risk band admits the given claim
// ratio. A band admits the ratio when it lies strictly above the band's
// expected change ratio (so q_claim exceeds margin) and at most
// MaxPayoutRatio times it (capping the payout multiple).
func AvailablePeriods(claimRatio decimal.Decimal, pair *model.Pair) []PeriodOption {
	var opts []PeriodOption
	for i, r := range pair.HourChangeRatios {
		if admits(claimRatio, r) {
			opts = append(opts, PeriodOption{Period: i + 1, PeriodUnit: model.PeriodHour, PeriodChangeRatio: r})
		}
	}
	for i, r := range pair.DayChangeRatios {
		if admits(claimRatio, r) {
			opts = append(opts, PeriodOption{Period: i + 1, PeriodUnit: model.PeriodDay, PeriodChangeRatio: r})
		}
	}
	return opts
}

// SelectPeriod finds the change ratio for one specific period, or
// ErrInvalidPeriod when the claim distance does not admit it.
func SelectPeriod(claimRatio decimal.Decimal, pair *model.Pair, period int, unit model.PeriodUnit) (decimal.Decimal, error) {
	for _, opt := range AvailablePeriods(claimRatio, pair) {
		if opt.Period == period && opt.PeriodUnit == unit {
			return opt.PeriodChangeRatio, nil
		}
	}
	return decimal.Decimal{}, ErrInvalidPeriod
}

func admits(claimRatio, bandRatio decimal.Decimal) bool {
	if bandRatio.LessThanOrEqual(decimal.Zero) {
		return false
	}
	return claimRatio.GreaterThan(bandRatio) &&
		claimRatio.LessThanOrEqual(bandRatio.Mul(MaxPayoutRatio))
}

// InRange reports whether x lies inclusively between a and b, regardless of
// their ordering. Used for the cancel window so side-dependent ordering needs
// no branching at call sites.
func InRange(x, a, b decimal.Decimal) bool {
	lo, hi := a, b
	if lo.GreaterThan(hi) {
		lo, hi = hi, lo
	}
	return x.GreaterThanOrEqual(lo) && x.LessThanOrEqual(hi)
}
