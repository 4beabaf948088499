package engine

import (
	"time"

	"github.com/unicitynetwork/otcbroker/types"
)

// LockInput is everything needed to decide whether one side of a deal is
// locked: the observed deposits, the amounts owed, and the eligibility
// thresholds.
type LockInput struct {
	Deposits []*types.Deposit

	TradeAsset  string
	TradeAmount types.Amount

	CommissionAsset  string
	CommissionAmount types.Amount

	MinConfirms int64
	// Deadline is the deal's expiresAt; a deposit mined after it does not
	// count. Zero disables the cutoff.
	Deadline time.Time
}

// LockResult is the outcome of a lock evaluation.
type LockResult struct {
	TradeLocked      bool
	CommissionLocked bool

	// TradeTotal is the eligible deposit sum in the trade asset,
	// CommissionTotal in the commission asset (equal to TradeTotal when
	// the assets coincide).
	TradeTotal      types.Amount
	CommissionTotal types.Amount

	// Surplus is what remains for payback in the trade asset once trade
	// and commission are covered. Zero unless both are locked.
	Surplus types.Amount
}

// Locked reports whether the side is fully locked.
func (r LockResult) Locked() bool {
	return r.TradeLocked && r.CommissionLocked
}

// EvaluateLock computes the lock state of one side. Pure: no clock, no I/O.
//
// The commission is funded from the surplus above the trade amount when both
// are owed in the same asset; it is never deducted from the trade amount.
// A deposit with blockTime exactly at the deadline is still eligible.
func EvaluateLock(in LockInput) LockResult {
	res := LockResult{
		TradeTotal:      types.ZeroAmount(),
		CommissionTotal: types.ZeroAmount(),
		Surplus:         types.ZeroAmount(),
	}
	for _, dep := range in.Deposits {
		if !dep.Eligible(in.MinConfirms, in.Deadline) {
			continue
		}
		if dep.Asset == in.TradeAsset {
			res.TradeTotal = res.TradeTotal.Add(dep.Amount)
		}
		if dep.Asset == in.CommissionAsset && in.CommissionAsset != in.TradeAsset {
			res.CommissionTotal = res.CommissionTotal.Add(dep.Amount)
		}
	}

	res.TradeLocked = res.TradeTotal.GreaterOrEqual(in.TradeAmount)

	sameAsset := in.CommissionAsset == in.TradeAsset || in.CommissionAsset == ""
	if sameAsset {
		res.CommissionTotal = res.TradeTotal
		required := in.TradeAmount.Add(in.CommissionAmount)
		res.CommissionLocked = res.TradeTotal.GreaterOrEqual(required)
		if res.TradeLocked && res.CommissionLocked {
			res.Surplus = res.TradeTotal.Sub(required)
		}
		return res
	}

	res.CommissionLocked = res.CommissionTotal.GreaterOrEqual(in.CommissionAmount)
	if res.TradeLocked && res.CommissionLocked {
		res.Surplus = res.TradeTotal.Sub(in.TradeAmount)
	}
	return res
}
