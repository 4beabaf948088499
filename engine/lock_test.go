package engine

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/unicitynetwork/otcbroker/types"
)

func dep(asset, amount string, confirms int64, blockTime time.Time) *types.Deposit {
	return &types.Deposit{
		TxID:      "tx-" + asset + "-" + amount,
		Asset:     asset,
		Amount:    types.MustAmount(amount),
		Confirms:  confirms,
		BlockTime: blockTime,
	}
}

func TestEvaluateLockSameAsset(t *testing.T) {
	c := qt.New(t)
	mined := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	in := LockInput{
		TradeAsset:       "ETH",
		TradeAmount:      types.MustAmount("1.0"),
		CommissionAsset:  "ETH",
		CommissionAmount: types.MustAmount("0.003"),
		MinConfirms:      2,
	}

	// Trade covered but commission not: locked on neither count as a whole.
	in.Deposits = []*types.Deposit{dep("ETH", "1.0", 2, mined)}
	res := EvaluateLock(in)
	c.Assert(res.TradeLocked, qt.IsTrue)
	c.Assert(res.CommissionLocked, qt.IsFalse)
	c.Assert(res.Locked(), qt.IsFalse)
	c.Assert(res.Surplus.IsZero(), qt.IsTrue)

	// Exactly trade + commission: locked with zero surplus.
	in.Deposits = []*types.Deposit{dep("ETH", "1.003", 2, mined)}
	res = EvaluateLock(in)
	c.Assert(res.Locked(), qt.IsTrue)
	c.Assert(res.Surplus.String(), qt.Equals, "0")

	// Overpayment across two deposits: surplus above trade + commission.
	in.Deposits = []*types.Deposit{
		dep("ETH", "0.5", 3, mined),
		dep("ETH", "0.6", 2, mined),
	}
	res = EvaluateLock(in)
	c.Assert(res.Locked(), qt.IsTrue)
	c.Assert(res.TradeTotal.String(), qt.Equals, "1.1")
	c.Assert(res.Surplus.String(), qt.Equals, "0.097")
}

func TestEvaluateLockEligibility(t *testing.T) {
	c := qt.New(t)
	deadline := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)

	in := LockInput{
		TradeAsset:       "ETH",
		TradeAmount:      types.MustAmount("1.0"),
		CommissionAmount: types.ZeroAmount(),
		MinConfirms:      2,
		Deadline:         deadline,
	}

	// One confirmation short does not count.
	in.Deposits = []*types.Deposit{dep("ETH", "1.0", 1, deadline.Add(-time.Hour))}
	c.Assert(EvaluateLock(in).Locked(), qt.IsFalse)

	// Mined exactly at the deadline still counts.
	in.Deposits = []*types.Deposit{dep("ETH", "1.0", 2, deadline)}
	c.Assert(EvaluateLock(in).Locked(), qt.IsTrue)

	// Mined one second past the deadline does not.
	in.Deposits = []*types.Deposit{dep("ETH", "1.0", 2, deadline.Add(time.Second))}
	c.Assert(EvaluateLock(in).Locked(), qt.IsFalse)

	// Orphaned deposits never count, whatever their last confirmation count.
	orphan := dep("ETH", "1.0", 5, deadline.Add(-time.Hour))
	orphan.Orphaned = true
	in.Deposits = []*types.Deposit{orphan}
	c.Assert(EvaluateLock(in).Locked(), qt.IsFalse)
}

func TestEvaluateLockDifferentCommissionAsset(t *testing.T) {
	c := qt.New(t)
	mined := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	in := LockInput{
		TradeAsset:       "USDT",
		TradeAmount:      types.MustAmount("5000"),
		CommissionAsset:  "ETH",
		CommissionAmount: types.MustAmount("0.004"),
		MinConfirms:      1,
	}

	// Trade covered, commission missing.
	in.Deposits = []*types.Deposit{dep("USDT", "5100", 1, mined)}
	res := EvaluateLock(in)
	c.Assert(res.TradeLocked, qt.IsTrue)
	c.Assert(res.CommissionLocked, qt.IsFalse)

	// Both covered: surplus is in the trade asset only, the commission
	// total tracks the native deposit.
	in.Deposits = []*types.Deposit{
		dep("USDT", "5100", 1, mined),
		dep("ETH", "0.004", 1, mined),
	}
	res = EvaluateLock(in)
	c.Assert(res.Locked(), qt.IsTrue)
	c.Assert(res.TradeTotal.String(), qt.Equals, "5100")
	c.Assert(res.CommissionTotal.String(), qt.Equals, "0.004")
	c.Assert(res.Surplus.String(), qt.Equals, "100")
}
