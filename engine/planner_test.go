package engine

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/unicitynetwork/otcbroker/types"
)

func TestSwapPlanSide(t *testing.T) {
	c := qt.New(t)

	side := SwapSide{
		DealID:          "deal1",
		ChainID:         "ETH",
		Escrow:          "escrow-a",
		Asset:           "ETH",
		Trade:           types.MustAmount("1.0"),
		Deposited:       types.MustAmount("1.01"),
		Commission:      types.MustAmount("0.003"),
		CommissionAsset: "ETH",
		Recipient:       "bob-recipient",
		Operator:        "operator",
		Payback:         "alice-payback",
	}
	items := SwapPlanSide(side)
	c.Assert(items, qt.HasLen, 3)

	payout := items[0]
	c.Assert(payout.Purpose, qt.Equals, types.PurposeSwapPayout)
	c.Assert(payout.To, qt.Equals, "bob-recipient")
	// The payout is exactly the trade amount even when more was deposited.
	c.Assert(payout.Amount.String(), qt.Equals, "1")
	c.Assert(payout.Phase, qt.Equals, types.PhaseNone)

	commission := items[1]
	c.Assert(commission.Purpose, qt.Equals, types.PurposeOpCommission)
	c.Assert(commission.To, qt.Equals, "operator")
	c.Assert(commission.Amount.String(), qt.Equals, "0.003")

	surplus := items[2]
	c.Assert(surplus.Purpose, qt.Equals, types.PurposePostCloseRefund)
	c.Assert(surplus.To, qt.Equals, "alice-payback")
	c.Assert(surplus.Amount.String(), qt.Equals, "0.007")
}

func TestSwapPlanSideExactDeposit(t *testing.T) {
	c := qt.New(t)

	items := SwapPlanSide(SwapSide{
		DealID:          "deal1",
		ChainID:         "ETH",
		Escrow:          "escrow-a",
		Asset:           "ETH",
		Trade:           types.MustAmount("1.0"),
		Deposited:       types.MustAmount("1.003"),
		Commission:      types.MustAmount("0.003"),
		CommissionAsset: "ETH",
		Recipient:       "bob-recipient",
		Operator:        "operator",
		Payback:         "alice-payback",
	})
	// No surplus item when the deposit covers exactly trade + commission.
	c.Assert(items, qt.HasLen, 2)
}

func TestSwapPlanSidePhased(t *testing.T) {
	c := qt.New(t)

	items := SwapPlanSide(SwapSide{
		DealID:          "deal1",
		ChainID:         "UNICITY",
		Escrow:          "escrow-b",
		Asset:           "ALPHA",
		Trade:           types.MustAmount("100"),
		Deposited:       types.MustAmount("101"),
		Commission:      types.MustAmount("0.3"),
		CommissionAsset: "ALPHA",
		Recipient:       "alice-recipient",
		Operator:        "operator",
		Payback:         "bob-payback",
		Phased:          true,
	})
	c.Assert(items, qt.HasLen, 3)
	c.Assert(items[0].Phase, qt.Equals, types.PhaseSwap)
	c.Assert(items[1].Phase, qt.Equals, types.PhaseCommission)
	c.Assert(items[2].Phase, qt.Equals, types.PhaseRefund)
	c.Assert(items[2].Amount.String(), qt.Equals, "0.7")
}

func TestRefundPlanSide(t *testing.T) {
	c := qt.New(t)
	mined := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	orphan := dep("ETH", "0.2", 3, mined)
	orphan.Orphaned = true
	unconfirmed := dep("ETH", "0.3", 0, mined)

	items := RefundPlanSide(RefundSide{
		DealID:  "deal1",
		ChainID: "ETH",
		Escrow:  "escrow-a",
		Payback: "alice-payback",
		Deposits: []*types.Deposit{
			{TxID: "txA", Index: 0, Asset: "ETH", Amount: types.MustAmount("0.5"), Confirms: 4},
			{TxID: "txA", Index: 1, Asset: "ETH", Amount: types.MustAmount("0.5"), Confirms: 4},
			orphan,
			unconfirmed,
		},
	})
	// One refund per confirmed deposit, full amounts, keyed by outpoint so
	// equal-amount deposits stay distinct.
	c.Assert(items, qt.HasLen, 2)
	c.Assert(items[0].Purpose, qt.Equals, types.PurposeTimeoutRefund)
	c.Assert(items[0].Amount.String(), qt.Equals, "0.5")
	c.Assert(items[0].Ref, qt.Equals, "txA:0")
	c.Assert(items[1].Ref, qt.Equals, "txA:1")
}
