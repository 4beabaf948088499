package engine

import (
	"fmt"

	"github.com/unicitynetwork/otcbroker/types"
)

// SwapSide is the input for planning one side's distribution on entry to
// SWAP.
type SwapSide struct {
	DealID  string
	ChainID string
	Escrow  string
	Asset   string

	Trade     types.Amount
	Deposited types.Amount // eligible total used for locking

	Commission      types.Amount
	CommissionAsset string

	Recipient string // counterparty's recipient address
	Operator  string // chain-configured commission destination
	Payback   string // this side's payback address

	// Phased imposes the phase barriers required on UTXO chains, where
	// concurrent outbound transactions would conflict over inputs.
	Phased bool
}

// SwapPlanSide produces the up to three outbound items for one side of a
// swap: payout, commission, surplus payback. The payout amount is exactly
// the trade amount; the commission comes from the surplus, never out of the
// trade.
func SwapPlanSide(s SwapSide) []*types.QueueItem {
	phase := func(p types.Phase) types.Phase {
		if s.Phased {
			return p
		}
		return types.PhaseNone
	}

	items := []*types.QueueItem{{
		DealID:  s.DealID,
		ChainID: s.ChainID,
		From:    s.Escrow,
		To:      s.Recipient,
		Asset:   s.Asset,
		Amount:  s.Trade,
		Purpose: types.PurposeSwapPayout,
		Phase:   phase(types.PhaseSwap),
		Ref:     "swap",
	}}

	if s.Commission.IsPositive() {
		commissionAsset := s.CommissionAsset
		if commissionAsset == "" {
			commissionAsset = s.Asset
		}
		items = append(items, &types.QueueItem{
			DealID:  s.DealID,
			ChainID: s.ChainID,
			From:    s.Escrow,
			To:      s.Operator,
			Asset:   commissionAsset,
			Amount:  s.Commission,
			Purpose: types.PurposeOpCommission,
			Phase:   phase(types.PhaseCommission),
			Ref:     "commission",
		})
	}

	surplus := s.Deposited.Sub(s.Trade)
	if s.CommissionAsset == "" || s.CommissionAsset == s.Asset {
		surplus = surplus.Sub(s.Commission)
	}
	if surplus.IsPositive() {
		items = append(items, &types.QueueItem{
			DealID:  s.DealID,
			ChainID: s.ChainID,
			From:    s.Escrow,
			To:      s.Payback,
			Asset:   s.Asset,
			Amount:  surplus,
			Purpose: types.PurposePostCloseRefund,
			Phase:   phase(types.PhaseRefund),
			Ref:     "surplus",
		})
	}
	return items
}

// RefundSide is the input for planning refunds on entry to REVERTED.
type RefundSide struct {
	DealID   string
	ChainID  string
	Escrow   string
	Payback  string
	Deposits []*types.Deposit
}

// RefundPlanSide produces one TIMEOUT_REFUND per confirmed deposit, each for
// the deposit's full amount. Commissions are waived on refund.
func RefundPlanSide(s RefundSide) []*types.QueueItem {
	var items []*types.QueueItem
	for _, dep := range s.Deposits {
		if dep.Orphaned || dep.Confirms < 1 {
			continue
		}
		items = append(items, &types.QueueItem{
			DealID:  s.DealID,
			ChainID: s.ChainID,
			From:    s.Escrow,
			To:      s.Payback,
			Asset:   dep.Asset,
			Amount:  dep.Amount,
			Purpose: types.PurposeTimeoutRefund,
			Ref:     fmt.Sprintf("%s:%d", dep.TxID, dep.Index),
		})
	}
	return items
}

// PostClosePlan produces a refund of amount observed on an escrow after the
// deal closed. No commission applies.
func PostClosePlan(dealID, chainID, escrow, payback, asset string, amount types.Amount) *types.QueueItem {
	return &types.QueueItem{
		DealID:  dealID,
		ChainID: chainID,
		From:    escrow,
		To:      payback,
		Asset:   asset,
		Amount:  amount,
		Purpose: types.PurposePostCloseRefund,
	}
}
