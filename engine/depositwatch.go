package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/unicitynetwork/otcbroker/log"
	"github.com/unicitynetwork/otcbroker/types"
)

// pollDeposits refreshes the ledger's view of one side's escrow and returns
// the current deposit set for that escrow.
//
// New deposits reported by the adapter are upserted idempotently (keyed by
// dealId, txid, index). Previously recorded deposits missing from the
// adapter's listing are re-verified individually; a confirmation count of -1
// marks them orphaned. If the adapter errors, the previous ledger snapshot
// is returned so that a flaky RPC endpoint never blocks a tick.
func (e *Engine) pollDeposits(ctx context.Context, deal *types.Deal, party types.Party) ([]*types.Deposit, error) {
	escrow := deal.Escrow(party)
	if escrow == nil {
		return nil, nil
	}
	leg := deal.Leg(party)

	adapter, err := e.chains.Adapter(escrow.ChainID)
	if err != nil {
		return nil, err
	}

	snapshot := func() ([]*types.Deposit, error) {
		return e.stg.DepositsForAddress(deal.ID, escrow.Address)
	}

	// Listing with a threshold of 1 records deposits as soon as they are
	// mined; lock evaluation applies the real thresholds later.
	page, err := adapter.ListConfirmedDeposits(ctx, leg.Asset, escrow.Address, 1, time.Time{})
	if err != nil {
		log.Warnw("deposit listing failed, using ledger snapshot",
			"deal", deal.ID, "chain", escrow.ChainID, "address", escrow.Address, "error", err)
		return snapshot()
	}

	listed := make(map[string]bool, len(page.Deposits))
	for _, dep := range page.Deposits {
		dep.DealID = deal.ID
		listed[depositRef(dep.TxID, dep.Index)] = true
		inserted, err := e.stg.UpsertDeposit(dep)
		if err != nil {
			return nil, fmt.Errorf("upsert deposit %s: %w", dep.TxID, err)
		}
		if inserted {
			if err := e.stg.AppendEventf(deal.ID, "deposit %s %s observed on %s (%s, %d confirms)",
				dep.Amount, dep.Asset, escrow.Address, dep.TxID, dep.Confirms); err != nil {
				log.Warnw("failed to record deposit event", "deal", deal.ID, "error", err)
			}
		}
	}

	// Re-verify recorded deposits the listing no longer covers; this is
	// where inbound reorgs surface.
	recorded, err := snapshot()
	if err != nil {
		return nil, err
	}
	for _, dep := range recorded {
		if listed[depositRef(dep.TxID, dep.Index)] {
			continue
		}
		confirms, err := adapter.GetTxConfirmations(ctx, dep.TxID)
		if err != nil {
			log.Warnw("confirmation refresh failed", "deal", deal.ID, "txid", dep.TxID, "error", err)
			continue
		}
		if confirms == dep.Confirms {
			continue
		}
		update := *dep
		update.Confirms = confirms
		if _, err := e.stg.UpsertDeposit(&update); err != nil {
			return nil, fmt.Errorf("refresh deposit %s: %w", dep.TxID, err)
		}
		if confirms == types.ReorgConfirms && !dep.Orphaned {
			log.Warnw("inbound deposit reorged", "deal", deal.ID, "txid", dep.TxID)
			if err := e.stg.AppendEventf(deal.ID, "deposit %s reorged away", dep.TxID); err != nil {
				log.Warnw("failed to record reorg event", "deal", deal.ID, "error", err)
			}
		}
	}

	return snapshot()
}

func depositRef(txid string, index uint32) string {
	return fmt.Sprintf("%s:%d", txid, index)
}
