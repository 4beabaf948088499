package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/unicitynetwork/otcbroker/chain"
	"github.com/unicitynetwork/otcbroker/log"
	"github.com/unicitynetwork/otcbroker/storage"
	"github.com/unicitynetwork/otcbroker/types"
)

// tickSender processes one (dealId, from) sender identity: bump stuck
// submissions, then dispatch the next pending item if its phase allows.
// Every state change commits to the ledger before the corresponding chain
// side-effect, so a crash at any point is recoverable.
func (e *Engine) tickSender(ctx context.Context, sender types.Sender) error {
	if err := e.bumpStuck(ctx, sender); err != nil {
		log.Warnw("gas bump pass failed", "deal", sender.DealID, "from", sender.From, "error", err)
	}

	item, err := e.stg.NextPending(sender.DealID, sender.From)
	if errors.Is(err, storage.ErrNoMoreElements) {
		return nil
	}
	if err != nil {
		return err
	}

	// Phase barrier: commission waits for the swap payout, surplus waits
	// for the commission, across all senders of the deal.
	if prereq := item.Phase.Prerequisite(); prereq != types.PhaseNone {
		done, err := e.stg.PhaseCompleted(item.DealID, prereq)
		if err != nil {
			return err
		}
		if !done {
			return nil
		}
	}

	adapter, err := e.chains.Adapter(item.ChainID)
	if err != nil {
		return err
	}
	cc, err := e.cfg.Chain(item.ChainID)
	if err != nil {
		return err
	}

	if cc.AccountBased {
		if err := e.stg.CheckNonceIntegrity(item.ChainID, item.From); err != nil {
			if errors.Is(err, storage.ErrNonceAnomaly) {
				log.Errorw(err, "nonce anomaly detected, halting sender")
				if haltErr := e.stg.HaltAccount(item.ChainID, item.From, err.Error()); haltErr != nil {
					return haltErr
				}
				if evErr := e.stg.AppendEventf(item.DealID, "sender %s halted: %v", item.From, err); evErr != nil {
					log.Warnw("failed to record halt event", "deal", item.DealID, "error", evErr)
				}
			}
			return err
		}
	}

	// Recover from crash-during-send and operator duplicates: a matching
	// transfer already on chain completes the item without a new
	// broadcast.
	existing, err := adapter.CheckExistingTransfer(ctx, item.From, item.To, item.Asset, item.Amount)
	if err != nil {
		log.Warnw("existing-transfer check failed", "deal", item.DealID, "item", item.ID, "error", err)
	} else if existing != nil {
		if err := e.stg.UpdateQueueItem(item.ID, func(it *types.QueueItem) error {
			it.Status = types.QueueCompleted
			it.SubmittedTx = &types.SubmittedTx{TxID: existing.TxID, SubmittedAt: e.clock.Now().UTC()}
			return nil
		}); err != nil {
			return err
		}
		if err := e.stg.AppendEventf(item.DealID, "%s matched existing on-chain transfer %s",
			item.Purpose, existing.TxID); err != nil {
			log.Warnw("failed to record recovery event", "deal", item.DealID, "error", err)
		}
		return nil
	}

	// Account-chain escrows hold no native currency of their own; fund
	// the fee from the tank wallet and let this item wait for it.
	if cc.AccountBased && item.Purpose != types.PurposeGasFund && item.From != e.cfg.Wallet.TankAddress {
		funded, err := e.ensureGasBudget(ctx, adapter, cc.NativeAsset, item)
		if err != nil {
			return err
		}
		if !funded {
			return nil
		}
	}

	var nonce *uint64
	if cc.AccountBased {
		if item.OriginalNonce != nil {
			nonce = item.OriginalNonce
		} else {
			network, err := adapter.PendingNonce(ctx, item.From)
			if err != nil {
				return fmt.Errorf("pending nonce for %s: %w", item.From, err)
			}
			reserved, err := e.stg.ReserveNonce(item.ID, item.ChainID, item.From, network)
			if err != nil {
				return err
			}
			nonce = &reserved
		}
	}

	tx, err := adapter.Send(ctx, &chain.SendRequest{
		Asset:    item.Asset,
		From:     item.From,
		To:       item.To,
		Amount:   item.Amount,
		Nonce:    nonce,
		GasPrice: item.LastGasPrice,
	})
	if err != nil {
		// Transient: the item stays PENDING with its nonce reserved and
		// the next tick retries.
		log.Warnw("send failed, will retry",
			"deal", item.DealID, "item", item.ID, "purpose", string(item.Purpose), "error", err)
		return nil
	}
	if err := e.stg.MarkSubmitted(item.ID, tx); err != nil {
		return err
	}
	if err := e.stg.AppendEventf(item.DealID, "%s of %s %s submitted (%s)",
		item.Purpose, item.Amount, item.Asset, tx.TxID); err != nil {
		log.Warnw("failed to record submit event", "deal", item.DealID, "error", err)
	}
	return nil
}

// ensureGasBudget checks the escrow's native balance against the estimated
// fee and, when short, enqueues a GAS_FUND transfer from the tank wallet.
// Returns whether the current item may proceed.
func (e *Engine) ensureGasBudget(ctx context.Context, adapter chain.Adapter, nativeAsset string, item *types.QueueItem) (bool, error) {
	fee, err := adapter.EstimateFeeBudget(ctx, item.Asset)
	if err != nil {
		return false, fmt.Errorf("fee estimate: %w", err)
	}
	balance, err := adapter.NativeBalance(ctx, item.From)
	if err != nil {
		return false, fmt.Errorf("native balance of %s: %w", item.From, err)
	}
	if balance.GreaterOrEqual(fee) {
		return true, nil
	}

	// One outstanding GAS_FUND per escrow at a time.
	items, err := e.stg.ListQueueItems(item.DealID)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.Purpose == types.PurposeGasFund && it.To == item.From &&
			(it.Status == types.QueuePending || it.Status == types.QueueSubmitted) {
			return false, nil
		}
	}

	// Runaway guard: an escrow that keeps burning through funding without
	// its payout confirming indicates a deeper fault, not a fee shortfall.
	funded, err := e.stg.GasFundTotal(item.DealID, item.From)
	if err != nil {
		return false, err
	}
	if funded.Cmp(fee.Mul(types.MustAmount("4"))) > 0 {
		return false, fmt.Errorf("escrow %s already received %s %s in gas funding, refusing more",
			item.From, funded, nativeAsset)
	}

	tank := e.cfg.Wallet.TankAddress
	if tank == "" {
		return false, fmt.Errorf("escrow %s needs gas but no tank wallet configured", item.From)
	}
	gasItem := &types.QueueItem{
		DealID:  item.DealID,
		ChainID: item.ChainID,
		From:    tank,
		To:      item.From,
		Asset:   nativeAsset,
		Amount:  fee,
		Purpose: types.PurposeGasFund,
		Ref:     "gas-" + item.ID,
	}
	if err := e.stg.Enqueue(gasItem); err != nil {
		return false, err
	}
	if err := e.stg.AppendEventf(item.DealID, "queued gas funding of %s %s for %s",
		fee, nativeAsset, item.From); err != nil {
		log.Warnw("failed to record gas-fund event", "deal", item.DealID, "error", err)
	}
	return false, nil
}

// bumpStuck resubmits account-chain items stuck in SUBMITTED past the stuck
// threshold, with the same nonce and an increased gas price. The original
// nonce is preserved so the replacement remains detectable.
func (e *Engine) bumpStuck(ctx context.Context, sender types.Sender) error {
	now := e.clock.Now().UTC()
	items, err := e.stg.ListQueueItems(sender.DealID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.From != sender.From || item.Status != types.QueueSubmitted {
			continue
		}
		if item.SubmittedTx == nil || item.SubmittedTx.Nonce == nil {
			continue // UTXO submissions cannot be fee-bumped here
		}
		if now.Sub(item.LastSubmitAt) < e.cfg.StuckAfter {
			continue
		}
		if item.LastGasPrice == nil {
			continue
		}
		adapter, err := e.chains.Adapter(item.ChainID)
		if err != nil {
			return err
		}
		bumped := item.LastGasPrice.BumpPercent(e.cfg.GasBumpPercent)
		tx, err := adapter.Send(ctx, &chain.SendRequest{
			Asset:    item.Asset,
			From:     item.From,
			To:       item.To,
			Amount:   item.Amount,
			Nonce:    item.SubmittedTx.Nonce,
			GasPrice: bumped,
		})
		if err != nil {
			log.Warnw("gas bump resubmit failed",
				"deal", item.DealID, "item", item.ID, "nonce", *item.SubmittedTx.Nonce, "error", err)
			continue
		}
		if err := e.stg.UpdateQueueItem(item.ID, func(it *types.QueueItem) error {
			it.SubmittedTx = tx
			it.LastSubmitAt = now
			it.LastGasPrice = bumped
			it.GasBumpAttempts++
			return nil
		}); err != nil {
			return err
		}
		log.Infow("resubmitted stuck transaction with bumped gas",
			"deal", item.DealID, "item", item.ID, "attempt", item.GasBumpAttempts+1, "txid", tx.TxID)
	}
	return nil
}
