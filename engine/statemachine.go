package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/unicitynetwork/otcbroker/log"
	"github.com/unicitynetwork/otcbroker/storage"
	"github.com/unicitynetwork/otcbroker/types"
)

// Notification event types recorded for the external mailer.
const (
	notifyFunded   = "deal-funded"
	notifySwapped  = "deal-swapped"
	notifyReverted = "deal-reverted"
	notifyClosed   = "deal-closed"
)

// tickDeal advances one deal under its lease. The decision time is captured
// at tick start so a tick racing the deadline stays consistent.
func (e *Engine) tickDeal(ctx context.Context, deal *types.Deal) error {
	now := e.clock.Now().UTC()

	if err := e.stg.AcquireLease(deal.ID, e.ownerID, e.cfg.LeaseTTL); err != nil {
		if errors.Is(err, storage.ErrLeaseHeld) {
			return nil
		}
		return err
	}
	defer func() {
		if err := e.stg.ReleaseLease(deal.ID, e.ownerID); err != nil {
			log.Warnw("failed to release lease", "deal", deal.ID, "error", err)
		}
	}()

	// Reload under the lease; the listing snapshot may be stale.
	deal, err := e.stg.Deal(deal.ID)
	if err != nil {
		return err
	}

	if err := e.reconfirmSubmitted(ctx, deal.ID); err != nil {
		log.Warnw("reconfirmation pass failed", "deal", deal.ID, "error", err)
	}

	switch deal.Stage {
	case types.StageCreated:
		return e.tickCreated(deal)
	case types.StageCollection:
		return e.tickCollection(ctx, now, deal)
	case types.StageWaiting:
		return e.tickWaiting(ctx, now, deal)
	case types.StageSwap:
		return e.tickSwap(deal)
	case types.StageReverted:
		return e.tickReverted(deal)
	case types.StageClosed:
		return e.tickClosed(ctx, deal)
	}
	return fmt.Errorf("deal %s in unknown stage %s", deal.ID, deal.Stage)
}

// reconfirmSubmitted refreshes the confirmation state of every SUBMITTED
// outbound item of a deal. Items past their chain's finality threshold are
// completed; items reorged away are reopened with their nonce kept.
func (e *Engine) reconfirmSubmitted(ctx context.Context, dealID string) error {
	items, err := e.stg.ListQueueItems(dealID)
	if err != nil {
		return err
	}
	for _, item := range items {
		if item.Status != types.QueueSubmitted || item.SubmittedTx == nil {
			continue
		}
		adapter, err := e.chains.Adapter(item.ChainID)
		if err != nil {
			return err
		}
		cc, err := e.cfg.Chain(item.ChainID)
		if err != nil {
			return err
		}
		confirms, err := adapter.GetTxConfirmations(ctx, item.SubmittedTx.TxID)
		if err != nil {
			log.Warnw("outbound confirmation query failed",
				"deal", dealID, "txid", item.SubmittedTx.TxID, "error", err)
			continue
		}
		switch {
		case confirms >= cc.Confirmations:
			if err := e.stg.MarkCompleted(item.ID); err != nil {
				return err
			}
			if cc.AccountBased && item.SubmittedTx.Nonce != nil {
				if err := e.stg.SetLastConfirmedNonce(item.ChainID, item.From, *item.SubmittedTx.Nonce); err != nil {
					return err
				}
			}
			if err := e.stg.AppendEventf(dealID, "%s of %s %s confirmed (%s)",
				item.Purpose, item.Amount, item.Asset, item.SubmittedTx.TxID); err != nil {
				log.Warnw("failed to record completion event", "deal", dealID, "error", err)
			}
		case confirms == types.ReorgConfirms:
			log.Warnw("outbound transaction reorged, reopening item",
				"deal", dealID, "item", item.ID, "txid", item.SubmittedTx.TxID)
			if err := e.stg.ReopenItem(item.ID); err != nil {
				return err
			}
			if err := e.stg.AppendEventf(dealID, "outbound tx %s reorged, will resubmit", item.SubmittedTx.TxID); err != nil {
				log.Warnw("failed to record reorg event", "deal", dealID, "error", err)
			}
		}
	}
	return nil
}

func (e *Engine) tickCreated(deal *types.Deal) error {
	if !deal.BothDetailsFilled() {
		return nil
	}
	// The collection timer starts at expiresAt, set at creation.
	return e.stg.SetStage(deal.ID, types.StageCollection)
}

// sideState is one side's lock evaluation for a tick.
type sideState struct {
	party      types.Party
	commission types.Commission
	result     LockResult
	deposits   []*types.Deposit
	err        error
}

// evaluateSide polls deposits and evaluates the lock for one side at the
// given confirmation threshold. A commission-quote failure is reported in
// err with the side left unlocked, which blocks the WAITING transition.
func (e *Engine) evaluateSide(ctx context.Context, deal *types.Deal, party types.Party, minConfirms int64, deadline time.Time) sideState {
	st := sideState{party: party}
	st.deposits, st.err = e.pollDeposits(ctx, deal, party)
	if st.err != nil {
		return st
	}
	st.commission, st.err = e.commissionFor(ctx, deal, party)
	if st.err != nil {
		return st
	}
	leg := deal.Leg(party)
	st.result = EvaluateLock(LockInput{
		Deposits:         st.deposits,
		TradeAsset:       leg.Asset,
		TradeAmount:      leg.Amount,
		CommissionAsset:  st.commission.Asset,
		CommissionAmount: st.commission.Amount,
		MinConfirms:      minConfirms,
		Deadline:         deadline,
	})
	return st
}

// commissionFor returns the commission owed by a side: the frozen record if
// present, otherwise a fresh computation under the configured policy.
func (e *Engine) commissionFor(ctx context.Context, deal *types.Deal, party types.Party) (types.Commission, error) {
	if c := deal.Commission(party); c.Frozen() {
		return c, nil
	}
	leg := deal.Leg(party)
	cc, err := e.cfg.Chain(leg.ChainID)
	if err != nil {
		return types.Commission{}, err
	}
	switch e.cfg.Commission.Mode(leg.Asset) {
	case types.CommissionFixedUSDNative:
		adapter, err := e.chains.Adapter(leg.ChainID)
		if err != nil {
			return types.Commission{}, err
		}
		quote, err := adapter.QuoteNativeForUSD(ctx, e.cfg.Commission.USDFixed)
		if err != nil {
			return types.Commission{}, fmt.Errorf("commission quote unavailable for %s: %w", leg.Asset, err)
		}
		return types.Commission{
			Mode:   types.CommissionFixedUSDNative,
			Amount: quote.NativeAmount.FloorTo(cc.Decimals(cc.NativeAsset)),
			Asset:  cc.NativeAsset,
		}, nil
	default:
		return types.Commission{
			Mode:   types.CommissionPercentBps,
			Amount: leg.Amount.MulBps(e.cfg.Commission.Bps, cc.Decimals(leg.Asset)),
			Asset:  leg.Asset,
		}, nil
	}
}

func (e *Engine) tickCollection(ctx context.Context, now time.Time, deal *types.Deal) error {
	collectConfirms := func(party types.Party) int64 {
		cc, err := e.cfg.Chain(deal.Leg(party).ChainID)
		if err != nil {
			return 1
		}
		return cc.CollectConfirms
	}
	alice := e.evaluateSide(ctx, deal, types.PartyAlice, collectConfirms(types.PartyAlice), deal.ExpiresAt)
	bob := e.evaluateSide(ctx, deal, types.PartyBob, collectConfirms(types.PartyBob), deal.ExpiresAt)

	bothLocked := alice.err == nil && bob.err == nil && alice.result.Locked() && bob.result.Locked()
	if bothLocked {
		// Freeze commissions at their current quotes before suspending
		// the timer; they are immutable from here on.
		frozenAt := now
		if err := e.stg.UpdateDeal(deal.ID, func(d *types.Deal) error {
			for _, st := range []sideState{alice, bob} {
				c := st.commission
				if !c.Frozen() {
					c.FrozenAt = &frozenAt
				}
				d.SetCommission(st.party, c)
			}
			d.WaitingSince = &frozenAt
			return nil
		}); err != nil {
			return err
		}
		if err := e.stg.SetStage(deal.ID, types.StageWaiting); err != nil {
			return err
		}
		e.notify(deal.ID, notifyFunded, "both")
		return nil
	}
	for _, st := range []sideState{alice, bob} {
		if st.err != nil {
			log.Warnw("side evaluation incomplete", "deal", deal.ID, "party", string(st.party), "error", st.err)
		}
	}
	// A side that could not be evaluated (node outage, commission quote
	// unavailable) may well be fully funded. Hold in COLLECTION and retry;
	// the deadline only binds sides that evaluated cleanly.
	if alice.err != nil || bob.err != nil {
		return nil
	}

	if now.Before(deal.ExpiresAt) {
		return nil
	}
	// Deadline passed without both sides locked: revert and refund what
	// is deposited. Refunds are enqueued before the transition so a
	// crash in between re-enqueues idempotently.
	if err := e.enqueueRefundPlan(deal, alice); err != nil {
		return err
	}
	if err := e.enqueueRefundPlan(deal, bob); err != nil {
		return err
	}
	if err := e.stg.SetStage(deal.ID, types.StageReverted); err != nil {
		return err
	}
	e.notify(deal.ID, notifyReverted, "both")
	return nil
}

func (e *Engine) tickWaiting(ctx context.Context, now time.Time, deal *types.Deal) error {
	finality := func(party types.Party) int64 {
		cc, err := e.cfg.Chain(deal.Leg(party).ChainID)
		if err != nil {
			return 1
		}
		return cc.Confirmations
	}
	collect := func(party types.Party) int64 {
		cc, err := e.cfg.Chain(deal.Leg(party).ChainID)
		if err != nil {
			return 1
		}
		return cc.CollectConfirms
	}

	alice := e.evaluateSide(ctx, deal, types.PartyAlice, finality(types.PartyAlice), deal.ExpiresAt)
	bob := e.evaluateSide(ctx, deal, types.PartyBob, finality(types.PartyBob), deal.ExpiresAt)
	if alice.err != nil {
		return alice.err
	}
	if bob.err != nil {
		return bob.err
	}

	if alice.result.Locked() && bob.result.Locked() {
		// Finality on both sides: plan the distribution, then commit
		// to the swap. The timer is discarded; from here execution
		// retries until completion.
		if err := e.enqueueSwapPlan(deal, alice); err != nil {
			return err
		}
		if err := e.enqueueSwapPlan(deal, bob); err != nil {
			return err
		}
		if err := e.stg.SetStage(deal.ID, types.StageSwap); err != nil {
			return err
		}
		e.notify(deal.ID, notifySwapped, "both")
		return nil
	}

	// Reorg check: a side that no longer meets even the collection-level
	// lock sends the deal back to COLLECTION, where the timer applies
	// again. Still-PENDING phased items are dropped; SUBMITTED ones are
	// left to confirmation tracking.
	for _, st := range []sideState{
		e.evaluateSide(ctx, deal, types.PartyAlice, collect(types.PartyAlice), deal.ExpiresAt),
		e.evaluateSide(ctx, deal, types.PartyBob, collect(types.PartyBob), deal.ExpiresAt),
	} {
		if st.err != nil {
			return st.err
		}
		if !st.result.Locked() {
			dropped, err := e.stg.DropPendingPhaseItems(deal.ID)
			if err != nil {
				return err
			}
			if dropped > 0 {
				log.Warnw("dropped pending phased items after reorg", "deal", deal.ID, "count", dropped)
			}
			if err := e.stg.AppendEventf(deal.ID, "side %s lost its lock, returning to collection", st.party); err != nil {
				log.Warnw("failed to record event", "deal", deal.ID, "error", err)
			}
			// The collection timer was suspended while waiting; give
			// the window back so the time spent in WAITING never
			// counts against the depositors.
			if err := e.stg.UpdateDeal(deal.ID, func(d *types.Deal) error {
				if d.WaitingSince != nil {
					d.ExpiresAt = d.ExpiresAt.Add(now.Sub(*d.WaitingSince))
					d.WaitingSince = nil
				}
				return nil
			}); err != nil {
				return err
			}
			return e.stg.SetStage(deal.ID, types.StageCollection)
		}
	}
	return nil
}

// enqueueSwapPlan records the distribution items for one side. Items already
// present (same purpose, destination, asset and ref) are skipped so that the
// plan is idempotent across crashes.
func (e *Engine) enqueueSwapPlan(deal *types.Deal, st sideState) error {
	escrow := deal.Escrow(st.party)
	details := deal.Details(st.party)
	counter := deal.Details(st.party.Counterparty())
	if escrow == nil || details == nil || counter == nil {
		return fmt.Errorf("deal %s side %s incomplete for planning", deal.ID, st.party)
	}
	leg := deal.Leg(st.party)
	cc, err := e.cfg.Chain(leg.ChainID)
	if err != nil {
		return err
	}
	items := SwapPlanSide(SwapSide{
		DealID:          deal.ID,
		ChainID:         leg.ChainID,
		Escrow:          escrow.Address,
		Asset:           leg.Asset,
		Trade:           leg.Amount,
		Deposited:       st.result.TradeTotal,
		Commission:      st.commission.Amount,
		CommissionAsset: st.commission.Asset,
		Recipient:       counter.RecipientAddress,
		Operator:        cc.OperatorAddress,
		Payback:         details.PaybackAddress,
		Phased:          !cc.AccountBased,
	})
	return e.enqueuePlan(deal.ID, items)
}

func (e *Engine) enqueueRefundPlan(deal *types.Deal, st sideState) error {
	escrow := deal.Escrow(st.party)
	details := deal.Details(st.party)
	if escrow == nil || details == nil || len(st.deposits) == 0 {
		return nil
	}
	leg := deal.Leg(st.party)
	items := RefundPlanSide(RefundSide{
		DealID:   deal.ID,
		ChainID:  leg.ChainID,
		Escrow:   escrow.Address,
		Payback:  details.PaybackAddress,
		Deposits: st.deposits,
	})
	return e.enqueuePlan(deal.ID, items)
}

// enqueuePlan inserts planned items, skipping ones already recorded. A
// conflict rejection is a critical condition: the deal stays where it is and
// an operator must intervene.
func (e *Engine) enqueuePlan(dealID string, items []*types.QueueItem) error {
	existing, err := e.stg.ListQueueItems(dealID)
	if err != nil {
		return err
	}
	recorded := make(map[string]bool, len(existing))
	for _, item := range existing {
		recorded[planKey(item)] = true
	}
	for _, item := range items {
		if recorded[planKey(item)] {
			continue
		}
		if err := e.stg.Enqueue(item); err != nil {
			if errors.Is(err, storage.ErrConflictingOperation) {
				log.Errorw(err, "conflicting operation rejected at enqueue")
				if evErr := e.stg.AppendEventf(dealID, "enqueue of %s rejected: %v", item.Purpose, err); evErr != nil {
					log.Warnw("failed to record conflict event", "deal", dealID, "error", evErr)
				}
			}
			return err
		}
		if err := e.stg.AppendEventf(dealID, "queued %s of %s %s to %s (seq %d)",
			item.Purpose, item.Amount, item.Asset, item.To, item.Seq); err != nil {
			log.Warnw("failed to record enqueue event", "deal", dealID, "error", err)
		}
	}
	return nil
}

func planKey(item *types.QueueItem) string {
	return fmt.Sprintf("%s|%s|%s|%s", item.Purpose, item.To, item.Asset, item.Ref)
}

// tickSwap closes the deal once every payout and commission item completed.
// Surplus paybacks may still trail; they are not part of the atomicity
// promise.
func (e *Engine) tickSwap(deal *types.Deal) error {
	done, err := e.purposesCompleted(deal.ID, types.PurposeSwapPayout, types.PurposeOpCommission)
	if err != nil || !done {
		return err
	}
	if err := e.stg.SetStage(deal.ID, types.StageClosed); err != nil {
		return err
	}
	e.recordGasResidue(deal)
	e.notify(deal.ID, notifyClosed, "swapped")
	return nil
}

func (e *Engine) tickReverted(deal *types.Deal) error {
	done, err := e.purposesCompleted(deal.ID, types.PurposeTimeoutRefund)
	if err != nil || !done {
		return err
	}
	if err := e.stg.SetStage(deal.ID, types.StageClosed); err != nil {
		return err
	}
	e.recordGasResidue(deal)
	e.notify(deal.ID, notifyClosed, "reverted")
	return nil
}

// recordGasResidue notes at close how much tank gas each escrow received.
// The residue stays on the escrow: sweeping it back would cost more in fees
// than it returns, and the escrow keys re-derive on demand if an operator
// ever wants to collect it.
func (e *Engine) recordGasResidue(deal *types.Deal) {
	for _, party := range []types.Party{types.PartyAlice, types.PartyBob} {
		escrow := deal.Escrow(party)
		if escrow == nil {
			continue
		}
		funded, err := e.stg.GasFundTotal(deal.ID, escrow.Address)
		if err != nil {
			log.Warnw("gas fund total lookup failed", "deal", deal.ID, "error", err)
			continue
		}
		if !funded.IsPositive() {
			continue
		}
		if err := e.stg.AppendEventf(deal.ID, "escrow %s received %s in tank gas funding, residue stays on the escrow",
			escrow.Address, funded); err != nil {
			log.Warnw("failed to record gas residue event", "deal", deal.ID, "error", err)
		}
	}
}

// purposesCompleted reports whether all items of the listed purposes are
// COMPLETED and at least one such item exists.
func (e *Engine) purposesCompleted(dealID string, purposes ...types.Purpose) (bool, error) {
	items, err := e.stg.ListQueueItems(dealID)
	if err != nil {
		return false, err
	}
	matched := false
	for _, item := range items {
		for _, p := range purposes {
			if item.Purpose != p {
				continue
			}
			matched = true
			if item.Status != types.QueueCompleted {
				return false, nil
			}
		}
	}
	return matched, nil
}

// tickClosed refunds late deposits: anything confirmed past finality on an
// escrow beyond what outbound items already account for goes back to the
// depositor. No commission applies and the stage stays CLOSED.
func (e *Engine) tickClosed(ctx context.Context, deal *types.Deal) error {
	for _, party := range []types.Party{types.PartyAlice, types.PartyBob} {
		escrow := deal.Escrow(party)
		details := deal.Details(party)
		if escrow == nil || details == nil {
			continue
		}
		leg := deal.Leg(party)
		cc, err := e.cfg.Chain(leg.ChainID)
		if err != nil {
			return err
		}
		deposits, err := e.pollDeposits(ctx, deal, party)
		if err != nil {
			return err
		}
		confirmed := types.ZeroAmount()
		for _, dep := range deposits {
			if dep.Asset == leg.Asset && dep.Eligible(cc.Confirmations, time.Time{}) {
				confirmed = confirmed.Add(dep.Amount)
			}
		}
		consumed, err := e.outboundTotal(deal.ID, escrow.Address, leg.Asset)
		if err != nil {
			return err
		}
		extra := confirmed.Sub(consumed)
		if !extra.IsPositive() {
			continue
		}
		item := PostClosePlan(deal.ID, leg.ChainID, escrow.Address, details.PaybackAddress, leg.Asset, extra)
		if err := e.stg.Enqueue(item); err != nil {
			return err
		}
		if err := e.stg.AppendEventf(deal.ID, "late deposit detected, queued post-close refund of %s %s",
			extra, leg.Asset); err != nil {
			log.Warnw("failed to record post-close event", "deal", deal.ID, "error", err)
		}
	}
	return nil
}

// outboundTotal sums the non-FAILED outbound item amounts from an escrow in
// one asset. Used to compute what a closed deal has already accounted for.
func (e *Engine) outboundTotal(dealID, escrow, asset string) (types.Amount, error) {
	items, err := e.stg.ListQueueItems(dealID)
	if err != nil {
		return types.ZeroAmount(), err
	}
	total := types.ZeroAmount()
	for _, item := range items {
		if item.From != escrow || item.Asset != asset || item.Status == types.QueueFailed {
			continue
		}
		if item.Purpose == types.PurposeGasFund {
			continue
		}
		total = total.Add(item.Amount)
	}
	return total, nil
}

// notify records an idempotent notification for the external mailer.
func (e *Engine) notify(dealID, eventType, eventKey string) {
	first, err := e.stg.MarkNotified(dealID, eventType, eventKey)
	if err != nil {
		log.Warnw("failed to record notification", "deal", dealID, "type", eventType, "error", err)
		return
	}
	if first {
		log.Infow("notification recorded", "deal", dealID, "type", eventType)
	}
}
