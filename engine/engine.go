// Package engine implements the deal orchestration core: the per-deal state
// machine, deposit watching with reorg detection, lock evaluation,
// distribution planning and the outbound queue worker. Two periodic drivers
// move everything forward: the deal tick advances deal stages under leases,
// the queue tick drains the outbound queue per sender.
package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/unicitynetwork/otcbroker/chain"
	"github.com/unicitynetwork/otcbroker/config"
	"github.com/unicitynetwork/otcbroker/log"
	"github.com/unicitynetwork/otcbroker/storage"
	"github.com/unicitynetwork/otcbroker/types"
)

// maxConcurrentTicks bounds the fan-out over deals and senders per tick.
const maxConcurrentTicks = 8

// Engine owns the two drivers and the operations the API exposes. All state
// lives in the ledger; the engine itself can be restarted at any point and
// resumes from storage.
type Engine struct {
	stg    *storage.Storage
	chains *chain.Registry
	cfg    *config.Config
	clock  clockwork.Clock

	// ownerID identifies this process in deal leases.
	ownerID string

	// dealTriggerCh requests an immediate tick of one deal, used when a
	// deal is externally mutated (details filled, cancelled).
	dealTriggerCh chan string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an engine over the given ledger, adapter registry and config.
func New(stg *storage.Storage, chains *chain.Registry, cfg *config.Config) *Engine {
	return &Engine{
		stg:           stg,
		chains:        chains,
		cfg:           cfg,
		clock:         stg.Clock(),
		ownerID:       uuid.New().String(),
		dealTriggerCh: make(chan string, 64),
	}
}

// Start launches the deal and queue drivers. They stop when the context is
// cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.recoverEscrowKeys(ctx)
	e.wg.Add(2)
	go e.dealLoop(ctx)
	go e.queueLoop(ctx)
	log.Infow("broker engine started",
		"owner", e.ownerID,
		"dealTick", e.cfg.DealTick.String(),
		"queueTick", e.cfg.QueueTick.String())
}

// recoverEscrowKeys re-derives adapter key material for every escrow of the
// active deals. Adapters keep escrow keys only in memory, so after a restart
// outbound signing depends on this pass; derivation is deterministic per
// (dealId, party) and lands on the addresses already in the ledger.
func (e *Engine) recoverEscrowKeys(ctx context.Context) {
	deals, err := e.stg.ListActiveDeals()
	if err != nil {
		log.Errorw(err, "failed to list deals for escrow key recovery")
		return
	}
	recovered := 0
	for _, deal := range deals {
		for _, party := range []types.Party{types.PartyAlice, types.PartyBob} {
			escrow := deal.Escrow(party)
			if escrow == nil {
				continue
			}
			adapter, err := e.chains.Adapter(escrow.ChainID)
			if err != nil {
				log.Warnw("no adapter for escrow key recovery",
					"deal", deal.ID, "chain", escrow.ChainID)
				continue
			}
			derived, err := adapter.GenerateEscrowAccount(ctx, deal.Leg(party).Asset, deal.ID, party)
			if err != nil {
				log.Errorw(err, "escrow key recovery failed")
				continue
			}
			if derived.Address != escrow.Address {
				log.Errorw(fmt.Errorf("derived %s, ledger has %s", derived.Address, escrow.Address),
					"escrow derivation mismatch, outbound sends from this escrow will fail")
				continue
			}
			recovered++
		}
	}
	if recovered > 0 {
		log.Infow("recovered escrow key material", "escrows", recovered)
	}
}

// Stop cancels the drivers and waits for in-flight ticks to drain.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	log.Infow("broker engine stopped", "owner", e.ownerID)
}

// TriggerDeal requests an immediate tick of a deal. Non-blocking; if the
// trigger buffer is full the periodic tick picks the deal up instead.
func (e *Engine) TriggerDeal(dealID string) {
	select {
	case e.dealTriggerCh <- dealID:
	default:
	}
}

func (e *Engine) dealLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := e.clock.NewTicker(e.cfg.DealTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.dealTick(ctx)
		case dealID := <-e.dealTriggerCh:
			deal, err := e.stg.Deal(dealID)
			if err != nil {
				log.Warnw("triggered deal not found", "deal", dealID, "error", err)
				continue
			}
			if err := e.tickDeal(ctx, deal); err != nil {
				log.Warnw("on-demand deal tick failed", "deal", dealID, "error", err)
			}
		}
	}
}

// dealTick fans out over all active deals. Per-deal errors are logged and
// retried on the next tick; one broken deal never stalls the rest.
func (e *Engine) dealTick(ctx context.Context) {
	deals, err := e.stg.ListActiveDeals()
	if err != nil {
		log.Errorw(err, "failed to list active deals")
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTicks)
	for _, deal := range deals {
		deal := deal
		g.Go(func() error {
			if err := e.tickDeal(ctx, deal); err != nil {
				log.Warnw("deal tick failed", "deal", deal.ID, "stage", string(deal.Stage), "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) queueLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := e.clock.NewTicker(e.cfg.QueueTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			e.queueTick(ctx)
		}
	}
}

// queueTick fans out over sender identities; each sender is processed
// strictly serially, distinct senders in parallel.
func (e *Engine) queueTick(ctx context.Context) {
	senders, err := e.stg.PendingSenders()
	if err != nil {
		log.Errorw(err, "failed to list pending senders")
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentTicks)
	for _, sender := range senders {
		sender := sender
		g.Go(func() error {
			if err := e.tickSender(ctx, sender); err != nil {
				log.Warnw("queue tick failed", "deal", sender.DealID, "from", sender.From, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}
