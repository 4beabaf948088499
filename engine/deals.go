package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/unicitynetwork/otcbroker/log"
	"github.com/unicitynetwork/otcbroker/types"
)

// Sentinel errors for the external deal operations. Callers (the HTTP API)
// match on them to pick a response code.
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrDetailsLocked  = errors.New("details locked")
	ErrStageMismatch  = errors.New("deal stage does not permit the operation")
	ErrNotCancellable = errors.New("deal not cancellable")
)

// CreateDealRequest is the external createDeal input.
type CreateDealRequest struct {
	Name           string         `json:"name,omitempty"`
	Alice          types.TradeLeg `json:"alice"`
	Bob            types.TradeLeg `json:"bob"`
	TimeoutSeconds int64          `json:"timeoutSeconds"`
}

// CreateDealResult returns the deal ID and the two fill tokens. The tokens
// are never listed again.
type CreateDealResult struct {
	DealID     string `json:"dealId"`
	TokenAlice string `json:"tokenA"`
	TokenBob   string `json:"tokenB"`
}

// CreateDeal admits and records a new deal in stage CREATED. Admission rules
// (production allow-lists, per-asset caps) reject bad input synchronously
// with no state change.
func (e *Engine) CreateDeal(req *CreateDealRequest) (*CreateDealResult, error) {
	if req.TimeoutSeconds <= 0 {
		return nil, fmt.Errorf("%w: timeoutSeconds must be positive", ErrInvalidRequest)
	}
	for _, leg := range []types.TradeLeg{req.Alice, req.Bob} {
		if err := e.cfg.Admission.Admit(leg); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if _, err := e.cfg.Chain(leg.ChainID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		if _, err := e.chains.Adapter(leg.ChainID); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	now := e.clock.Now().UTC()
	deal := &types.Deal{
		ID:             uuid.New().String(),
		Name:           req.Name,
		CreatedAt:      now,
		ExpiresAt:      now.Add(time.Duration(req.TimeoutSeconds) * time.Second),
		TimeoutSeconds: req.TimeoutSeconds,
		Alice:          req.Alice,
		Bob:            req.Bob,
		Stage:          types.StageCreated,
		AliceToken:     uuid.New().String(),
		BobToken:       uuid.New().String(),
	}
	if err := e.stg.CreateDeal(deal); err != nil {
		return nil, err
	}
	if err := e.stg.AppendEventf(deal.ID, "deal created: %s %s for %s %s, timeout %ds",
		deal.Alice.Amount, deal.Alice.Asset, deal.Bob.Amount, deal.Bob.Asset, deal.TimeoutSeconds); err != nil {
		log.Warnw("failed to record creation event", "deal", deal.ID, "error", err)
	}
	log.Infow("deal created", "deal", deal.ID, "name", deal.Name)
	return &CreateDealResult{
		DealID:     deal.ID,
		TokenAlice: deal.AliceToken,
		TokenBob:   deal.BobToken,
	}, nil
}

// FillDetailsRequest is the external fillPartyDetails input. The token
// authenticates the caller as one side of the deal.
type FillDetailsRequest struct {
	Token            string `json:"token"`
	PaybackAddress   string `json:"paybackAddress"`
	RecipientAddress string `json:"recipientAddress"`
	Email            string `json:"email,omitempty"`
}

// FillPartyDetails records a party's addresses, derives their escrow account
// and triggers a deal tick. Details lock on first fill; the deal moves to
// COLLECTION once both sides are in.
func (e *Engine) FillPartyDetails(ctx context.Context, req *FillDetailsRequest) (*types.EscrowAccount, error) {
	if req.PaybackAddress == "" || req.RecipientAddress == "" {
		return nil, fmt.Errorf("%w: payback and recipient addresses are required", ErrInvalidRequest)
	}
	deal, party, err := e.stg.DealByToken(req.Token)
	if err != nil {
		return nil, err
	}
	if deal.Stage != types.StageCreated {
		return nil, fmt.Errorf("%w: deal %s is in stage %s, details can no longer be filled", ErrStageMismatch, deal.ID, deal.Stage)
	}
	if d := deal.Details(party); d != nil && d.Locked {
		return nil, fmt.Errorf("%w: details for %s", ErrDetailsLocked, party)
	}

	leg := deal.Leg(party)
	adapter, err := e.chains.Adapter(leg.ChainID)
	if err != nil {
		return nil, err
	}
	escrow := deal.Escrow(party)
	if escrow == nil {
		escrow, err = adapter.GenerateEscrowAccount(ctx, leg.Asset, deal.ID, party)
		if err != nil {
			return nil, fmt.Errorf("derive escrow for %s: %w", party, err)
		}
	}

	now := e.clock.Now().UTC()
	if err := e.stg.UpdateDeal(deal.ID, func(d *types.Deal) error {
		if det := d.Details(party); det != nil && det.Locked {
			return fmt.Errorf("%w: details for %s", ErrDetailsLocked, party)
		}
		d.SetDetails(party, &types.PartyDetails{
			PaybackAddress:   req.PaybackAddress,
			RecipientAddress: req.RecipientAddress,
			Email:            req.Email,
			FilledAt:         now,
			Locked:           true,
		})
		d.SetEscrow(party, escrow)
		return nil
	}); err != nil {
		return nil, err
	}
	if err := e.stg.AppendEventf(deal.ID, "%s filled details, escrow %s on %s",
		party, escrow.Address, escrow.ChainID); err != nil {
		log.Warnw("failed to record fill event", "deal", deal.ID, "error", err)
	}
	e.TriggerDeal(deal.ID)
	return escrow, nil
}

// CancelDeal closes a deal before it started. Permitted only in CREATED and
// only while no deposit has ever been observed.
func (e *Engine) CancelDeal(token string) error {
	deal, party, err := e.stg.DealByToken(token)
	if err != nil {
		return err
	}
	if deal.Stage != types.StageCreated {
		return fmt.Errorf("%w: deal %s is in stage %s", ErrNotCancellable, deal.ID, deal.Stage)
	}
	has, err := e.stg.HasDeposits(deal.ID)
	if err != nil {
		return err
	}
	if has {
		return fmt.Errorf("%w: deal %s has observed deposits", ErrNotCancellable, deal.ID)
	}
	if err := e.stg.SetStage(deal.ID, types.StageClosed); err != nil {
		return err
	}
	if err := e.stg.AppendEventf(deal.ID, "cancelled by %s", party); err != nil {
		log.Warnw("failed to record cancel event", "deal", deal.ID, "error", err)
	}
	log.Infow("deal cancelled", "deal", deal.ID, "by", string(party))
	return nil
}

// SideTotals summarizes one side of a deal for the status call.
type SideTotals struct {
	ChainID    string       `json:"chainId"`
	Asset      string       `json:"asset"`
	Trade      types.Amount `json:"trade"`
	Commission types.Amount `json:"commission"`
	Confirmed  types.Amount `json:"confirmed"`
	Locked     bool         `json:"locked"`
}

// DealStatus is the external status shape.
type DealStatus struct {
	DealID    string               `json:"dealId"`
	Name      string               `json:"name,omitempty"`
	Stage     types.Stage          `json:"stage"`
	CreatedAt time.Time            `json:"createdAt"`
	ExpiresAt time.Time            `json:"expiresAt"`
	EscrowA   *types.EscrowAccount `json:"escrowA,omitempty"`
	EscrowB   *types.EscrowAccount `json:"escrowB,omitempty"`
	Alice     SideTotals           `json:"aliceTotals"`
	Bob       SideTotals           `json:"bobTotals"`
	Events    []*types.Event       `json:"events"`
}

// Status reports a deal's stage, escrows, per-side totals and audit log. It
// reads only the ledger; no chain calls.
func (e *Engine) Status(ctx context.Context, dealID string) (*DealStatus, error) {
	deal, err := e.stg.Deal(dealID)
	if err != nil {
		return nil, err
	}
	events, err := e.stg.Events(dealID)
	if err != nil {
		return nil, err
	}
	status := &DealStatus{
		DealID:    deal.ID,
		Name:      deal.Name,
		Stage:     deal.Stage,
		CreatedAt: deal.CreatedAt,
		ExpiresAt: deal.ExpiresAt,
		EscrowA:   deal.EscrowA,
		EscrowB:   deal.EscrowB,
		Events:    events,
	}
	for _, party := range []types.Party{types.PartyAlice, types.PartyBob} {
		totals, err := e.sideTotals(ctx, deal, party)
		if err != nil {
			return nil, err
		}
		if party == types.PartyAlice {
			status.Alice = totals
		} else {
			status.Bob = totals
		}
	}
	return status, nil
}

func (e *Engine) sideTotals(ctx context.Context, deal *types.Deal, party types.Party) (SideTotals, error) {
	leg := deal.Leg(party)
	totals := SideTotals{
		ChainID:   leg.ChainID,
		Asset:     leg.Asset,
		Trade:     leg.Amount,
		Confirmed: types.ZeroAmount(),
	}
	commission, err := e.commissionFor(ctx, deal, party)
	if err == nil {
		totals.Commission = commission.Amount
	}
	escrow := deal.Escrow(party)
	if escrow == nil {
		return totals, nil
	}
	cc, err := e.cfg.Chain(leg.ChainID)
	if err != nil {
		return totals, err
	}
	deposits, err := e.stg.DepositsForAddress(deal.ID, escrow.Address)
	if err != nil {
		return totals, err
	}
	result := EvaluateLock(LockInput{
		Deposits:         deposits,
		TradeAsset:       leg.Asset,
		TradeAmount:      leg.Amount,
		CommissionAsset:  commission.Asset,
		CommissionAmount: commission.Amount,
		MinConfirms:      cc.CollectConfirms,
		Deadline:         deal.ExpiresAt,
	})
	totals.Confirmed = result.TradeTotal
	totals.Locked = result.Locked()
	return totals, nil
}
