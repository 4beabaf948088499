package types

import (
	"fmt"
	"time"
)

// Stage is the lifecycle stage of a deal. Transitions follow a fixed DAG:
//
//	CREATED ── both details filled ──► COLLECTION
//	COLLECTION ── both sides locked ──► WAITING
//	COLLECTION ── deadline, not both locked ──► REVERTED
//	WAITING ── finality on both sides ──► SWAP
//	WAITING ── reorg drops a side ──► COLLECTION
//	SWAP ── payouts + commissions completed ──► CLOSED
//	REVERTED ── refunds completed ──► CLOSED
type Stage string

const (
	StageCreated    Stage = "CREATED"
	StageCollection Stage = "COLLECTION"
	StageWaiting    Stage = "WAITING"
	StageSwap       Stage = "SWAP"
	StageReverted   Stage = "REVERTED"
	StageClosed     Stage = "CLOSED"
)

// Active reports whether the stage still requires deal ticks.
func (s Stage) Active() bool {
	return s != StageClosed
}

// Terminal reports whether the stage accepts no further transitions.
func (s Stage) Terminal() bool {
	return s == StageClosed
}

// Party identifies one of the two sides of a deal.
type Party string

const (
	PartyAlice Party = "alice"
	PartyBob   Party = "bob"
)

// Counterparty returns the other side.
func (p Party) Counterparty() Party {
	if p == PartyAlice {
		return PartyBob
	}
	return PartyAlice
}

// Valid reports whether the party identifier is one of the two known sides.
func (p Party) Valid() bool {
	return p == PartyAlice || p == PartyBob
}

// TradeLeg describes what one party owes: an asset and amount on a chain.
type TradeLeg struct {
	ChainID string `json:"chainId"`
	Asset   string `json:"asset"`
	Amount  Amount `json:"amount"`
}

// PartyDetails carries the addresses a party supplies when joining a deal.
// Locked details may no longer be replaced.
type PartyDetails struct {
	PaybackAddress   string    `json:"paybackAddress"`
	RecipientAddress string    `json:"recipientAddress"`
	Email            string    `json:"email,omitempty"`
	FilledAt         time.Time `json:"filledAt"`
	Locked           bool      `json:"locked"`
}

// EscrowAccount references an HD-derived escrow address owned by the broker.
// KeyRef is the derivation reference, never the key material itself.
type EscrowAccount struct {
	ChainID string `json:"chainId"`
	Address string `json:"address"`
	KeyRef  string `json:"keyRef"`
}

// CommissionMode selects how the operator commission for a side is computed.
type CommissionMode string

const (
	// CommissionPercentBps charges a basis-point percentage of the trade
	// amount, payable in the trade asset.
	CommissionPercentBps CommissionMode = "PERCENT_BPS"
	// CommissionFixedUSDNative charges a fixed USD amount converted to the
	// native currency of the escrow chain at quote time. Used for exotic
	// tokens without a reliable price.
	CommissionFixedUSDNative CommissionMode = "FIXED_USD_NATIVE"
)

// Commission is the operator fee owed by one side, additional to the trade
// amount and funded from the depositor's surplus. Once FrozenAt is set the
// amount is immutable.
type Commission struct {
	Mode     CommissionMode `json:"mode"`
	Amount   Amount         `json:"amount"`
	Asset    string         `json:"asset"`
	FrozenAt *time.Time     `json:"frozenAt,omitempty"`
}

// Frozen reports whether the commission amount has been fixed.
func (c Commission) Frozen() bool { return c.FrozenAt != nil }

// Deal is the unit of work: two parties exchanging assets on different
// chains through broker-owned escrow accounts.
type Deal struct {
	ID             string    `json:"id"`
	Name           string    `json:"name,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	TimeoutSeconds int64     `json:"timeoutSeconds"`

	Alice TradeLeg `json:"alice"`
	Bob   TradeLeg `json:"bob"`

	AliceDetails *PartyDetails `json:"aliceDetails,omitempty"`
	BobDetails   *PartyDetails `json:"bobDetails,omitempty"`

	EscrowA *EscrowAccount `json:"escrowA,omitempty"`
	EscrowB *EscrowAccount `json:"escrowB,omitempty"`

	Stage Stage `json:"stage"`

	// WaitingSince marks entry into WAITING. The collection timer is
	// suspended while set: on a reorg return to COLLECTION, ExpiresAt
	// shifts forward by the time spent waiting.
	WaitingSince *time.Time `json:"waitingSince,omitempty"`

	CommissionA Commission `json:"commissionA"`
	CommissionB Commission `json:"commissionB"`

	// Fill tokens authenticate fillPartyDetails and cancelDeal calls.
	// They are returned once by createDeal and never listed afterwards.
	AliceToken string `json:"-"`
	BobToken   string `json:"-"`
}

// Leg returns the trade leg owed by the given party.
func (d *Deal) Leg(p Party) TradeLeg {
	if p == PartyAlice {
		return d.Alice
	}
	return d.Bob
}

// Details returns the detail record for the given party, or nil.
func (d *Deal) Details(p Party) *PartyDetails {
	if p == PartyAlice {
		return d.AliceDetails
	}
	return d.BobDetails
}

// SetDetails stores the detail record for the given party.
func (d *Deal) SetDetails(p Party, det *PartyDetails) {
	if p == PartyAlice {
		d.AliceDetails = det
	} else {
		d.BobDetails = det
	}
}

// Escrow returns the escrow account for the given party, or nil.
func (d *Deal) Escrow(p Party) *EscrowAccount {
	if p == PartyAlice {
		return d.EscrowA
	}
	return d.EscrowB
}

// SetEscrow stores the escrow account for the given party.
func (d *Deal) SetEscrow(p Party, e *EscrowAccount) {
	if p == PartyAlice {
		d.EscrowA = e
	} else {
		d.EscrowB = e
	}
}

// Commission returns the commission record for the given party.
func (d *Deal) Commission(p Party) Commission {
	if p == PartyAlice {
		return d.CommissionA
	}
	return d.CommissionB
}

// SetCommission stores the commission record for the given party.
func (d *Deal) SetCommission(p Party, c Commission) {
	if p == PartyAlice {
		d.CommissionA = c
	} else {
		d.CommissionB = c
	}
}

// Token returns the fill token for the given party.
func (d *Deal) Token(p Party) string {
	if p == PartyAlice {
		return d.AliceToken
	}
	return d.BobToken
}

// BothDetailsFilled reports whether both parties have supplied their details.
func (d *Deal) BothDetailsFilled() bool {
	return d.AliceDetails != nil && d.BobDetails != nil
}

// ValidateTransition checks a stage transition against the DAG. It does not
// mutate the deal.
func (d *Deal) ValidateTransition(next Stage) error {
	allowed := map[Stage][]Stage{
		StageCreated:    {StageCollection, StageClosed},
		StageCollection: {StageWaiting, StageReverted},
		StageWaiting:    {StageSwap, StageCollection},
		StageSwap:       {StageClosed},
		StageReverted:   {StageClosed},
		StageClosed:     {},
	}
	for _, s := range allowed[d.Stage] {
		if s == next {
			return nil
		}
	}
	return fmt.Errorf("illegal stage transition %s -> %s for deal %s", d.Stage, next, d.ID)
}
