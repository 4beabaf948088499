// Package chaintest provides a scripted in-memory chain adapter for engine
// tests. Deposits, confirmations, balances and quotes are set explicitly by
// the test; sends are recorded and confirmed on demand.
package chaintest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/unicitynetwork/otcbroker/chain"
	"github.com/unicitynetwork/otcbroker/types"
)

// Adapter is a scriptable chain.Adapter. All methods are safe for concurrent
// use. The zero confirmation count of a fresh send means "in mempool".
type Adapter struct {
	mu           sync.Mutex
	chainID      string
	accountBased bool

	deposits map[string][]*types.Deposit // address → deposits
	confirms map[string]int64            // txid → confirmations
	balances map[string]types.Amount     // address → native balance
	nonces   map[string]uint64           // address → pending nonce
	existing map[string]*chain.ExistingTransfer

	sent        []*chain.SendRequest
	sentTxids   []string
	sendErr     error
	listErr     error
	quoteErr    error
	escrowCalls int

	feeBudget   types.Amount
	usdToNative types.Amount // native units per USD
	gasPrice    *types.BigInt
	clock       clockwork.Clock
}

var _ chain.Adapter = (*Adapter)(nil)

// New returns a scripted adapter for the given chain.
func New(chainID string, accountBased bool) *Adapter {
	return &Adapter{
		chainID:      chainID,
		accountBased: accountBased,
		deposits:     make(map[string][]*types.Deposit),
		confirms:     make(map[string]int64),
		balances:     make(map[string]types.Amount),
		nonces:       make(map[string]uint64),
		existing:     make(map[string]*chain.ExistingTransfer),
		feeBudget:    types.ZeroAmount(),
		usdToNative:  types.MustAmount("1"),
		gasPrice:     types.NewBigInt(1_000_000_000),
		clock:        clockwork.NewRealClock(),
	}
}

// SetClock injects the test clock so that submission timestamps line up with
// the engine's view of time.
func (a *Adapter) SetClock(c clockwork.Clock) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clock = c
}

func (a *Adapter) ChainID() string    { return a.chainID }
func (a *Adapter) AccountBased() bool { return a.accountBased }

// AddDeposit scripts a deposit visible on an escrow address.
func (a *Adapter) AddDeposit(address string, dep *types.Deposit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	dep.Address = address
	dep.ChainID = a.chainID
	a.deposits[address] = append(a.deposits[address], dep)
	a.confirms[dep.TxID] = dep.Confirms
}

// SetConfirmations scripts the confirmation count of a transaction, both for
// GetTxConfirmations and for any deposit carrying the txid.
func (a *Adapter) SetConfirmations(txid string, confirms int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.confirms[txid] = confirms
	for _, deps := range a.deposits {
		for _, dep := range deps {
			if dep.TxID == txid {
				dep.Confirms = confirms
			}
		}
	}
}

// Reorg scripts a reorg: the transaction drops off the canonical chain.
func (a *Adapter) Reorg(txid string) {
	a.SetConfirmations(txid, types.ReorgConfirms)
}

// SetNativeBalance scripts the native balance of an address.
func (a *Adapter) SetNativeBalance(address string, amount types.Amount) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.balances[address] = amount
}

// SetPendingNonce scripts the network nonce of an address.
func (a *Adapter) SetPendingNonce(address string, nonce uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nonces[address] = nonce
}

// SetFeeBudget scripts the native amount required per transfer.
func (a *Adapter) SetFeeBudget(amount types.Amount) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.feeBudget = amount
}

// SetGasPrice scripts the gas price assigned to account-chain sends that do
// not pin one themselves.
func (a *Adapter) SetGasPrice(price *types.BigInt) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gasPrice = price
}

// SetUSDRate scripts the native units returned per USD.
func (a *Adapter) SetUSDRate(nativePerUSD types.Amount) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.usdToNative = nativePerUSD
}

// SetExistingTransfer scripts an on-chain transfer matching an intended send.
func (a *Adapter) SetExistingTransfer(from, to, asset string, amount types.Amount, txid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.existing[transferKey(from, to, asset, amount)] = &chain.ExistingTransfer{TxID: txid, BlockHeight: 1}
}

// FailSends makes subsequent Send calls return err; nil restores sending.
func (a *Adapter) FailSends(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sendErr = err
}

// FailListings makes subsequent ListConfirmedDeposits calls return err.
func (a *Adapter) FailListings(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listErr = err
}

// FailQuotes makes subsequent QuoteNativeForUSD calls return err.
func (a *Adapter) FailQuotes(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quoteErr = err
}

// EscrowCalls returns how many times GenerateEscrowAccount was called.
func (a *Adapter) EscrowCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.escrowCalls
}

// Sent returns the send requests recorded so far.
func (a *Adapter) Sent() []*chain.SendRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*chain.SendRequest{}, a.sent...)
}

// SentTxids returns the txids assigned to recorded sends, in order.
func (a *Adapter) SentTxids() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string{}, a.sentTxids...)
}

func transferKey(from, to, asset string, amount types.Amount) string {
	return fmt.Sprintf("%s|%s|%s|%s", from, to, asset, amount.String())
}

func (a *Adapter) GenerateEscrowAccount(_ context.Context, _ string, dealID string, party types.Party) (*types.EscrowAccount, error) {
	a.mu.Lock()
	a.escrowCalls++
	a.mu.Unlock()
	return &types.EscrowAccount{
		ChainID: a.chainID,
		Address: fmt.Sprintf("%s-escrow-%s-%s", a.chainID, dealID, party),
		KeyRef:  fmt.Sprintf("m/%s/%s", dealID, party),
	}, nil
}

func (a *Adapter) ListConfirmedDeposits(_ context.Context, asset, address string, minConfirms int64, _ time.Time) (*chain.DepositPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listErr != nil {
		return nil, a.listErr
	}
	page := &chain.DepositPage{TotalConfirmed: types.ZeroAmount()}
	for _, dep := range a.deposits[address] {
		if dep.Asset != asset || dep.Confirms < minConfirms {
			continue
		}
		cp := *dep
		page.Deposits = append(page.Deposits, &cp)
		page.TotalConfirmed = page.TotalConfirmed.Add(dep.Amount)
	}
	return page, nil
}

func (a *Adapter) Send(_ context.Context, req *chain.SendRequest) (*types.SubmittedTx, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return nil, a.sendErr
	}
	cp := *req
	a.sent = append(a.sent, &cp)
	txid := fmt.Sprintf("%s-tx-%d", a.chainID, len(a.sent))
	a.sentTxids = append(a.sentTxids, txid)
	a.confirms[txid] = 0
	tx := &types.SubmittedTx{
		TxID:        txid,
		SubmittedAt: a.clock.Now().UTC(),
		GasPrice:    req.GasPrice,
	}
	if a.accountBased {
		tx.Nonce = req.Nonce
		if tx.GasPrice == nil {
			tx.GasPrice = a.gasPrice
		}
	} else {
		tx.Inputs = []string{fmt.Sprintf("%s:0", txid)}
	}
	return tx, nil
}

func (a *Adapter) GetTxConfirmations(_ context.Context, txid string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	confirms, ok := a.confirms[txid]
	if !ok {
		return types.ReorgConfirms, nil
	}
	return confirms, nil
}

func (a *Adapter) CheckExistingTransfer(_ context.Context, from, to, asset string, amount types.Amount) (*chain.ExistingTransfer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.existing[transferKey(from, to, asset, amount)], nil
}

func (a *Adapter) EstimateFeeBudget(_ context.Context, _ string) (types.Amount, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.feeBudget, nil
}

func (a *Adapter) NativeBalance(_ context.Context, address string) (types.Amount, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if bal, ok := a.balances[address]; ok {
		return bal, nil
	}
	return types.ZeroAmount(), nil
}

func (a *Adapter) PendingNonce(_ context.Context, address string) (uint64, error) {
	if !a.accountBased {
		return 0, chain.ErrNotSupported
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonces[address], nil
}

func (a *Adapter) QuoteNativeForUSD(_ context.Context, usd types.Amount) (*chain.Quote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.quoteErr != nil {
		return nil, a.quoteErr
	}
	return &chain.Quote{
		NativeAmount: usd.Mul(a.usdToNative).FloorTo(18),
		Source:       "scripted",
		AsOf:         a.clock.Now().UTC(),
	}, nil
}
