// Package evm implements the chain adapter for account-based EVM chains over
// go-ethereum's ethclient. Escrow keys are HD-derived per (deal, party);
// native and ERC-20 transfers are supported, plus the optional on-chain
// broker contract that splits an escrow balance in one transaction.
package evm

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/unicitynetwork/otcbroker/chain"
	"github.com/unicitynetwork/otcbroker/chain/hdwallet"
	"github.com/unicitynetwork/otcbroker/log"
	"github.com/unicitynetwork/otcbroker/types"
)

const (
	// feeHeadroom doubles the estimated fee so one gas bump fits in the
	// funded budget.
	feeHeadroom = 2

	gasLimitNative = 21_000
	gasLimitERC20  = 80_000
	gasLimitBroker = 160_000

	rpcTimeout = 10 * time.Second
)

// Options configure an EVM adapter instance.
type Options struct {
	// ChainID is the broker-side identifier ("ETH", "POLYGON", ...).
	ChainID string
	// RPC is the JSON-RPC endpoint.
	RPC string
	// Wallet derives escrow keys.
	Wallet *hdwallet.Wallet
	// TankKey is the hex private key of the gas tank wallet, optional.
	TankKey string
	// NativeAsset is the native currency symbol.
	NativeAsset string
	// Tokens maps ERC-20 asset symbols to contract addresses. Assets not
	// listed and different from NativeAsset are rejected.
	Tokens map[string]common.Address
	// Decimals maps asset symbols to decimal places; missing assets use 18.
	Decimals map[string]int32
	// USDRate is the operator-maintained native-per-USD rate used for
	// FIXED_USD_NATIVE commission quotes. Zero disables quoting.
	USDRate types.Amount
	// BrokerContract is the optional on-chain splitter contract.
	BrokerContract common.Address
	// LookbackBlocks bounds the initial deposit scan window.
	LookbackBlocks uint64
}

// watchState is the incremental deposit-scan state for one escrow address.
type watchState struct {
	asset    string
	nextScan uint64
	deposits map[string]*depositRecord // "txid:index"
}

type depositRecord struct {
	txID        string
	index       uint32
	amount      types.Amount
	blockHeight uint64
	blockTime   time.Time
}

// Adapter implements chain.Adapter for one EVM chain.
type Adapter struct {
	opts       Options
	client     *ethclient.Client
	evmChainID *big.Int
	signer     gethtypes.Signer

	mu      sync.Mutex
	keys    map[common.Address]*ecdsa.PrivateKey
	watches map[common.Address]*watchState
}

var (
	_ chain.Adapter       = (*Adapter)(nil)
	_ chain.BrokerAdapter = (*Adapter)(nil)
)

// New dials the RPC endpoint and verifies the chain is reachable.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.Wallet == nil {
		return nil, fmt.Errorf("evm adapter %s: wallet required", opts.ChainID)
	}
	if opts.LookbackBlocks == 0 {
		opts.LookbackBlocks = 5000
	}
	client, err := ethclient.DialContext(ctx, opts.RPC)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.RPC, err)
	}
	evmChainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("query chain id of %s: %w", opts.RPC, err)
	}
	a := &Adapter{
		opts:       opts,
		client:     client,
		evmChainID: evmChainID,
		signer:     gethtypes.LatestSignerForChainID(evmChainID),
		keys:       make(map[common.Address]*ecdsa.PrivateKey),
		watches:    make(map[common.Address]*watchState),
	}
	if opts.TankKey != "" {
		key, err := crypto.HexToECDSA(opts.TankKey)
		if err != nil {
			return nil, fmt.Errorf("parse tank key: %w", err)
		}
		a.keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	log.Infow("evm adapter ready", "chain", opts.ChainID, "evmChainId", evmChainID.String())
	return a, nil
}

func (a *Adapter) ChainID() string    { return a.opts.ChainID }
func (a *Adapter) AccountBased() bool { return true }

func (a *Adapter) decimals(asset string) int32 {
	if d, ok := a.opts.Decimals[asset]; ok {
		return d
	}
	return 18
}

// toUnits converts a decimal amount to the asset's integer base units.
func (a *Adapter) toUnits(asset string, amount types.Amount) *big.Int {
	return amount.Decimal().Shift(a.decimals(asset)).BigInt()
}

// fromUnits converts integer base units back to a decimal amount.
func (a *Adapter) fromUnits(asset string, units *big.Int) types.Amount {
	am, _ := types.NewAmount(decimal.NewFromBigInt(units, -a.decimals(asset)).String())
	return am
}

func (a *Adapter) tokenContract(asset string) (common.Address, bool) {
	addr, ok := a.opts.Tokens[asset]
	return addr, ok
}

func (a *Adapter) key(address string) (*ecdsa.PrivateKey, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	key, ok := a.keys[common.HexToAddress(address)]
	if !ok {
		return nil, fmt.Errorf("no key material for %s on %s", address, a.opts.ChainID)
	}
	return key, nil
}

// GenerateEscrowAccount derives the escrow key for (dealId, party) and keeps
// it in the in-memory keyring. Re-derivation after a restart yields the same
// address and key.
func (a *Adapter) GenerateEscrowAccount(_ context.Context, _ string, dealID string, party types.Party) (*types.EscrowAccount, error) {
	key, path, err := a.opts.Wallet.DeriveEscrowECDSA(hdwallet.CoinEthereum, dealID, string(party))
	if err != nil {
		return nil, fmt.Errorf("derive escrow for %s/%s: %w", dealID, party, err)
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	a.mu.Lock()
	a.keys[address] = key
	a.mu.Unlock()
	return &types.EscrowAccount{
		ChainID: a.opts.ChainID,
		Address: address.Hex(),
		KeyRef:  path,
	}, nil
}

// ListConfirmedDeposits scans the chain incrementally for transfers into the
// address and reports every known deposit with its current confirmation
// count. The first call scans at most LookbackBlocks history; subsequent
// calls continue from the previous head.
func (a *Adapter) ListConfirmedDeposits(ctx context.Context, asset, address string, minConfirms int64, _ time.Time) (*chain.DepositPage, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("query head: %w", err)
	}

	addr := common.HexToAddress(address)
	a.mu.Lock()
	watch, ok := a.watches[addr]
	if !ok {
		from := uint64(0)
		if head > a.opts.LookbackBlocks {
			from = head - a.opts.LookbackBlocks
		}
		watch = &watchState{asset: asset, nextScan: from, deposits: make(map[string]*depositRecord)}
		a.watches[addr] = watch
	}
	a.mu.Unlock()

	if token, ok := a.tokenContract(asset); ok {
		err = a.scanTokenTransfers(ctx, watch, token, addr, head)
	} else if asset == a.opts.NativeAsset {
		err = a.scanNativeTransfers(ctx, watch, addr, head)
	} else {
		return nil, fmt.Errorf("asset %s not configured on %s", asset, a.opts.ChainID)
	}
	if err != nil {
		return nil, err
	}

	page := &chain.DepositPage{TotalConfirmed: types.ZeroAmount()}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range watch.deposits {
		confirms := int64(head) - int64(rec.blockHeight) + 1
		if confirms < minConfirms {
			continue
		}
		page.Deposits = append(page.Deposits, &types.Deposit{
			TxID:        rec.txID,
			Index:       rec.index,
			ChainID:     a.opts.ChainID,
			Address:     address,
			Asset:       asset,
			Amount:      rec.amount,
			BlockHeight: int64(rec.blockHeight),
			BlockTime:   rec.blockTime,
			Confirms:    confirms,
		})
		page.TotalConfirmed = page.TotalConfirmed.Add(rec.amount)
	}
	return page, nil
}

// scanNativeTransfers walks not-yet-scanned blocks looking for value
// transfers to addr.
func (a *Adapter) scanNativeTransfers(ctx context.Context, watch *watchState, addr common.Address, head uint64) error {
	a.mu.Lock()
	from := watch.nextScan
	a.mu.Unlock()
	for n := from; n <= head; n++ {
		block, err := a.client.BlockByNumber(ctx, new(big.Int).SetUint64(n))
		if err != nil {
			return fmt.Errorf("block %d: %w", n, err)
		}
		for i, tx := range block.Transactions() {
			if tx.To() == nil || *tx.To() != addr || tx.Value().Sign() <= 0 {
				continue
			}
			rec := &depositRecord{
				txID:        tx.Hash().Hex(),
				index:       uint32(i),
				amount:      a.fromUnits(a.opts.NativeAsset, tx.Value()),
				blockHeight: n,
				blockTime:   time.Unix(int64(block.Time()), 0).UTC(),
			}
			a.mu.Lock()
			watch.deposits[fmt.Sprintf("%s:%d", rec.txID, rec.index)] = rec
			a.mu.Unlock()
		}
	}
	a.mu.Lock()
	watch.nextScan = head + 1
	a.mu.Unlock()
	return nil
}

// scanTokenTransfers uses the ERC-20 Transfer event log to find inbound token
// transfers.
func (a *Adapter) scanTokenTransfers(ctx context.Context, watch *watchState, token, addr common.Address, head uint64) error {
	a.mu.Lock()
	from := watch.nextScan
	a.mu.Unlock()
	if from > head {
		return nil
	}
	logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{token},
		Topics: [][]common.Hash{
			{transferEventTopic},
			nil,
			{common.BytesToHash(addr.Bytes())},
		},
	})
	if err != nil {
		return fmt.Errorf("filter transfer logs: %w", err)
	}
	for _, lg := range logs {
		if lg.Removed || len(lg.Data) < 32 {
			continue
		}
		header, err := a.client.HeaderByNumber(ctx, new(big.Int).SetUint64(lg.BlockNumber))
		if err != nil {
			return fmt.Errorf("header %d: %w", lg.BlockNumber, err)
		}
		rec := &depositRecord{
			txID:        lg.TxHash.Hex(),
			index:       uint32(lg.Index),
			amount:      a.fromUnits(watch.asset, new(big.Int).SetBytes(lg.Data[:32])),
			blockHeight: lg.BlockNumber,
			blockTime:   time.Unix(int64(header.Time), 0).UTC(),
		}
		a.mu.Lock()
		watch.deposits[fmt.Sprintf("%s:%d", rec.txID, rec.index)] = rec
		a.mu.Unlock()
	}
	a.mu.Lock()
	watch.nextScan = head + 1
	a.mu.Unlock()
	return nil
}

// Send broadcasts a native or ERC-20 transfer signed with the sender's
// derived key. The caller supplies the nonce; a nil gas price uses the node's
// suggestion.
func (a *Adapter) Send(ctx context.Context, req *chain.SendRequest) (*types.SubmittedTx, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	key, err := a.key(req.From)
	if err != nil {
		return nil, err
	}
	if req.Nonce == nil {
		return nil, fmt.Errorf("nonce required for %s send", a.opts.ChainID)
	}

	gasPrice := req.GasPrice.MathBigInt()
	if req.GasPrice == nil {
		if gasPrice, err = a.client.SuggestGasPrice(ctx); err != nil {
			return nil, fmt.Errorf("suggest gas price: %w", err)
		}
	}

	var tx *gethtypes.Transaction
	if token, ok := a.tokenContract(req.Asset); ok {
		data, err := packERC20Transfer(common.HexToAddress(req.To), a.toUnits(req.Asset, req.Amount))
		if err != nil {
			return nil, err
		}
		tx = gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    *req.Nonce,
			To:       &token,
			Value:    common.Big0,
			Gas:      gasLimitERC20,
			GasPrice: gasPrice,
			Data:     data,
		})
	} else if req.Asset == a.opts.NativeAsset {
		to := common.HexToAddress(req.To)
		tx = gethtypes.NewTx(&gethtypes.LegacyTx{
			Nonce:    *req.Nonce,
			To:       &to,
			Value:    a.toUnits(req.Asset, req.Amount),
			Gas:      gasLimitNative,
			GasPrice: gasPrice,
		})
	} else {
		return nil, fmt.Errorf("asset %s not configured on %s", req.Asset, a.opts.ChainID)
	}

	signed, err := gethtypes.SignTx(tx, a.signer, key)
	if err != nil {
		return nil, fmt.Errorf("sign tx: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcast tx: %w", err)
	}
	log.Debugw("evm tx broadcast",
		"chain", a.opts.ChainID, "txid", signed.Hash().Hex(), "nonce", *req.Nonce, "to", req.To)
	return &types.SubmittedTx{
		TxID:        signed.Hash().Hex(),
		SubmittedAt: time.Now().UTC(),
		Nonce:       req.Nonce,
		GasPrice:    types.BigIntFrom(gasPrice),
	}, nil
}

// GetTxConfirmations returns the tx's confirmation depth, 0 while pending,
// and -1 when the node no longer knows the transaction.
func (a *Adapter) GetTxConfirmations(ctx context.Context, txid string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	hash := common.HexToHash(txid)
	_, pending, err := a.client.TransactionByHash(ctx, hash)
	if err == ethereum.NotFound {
		return types.ReorgConfirms, nil
	}
	if err != nil {
		return 0, fmt.Errorf("query tx %s: %w", txid, err)
	}
	if pending {
		return 0, nil
	}
	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if err == ethereum.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("receipt %s: %w", txid, err)
	}
	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("query head: %w", err)
	}
	return int64(head) - receipt.BlockNumber.Int64() + 1, nil
}

// CheckExistingTransfer looks for an already mined transfer matching the
// intended send. ERC-20 transfers are found through the Transfer event log;
// native duplicates are instead prevented by strict nonce accounting, so the
// native path reports none.
func (a *Adapter) CheckExistingTransfer(ctx context.Context, from, to, asset string, amount types.Amount) (*chain.ExistingTransfer, error) {
	token, ok := a.tokenContract(asset)
	if !ok {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	head, err := a.client.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("query head: %w", err)
	}
	start := uint64(0)
	if head > a.opts.LookbackBlocks {
		start = head - a.opts.LookbackBlocks
	}
	logs, err := a.client.FilterLogs(ctx, ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(start),
		ToBlock:   new(big.Int).SetUint64(head),
		Addresses: []common.Address{token},
		Topics: [][]common.Hash{
			{transferEventTopic},
			{common.BytesToHash(common.HexToAddress(from).Bytes())},
			{common.BytesToHash(common.HexToAddress(to).Bytes())},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("filter transfer logs: %w", err)
	}
	want := a.toUnits(asset, amount)
	for _, lg := range logs {
		if lg.Removed || len(lg.Data) < 32 {
			continue
		}
		if new(big.Int).SetBytes(lg.Data[:32]).Cmp(want) == 0 {
			return &chain.ExistingTransfer{
				TxID:        lg.TxHash.Hex(),
				BlockHeight: int64(lg.BlockNumber),
			}, nil
		}
	}
	return nil, nil
}

// EstimateFeeBudget returns the native amount a sender should hold for one
// transfer of the asset, with headroom for a single gas bump.
func (a *Adapter) EstimateFeeBudget(ctx context.Context, asset string) (types.Amount, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return types.ZeroAmount(), fmt.Errorf("suggest gas price: %w", err)
	}
	limit := int64(gasLimitNative)
	if _, ok := a.tokenContract(asset); ok {
		limit = gasLimitERC20
	}
	wei := new(big.Int).Mul(gasPrice, big.NewInt(limit*feeHeadroom))
	return a.fromUnits(a.opts.NativeAsset, wei), nil
}

// NativeBalance returns the latest native balance of an address.
func (a *Adapter) NativeBalance(ctx context.Context, address string) (types.Amount, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	wei, err := a.client.BalanceAt(ctx, common.HexToAddress(address), nil)
	if err != nil {
		return types.ZeroAmount(), fmt.Errorf("balance of %s: %w", address, err)
	}
	return a.fromUnits(a.opts.NativeAsset, wei), nil
}

// PendingNonce returns the node's next nonce for an address, including
// mempool transactions.
func (a *Adapter) PendingNonce(ctx context.Context, address string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()
	return a.client.PendingNonceAt(ctx, common.HexToAddress(address))
}

// QuoteNativeForUSD converts USD to native at the operator-maintained rate.
func (a *Adapter) QuoteNativeForUSD(_ context.Context, usd types.Amount) (*chain.Quote, error) {
	if a.opts.USDRate.IsZero() {
		return nil, fmt.Errorf("no usd rate configured for %s", a.opts.ChainID)
	}
	return &chain.Quote{
		NativeAmount: usd.Mul(a.opts.USDRate).FloorTo(a.decimals(a.opts.NativeAsset)),
		Source:       "operator-rate",
		AsOf:         time.Now().UTC(),
	}, nil
}
