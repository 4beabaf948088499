// Package utxo implements the chain adapter for bitcoind-style UTXO chains
// over the btcd rpcclient. Escrow addresses are HD-derived P2WPKH keys
// imported watch-only into the node; outbound transfers are raw transactions
// built and signed locally. UTXO chains carry no nonces, so outbound ordering
// relies entirely on the engine's phase barriers.
package utxo

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/shopspring/decimal"

	"github.com/unicitynetwork/otcbroker/chain"
	"github.com/unicitynetwork/otcbroker/chain/hdwallet"
	"github.com/unicitynetwork/otcbroker/log"
	"github.com/unicitynetwork/otcbroker/types"
)

const (
	assetDecimals = 8

	// P2WPKH weight estimates for fee calculation.
	txOverheadVBytes = 11
	inputVBytes      = 68
	outputVBytes     = 31

	maxListConfirms = 9_999_999

	// Wallet history paging for the existing-transfer scan.
	historyPageSize = 100
	maxHistoryScan  = 1000
)

// Options configure a UTXO adapter instance.
type Options struct {
	ChainID     string
	Host        string
	User        string
	Pass        string
	Params      *chaincfg.Params
	Wallet      *hdwallet.Wallet
	NativeAsset string
	// FeePerKB is the flat fee rate for outbound transactions.
	FeePerKB btcutil.Amount
	// USDRate is the operator-maintained native-per-USD rate.
	USDRate types.Amount
}

// Adapter implements chain.Adapter for one UTXO chain.
type Adapter struct {
	opts   Options
	client *rpcclient.Client

	mu         sync.Mutex
	keys       map[string]*btcec.PrivateKey // address -> key
	blockTimes map[string]time.Time         // txid -> block time
}

var _ chain.Adapter = (*Adapter)(nil)

// New connects to the node over HTTP POST JSON-RPC.
func New(opts Options) (*Adapter, error) {
	if opts.Wallet == nil {
		return nil, fmt.Errorf("utxo adapter %s: wallet required", opts.ChainID)
	}
	if opts.Params == nil {
		opts.Params = &chaincfg.MainNetParams
	}
	if opts.FeePerKB == 0 {
		opts.FeePerKB = 1000
	}
	client, err := rpcclient.New(&rpcclient.ConnConfig{
		Host:         opts.Host,
		User:         opts.User,
		Pass:         opts.Pass,
		HTTPPostMode: true,
		DisableTLS:   true,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", opts.Host, err)
	}
	log.Infow("utxo adapter ready", "chain", opts.ChainID, "host", opts.Host)
	return &Adapter{
		opts:       opts,
		client:     client,
		keys:       make(map[string]*btcec.PrivateKey),
		blockTimes: make(map[string]time.Time),
	}, nil
}

func (a *Adapter) ChainID() string    { return a.opts.ChainID }
func (a *Adapter) AccountBased() bool { return false }

func satoshiToAmount(sat btcutil.Amount) types.Amount {
	am, _ := types.NewAmount(decimal.New(int64(sat), -assetDecimals).String())
	return am
}

func amountToSatoshi(am types.Amount) btcutil.Amount {
	return btcutil.Amount(am.Decimal().Shift(assetDecimals).IntPart())
}

// GenerateEscrowAccount derives the escrow key for (dealId, party), imports
// the P2WPKH address watch-only so listunspent covers it, and keeps the key
// in the in-memory keyring.
func (a *Adapter) GenerateEscrowAccount(_ context.Context, _ string, dealID string, party types.Party) (*types.EscrowAccount, error) {
	key, _, path, err := a.opts.Wallet.DeriveEscrowKey(hdwallet.CoinBitcoin, dealID, string(party))
	if err != nil {
		return nil, fmt.Errorf("derive escrow for %s/%s: %w", dealID, party, err)
	}
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		btcutil.Hash160(key.PubKey().SerializeCompressed()), a.opts.Params)
	if err != nil {
		return nil, fmt.Errorf("escrow address: %w", err)
	}
	// No rescan: escrow addresses are fresh by construction.
	if err := a.client.ImportAddressRescan(addr.EncodeAddress(), "", false); err != nil {
		return nil, fmt.Errorf("import escrow address: %w", err)
	}
	a.mu.Lock()
	a.keys[addr.EncodeAddress()] = key
	a.mu.Unlock()
	return &types.EscrowAccount{
		ChainID: a.opts.ChainID,
		Address: addr.EncodeAddress(),
		KeyRef:  path,
	}, nil
}

func (a *Adapter) listUnspent(address string, minConfirms int64) ([]btcjson.ListUnspentResult, error) {
	addr, err := btcutil.DecodeAddress(address, a.opts.Params)
	if err != nil {
		return nil, fmt.Errorf("decode address %s: %w", address, err)
	}
	if minConfirms < 0 {
		minConfirms = 0
	}
	unspent, err := a.client.ListUnspentMinMaxAddresses(int(minConfirms), maxListConfirms, []btcutil.Address{addr})
	if err != nil {
		return nil, fmt.Errorf("listunspent %s: %w", address, err)
	}
	return unspent, nil
}

// blockTime resolves the block timestamp of a transaction, cached per txid.
func (a *Adapter) blockTime(txid string) (time.Time, error) {
	a.mu.Lock()
	if t, ok := a.blockTimes[txid]; ok {
		a.mu.Unlock()
		return t, nil
	}
	a.mu.Unlock()

	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse txid %s: %w", txid, err)
	}
	verbose, err := a.client.GetRawTransactionVerbose(hash)
	if err != nil {
		return time.Time{}, fmt.Errorf("query tx %s: %w", txid, err)
	}
	if verbose.Blocktime == 0 {
		return time.Time{}, nil
	}
	t := time.Unix(verbose.Blocktime, 0).UTC()
	a.mu.Lock()
	a.blockTimes[txid] = t
	a.mu.Unlock()
	return t, nil
}

// ListConfirmedDeposits maps the node's unspent view of the address to
// deposit records. Spent outputs drop out of the listing, which is fine: the
// engine only spends escrow outputs after the deal's accounting is settled.
func (a *Adapter) ListConfirmedDeposits(_ context.Context, asset, address string, minConfirms int64, _ time.Time) (*chain.DepositPage, error) {
	if asset != a.opts.NativeAsset {
		return nil, fmt.Errorf("asset %s not configured on %s", asset, a.opts.ChainID)
	}
	unspent, err := a.listUnspent(address, minConfirms)
	if err != nil {
		return nil, err
	}
	page := &chain.DepositPage{TotalConfirmed: types.ZeroAmount()}
	for _, u := range unspent {
		sat, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount of %s:%d: %w", u.TxID, u.Vout, err)
		}
		mined, err := a.blockTime(u.TxID)
		if err != nil {
			log.Warnw("block time lookup failed", "chain", a.opts.ChainID, "txid", u.TxID, "error", err)
		}
		amount := satoshiToAmount(sat)
		page.Deposits = append(page.Deposits, &types.Deposit{
			TxID:      u.TxID,
			Index:     u.Vout,
			ChainID:   a.opts.ChainID,
			Address:   address,
			Asset:     asset,
			Amount:    amount,
			BlockTime: mined,
			Confirms:  u.Confirmations,
		})
		page.TotalConfirmed = page.TotalConfirmed.Add(amount)
	}
	return page, nil
}

// Send builds, signs and broadcasts a raw transaction spending the sender's
// unspent outputs: one output to the destination, change back to the sender.
// Inputs are selected largest-first; the fee comes out of the inputs, never
// out of the transfer amount.
func (a *Adapter) Send(_ context.Context, req *chain.SendRequest) (*types.SubmittedTx, error) {
	if req.Asset != a.opts.NativeAsset {
		return nil, fmt.Errorf("asset %s not configured on %s", req.Asset, a.opts.ChainID)
	}
	a.mu.Lock()
	key, ok := a.keys[req.From]
	a.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no key material for %s on %s", req.From, a.opts.ChainID)
	}

	unspent, err := a.listUnspent(req.From, 1)
	if err != nil {
		return nil, err
	}
	sort.Slice(unspent, func(i, j int) bool { return unspent[i].Amount > unspent[j].Amount })

	target := amountToSatoshi(req.Amount)
	var selected []btcjson.ListUnspentResult
	var total btcutil.Amount
	fee := a.fee(1, 2)
	for _, u := range unspent {
		sat, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return nil, fmt.Errorf("parse amount of %s:%d: %w", u.TxID, u.Vout, err)
		}
		selected = append(selected, u)
		total += sat
		fee = a.fee(len(selected), 2)
		if total >= target+fee {
			break
		}
	}
	if total < target+fee {
		return nil, fmt.Errorf("insufficient funds on %s: have %s, need %s plus %s fee",
			req.From, total, target, fee)
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)
	var inputs []string
	for _, u := range selected {
		hash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			return nil, fmt.Errorf("parse txid %s: %w", u.TxID, err)
		}
		outpoint := wire.NewOutPoint(hash, u.Vout)
		tx.AddTxIn(wire.NewTxIn(outpoint, nil, nil))
		pkScript, err := hex.DecodeString(u.ScriptPubKey)
		if err != nil {
			return nil, fmt.Errorf("decode script of %s:%d: %w", u.TxID, u.Vout, err)
		}
		sat, _ := btcutil.NewAmount(u.Amount)
		prevOuts.AddPrevOut(*outpoint, wire.NewTxOut(int64(sat), pkScript))
		inputs = append(inputs, fmt.Sprintf("%s:%d", u.TxID, u.Vout))
	}

	toAddr, err := btcutil.DecodeAddress(req.To, a.opts.Params)
	if err != nil {
		return nil, fmt.Errorf("decode destination %s: %w", req.To, err)
	}
	toScript, err := txscript.PayToAddrScript(toAddr)
	if err != nil {
		return nil, fmt.Errorf("destination script: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(target), toScript))

	change := total - target - fee
	if change > 0 {
		// Dust change is left to the fee instead of creating an
		// unspendable output.
		if change >= btcutil.Amount(outputVBytes)*3 {
			fromAddr, err := btcutil.DecodeAddress(req.From, a.opts.Params)
			if err != nil {
				return nil, fmt.Errorf("decode sender %s: %w", req.From, err)
			}
			changeScript, err := txscript.PayToAddrScript(fromAddr)
			if err != nil {
				return nil, fmt.Errorf("change script: %w", err)
			}
			tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
		}
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	for i, txIn := range tx.TxIn {
		prev := prevOuts.FetchPrevOutput(txIn.PreviousOutPoint)
		witness, err := txscript.WitnessSignature(tx, sigHashes, i, prev.Value, prev.PkScript,
			txscript.SigHashAll, key, true)
		if err != nil {
			return nil, fmt.Errorf("sign input %d: %w", i, err)
		}
		txIn.Witness = witness
	}

	txid, err := a.client.SendRawTransaction(tx, false)
	if err != nil {
		return nil, fmt.Errorf("broadcast tx: %w", err)
	}
	log.Debugw("utxo tx broadcast",
		"chain", a.opts.ChainID, "txid", txid.String(), "inputs", len(inputs), "to", req.To)
	return &types.SubmittedTx{
		TxID:        txid.String(),
		SubmittedAt: time.Now().UTC(),
		Inputs:      inputs,
	}, nil
}

func (a *Adapter) fee(inputs, outputs int) btcutil.Amount {
	vbytes := txOverheadVBytes + inputs*inputVBytes + outputs*outputVBytes
	return a.opts.FeePerKB * btcutil.Amount(vbytes) / 1000
}

// GetTxConfirmations returns the confirmation count, 0 while in the mempool,
// and -1 when the node no longer knows the transaction.
func (a *Adapter) GetTxConfirmations(_ context.Context, txid string) (int64, error) {
	hash, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return 0, fmt.Errorf("parse txid %s: %w", txid, err)
	}
	verbose, err := a.client.GetRawTransactionVerbose(hash)
	if err != nil {
		var rpcErr *btcjson.RPCError
		if errors.As(err, &rpcErr) && rpcErr.Code == btcjson.ErrRPCNoTxInfo {
			return types.ReorgConfirms, nil
		}
		return 0, fmt.Errorf("query tx %s: %w", txid, err)
	}
	return int64(verbose.Confirmations), nil
}

// CheckExistingTransfer scans the node's wallet history for an already
// broadcast send matching (to, amount). A transfer broadcast right before a
// crash never reached the ledger as SUBMITTED; without this scan its retry
// would fail forever on the spent inputs. Matching is on destination and
// amount, which is exact for the engine's one-destination outputs. A node
// that cannot answer degrades to "no match" so dispatch proceeds on the
// unspent view.
func (a *Adapter) CheckExistingTransfer(_ context.Context, _ string, to, asset string, amount types.Amount) (*chain.ExistingTransfer, error) {
	if asset != a.opts.NativeAsset {
		return nil, fmt.Errorf("asset %s not configured on %s", asset, a.opts.ChainID)
	}
	target := amountToSatoshi(amount)
	for skip := 0; skip < maxHistoryScan; skip += historyPageSize {
		entries, err := a.client.ListTransactionsCountFrom("*", historyPageSize, skip)
		if err != nil {
			log.Warnw("wallet history unavailable", "chain", a.opts.ChainID, "error", err)
			return nil, nil
		}
		for _, entry := range entries {
			if entry.Category != "send" || entry.Address != to || entry.Abandoned {
				continue
			}
			// Send amounts are reported negative.
			sat, err := btcutil.NewAmount(entry.Amount)
			if err != nil {
				continue
			}
			if sat < 0 {
				sat = -sat
			}
			if sat != target {
				continue
			}
			existing := &chain.ExistingTransfer{TxID: entry.TxID}
			if entry.BlockHeight != nil {
				existing.BlockHeight = int64(*entry.BlockHeight)
			}
			return existing, nil
		}
		if len(entries) < historyPageSize {
			break
		}
	}
	return nil, nil
}

// EstimateFeeBudget is zero: fees come out of the spent inputs, so escrows
// need no separate native balance.
func (a *Adapter) EstimateFeeBudget(context.Context, string) (types.Amount, error) {
	return types.ZeroAmount(), nil
}

// NativeBalance sums the address's unspent outputs.
func (a *Adapter) NativeBalance(_ context.Context, address string) (types.Amount, error) {
	unspent, err := a.listUnspent(address, 0)
	if err != nil {
		return types.ZeroAmount(), err
	}
	total := types.ZeroAmount()
	for _, u := range unspent {
		sat, err := btcutil.NewAmount(u.Amount)
		if err != nil {
			return types.ZeroAmount(), fmt.Errorf("parse amount of %s:%d: %w", u.TxID, u.Vout, err)
		}
		total = total.Add(satoshiToAmount(sat))
	}
	return total, nil
}

// PendingNonce is not a UTXO concept.
func (a *Adapter) PendingNonce(context.Context, string) (uint64, error) {
	return 0, chain.ErrNotSupported
}

// QuoteNativeForUSD converts USD to native at the operator-maintained rate.
func (a *Adapter) QuoteNativeForUSD(_ context.Context, usd types.Amount) (*chain.Quote, error) {
	if a.opts.USDRate.IsZero() {
		return nil, fmt.Errorf("no usd rate configured for %s", a.opts.ChainID)
	}
	return &chain.Quote{
		NativeAmount: usd.Mul(a.opts.USDRate).FloorTo(assetDecimals),
		Source:       "operator-rate",
		AsOf:         time.Now().UTC(),
	}, nil
}
