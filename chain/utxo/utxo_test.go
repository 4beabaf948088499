package utxo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcjson"
	"github.com/btcsuite/btcd/chaincfg"
	qt "github.com/frankban/quicktest"

	"github.com/unicitynetwork/otcbroker/chain/hdwallet"
	"github.com/unicitynetwork/otcbroker/types"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

// rpcStub serves bitcoind-style JSON-RPC over HTTP POST, dispatching each
// request to the given handler.
func rpcStub(t *testing.T, handler func(method string, params []json.RawMessage) (any, *btcjson.RPCError)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req btcjson.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rpcErr := handler(req.Method, req.Params)
		resp, err := btcjson.MarshalResponse(req.Jsonrpc, req.ID, result, rpcErr)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	wallet, err := hdwallet.New(testMnemonic, "")
	qt.Assert(t, err, qt.IsNil)
	a, err := New(Options{
		ChainID:     "UNICITY",
		Host:        strings.TrimPrefix(srv.URL, "http://"),
		User:        "test",
		Pass:        "test",
		Params:      &chaincfg.RegressionNetParams,
		Wallet:      wallet,
		NativeAsset: "ALPHA",
	})
	qt.Assert(t, err, qt.IsNil)
	return a
}

func TestCheckExistingTransferMatchesHistory(t *testing.T) {
	c := qt.New(t)
	height := int32(120)
	srv := rpcStub(t, func(method string, _ []json.RawMessage) (any, *btcjson.RPCError) {
		c.Assert(method, qt.Equals, "listtransactions")
		return []btcjson.ListTransactionsResult{
			// Incoming transfers and sends to other destinations must
			// not match.
			{Category: "receive", Address: "bcrt1qdest", Amount: 0.5, TxID: "rx1"},
			{Category: "send", Address: "bcrt1qother", Amount: -0.5, TxID: "tx-other"},
			{Category: "send", Address: "bcrt1qdest", Amount: -0.25, TxID: "tx-partial"},
			{Category: "send", Address: "bcrt1qdest", Amount: -0.5, TxID: "tx-match", BlockHeight: &height},
		}, nil
	})

	a := newTestAdapter(t, srv)
	existing, err := a.CheckExistingTransfer(context.Background(),
		"bcrt1qescrow", "bcrt1qdest", "ALPHA", types.MustAmount("0.5"))
	c.Assert(err, qt.IsNil)
	c.Assert(existing, qt.IsNotNil)
	c.Assert(existing.TxID, qt.Equals, "tx-match")
	c.Assert(existing.BlockHeight, qt.Equals, int64(120))
}

func TestCheckExistingTransferNoMatch(t *testing.T) {
	c := qt.New(t)
	srv := rpcStub(t, func(_ string, _ []json.RawMessage) (any, *btcjson.RPCError) {
		return []btcjson.ListTransactionsResult{
			{Category: "send", Address: "bcrt1qdest", Amount: -0.25, TxID: "tx-partial"},
		}, nil
	})

	a := newTestAdapter(t, srv)
	existing, err := a.CheckExistingTransfer(context.Background(),
		"bcrt1qescrow", "bcrt1qdest", "ALPHA", types.MustAmount("0.5"))
	c.Assert(err, qt.IsNil)
	c.Assert(existing, qt.IsNil)
}

func TestCheckExistingTransferNodeUnavailable(t *testing.T) {
	c := qt.New(t)
	srv := rpcStub(t, func(_ string, _ []json.RawMessage) (any, *btcjson.RPCError) {
		return nil, &btcjson.RPCError{Code: btcjson.ErrRPCInternal.Code, Message: "loading wallet"}
	})

	// A node that cannot answer degrades to "no match": the dispatch falls
	// back on the unspent view instead of stalling.
	a := newTestAdapter(t, srv)
	existing, err := a.CheckExistingTransfer(context.Background(),
		"bcrt1qescrow", "bcrt1qdest", "ALPHA", types.MustAmount("0.5"))
	c.Assert(err, qt.IsNil)
	c.Assert(existing, qt.IsNil)
}
