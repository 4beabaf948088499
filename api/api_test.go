package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/jonboulle/clockwork"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/unicitynetwork/otcbroker/chain"
	"github.com/unicitynetwork/otcbroker/chain/chaintest"
	"github.com/unicitynetwork/otcbroker/config"
	"github.com/unicitynetwork/otcbroker/engine"
	"github.com/unicitynetwork/otcbroker/storage"
	"github.com/unicitynetwork/otcbroker/types"
)

func init() {
	DisabledLogging = true
}

// newTestAPI builds a router over a full engine with two scripted chains.
// The engine drivers are never started; handlers run synchronously.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	testdb, err := metadb.New(db.TypePebble, filepath.Join(t.TempDir(), "db"))
	qt.Assert(t, err, qt.IsNil)
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	stg := storage.New(testdb, clock)
	t.Cleanup(stg.Close)

	eth := chaintest.New("ETH", true)
	eth.SetClock(clock)
	alpha := chaintest.New("UNICITY", false)
	alpha.SetClock(clock)
	registry := chain.NewRegistry()
	qt.Assert(t, registry.Register(eth), qt.IsNil)
	qt.Assert(t, registry.Register(alpha), qt.IsNil)

	cfg := config.DefaultConfig()
	cfg.Chains["ETH"] = &config.ChainConfig{
		Confirmations:   6,
		CollectConfirms: 2,
		OperatorAddress: "eth-operator",
		NativeAsset:     "ETH",
		AccountBased:    true,
	}
	cfg.Chains["UNICITY"] = &config.ChainConfig{
		Confirmations:   3,
		CollectConfirms: 1,
		OperatorAddress: "alpha-operator",
		NativeAsset:     "ALPHA",
	}
	cfg.Wallet.TankAddress = "eth-tank"
	qt.Assert(t, cfg.Validate(), qt.IsNil)

	a := &API{engine: engine.New(stg, registry, cfg)}
	a.initRouter()
	return a
}

func doJSON(t *testing.T, router http.Handler, method, path string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		qt.Assert(t, json.NewEncoder(&buf).Encode(body), qt.IsNil)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		qt.Assert(t, json.Unmarshal(rec.Body.Bytes(), out), qt.IsNil)
	}
	return rec
}

func createTestDeal(t *testing.T, router http.Handler) *engine.CreateDealResult {
	t.Helper()
	created := &engine.CreateDealResult{}
	rec := doJSON(t, router, http.MethodPost, DealsEndpoint, &engine.CreateDealRequest{
		Name:           "eth for alpha",
		Alice:          types.TradeLeg{ChainID: "ETH", Asset: "ETH", Amount: types.MustAmount("1.0")},
		Bob:            types.TradeLeg{ChainID: "UNICITY", Asset: "ALPHA", Amount: types.MustAmount("100")},
		TimeoutSeconds: 3600,
	}, created)
	qt.Assert(t, rec.Code, qt.Equals, http.StatusOK)
	return created
}

func TestPing(t *testing.T) {
	c := qt.New(t)
	a := newTestAPI(t)
	rec := doJSON(t, a.Router(), http.MethodGet, PingEndpoint, nil, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
}

func TestCreateAndStatus(t *testing.T) {
	c := qt.New(t)
	a := newTestAPI(t)
	created := createTestDeal(t, a.Router())
	c.Assert(created.DealID, qt.Not(qt.Equals), "")
	c.Assert(created.TokenAlice, qt.Not(qt.Equals), "")
	c.Assert(created.TokenBob, qt.Not(qt.Equals), "")
	c.Assert(created.TokenAlice, qt.Not(qt.Equals), created.TokenBob)

	status := &engine.DealStatus{}
	rec := doJSON(t, a.Router(), http.MethodGet, DealsEndpoint+"/"+created.DealID, nil, status)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(status.DealID, qt.Equals, created.DealID)
	c.Assert(status.Stage, qt.Equals, types.StageCreated)
	c.Assert(status.Alice.Asset, qt.Equals, "ETH")
	c.Assert(status.Bob.Asset, qt.Equals, "ALPHA")
}

func TestCreateDealRejections(t *testing.T) {
	c := qt.New(t)
	a := newTestAPI(t)

	// Malformed body.
	req := httptest.NewRequest(http.MethodPost, DealsEndpoint, bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)

	// Unknown chain.
	rec = doJSON(t, a.Router(), http.MethodPost, DealsEndpoint, &engine.CreateDealRequest{
		Alice:          types.TradeLeg{ChainID: "DOGE", Asset: "DOGE", Amount: types.MustAmount("1")},
		Bob:            types.TradeLeg{ChainID: "ETH", Asset: "ETH", Amount: types.MustAmount("1")},
		TimeoutSeconds: 3600,
	}, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)

	// Non-positive timeout.
	rec = doJSON(t, a.Router(), http.MethodPost, DealsEndpoint, &engine.CreateDealRequest{
		Alice:          types.TradeLeg{ChainID: "ETH", Asset: "ETH", Amount: types.MustAmount("1")},
		Bob:            types.TradeLeg{ChainID: "UNICITY", Asset: "ALPHA", Amount: types.MustAmount("1")},
		TimeoutSeconds: 0,
	}, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusBadRequest)
}

func TestFillDetailsFlow(t *testing.T) {
	c := qt.New(t)
	a := newTestAPI(t)
	created := createTestDeal(t, a.Router())

	escrow := &types.EscrowAccount{}
	rec := doJSON(t, a.Router(), http.MethodPost, DealDetailsEndpoint, &engine.FillDetailsRequest{
		Token:            created.TokenAlice,
		PaybackAddress:   "alice-payback",
		RecipientAddress: "alice-recipient",
	}, escrow)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(escrow.ChainID, qt.Equals, "ETH")
	c.Assert(escrow.Address, qt.Not(qt.Equals), "")

	// Details lock on first fill.
	rec = doJSON(t, a.Router(), http.MethodPost, DealDetailsEndpoint, &engine.FillDetailsRequest{
		Token:            created.TokenAlice,
		PaybackAddress:   "other-payback",
		RecipientAddress: "other-recipient",
	}, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusConflict)

	// Unknown token.
	rec = doJSON(t, a.Router(), http.MethodPost, DealDetailsEndpoint, &engine.FillDetailsRequest{
		Token:            "no-such-token",
		PaybackAddress:   "p",
		RecipientAddress: "r",
	}, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusNotFound)
}

func TestCancelDeal(t *testing.T) {
	c := qt.New(t)
	a := newTestAPI(t)
	created := createTestDeal(t, a.Router())

	rec := doJSON(t, a.Router(), http.MethodPost, DealCancelEndpoint,
		&cancelDealRequest{Token: created.TokenBob}, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)

	status := &engine.DealStatus{}
	rec = doJSON(t, a.Router(), http.MethodGet, DealsEndpoint+"/"+created.DealID, nil, status)
	c.Assert(rec.Code, qt.Equals, http.StatusOK)
	c.Assert(status.Stage, qt.Equals, types.StageClosed)

	// Cancelling a closed deal is rejected.
	rec = doJSON(t, a.Router(), http.MethodPost, DealCancelEndpoint,
		&cancelDealRequest{Token: created.TokenBob}, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusConflict)
}

func TestStatusNotFound(t *testing.T) {
	c := qt.New(t)
	a := newTestAPI(t)
	rec := doJSON(t, a.Router(), http.MethodGet, DealsEndpoint+"/does-not-exist", nil, nil)
	c.Assert(rec.Code, qt.Equals, http.StatusNotFound)

	var apiErr struct {
		Error string `json:"error"`
		Code  int    `json:"code"`
	}
	c.Assert(json.Unmarshal(rec.Body.Bytes(), &apiErr), qt.IsNil)
	c.Assert(apiErr.Code, qt.Equals, ErrDealNotFound.Code)
}
