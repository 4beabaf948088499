package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jonboulle/clockwork"
	"go.vocdoni.io/dvote/db"
	"go.vocdoni.io/dvote/db/metadb"

	"github.com/unicitynetwork/otcbroker/api"
	"github.com/unicitynetwork/otcbroker/chain"
	"github.com/unicitynetwork/otcbroker/chain/evm"
	"github.com/unicitynetwork/otcbroker/chain/hdwallet"
	"github.com/unicitynetwork/otcbroker/chain/utxo"
	"github.com/unicitynetwork/otcbroker/config"
	"github.com/unicitynetwork/otcbroker/engine"
	"github.com/unicitynetwork/otcbroker/log"
	"github.com/unicitynetwork/otcbroker/storage"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.LogLevel, cfg.LogOutput, nil)
	log.Infow("starting otcbrokerd", "version", Version)

	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eng, stg, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to setup services: %v", err)
	}
	defer func() {
		eng.Stop()
		stg.Close()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// setupServices wires the ledger, the chain adapters, the engine and the
// HTTP API.
func setupServices(ctx context.Context, cfg *config.Config) (*engine.Engine, *storage.Storage, error) {
	log.Infow("initializing ledger", "datadir", cfg.DataDir, "type", db.TypePebble)
	database, err := metadb.New(db.TypePebble, filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize ledger database: %w", err)
	}
	stg := storage.New(database, clockwork.NewRealClock())

	wallet, err := hdwallet.New(cfg.Wallet.Seed, "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize HD wallet: %w", err)
	}

	registry := chain.NewRegistry()
	for chainID, cc := range cfg.Chains {
		adapter, err := newAdapter(ctx, chainID, cc, cfg, wallet)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize chain %s: %w", chainID, err)
		}
		if err := registry.Register(adapter); err != nil {
			return nil, nil, err
		}
		log.Infow("chain adapter registered",
			"chain", chainID, "native", cc.NativeAsset, "accountBased", cc.AccountBased)
	}

	eng := engine.New(stg, registry, cfg)
	eng.Start(ctx)
	log.Info("engine started")

	if _, err := api.New(&api.APIConfig{
		Host:   cfg.APIHost,
		Port:   cfg.APIPort,
		Engine: eng,
	}); err != nil {
		eng.Stop()
		return nil, nil, fmt.Errorf("failed to start API: %w", err)
	}

	log.Info("otcbrokerd is running, ready to broker deals")
	return eng, stg, nil
}

// newAdapter builds the chain adapter matching one chain table row.
func newAdapter(ctx context.Context, chainID string, cc *config.ChainConfig,
	cfg *config.Config, wallet *hdwallet.Wallet,
) (chain.Adapter, error) {
	if cc.AccountBased {
		tokens := make(map[string]common.Address, len(cc.Tokens))
		for asset, addr := range cc.Tokens {
			tokens[asset] = common.HexToAddress(addr)
		}
		return evm.New(ctx, evm.Options{
			ChainID:        chainID,
			RPC:            cc.RPC,
			Wallet:         wallet,
			TankKey:        cfg.Wallet.TankKey,
			NativeAsset:    cc.NativeAsset,
			Tokens:         tokens,
			Decimals:       cc.AssetDecimals,
			USDRate:        cc.USDRate,
			BrokerContract: common.HexToAddress(cc.BrokerContract),
		})
	}
	return utxo.New(utxo.Options{
		ChainID:     chainID,
		Host:        cc.RPC,
		User:        cc.RPCUser,
		Pass:        cc.RPCPass,
		Wallet:      wallet,
		NativeAsset: cc.NativeAsset,
		FeePerKB:    btcutil.Amount(cc.FeePerKB),
		USDRate:     cc.USDRate,
	})
}
