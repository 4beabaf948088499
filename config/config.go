// Package config holds the broker runtime configuration: the chain table,
// commission policy, admission rules and engine tunables. Population from
// flags and environment happens in cmd/otcbrokerd; this package only defines
// the shapes and the validation they imply.
package config

import (
	"fmt"
	"time"

	"github.com/unicitynetwork/otcbroker/types"
)

// ChainConfig is one row of the chain table.
type ChainConfig struct {
	// RPC is the adapter endpoint (EVM JSON-RPC or bitcoind-style URL).
	RPC string
	// Confirmations is the finality threshold: the depth at which a
	// deposit is irreversible enough for outbound execution (SWAP).
	Confirmations int64
	// CollectConfirms is the lower lock threshold used in COLLECTION.
	// Typically CollectConfirms <= Confirmations.
	CollectConfirms int64
	// OperatorAddress receives commissions on this chain.
	OperatorAddress string
	// NativeAsset is the symbol of the chain's native currency.
	NativeAsset string
	// AccountBased selects the adapter kind: true for nonce-ordered
	// chains, false for UTXO chains.
	AccountBased bool
	// AssetDecimals maps asset symbols to their decimal places, used to
	// floor commissions. Assets not listed default to DefaultDecimals.
	AssetDecimals map[string]int32
	// DefaultDecimals applies to assets missing from AssetDecimals.
	DefaultDecimals int32
	// RPCUser and RPCPass authenticate bitcoind-style RPC endpoints.
	RPCUser string
	RPCPass string
	// Tokens maps ERC-20 asset symbols to contract addresses.
	Tokens map[string]string
	// USDRate is the operator's USD quote for the native asset, used for
	// fixed commissions on exotic assets.
	USDRate types.Amount
	// BrokerContract is the optional atomic-split contract address on
	// account chains.
	BrokerContract string
	// FeePerKB overrides the UTXO fee rate in satoshis per kilobyte.
	FeePerKB int64
}

// Decimals returns the decimal places of an asset on this chain.
func (c *ChainConfig) Decimals(asset string) int32 {
	if d, ok := c.AssetDecimals[asset]; ok {
		return d
	}
	if c.DefaultDecimals > 0 {
		return c.DefaultDecimals
	}
	return 18
}

// CommissionConfig is the operator fee policy.
type CommissionConfig struct {
	// Bps is the PERCENT_BPS rate in basis points. Default 30 (0.30%).
	Bps int64
	// USDFixed is the FIXED_USD_NATIVE fee in USD. Default 10.
	USDFixed types.Amount
	// ExoticAssets lists assets without a reliable price; their sides are
	// charged FIXED_USD_NATIVE instead of PERCENT_BPS.
	ExoticAssets []string
}

// Mode returns the commission mode for an asset.
func (c *CommissionConfig) Mode(asset string) types.CommissionMode {
	for _, a := range c.ExoticAssets {
		if a == asset {
			return types.CommissionFixedUSDNative
		}
	}
	return types.CommissionPercentBps
}

// AdmissionConfig gates createDeal.
type AdmissionConfig struct {
	// Production enables the allow-lists below; in development mode every
	// chain and asset is admitted.
	Production bool
	// AllowedChains and AllowedAssets are the production allow-lists.
	AllowedChains []string
	AllowedAssets []string
	// MaxAmounts caps the trade amount per asset. Missing assets are
	// uncapped.
	MaxAmounts map[string]types.Amount
}

// Admit validates one trade leg against the admission rules.
func (a *AdmissionConfig) Admit(leg types.TradeLeg) error {
	if !leg.Amount.IsPositive() {
		return fmt.Errorf("trade amount must be positive, got %s", leg.Amount)
	}
	if max, ok := a.MaxAmounts[leg.Asset]; ok && leg.Amount.Cmp(max) > 0 {
		return fmt.Errorf("trade amount %s %s exceeds maximum %s", leg.Amount, leg.Asset, max)
	}
	if !a.Production {
		return nil
	}
	if !contains(a.AllowedChains, leg.ChainID) {
		return fmt.Errorf("chain %s not allowed", leg.ChainID)
	}
	if !contains(a.AllowedAssets, leg.Asset) {
		return fmt.Errorf("asset %s not allowed", leg.Asset)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// WalletConfig carries key material references. Seed is the HD root mnemonic
// for escrow derivation; TankKey funds gas for account-chain escrows.
type WalletConfig struct {
	Seed        string
	TankKey     string
	TankAddress string
}

// Config is the full broker configuration.
type Config struct {
	DataDir string

	Chains     map[string]*ChainConfig
	Commission CommissionConfig
	Admission  AdmissionConfig
	Wallet     WalletConfig

	// Engine tunables.
	DealTick       time.Duration // deal state machine cadence
	QueueTick      time.Duration // outbound queue cadence
	LeaseTTL       time.Duration // per-deal mutual exclusion
	StuckAfter     time.Duration // SUBMITTED age before a gas bump
	GasBumpPercent int64         // replacement gas price increase

	// API server.
	APIHost string
	APIPort int

	LogLevel  string
	LogOutput string
}

// Chain returns the chain table row for an ID.
func (c *Config) Chain(chainID string) (*ChainConfig, error) {
	cc, ok := c.Chains[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %s not configured", chainID)
	}
	return cc, nil
}

// DefaultConfig returns a config with the documented defaults filled in.
func DefaultConfig() *Config {
	return &Config{
		Chains: make(map[string]*ChainConfig),
		Commission: CommissionConfig{
			Bps:      30,
			USDFixed: types.MustAmount("10"),
		},
		DealTick:       30 * time.Second,
		QueueTick:      5 * time.Second,
		LeaseTTL:       90 * time.Second,
		StuckAfter:     5 * time.Minute,
		GasBumpPercent: 50,
		APIHost:        "0.0.0.0",
		APIPort:        9090,
		LogLevel:       "info",
		LogOutput:      "stdout",
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	for id, cc := range c.Chains {
		if cc.Confirmations <= 0 {
			return fmt.Errorf("chain %s: confirmations must be positive", id)
		}
		if cc.CollectConfirms <= 0 || cc.CollectConfirms > cc.Confirmations {
			return fmt.Errorf("chain %s: collect confirms must be in [1, confirmations]", id)
		}
		if cc.OperatorAddress == "" {
			return fmt.Errorf("chain %s: operator address required", id)
		}
	}
	if c.Commission.Bps < 0 || c.Commission.Bps > 10000 {
		return fmt.Errorf("commission bps out of range: %d", c.Commission.Bps)
	}
	return nil
}
