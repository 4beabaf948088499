package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/unicitynetwork/otcbroker/config"
	"github.com/unicitynetwork/otcbroker/types"
)

const (
	defaultAPIHost   = "0.0.0.0"
	defaultAPIPort   = 9090
	defaultLogLevel  = "info"
	defaultLogOutput = "stdout"
	defaultDatadir   = ".otcbroker" // Will be prefixed with user's home directory
)

// Version is the build version, set at build time with -ldflags
var Version = "dev"

// fileConfig is the on-disk and environment configuration shape. It is
// translated into config.Config after loading.
type fileConfig struct {
	Datadir string        `mapstructure:"datadir"`
	API     apiFileConfig `mapstructure:"api"`
	Log     logFileConfig `mapstructure:"log"`

	Wallet     walletFileConfig           `mapstructure:"wallet"`
	Commission commissionFileConfig       `mapstructure:"commission"`
	Admission  admissionFileConfig        `mapstructure:"admission"`
	Chains     map[string]chainFileConfig `mapstructure:"chains"`

	DealTick       time.Duration `mapstructure:"dealtick"`
	QueueTick      time.Duration `mapstructure:"queuetick"`
	LeaseTTL       time.Duration `mapstructure:"leasettl"`
	StuckAfter     time.Duration `mapstructure:"stuckafter"`
	GasBumpPercent int64         `mapstructure:"gasbumppercent"`
}

type apiFileConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type logFileConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

type walletFileConfig struct {
	Seed        string `mapstructure:"seed"`
	TankKey     string `mapstructure:"tankkey"`
	TankAddress string `mapstructure:"tankaddress"`
}

type commissionFileConfig struct {
	Bps          int64    `mapstructure:"bps"`
	USDFixed     string   `mapstructure:"usdfixed"`
	ExoticAssets []string `mapstructure:"exoticassets"`
}

type admissionFileConfig struct {
	Production    bool              `mapstructure:"production"`
	AllowedChains []string          `mapstructure:"allowedchains"`
	AllowedAssets []string          `mapstructure:"allowedassets"`
	MaxAmounts    map[string]string `mapstructure:"maxamounts"`
}

type chainFileConfig struct {
	RPC             string            `mapstructure:"rpc"`
	RPCUser         string            `mapstructure:"rpcuser"`
	RPCPass         string            `mapstructure:"rpcpass"`
	Confirmations   int64             `mapstructure:"confirmations"`
	CollectConfirms int64             `mapstructure:"collectconfirms"`
	OperatorAddress string            `mapstructure:"operator"`
	NativeAsset     string            `mapstructure:"nativeasset"`
	AccountBased    bool              `mapstructure:"accountbased"`
	Tokens          map[string]string `mapstructure:"tokens"`
	AssetDecimals   map[string]int32  `mapstructure:"assetdecimals"`
	DefaultDecimals int32             `mapstructure:"defaultdecimals"`
	USDRate         string            `mapstructure:"usdrate"`
	BrokerContract  string            `mapstructure:"brokercontract"`
	FeePerKB        int64             `mapstructure:"feeperkb"`
}

// loadConfig loads configuration from flags, environment variables and an
// optional YAML config file. The chain table only fits in the file.
func loadConfig() (*config.Config, error) {
	v := viper.New()

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	defaults := config.DefaultConfig()
	v.SetDefault("datadir", defaultDatadirPath)
	v.SetDefault("api.host", defaultAPIHost)
	v.SetDefault("api.port", defaultAPIPort)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("commission.bps", defaults.Commission.Bps)
	v.SetDefault("commission.usdfixed", defaults.Commission.USDFixed.String())
	v.SetDefault("dealtick", defaults.DealTick)
	v.SetDefault("queuetick", defaults.QueueTick)
	v.SetDefault("leasettl", defaults.LeaseTTL)
	v.SetDefault("stuckafter", defaults.StuckAfter)
	v.SetDefault("gasbumppercent", defaults.GasBumpPercent)

	flag.StringP("config", "c", "", "path to the YAML config file with the chain table")
	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for the ledger database")
	flag.StringP("api.host", "a", defaultAPIHost, "API host")
	flag.IntP("api.port", "p", defaultAPIPort, "API port")
	flag.StringP("wallet.seed", "s", "", "BIP-39 mnemonic for escrow key derivation (required)")
	flag.String("wallet.tankkey", "", "hex private key of the gas tank account")
	flag.String("wallet.tankaddress", "", "address of the gas tank account")
	flag.Int64("commission.bps", defaults.Commission.Bps, "commission rate in basis points")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "otcbrokerd v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: otcbrokerd [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, OTCBROKER_WALLET_SEED or OTCBROKER_API_PORT\n")
	}

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("OTCBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	if cfgFile := v.GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", cfgFile, err)
		}
	}

	fc := &fileConfig{}
	if err := v.Unmarshal(fc); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return fc.toConfig()
}

// toConfig translates the loaded file shape into the runtime configuration.
func (fc *fileConfig) toConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	cfg.DataDir = fc.Datadir
	cfg.APIHost = fc.API.Host
	cfg.APIPort = fc.API.Port
	cfg.LogLevel = fc.Log.Level
	cfg.LogOutput = fc.Log.Output
	cfg.Wallet = config.WalletConfig(fc.Wallet)
	if fc.DealTick > 0 {
		cfg.DealTick = fc.DealTick
	}
	if fc.QueueTick > 0 {
		cfg.QueueTick = fc.QueueTick
	}
	if fc.LeaseTTL > 0 {
		cfg.LeaseTTL = fc.LeaseTTL
	}
	if fc.StuckAfter > 0 {
		cfg.StuckAfter = fc.StuckAfter
	}
	if fc.GasBumpPercent > 0 {
		cfg.GasBumpPercent = fc.GasBumpPercent
	}

	cfg.Commission.Bps = fc.Commission.Bps
	cfg.Commission.ExoticAssets = fc.Commission.ExoticAssets
	if fc.Commission.USDFixed != "" {
		usd, err := types.NewAmount(fc.Commission.USDFixed)
		if err != nil {
			return nil, fmt.Errorf("commission.usdfixed: %w", err)
		}
		cfg.Commission.USDFixed = usd
	}

	cfg.Admission.Production = fc.Admission.Production
	cfg.Admission.AllowedChains = fc.Admission.AllowedChains
	cfg.Admission.AllowedAssets = fc.Admission.AllowedAssets
	cfg.Admission.MaxAmounts = make(map[string]types.Amount, len(fc.Admission.MaxAmounts))
	for asset, raw := range fc.Admission.MaxAmounts {
		max, err := types.NewAmount(raw)
		if err != nil {
			return nil, fmt.Errorf("admission.maxamounts[%s]: %w", asset, err)
		}
		cfg.Admission.MaxAmounts[asset] = max
	}

	for chainID, row := range fc.Chains {
		cc := &config.ChainConfig{
			RPC:             row.RPC,
			RPCUser:         row.RPCUser,
			RPCPass:         row.RPCPass,
			Confirmations:   row.Confirmations,
			CollectConfirms: row.CollectConfirms,
			OperatorAddress: row.OperatorAddress,
			NativeAsset:     row.NativeAsset,
			AccountBased:    row.AccountBased,
			Tokens:          row.Tokens,
			AssetDecimals:   row.AssetDecimals,
			DefaultDecimals: row.DefaultDecimals,
			BrokerContract:  row.BrokerContract,
			FeePerKB:        row.FeePerKB,
		}
		if row.USDRate != "" {
			rate, err := types.NewAmount(row.USDRate)
			if err != nil {
				return nil, fmt.Errorf("chains[%s].usdrate: %w", chainID, err)
			}
			cc.USDRate = rate
		}
		cfg.Chains[chainID] = cc
	}
	return cfg, nil
}

// validateConfig checks the fields the daemon cannot start without.
func validateConfig(cfg *config.Config) error {
	if cfg.Wallet.Seed == "" {
		return fmt.Errorf("wallet seed is required (use --wallet.seed or OTCBROKER_WALLET_SEED)")
	}
	if len(cfg.Chains) == 0 {
		return fmt.Errorf("at least one chain must be configured (use --config)")
	}
	return cfg.Validate()
}
