package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	defaultLogLevel  = "info"
	defaultLogOutput = "stdout"
	defaultDatadir   = ".chainclaw" // prefixed with the user's home directory

	defaultDCAInterval    = time.Minute
	defaultOrderInterval  = 30 * time.Second
	defaultWhaleInterval  = 30 * time.Second
	defaultSignalInterval = time.Minute
)

// Config holds the application configuration.
type Config struct {
	Datadir string
	Log     LogConfig
	Web3    Web3Config
	Quote   QuoteConfig
	Risk    RiskConfig
	Exec    ExecConfig
	Engines EngineConfig
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Output string `mapstructure:"output"`
}

// Web3Config holds chain-facing configuration.
type Web3Config struct {
	// Rpc entries override built-in endpoints, formatted "chainid=url".
	Rpc     []string `mapstructure:"rpc"`
	Keyfile string   `mapstructure:"keyfile"`
	// SimulateRpc is an eth_simulateV1-capable endpoint; empty disables
	// backend simulation.
	SimulateRpc string `mapstructure:"simulaterpc"`
}

// QuoteConfig holds aggregator configuration.
type QuoteConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"apikey"`
}

// RiskConfig holds risk-oracle configuration.
type RiskConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"apikey"`
}

// ExecConfig holds pipeline configuration.
type ExecConfig struct {
	MEVProtection bool   `mapstructure:"mevprotection"`
	MEVRelay      string `mapstructure:"mevrelay"`
}

// EngineConfig holds background-engine intervals and thresholds.
type EngineConfig struct {
	DCAInterval     time.Duration `mapstructure:"dcainterval"`
	OrderInterval   time.Duration `mapstructure:"orderinterval"`
	WhaleInterval   time.Duration `mapstructure:"whaleinterval"`
	SignalInterval  time.Duration `mapstructure:"signalinterval"`
	MinLiquidityUSD float64       `mapstructure:"minliquidityusd"`
}

// loadConfig loads configuration from flags, environment variables and
// defaults.
func loadConfig() (*Config, error) {
	v := viper.New()

	userHomeDir, err := os.UserHomeDir()
	if err != nil {
		userHomeDir = "."
	}
	defaultDatadirPath := filepath.Join(userHomeDir, defaultDatadir)

	v.SetDefault("datadir", defaultDatadirPath)
	v.SetDefault("log.level", defaultLogLevel)
	v.SetDefault("log.output", defaultLogOutput)
	v.SetDefault("web3.rpc", []string{})
	v.SetDefault("exec.mevprotection", true)
	v.SetDefault("engines.dcainterval", defaultDCAInterval)
	v.SetDefault("engines.orderinterval", defaultOrderInterval)
	v.SetDefault("engines.whaleinterval", defaultWhaleInterval)
	v.SetDefault("engines.signalinterval", defaultSignalInterval)
	v.SetDefault("engines.minliquidityusd", 10_000.0)

	flag.StringP("datadir", "d", defaultDatadirPath, "data directory for the database and key file")
	flag.StringP("log.level", "l", defaultLogLevel, "log level (debug, info, warn, error, fatal)")
	flag.StringP("log.output", "o", defaultLogOutput, "log output (stdout, stderr or filepath)")
	flag.StringSliceP("web3.rpc", "w", []string{}, "rpc endpoint overrides, chainid=url, comma-separated")
	flag.String("web3.keyfile", "", "JSON key file mapping wallet address to private key")
	flag.String("web3.simulaterpc", "", "eth_simulateV1-capable endpoint for bundle simulation")
	flag.String("quote.url", "", "swap aggregator base URL (required)")
	flag.String("quote.apikey", "", "swap aggregator API key")
	flag.String("risk.url", "", "token security oracle base URL")
	flag.String("risk.apikey", "", "token security oracle API key")
	flag.Bool("exec.mevprotection", true, "route mainnet swaps through a private relay")
	flag.String("exec.mevrelay", "", "private relay RPC URL (default flashbots protect)")
	flag.Duration("engines.dcainterval", defaultDCAInterval, "dca scheduler poll interval")
	flag.Duration("engines.orderinterval", defaultOrderInterval, "limit-order poll interval")
	flag.Duration("engines.whaleinterval", defaultWhaleInterval, "whale watcher poll interval")
	flag.Duration("engines.signalinterval", defaultSignalInterval, "signals notifier poll interval")
	flag.Float64("engines.minliquidityusd", 10_000.0, "liquidity floor for automated buys")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "chainclaw v%s\n\n", Version)
		fmt.Fprintf(os.Stderr, "Usage: chainclaw [flags]\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEnvironment variables are also available with the same name as flags,\n")
		fmt.Fprintf(os.Stderr, "  except for dashes (-) and dots (.) which are replaced by underscores (_).\n")
		fmt.Fprintf(os.Stderr, "  For example, CHAINCLAW_QUOTE_URL or CHAINCLAW_LOG_LEVEL\n")
	}

	flag.CommandLine.SortFlags = false
	flag.Parse()

	v.SetEnvPrefix("CHAINCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flag.CommandLine); err != nil {
		return nil, fmt.Errorf("error binding flags: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// validateConfig validates the loaded configuration.
func validateConfig(cfg *Config) error {
	if cfg.Quote.URL == "" {
		return fmt.Errorf("aggregator URL is required (use --quote.url or CHAINCLAW_QUOTE_URL)")
	}
	if _, err := parseRPCOverrides(cfg.Web3.Rpc); err != nil {
		return err
	}
	return nil
}

// parseRPCOverrides turns "chainid=url" entries into the override map.
func parseRPCOverrides(entries []string) (map[uint64]string, error) {
	overrides := make(map[uint64]string, len(entries))
	for _, entry := range entries {
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 || parts[1] == "" {
			return nil, fmt.Errorf("bad rpc override %q, expected chainid=url", entry)
		}
		chainID, err := strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("bad chain id in rpc override %q", entry)
		}
		overrides[chainID] = parts[1]
	}
	return overrides, nil
}
