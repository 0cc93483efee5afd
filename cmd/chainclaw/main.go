package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/chainclaw/chainclaw/dca"
	"github.com/chainclaw/chainclaw/delivery"
	"github.com/chainclaw/chainclaw/executor"
	"github.com/chainclaw/chainclaw/guardrails"
	"github.com/chainclaw/chainclaw/limitorder"
	"github.com/chainclaw/chainclaw/lock"
	"github.com/chainclaw/chainclaw/log"
	"github.com/chainclaw/chainclaw/quote"
	"github.com/chainclaw/chainclaw/risk"
	"github.com/chainclaw/chainclaw/service"
	"github.com/chainclaw/chainclaw/signals"
	"github.com/chainclaw/chainclaw/signer"
	"github.com/chainclaw/chainclaw/simulator"
	"github.com/chainclaw/chainclaw/snipe"
	"github.com/chainclaw/chainclaw/storage"
	"github.com/chainclaw/chainclaw/types"
	"github.com/chainclaw/chainclaw/web3"
	"github.com/chainclaw/chainclaw/whalewatch"
)

// Version is the build version, set at build time with -ldflags.
var Version = "dev"

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	log.Init(cfg.Log.Level, cfg.Log.Output, nil)
	log.Infow("starting chainclaw", "version", Version)

	if err := validateConfig(cfg); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, cleanup, err := setupServices(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to setup services: %v", err)
	}
	defer cleanup()

	if err := svc.Group.Start(ctx); err != nil {
		log.Fatalf("Failed to start services: %v", err)
	}
	defer svc.Group.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Infow("received signal, shutting down", "signal", sig.String())
}

// Services is the wired application: the supervised engine group plus the
// request-driven managers a hosting surface invokes directly.
type Services struct {
	Group  *service.Group
	Snipes *snipe.Manager
}

// setupServices wires the whole pipeline and returns the services plus a
// cleanup closure for the non-service resources.
func setupServices(ctx context.Context, cfg *Config) (*Services, func(), error) {
	if err := os.MkdirAll(cfg.Datadir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating datadir: %w", err)
	}
	store, err := storage.Open(filepath.Join(cfg.Datadir, "chainclaw.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	overrides, err := parseRPCOverrides(cfg.Web3.Rpc)
	if err != nil {
		return nil, nil, err
	}
	registry := web3.NewRegistry(overrides)

	var simBackend simulator.Backend
	var simClose func()
	if cfg.Web3.SimulateRpc != "" {
		backend, err := simulator.DialRPCBackend(cfg.Web3.SimulateRpc)
		if err != nil {
			log.Warnw("simulation backend unavailable", "err", err.Error())
		} else {
			simBackend = backend
			simClose = backend.Close
		}
	}

	var oracle risk.Oracle = unavailableOracle{}
	if cfg.Risk.URL != "" {
		oracle = risk.NewHTTPOracle(cfg.Risk.URL, cfg.Risk.APIKey)
	}
	riskEng := risk.NewEngine(store, oracle, 0)

	aggregator := quote.NewHTTPAggregator(cfg.Quote.URL, cfg.Quote.APIKey)
	guards := guardrails.New(store)
	sim := simulator.New(simBackend, nil)
	nonces := web3.NewNonceManager(registry)
	gas := web3.NewGasOptimizer(registry)

	exec := executor.New(executor.Deps{
		Store:      store,
		Registry:   registry,
		Locks:      lock.NewManager(),
		Simulator:  sim,
		Risk:       riskEng,
		Guardrails: guards,
		Nonces:     nonces,
		Gas:        gas,
		Hooks:      executor.NewHooks(),
	}, executor.Config{
		MEVProtection: cfg.Exec.MEVProtection,
		MEVRelayURL:   cfg.Exec.MEVRelay,
	})
	if err := exec.ReconcileTimedOut(ctx); err != nil {
		log.Warnw("timed-out transaction reconciliation failed", "err", err.Error())
	}

	var signers types.SignerProvider
	if cfg.Web3.Keyfile != "" {
		signers, err = signer.LoadProvider(cfg.Web3.Keyfile, registry)
		if err != nil {
			return nil, nil, fmt.Errorf("loading key file: %w", err)
		}
	} else {
		signers = signer.NewProvider()
		log.Warnw("no key file configured, background engines cannot sign")
	}

	// The default delivery sender writes notifications to the log; hosting
	// surfaces (telegram, webhooks) replace it.
	notify := delivery.New(store, logSender, 0)
	if err := notify.RecoverPending(ctx); err != nil {
		log.Warnw("delivery recovery failed", "err", err.Error())
	}

	group := service.NewGroup(0)
	group.Add("dca", dca.New(store, exec, aggregator, signers, notify, cfg.Engines.DCAInterval))
	group.Add("limitorder", limitorder.New(store, exec, aggregator, signers, notify, cfg.Engines.OrderInterval))
	group.Add("whalewatch", whalewatch.New(store, registry, exec, aggregator, riskEng, signers, notify, cfg.Engines.WhaleInterval))
	group.Add("signals", signals.New(store, registry, notify, cfg.Engines.SignalInterval))

	// The snipe manager is request-driven rather than polled, so it joins
	// the returned services instead of the group. The aggregator doubles as
	// its liquidity source.
	snipes := snipe.New(store, exec, aggregator, riskEng, aggregator, signers, notify,
		cfg.Engines.MinLiquidityUSD)

	cleanup := func() {
		if simClose != nil {
			simClose()
		}
		registry.Close()
		if err := store.Close(); err != nil {
			log.Warnw("closing store", "err", err.Error())
		}
	}
	return &Services{Group: group, Snipes: snipes}, cleanup, nil
}

// logSender is the built-in delivery sender: notifications land in the log.
func logSender(_ context.Context, channel, recipientID, message string) error {
	log.Infow("notification", "channel", channel, "recipient", recipientID, "message", message)
	return nil
}

// unavailableOracle stands in when no risk oracle is configured; every lookup
// fails and the risk engine degrades to its not-blocked path.
type unavailableOracle struct{}

func (unavailableOracle) GetTokenRisk(context.Context, uint64, string) (*types.RiskReport, error) {
	return nil, fmt.Errorf("no risk oracle configured")
}
