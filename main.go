// main.go - gatekeeper daemon
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"

	"gatekeeper-go/internal/api"
	"gatekeeper-go/internal/clock"
	"gatekeeper-go/internal/config"
	"gatekeeper-go/internal/ethereum"
	"gatekeeper-go/internal/gatekeeper"
	"gatekeeper-go/internal/ledger"
	"gatekeeper-go/internal/participant"
	"gatekeeper-go/internal/permissions"
	"gatekeeper-go/internal/policy"
	"gatekeeper-go/internal/watchdog"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLog := zerolog.New(os.Stderr)
		bootLog.Fatal().Err(err).Msg("invalid configuration")
	}
	log := cfg.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("gatekeeper stopped")
	}
	log.Info().Msg("gatekeeper stopped")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	// Ledger
	store, err := ledger.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	// Bypass policies
	registry := policy.NewRegistry()
	if cfg.AllowAllPolicy != "" {
		registry.Register(common.HexToAddress(cfg.AllowAllPolicy), policy.AllowAll{})
	}
	if cfg.WhitelistPolicy != "" {
		registry.Register(common.HexToAddress(cfg.WhitelistPolicy), policy.NewWhitelist(cfg.WhitelistAddresses()...))
	}

	// Executor
	var executor gatekeeper.Executor
	if cfg.RPCURL != "" {
		key, err := ethereum.ParseKey(cfg.ExecutorKey)
		if err != nil {
			return err
		}
		exec, err := ethereum.Dial(ctx, cfg.RPCURL, key, log)
		if err != nil {
			return err
		}
		log.Info().Str("address", exec.Address().Hex()).Msg("executor ready")
		executor = exec
	} else {
		log.Warn().Msg("no RPC configured, bypass calls cannot be dispatched")
	}

	engine := gatekeeper.New(log, store, registry, executor, clock.Real())

	if cfg.Bootstrap != "" {
		if err := bootstrap(ctx, engine, cfg.Bootstrap, log); err != nil {
			return err
		}
	}

	// Watchdog
	var watcher api.Watcher
	if cfg.WatchdogAddress != "" {
		identity, err := participant.New(common.HexToAddress(cfg.WatchdogAddress), permissions.Watchdog, permissions.Level(cfg.WatchdogLevel))
		if err != nil {
			return err
		}
		secret, err := cfg.Secret()
		if err != nil {
			return err
		}
		notifier := watchdog.LogNotifier{Log: log}
		if cfg.PublicURL != "" {
			notifier.Links = watchdog.NewLinkBuilder(strings.TrimSuffix(cfg.PublicURL, "/") + "/watchdog/cancel")
		}
		dog := watchdog.New(log, engine, identity, secret, notifier, clock.Real())
		dog.SetInterval(cfg.WatchdogInterval)
		if err := dog.Start(ctx); err != nil {
			return err
		}
		defer dog.Stop()
		watcher = dog
	}

	server := api.NewServer(log, engine, watcher)
	server.EnableOperations(engine)
	if err := server.ListenAndServe(ctx, cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// bootstrap initializes an empty vault from a file. An initialized vault is
// left alone.
func bootstrap(ctx context.Context, engine *gatekeeper.Engine, path string, log zerolog.Logger) error {
	st, err := engine.State(ctx)
	if err != nil {
		return err
	}
	if st.Initialized {
		log.Debug().Msg("vault already initialized, skipping bootstrap")
		return nil
	}
	b, err := config.ReadBootstrap(path)
	if err != nil {
		return err
	}
	initial, err := b.InitialConfig()
	if err != nil {
		return err
	}
	if err := engine.InitialConfig(ctx, initial); err != nil {
		return err
	}
	log.Info().Int("participants", len(initial.Participants)).Msg("vault initialized")
	return nil
}
