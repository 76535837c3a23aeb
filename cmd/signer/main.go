package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sbtc-signer/signer/internal/api"
	"github.com/sbtc-signer/signer/internal/bitcoin"
	"github.com/sbtc-signer/signer/internal/chainstate"
	"github.com/sbtc-signer/signer/internal/config"
	"github.com/sbtc-signer/signer/internal/coordinator"
	"github.com/sbtc-signer/signer/internal/db"
	"github.com/sbtc-signer/signer/internal/ingest"
	"github.com/sbtc-signer/signer/internal/keys"
	"github.com/sbtc-signer/signer/internal/logging"
	"github.com/sbtc-signer/signer/internal/peer"
	"github.com/sbtc-signer/signer/internal/registry"
	"github.com/sbtc-signer/signer/internal/registryclient"
	"github.com/sbtc-signer/signer/internal/reorg"
	"github.com/sbtc-signer/signer/internal/validate"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(); err != nil {
			slog.Error("signer error", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("sbtc-signer %s\n", version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: sbtc-signer <command>

Commands:
  serve     Start the coordinator run loop and the inbound webhook server
  version   Print version information
`)
}

func runServe() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to setup logging: %w", err)
	}
	defer logCloser.Close()

	slog.Info("starting sbtc-signer",
		"version", version,
		"network", cfg.Network,
		"port", cfg.Port,
		"dbPath", cfg.DBPath,
		"logLevel", cfg.LogLevel,
		"numSigners", cfg.NumSigners,
		"acceptThreshold", cfg.AcceptThreshold,
	)

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	slog.Info("database opened", "path", cfg.DBPath)

	if err := database.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	slog.Info("database migrations applied")

	selfPriv, err := keys.LoadIdentityFromMnemonicFile(cfg.StacksAccount.MnemonicFile, cfg.Network)
	if err != nil {
		return fmt.Errorf("load signer identity: %w", err)
	}

	aggregatePubKey, err := loadAggregatePubKey(cfg.SignerGroup.PublicKeys)
	if err != nil {
		return fmt.Errorf("derive aggregate signer public key: %w", err)
	}

	reg := registry.New(database.Conn())
	chain := chainstate.New(database.Conn())
	reorgExec := reorg.New(reg, chain)

	btcClient := bitcoin.NewEsploraClient(cfg.Network)
	registryAPI := registryclient.New(cfg.Registry)
	validator := validate.New(reg, btcClient, aggregatePubKey)
	bus := peer.NewLocalBus(256)

	selfPub, err := keys.FromPrivate(selfPriv)
	if err != nil {
		return fmt.Errorf("derive signer identity public key: %w", err)
	}
	// Trust self so locally-originated proposals and votes are observable on
	// this signer's own inbox even before a real peering transport is wired
	// (spec.md §1: dialing other signers is out of scope for this core).
	bus.Trust(*selfPub, *selfPub)

	coord, err := coordinator.New(reg, chain, reorgExec, btcClient, bus, validator, cfg, selfPriv, aggregatePubKey)
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}

	ing := ingest.New(reg, registryAPI, cfg.TrustedContract)
	ing.OnBlock(coord.NotifyBlock)

	runCtx, stopCoordinator := context.WithCancel(context.Background())
	defer stopCoordinator()
	go func() {
		if err := coord.Run(runCtx); err != nil {
			slog.Error("coordinator run loop exited with error", "error", err)
		}
	}()

	router := api.NewRouter(cfg, ing)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:           addr,
		Handler:        router,
		ReadTimeout:    config.ServerReadTimeout,
		WriteTimeout:   config.ServerWriteTimeout,
		IdleTimeout:    config.ServerIdleTimeout,
		MaxHeaderBytes: config.ServerMaxHeaderBytes,
	}

	slog.Info("server configured",
		"readTimeout", config.ServerReadTimeout,
		"writeTimeout", config.ServerWriteTimeout,
		"idleTimeout", config.ServerIdleTimeout,
		"maxHeaderBytes", config.ServerMaxHeaderBytes,
	)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	slog.Info("initiating graceful shutdown", "timeout", config.ShutdownTimeout)

	stopCoordinator()
	slog.Info("coordinator run loop cancelled")

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// loadAggregatePubKey combines the signer group's compressed public keys
// into the single taproot internal key the signer UTXO is locked to
// (spec.md §4.F). The distributed WSTS/FROST key generation that would
// produce this key in production is out of scope here (spec.md §1); this
// core only needs the resulting group key, so it computes the same
// order-independent combination keys.Combine would settle on.
func loadAggregatePubKey(hexKeys []string) (*keys.PublicKey, error) {
	if len(hexKeys) == 0 {
		return nil, fmt.Errorf("signer.group.public_keys must list at least one key")
	}

	pubs := make([]*keys.PublicKey, len(hexKeys))
	for i, h := range hexKeys {
		raw, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("decode signer group public key %d: %w", i, err)
		}
		pub, err := keys.ParsePublicKeyCompressed(raw)
		if err != nil {
			return nil, fmt.Errorf("parse signer group public key %d: %w", i, err)
		}
		pubs[i] = pub
	}

	return keys.Combine(pubs)
}
