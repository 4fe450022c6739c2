package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/pebble"
	_ "github.com/joho/godotenv/autoload"

	"github.com/coldbell/p2pswap/internal/config"
	"github.com/coldbell/p2pswap/internal/ledger"
	"github.com/coldbell/p2pswap/internal/logging"
	"github.com/coldbell/p2pswap/internal/node"
	"github.com/coldbell/p2pswap/internal/swap"
)

func main() {
	bootstrapLogger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadNodeConfig()
	if err != nil {
		bootstrapLogger.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	logger, closeLogger, err := logging.New("ledger-node", cfg.Log)
	if err != nil {
		bootstrapLogger.Error("failed to initialize logger", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := closeLogger(); closeErr != nil {
			bootstrapLogger.Error("failed to close logger", "err", closeErr)
		}
	}()

	if source, sourceErr := config.CurrentConfigSource(); sourceErr == nil {
		logger.Info("configuration loaded", "phase", source.Phase, "path", source.Path, "loaded", source.Loaded)
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		logger.Error("failed to open account store", "store", cfg.Store, "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error("failed to close account store", "err", closeErr)
		}
	}()

	l := ledger.New(store, logger.With("component", "ledger"))
	l.Register(swap.NewProgram(cfg.SwapProgramID))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := node.New(cfg, l, logger).Run(ctx); err != nil {
		logger.Error("ledger-node exited with error", "err", err)
		os.Exit(1)
	}
}

func openStore(cfg config.NodeConfig, logger *slog.Logger) (ledger.AccountStore, error) {
	if cfg.Store == config.StoreMemory {
		return ledger.NewMemStore(), nil
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	return ledger.NewPebbleStore(cfg.DataDir, &pebble.Options{Logger: logging.NewStoreLogger(logger)})
}
