package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"thermalsharp/internal/cli"
	"thermalsharp/internal/config"
	"thermalsharp/internal/logging"
	"thermalsharp/internal/pipeline"
	"thermalsharp/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		return 1
	}

	logger, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to set up logging: %v\n", err)
		return 1
	}

	store, err := storage.New(cfg.Paths.DatabasePath, logger)
	if err != nil {
		logger.Error("failed to open run ledger", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// one run at a time; each run spreads its windows over processing.parallel_jobs workers
	pipe := pipeline.New(ctx, 1, logger, store, cfg)
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, logger, store, pipe).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
