package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cuip/internal/catalog"
	"cuip/internal/cli"
	"cuip/internal/config"
	"cuip/internal/imageio"
	"cuip/internal/logging"
	"cuip/internal/pipeline"
	"cuip/internal/storage"
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
	defer imageio.Shutdown()

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.Paths.DatabasePath, "error", err)
		return 1
	}
	defer store.Close()

	set, err := catalog.Load(cfg.Paths.CatalogPath)
	if err != nil {
		logger.Error("failed to load catalog", "path", cfg.Paths.CatalogPath, "error", err)
		return 1
	}
	reg, err := cli.NewRegistrar(cfg, set, logger)
	if err != nil {
		logger.Error("invalid catalog", "catalog", set.Name, "error", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, logger, store, reg, cli.PipelineSettings(cfg))
	defer pipe.Stop()

	if err := cli.NewRootCmd(cfg, logger, store, pipe, reg, set).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
