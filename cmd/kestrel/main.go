// Kestrel - Explainable fraud evidence for transaction batches.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/evidence"
	"github.com/opensource-finance/kestrel/internal/ingest"
	"github.com/opensource-finance/kestrel/internal/logging"
	"github.com/opensource-finance/kestrel/internal/pipeline"
	"github.com/opensource-finance/kestrel/internal/repository"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	input := flag.String("input", "", "Input CSV path, - for stdin (overrides ingest.path)")
	tableID := flag.String("table", "", "Apply a previously fitted rate table instead of fitting")
	output := flag.String("output", "", "Evidence JSONL path, - for stdout (overrides evidence.output)")
	serve := flag.Bool("serve", false, "Serve the read-only API after the run")
	report := flag.Bool("report", false, "Print the alert confusion matrix to stderr")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("kestrel %s (%s, %s)\n", Version, Commit, BuildDate)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(2)
	}
	if *input != "" {
		cfg.Ingest.Path = *input
	}
	if *output != "" {
		cfg.Evidence.Output = *output
	}
	if *serve {
		cfg.Server.Enabled = true
	}

	// Logs go to stderr so evidence can stream on stdout
	logger, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kestrel: %v\n", err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	if err := run(cfg, *tableID, *report); err != nil {
		slog.Error("kestrel failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *domain.Config, tableID string, report bool) error {
	if cfg.Ingest.Path == "" {
		return errors.New("no input: set -input or ingest.path")
	}

	// Create context with cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	batch, err := ingest.ReadFile(cfg.Ingest.Path, ingest.OptionsFrom(cfg.Ingest))
	if err != nil {
		return err
	}
	slog.Info("batch loaded", "path", cfg.Ingest.Path, "rows", batch.Len(), "columns", len(batch.Columns))

	opts := []pipeline.Option{pipeline.WithLogger(slog.Default())}

	var repo domain.Repository
	if cfg.Repository.Driver != "none" {
		repo, err = repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		defer repo.Close()
		opts = append(opts, pipeline.WithRepository(repo), pipeline.WithSinks(pipeline.NewRepositorySink(repo)))
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	}

	if cfg.Server.Enabled && repo == nil {
		return errors.New("the api serves persisted runs and needs a repository")
	}

	var cacheImpl domain.Cache
	if cfg.Cache.Type != "none" {
		cacheImpl, err = cache.New(cfg.Cache)
		if err != nil {
			return fmt.Errorf("failed to initialize cache: %w", err)
		}
		defer cacheImpl.Close()
		opts = append(opts, pipeline.WithCache(cacheImpl, cfg.Cache.LocalTTL))
		slog.Info("cache initialized", "type", cfg.Cache.Type)
	}

	var busImpl domain.EventBus
	if cfg.EventBus.Type != "none" {
		busImpl, err = bus.New(cfg.EventBus)
		if err != nil {
			return fmt.Errorf("failed to initialize event bus: %w", err)
		}
		defer busImpl.Close()
		opts = append(opts, pipeline.WithEventBus(busImpl), pipeline.WithSinks(pipeline.NewBusSink(busImpl)))
		slog.Info("event bus initialized", "type", cfg.EventBus.Type)
	}

	w, closeOutput, err := openOutput(cfg.Evidence.Output)
	if err != nil {
		return err
	}
	defer closeOutput()
	if w != nil {
		opts = append(opts, pipeline.WithSinks(evidence.NewJSONLWriter(w)))
	}

	p, err := pipeline.New(cfg, opts...)
	if err != nil {
		return err
	}

	var res *pipeline.Result
	if tableID != "" {
		res, err = p.RunWithTable(ctx, batch, tableID)
	} else {
		res, err = p.Run(ctx, batch)
	}
	if err != nil {
		return err
	}

	if report {
		if err := pipeline.NewReport(res).Write(os.Stderr, res.Run); err != nil {
			return err
		}
	}

	if !cfg.Server.Enabled {
		return nil
	}
	return serveAPI(ctx, cfg.Server, repo, cacheImpl, busImpl)
}

// openOutput resolves the evidence destination: "-" is stdout and an empty
// path disables the JSONL sink.
func openOutput(path string) (io.Writer, func(), error) {
	switch path {
	case "":
		return nil, func() {}, nil
	case "-":
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create evidence output %s: %w", path, err)
	}
	return f, func() {
		if err := f.Close(); err != nil {
			slog.Error("failed to close evidence output", "path", path, "error", err)
		}
	}, nil
}

func serveAPI(ctx context.Context, cfg domain.ServerConfig, repo domain.Repository, c domain.Cache, b domain.EventBus) error {
	srv := api.NewServer(cfg, repo, c, b, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	slog.Info("kestrel api is ready", "host", cfg.Host, "port", cfg.Port)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("kestrel shutdown complete")
	return nil
}
