package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jonathan/textbook-forge/internal/artifacts"
	"github.com/jonathan/textbook-forge/internal/config"
	"github.com/jonathan/textbook-forge/internal/db"
	"github.com/jonathan/textbook-forge/internal/engine"
	"github.com/jonathan/textbook-forge/internal/fetch"
	"github.com/jonathan/textbook-forge/internal/graphstore"
	"github.com/jonathan/textbook-forge/internal/llm"
	"github.com/jonathan/textbook-forge/internal/observability"
	"github.com/jonathan/textbook-forge/internal/retry"
	"github.com/jonathan/textbook-forge/internal/runstate"
	"github.com/jonathan/textbook-forge/internal/textbook"
)

// app holds the wired collaborators shared by serve and run.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	runs      *runstate.Memory
	graph     graphstore.Store
	artifacts *artifacts.Writer
	runner    *textbook.Runner

	closers []func() error
}

// appOptions customize wiring for a command.
type appOptions struct {
	logOutput io.Writer
	// observer receives executor events in addition to the built-in ones.
	observer engine.Observer
}

// newApp connects the stores, the model client and the executor described by
// cfg. The caller must call close.
func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (_ *app, err error) {
	if err := cfg.RequireAPIKey(); err != nil {
		return nil, err
	}
	if opts.logOutput == nil {
		opts.logOutput = os.Stderr
	}
	logger, err := observability.NewLogger(opts.logOutput, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger, artifacts: artifacts.NewWriter(cfg.OutputDir)}
	defer func() {
		if err != nil {
			_ = a.close()
		}
	}()

	policy := retry.Policy{MaxRetries: cfg.RetryCount}.WithDefaults()

	store, err := graphstore.Open(ctx, graphstore.Options{
		Driver:      cfg.GraphStoreDriver,
		DatabaseURL: cfg.DatabaseURL,
		SQLitePath:  cfg.SQLitePath,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open graph store: %w", err)
	}
	a.closers = append(a.closers, store.Close)
	a.graph = graphstore.Retrying(store, policy, logger)

	observers := []engine.Observer{
		engine.NewLoggingObserver(logger),
		artifacts.NewEventLog(a.artifacts, logger),
		opts.observer,
	}
	memOpts := []runstate.MemoryOption{runstate.WithLogger(logger)}

	if cfg.RedisURL != "" {
		client, err := runstate.ConnectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		memOpts = append(memOpts, runstate.WithPersister(runstate.NewRedisPersister(client, "", 0)))
	}
	if cfg.DatabaseURL != "" {
		database, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { database.Close(); return nil })
		if err := database.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		observers = append(observers, db.NewStepRecorder(database, logger))
		if cfg.RedisURL == "" {
			memOpts = append(memOpts, runstate.WithPersister(database))
		}
	}
	a.runs = runstate.NewMemory(memOpts...)

	client, err := llm.NewClient(ctx, cfg.LLMConfig(), cfg.APIKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM client: %w", err)
	}
	a.closers = append(a.closers, client.Close)

	fetcherCfg := fetch.FetcherConfig{Logger: logger}
	if cfg.UseBrowser {
		fetcherCfg.Render = fetch.ChromeRenderer(cfg.UnitTimeout, logger)
	}

	workflow, err := textbook.New(textbook.Deps{
		Generator: llm.WithRetry(client, policy, logger),
		Store:     a.graph,
		Artifacts: a.artifacts,
		Fetcher:   fetch.NewFetcher(fetcherCfg),
		Logger:    logger,
	}, settingsFrom(cfg))
	if err != nil {
		return nil, err
	}

	exec := engine.NewExecutor[textbook.State](engine.Options{
		Runs:        a.runs,
		Observer:    engine.NewCompositeObserver(observers...),
		Logger:      logger,
		GracePeriod: cfg.CancelGrace,
		Retry:       policy,
	})
	a.runner = textbook.NewRunner(workflow, exec)
	return a, nil
}

// settingsFrom maps the configuration onto workflow settings.
func settingsFrom(cfg *config.Config) textbook.Settings {
	return textbook.Settings{
		ResearchWorkers:    cfg.ResearchMaxWorkers,
		WriterWorkers:      cfg.WriterMaxWorkers,
		QAWorkers:          cfg.QAMaxWorkers,
		KGWorkers:          cfg.KGMaxWorkers,
		UnitTimeout:        cfg.UnitTimeout,
		RetryCount:         cfg.RetryCount,
		PassThreshold:      cfg.PassThreshold,
		MaxRewriteAttempts: cfg.MaxRewriteAttempts,
	}
}

// close releases resources in reverse order of acquisition.
func (a *app) close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
