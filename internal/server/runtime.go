package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackzampolin/readshelf/internal/cache"
	"github.com/jackzampolin/readshelf/internal/capture"
	"github.com/jackzampolin/readshelf/internal/config"
	"github.com/jackzampolin/readshelf/internal/home"
	"github.com/jackzampolin/readshelf/internal/providers"
	"github.com/jackzampolin/readshelf/internal/queue"
	"github.com/jackzampolin/readshelf/internal/store/sqlite"
	"github.com/jackzampolin/readshelf/internal/svcctx"
)

// RuntimeConfig holds what is needed to assemble the core services.
type RuntimeConfig struct {
	Home          *home.Dir
	ConfigManager *config.Manager
	// Extractor overrides the backend client built from configuration.
	Extractor providers.Extractor
	// OnState is passed through to the queue engine.
	OnState func(queue.State)
	Logger  *slog.Logger
}

// Runtime owns the store, cache spool and queue engine shared by the HTTP
// server and the one-shot process command.
type Runtime struct {
	Services *svcctx.Services
	Spool    *cache.Spool // nil when caching is disabled

	store *sqlite.Store
}

// OpenRuntime opens the document store and wires the queue engine and
// capture service from configuration.
func OpenRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Home == nil {
		return nil, errors.New("home directory is required")
	}
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := cfg.ConfigManager.Get()

	if err := cfg.Home.EnsureExists(); err != nil {
		return nil, err
	}

	st, err := sqlite.Open(cfg.Home.DatabasePath(), cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	extractor := cfg.Extractor
	if extractor == nil {
		extractor = providers.NewClient(providers.ClientConfig{
			BaseURL:           c.Extraction.BaseURL,
			Model:             c.Extraction.Model,
			Timeout:           c.Extraction.Timeout(),
			RequestsPerMinute: c.Extraction.RequestsPerMinute,
			MaxDimension:      c.Extraction.MaxDimension,
			JPEGQuality:       c.Extraction.JPEGQuality,
			Logger:            cfg.Logger,
		})
	}

	rt := &Runtime{store: st}

	qcfg := queue.Config{
		Store:                  st,
		Extractor:              extractor,
		Credentials:            queue.CredentialFunc(cfg.ConfigManager.Credential),
		MaxRetries:             c.Queue.MaxRetries,
		BackoffBase:            c.Queue.BackoffBase(),
		RateLimitCooldown:      c.Queue.RateLimitCooldown(),
		LowConfidenceThreshold: c.Queue.LowConfidenceThreshold,
		OnState:                cfg.OnState,
		Logger:                 cfg.Logger,
	}
	if c.Cache.Enabled {
		spool, err := cache.NewSpool(cache.SpoolConfig{
			Dir:       cfg.Home.CacheDir(),
			QueueSize: c.Cache.QueueSize,
			Logger:    cfg.Logger,
		})
		if err != nil {
			st.Close()
			return nil, err
		}
		rt.Spool = spool
		qcfg.Notifier = spool
	}

	engine, err := queue.New(qcfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	captureSvc, err := capture.New(capture.Config{
		Store:      st,
		Home:       cfg.Home,
		Titles:     extractor,
		Queue:      engine,
		Credential: cfg.ConfigManager.Credential,
		Logger:     cfg.Logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	rt.Services = &svcctx.Services{
		Store:   st,
		Capture: captureSvc,
		Queue:   engine,
		Config:  cfg.ConfigManager,
		Logger:  cfg.Logger,
		Home:    cfg.Home,
	}
	return rt, nil
}

// Start begins background writers owned by the runtime.
func (rt *Runtime) Start(ctx context.Context) {
	if rt.Spool != nil {
		rt.Spool.Start(ctx)
	}
}

// Close flushes the spool and closes the store.
func (rt *Runtime) Close() error {
	if rt.Spool != nil {
		rt.Spool.Stop()
	}
	return rt.store.Close()
}
