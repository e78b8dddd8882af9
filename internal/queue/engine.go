// Package queue runs the single background worker that turns captured page
// images into stored text.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackzampolin/readshelf/internal/chapters"
	"github.com/jackzampolin/readshelf/internal/providers"
	"github.com/jackzampolin/readshelf/internal/store"
)

// ErrAlreadyRunning is returned when a worker loop is already active.
var ErrAlreadyRunning = errors.New("queue worker already running")

const (
	DefaultMaxRetries             = 3
	DefaultBackoffBase            = 2 * time.Second
	DefaultRateLimitCooldown      = 5 * time.Second
	DefaultLowConfidenceThreshold = 0.7
)

// Credentials supplies the extraction credential before each attempt.
type Credentials interface {
	Credential() string
}

// CredentialFunc adapts a function to Credentials.
type CredentialFunc func() string

func (f CredentialFunc) Credential() string { return f() }

// Notifier receives a page's sentence texts once they are final.
type Notifier interface {
	QueueForCaching(texts []string, id string) error
}

// SleepFunc pauses the worker. It returns early with ctx's error when ctx is
// cancelled.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Config holds the dependencies and policy of an Engine.
type Config struct {
	Store       store.Store
	Extractor   providers.Extractor
	Credentials Credentials
	Notifier    Notifier // optional

	// Policy values at or below zero use the package defaults.
	MaxRetries             int
	BackoffBase            time.Duration
	RateLimitCooldown      time.Duration
	LowConfidenceThreshold float64

	// States receives every transition. One is created when nil.
	States *Broadcaster
	// OnState, when set, is called synchronously for every published state,
	// in order.
	OnState func(State)

	// ReadImage loads a page image. Defaults to os.ReadFile.
	ReadImage func(path string) ([]byte, error)
	// Sleep implements backoff pauses. Defaults to a context-aware timer.
	Sleep SleepFunc

	Logger *slog.Logger
}

// Engine claims PENDING pages one at a time, extracts them and reconciles the
// results into the store.
type Engine struct {
	store       store.Store
	extractor   providers.Extractor
	credentials Credentials
	notifier    Notifier
	resolver    *chapters.Resolver

	maxRetries             int
	backoffBase            time.Duration
	rateLimitCooldown      time.Duration
	lowConfidenceThreshold float64

	states    *Broadcaster
	onState   func(State)
	readImage func(string) ([]byte, error)
	sleep     SleepFunc
	logger    *slog.Logger

	trigger chan struct{}
	token   chan struct{}
	// held is set after an insufficient-credits failure and stops further
	// claims until Resume.
	held atomic.Bool
}

// New creates an engine. Store and Extractor are required.
func New(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("queue: store is required")
	}
	if cfg.Extractor == nil {
		return nil, fmt.Errorf("queue: extractor is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.RateLimitCooldown <= 0 {
		cfg.RateLimitCooldown = DefaultRateLimitCooldown
	}
	if cfg.LowConfidenceThreshold <= 0 {
		cfg.LowConfidenceThreshold = DefaultLowConfidenceThreshold
	}
	if cfg.States == nil {
		cfg.States = NewBroadcaster()
	}
	if cfg.ReadImage == nil {
		cfg.ReadImage = os.ReadFile
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleepContext
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	e := &Engine{
		store:                  cfg.Store,
		extractor:              cfg.Extractor,
		credentials:            cfg.Credentials,
		notifier:               cfg.Notifier,
		resolver:               chapters.NewResolver(cfg.Store),
		maxRetries:             cfg.MaxRetries,
		backoffBase:            cfg.BackoffBase,
		rateLimitCooldown:      cfg.RateLimitCooldown,
		lowConfidenceThreshold: cfg.LowConfidenceThreshold,
		states:                 cfg.States,
		onState:                cfg.OnState,
		readImage:              cfg.ReadImage,
		sleep:                  cfg.Sleep,
		logger:                 cfg.Logger.With("component", "queue"),
		trigger:                make(chan struct{}, 1),
		token:                  make(chan struct{}, 1),
	}
	e.token <- struct{}{}
	return e, nil
}

// States returns the broadcaster carrying queue state.
func (e *Engine) States() *Broadcaster {
	return e.states
}

// Trigger wakes the worker started by Run. It never blocks; triggers that
// arrive while one is already pending are coalesced.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Resume clears an insufficient-credits hold and wakes the worker.
func (e *Engine) Resume() {
	e.held.Store(false)
	e.Trigger()
}

// Held reports whether claiming is suspended after an insufficient-credits
// failure.
func (e *Engine) Held() bool {
	return e.held.Load()
}

// Running reports whether a worker loop currently holds the queue.
func (e *Engine) Running() bool {
	return len(e.token) == 0
}

// Run is the long-lived worker. It recovers pages left PROCESSING by a previous
// process, drains the queue, then waits for Trigger until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.acquire() {
		return ErrAlreadyRunning
	}
	defer e.release()

	e.requeueStuck(ctx)
	e.logger.Info("queue worker started")
	defer e.logger.Info("queue worker stopped")

	for {
		if err := e.drain(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			e.logger.Error("queue drain failed", "error", err)
			if err := e.sleep(ctx, e.backoffBase); err != nil {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-e.trigger:
		}
	}
}

// ProcessPending drains the queue once and returns. It fails with
// ErrAlreadyRunning while Run (or another ProcessPending) is active.
func (e *Engine) ProcessPending(ctx context.Context) error {
	if !e.acquire() {
		return ErrAlreadyRunning
	}
	defer e.release()

	e.requeueStuck(ctx)
	return e.drain(ctx)
}

func (e *Engine) acquire() bool {
	select {
	case <-e.token:
		return true
	default:
		return false
	}
}

func (e *Engine) release() {
	e.token <- struct{}{}
}

// requeueStuck returns pages stranded in PROCESSING to the queue. Only the token
// holder may claim pages, so any PROCESSING row is left over from a crash.
func (e *Engine) requeueStuck(ctx context.Context) {
	n, err := e.store.ResetStuckProcessing(ctx)
	if err != nil {
		e.logger.Error("failed to reset stuck pages", "error", err)
		return
	}
	if n > 0 {
		e.logger.Warn("requeued pages left processing", "count", n)
	}
}

// drain claims and processes pending pages until none remain.
func (e *Engine) drain(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if e.held.Load() {
			return nil
		}

		page, err := e.store.NextPending(ctx)
		if errors.Is(err, store.ErrNotFound) {
			e.publish(Idle{})
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetch next pending page: %w", err)
		}

		claimed, err := e.store.ClaimPage(ctx, page.ID)
		if errors.Is(err, store.ErrNotFound) {
			// Changed since NextPending; pick again.
			continue
		}
		if err != nil {
			return fmt.Errorf("claim page %s: %w", page.ID, err)
		}

		e.process(ctx, claimed)
	}
}

func (e *Engine) publish(s State) {
	e.states.Publish(s)
	if e.onState != nil {
		e.onState(s)
	}
}

func (e *Engine) credential() string {
	if e.credentials == nil {
		return ""
	}
	return strings.TrimSpace(e.credentials.Credential())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
