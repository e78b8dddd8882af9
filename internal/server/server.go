package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackzampolin/readshelf/internal/api"
	"github.com/jackzampolin/readshelf/internal/config"
	"github.com/jackzampolin/readshelf/internal/home"
	"github.com/jackzampolin/readshelf/internal/providers"
	"github.com/jackzampolin/readshelf/internal/queue"
	"github.com/jackzampolin/readshelf/internal/server/endpoints"
	"github.com/jackzampolin/readshelf/internal/svcctx"
)

// Server is the main readshelf HTTP server.
// It owns the document store and runs the queue worker for as long as it
// serves requests.
type Server struct {
	httpServer *http.Server
	cfg        Config
	logger     *slog.Logger

	// services holds all core services for context enrichment
	services *svcctx.Services
	runtime  *Runtime

	// endpoints registry for HTTP routes
	endpointRegistry *api.Registry

	workerDone chan struct{}
	ready      chan struct{}
	addr       string

	mu      sync.RWMutex
	running bool
}

// Config holds server configuration.
type Config struct {
	// Host is the address to bind to (default: 127.0.0.1)
	Host string
	// Port is the port to listen on (default: 8080, "0" picks a free port)
	Port string
	// Home is the readshelf home directory
	Home *home.Dir
	// ConfigManager provides configuration with hot-reload support
	ConfigManager *config.Manager
	// Extractor overrides the configured extraction backend (tests)
	Extractor providers.Extractor
	// OnState observes every queue state transition (tests)
	OnState func(queue.State)
	// Logger is the structured logger to use
	Logger *slog.Logger
}

// New creates a new Server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == "" {
		cfg.Port = "8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Home == nil {
		return nil, errors.New("home directory is required")
	}
	if cfg.ConfigManager == nil {
		return nil, errors.New("config manager is required")
	}

	s := &Server{
		cfg:        cfg,
		logger:     cfg.Logger,
		workerDone: make(chan struct{}),
		ready:      make(chan struct{}),
		addr:       net.JoinHostPort(cfg.Host, cfg.Port),
	}

	// Create endpoint registry and register all endpoints
	s.endpointRegistry = api.NewRegistry()
	for _, ep := range endpoints.All() {
		s.endpointRegistry.Register(ep)
	}

	// Set up HTTP server
	mux := http.NewServeMux()
	s.endpointRegistry.RegisterRoutes(mux, s.requireInit)

	// Request contexts are cancelled when shutdown begins so event streams
	// end instead of holding Shutdown open.
	baseCtx, cancelBase := context.WithCancel(context.Background())
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      s.withServices(mux),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}
	s.httpServer.RegisterOnShutdown(cancelBase)

	return s, nil
}

// Start opens the store, starts the queue worker and serves HTTP.
// It blocks until the context is cancelled or an error occurs.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	s.mu.Unlock()

	rt, err := OpenRuntime(RuntimeConfig{
		Home:          s.cfg.Home,
		ConfigManager: s.cfg.ConfigManager,
		Extractor:     s.cfg.Extractor,
		OnState:       s.cfg.OnState,
		Logger:        s.logger,
	})
	if err != nil {
		s.setNotRunning()
		return fmt.Errorf("failed to open runtime: %w", err)
	}

	workerCtx, stopWorker := context.WithCancel(context.WithoutCancel(ctx))
	rt.Start(workerCtx)

	engine := rt.Services.Queue
	go func() {
		defer close(s.workerDone)
		if err := engine.Run(workerCtx); err != nil {
			s.logger.Error("queue worker exited", "error", err)
		}
	}()
	s.watchCredential(engine)

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		stopWorker()
		<-s.workerDone
		rt.Close()
		s.setNotRunning()
		return fmt.Errorf("listen: %w", err)
	}

	s.mu.Lock()
	s.runtime = rt
	s.services = rt.Services
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	close(s.ready)

	// Start HTTP server in goroutine
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for context cancellation or error
	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			serveErr = fmt.Errorf("HTTP server error: %w", err)
		}
	}

	s.shutdown(stopWorker)
	return serveErr
}

// watchCredential resumes the queue when the configured API key changes so a
// fixed credential takes effect without a restart.
func (s *Server) watchCredential(engine *queue.Engine) {
	var mu sync.Mutex
	last := s.cfg.ConfigManager.Credential()
	s.cfg.ConfigManager.OnChange(func(*config.Config) {
		key := s.cfg.ConfigManager.Credential()
		mu.Lock()
		changed := key != last
		last = key
		mu.Unlock()

		if changed {
			s.logger.Info("extraction credential changed, resuming queue")
			engine.Resume()
			return
		}
		engine.Trigger()
	})
}

// shutdown stops HTTP first, then lets the in-flight page finish before the
// store is closed.
func (s *Server) shutdown(stopWorker context.CancelFunc) {
	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("HTTP server shutdown error", "error", err)
	}

	stopWorker()
	select {
	case <-s.workerDone:
	case <-shutdownCtx.Done():
		s.logger.Warn("queue worker did not stop before timeout")
	}

	if err := s.runtime.Close(); err != nil {
		s.logger.Error("store close error", "error", err)
	}

	s.setNotRunning()
	s.logger.Info("server stopped")
}

func (s *Server) setNotRunning() {
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}

// IsRunning returns whether the server is currently running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the server's listen address. After Ready it is the bound
// address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.addr
}

// Services returns the core services.
// Returns nil if the server hasn't started yet.
func (s *Server) Services() *svcctx.Services {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.services
}

// Registry returns the endpoint registry.
func (s *Server) Registry() *api.Registry {
	return s.endpointRegistry
}

// withServices wraps a handler to enrich the request context with services.
func (s *Server) withServices(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc := s.Services(); svc != nil {
			ctx = svcctx.WithServices(ctx, svc)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireInit is middleware that ensures the server is fully initialized.
// Returns 503 Service Unavailable if the store or queue aren't ready.
func (s *Server) requireInit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Services() == nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"error":"server not fully initialized"}`))
			return
		}
		next(w, r)
	}
}
