// Package svcctx provides service context for dependency injection via context.
// This package is separate from server to avoid import cycles with endpoints.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/readshelf/internal/capture"
	"github.com/jackzampolin/readshelf/internal/config"
	"github.com/jackzampolin/readshelf/internal/home"
	"github.com/jackzampolin/readshelf/internal/queue"
	"github.com/jackzampolin/readshelf/internal/store"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Store   store.Store
	Capture *capture.Service
	Queue   *queue.Engine
	Config  *config.Manager
	Logger  *slog.Logger
	Home    *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// StoreFrom extracts the document store from context.
func StoreFrom(ctx context.Context) store.Store {
	if s := ServicesFrom(ctx); s != nil {
		return s.Store
	}
	return nil
}

// CaptureFrom extracts the capture service from context.
func CaptureFrom(ctx context.Context) *capture.Service {
	if s := ServicesFrom(ctx); s != nil {
		return s.Capture
	}
	return nil
}

// QueueFrom extracts the queue engine from context.
func QueueFrom(ctx context.Context) *queue.Engine {
	if s := ServicesFrom(ctx); s != nil {
		return s.Queue
	}
	return nil
}

// ConfigFrom extracts the config manager from context.
func ConfigFrom(ctx context.Context) *config.Manager {
	if s := ServicesFrom(ctx); s != nil {
		return s.Config
	}
	return nil
}

// LoggerFrom extracts the logger from context.
// Falls back to slog.Default when none is attached.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
