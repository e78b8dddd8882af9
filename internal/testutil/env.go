// Package testutil holds fixtures shared by package tests: a temporary home
// directory, a config file, sample page images and a quiet logger.
package testutil

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackzampolin/readshelf/internal/config"
	"github.com/jackzampolin/readshelf/internal/home"
)

// Logger returns a logger that discards output unless READSHELF_TEST_LOG is
// set, in which case it logs at debug level to stderr.
func Logger(t testing.TB) *slog.Logger {
	t.Helper()
	if os.Getenv("READSHELF_TEST_LOG") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewHome creates an initialized home directory under t.TempDir.
func NewHome(t testing.TB) *home.Dir {
	t.Helper()
	h, err := home.New(filepath.Join(t.TempDir(), "home"))
	if err != nil {
		t.Fatalf("home.New() error = %v", err)
	}
	if err := h.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists() error = %v", err)
	}
	return h
}

// NewConfig writes contents to a config file in h and loads it.
func NewConfig(t testing.TB, h *home.Dir, contents string) *config.Manager {
	t.Helper()
	if err := os.WriteFile(h.ConfigPath(), []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cm, err := config.NewManager(h.ConfigPath())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	return cm
}

// PNG returns a w x h PNG with a single dark pixel.
func PNG(t testing.TB, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(w/2, h/2, color.Black)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// WaitForShutdown waits for a channel to receive a value or timeout.
func WaitForShutdown(done <-chan error, timeout time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for shutdown")
	}
}
