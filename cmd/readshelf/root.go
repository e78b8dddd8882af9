package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/readshelf/internal/api"
	"github.com/jackzampolin/readshelf/internal/config"
	"github.com/jackzampolin/readshelf/internal/home"
	"github.com/jackzampolin/readshelf/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "readshelf",
	Short: "Background OCR ingestion for photographed book pages",
	Long: `readshelf turns photographed pages of physical books into an ordered,
sentence-segmented text library.

Captured pages are queued and processed one at a time:
  - Vision-model text extraction with retry and credit handling
  - Sentence continuation across page boundaries
  - Chapter resolution and missing-page detection
  - Sentence manifests for downstream speech caching`,
	Version:      version.GitRelease,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Set output format before any command runs
		return api.SetOutputFormat(outputFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: {home}/config.yaml, ./config.yaml or ~/.readshelf/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "readshelf home directory (default: ~/.readshelf)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the home directory and loads configuration. A config
// file inside home is preferred when --config is not given.
func loadConfig() (*home.Dir, *config.Manager, error) {
	h, err := home.New(homeDir)
	if err != nil {
		return nil, nil, err
	}
	path := cfgFile
	if path == "" && h.ConfigExists() {
		path = h.ConfigPath()
	}
	cm, err := config.NewManager(path)
	if err != nil {
		return nil, nil, err
	}
	return h, cm, nil
}

// newLogger builds the slog logger described by cfg.
func newLogger(cfg config.LogCfg, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

// setup loads configuration and the logger shared by serve and process.
func setup() (*home.Dir, *config.Manager, *slog.Logger, error) {
	h, cm, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	logger, err := newLogger(cm.Get().Log, os.Stdout)
	if err != nil {
		return nil, nil, nil, err
	}
	cm.SetLogger(logger)
	return h, cm, logger, nil
}
