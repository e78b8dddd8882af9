// Package cache spools finalized page sentences to disk for downstream
// consumers such as speech pre-rendering.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// ErrQueueFull is returned when an entry is dropped because the spool is
// backed up.
var ErrQueueFull = errors.New("cache spool queue full")

// ErrClosed is returned for entries queued after Stop.
var ErrClosed = errors.New("cache spool closed")

// Entry is the manifest written for one finalized page.
type Entry struct {
	ID        string    `json:"id"`
	Sentences []string  `json:"sentences"`
	QueuedAt  time.Time `json:"queued_at"`
}

// SpoolConfig configures the spool.
type SpoolConfig struct {
	Dir           string
	QueueSize     int           // Buffer size (default: 256)
	BatchSize     int           // Flush after N entries (default: 16)
	FlushInterval time.Duration // Or after duration (default: 2s)
	Logger        *slog.Logger
}

// Spool writes one JSON manifest per page ID into Dir. Queueing never blocks:
// entries beyond the buffer are dropped.
type Spool struct {
	dir    string
	logger *slog.Logger

	batchSize     int
	flushInterval time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan Entry

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSpool creates the spool directory and returns an unstarted spool.
func NewSpool(cfg SpoolConfig) (*Spool, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("cache: spool directory is required")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create spool dir: %w", err)
	}

	return &Spool{
		dir:           cfg.Dir,
		logger:        cfg.Logger.With("component", "cache"),
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         make(chan Entry, cfg.QueueSize),
	}, nil
}

// Start begins writing queued entries. It returns immediately. Cancelling ctx
// flushes the current batch; the writer runs until Stop.
func (s *Spool) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop stops accepting entries and waits for queued ones to be written.
func (s *Spool) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
		s.wg.Wait()
	})
}

// QueueForCaching queues texts under id. It never blocks.
func (s *Spool) QueueForCaching(texts []string, id string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}

	entry := Entry{
		ID:        id,
		Sentences: append([]string(nil), texts...),
		QueuedAt:  time.Now().UTC(),
	}
	select {
	case s.queue <- entry:
		return nil
	default:
		s.logger.Warn("spool full, dropping entry", "id", id)
		return ErrQueueFull
	}
}

// Path returns where the manifest for id is written.
func (s *Spool) Path(id string) string {
	return filepath.Join(s.dir, safeName(id)+".json")
}

func (s *Spool) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	done := ctx.Done()
	batch := make([]Entry, 0, s.batchSize)
	flush := func() {
		for _, e := range batch {
			if err := s.write(e); err != nil {
				s.logger.Warn("failed to write cache manifest", "id", e.ID, "error", err)
			}
		}
		if len(batch) > 0 {
			s.logger.Debug("flushed cache manifests", "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-s.queue:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= s.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-done:
			// Entries queued after cancellation are written by Stop.
			flush()
			done = nil
		}
	}
}

// write stores e via a temp file and rename so readers never see a partial
// manifest.
func (s *Spool) write(e Entry) error {
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".manifest-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), s.Path(e.ID))
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func safeName(id string) string {
	return unsafeChars.ReplaceAllString(id, "_")
}
