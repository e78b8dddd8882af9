// Package capture turns incoming images into books and queued pages. It owns
// the image files on disk: saving captures, replacing them on recapture and
// removing them when a book is deleted.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "golang.org/x/image/webp"

	"github.com/jackzampolin/readshelf/internal/home"
	"github.com/jackzampolin/readshelf/internal/providers"
	"github.com/jackzampolin/readshelf/internal/store"
)

var (
	// ErrInvalidInput is returned for empty titles, unreadable images and
	// negative reading positions.
	ErrInvalidInput = errors.New("invalid input")

	// ErrPageBusy is returned when recapturing a page that is being processed.
	ErrPageBusy = store.ErrPageBusy
)

// TitleExtractor reads a book title from a cover image. It never fails.
type TitleExtractor interface {
	ExtractTitle(ctx context.Context, credential string, image []byte) string
}

// Trigger wakes the queue worker.
type Trigger interface {
	Trigger()
}

// Config holds the collaborators of a Service.
type Config struct {
	Store  store.Store
	Home   *home.Dir
	Titles TitleExtractor
	Queue  Trigger // optional
	// Credential returns the extraction credential for title capture.
	Credential func() string
	Logger     *slog.Logger
}

// Service implements book and page capture.
type Service struct {
	store      store.Store
	home       *home.Dir
	titles     TitleExtractor
	queue      Trigger
	credential func() string
	logger     *slog.Logger
}

// New creates a capture service. Store and Home are required.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("capture: store is required")
	}
	if cfg.Home == nil {
		return nil, fmt.Errorf("capture: home is required")
	}
	if cfg.Credential == nil {
		cfg.Credential = func() string { return "" }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:      cfg.Store,
		home:       cfg.Home,
		titles:     cfg.Titles,
		queue:      cfg.Queue,
		credential: cfg.Credential,
		logger:     cfg.Logger.With("component", "capture"),
	}, nil
}

// CreateBook creates a book with the given title.
func (s *Service) CreateBook(ctx context.Context, title string) (*store.Book, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	b := &store.Book{Title: title}
	if err := s.store.CreateBook(ctx, b); err != nil {
		return nil, err
	}
	s.logger.Info("book created", "book_id", b.ID, "title", b.Title)
	return b, nil
}

// CaptureCover creates a book titled from its cover image and stores the
// cover. Title extraction never fails; a placeholder is used instead.
func (s *Service) CaptureCover(ctx context.Context, data []byte) (*store.Book, error) {
	ext, err := imageExt(data)
	if err != nil {
		return nil, err
	}

	title := ""
	if s.titles != nil {
		title = strings.TrimSpace(s.titles.ExtractTitle(ctx, s.credential(), data))
	}
	if title == "" {
		title = providers.PlaceholderTitle(time.Now())
	}
	b, err := s.CreateBook(ctx, title)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.home.CoversDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create covers dir: %w", err)
	}
	path := s.home.CoverImagePath(b.ID + ext)
	if err := writeImage(path, data); err != nil {
		return nil, fmt.Errorf("save cover: %w", err)
	}
	if err := s.store.SetCoverImage(ctx, b.ID, path); err != nil {
		removeFile(s.logger, path)
		return nil, err
	}
	b.CoverImagePath = path
	return b, nil
}

// CapturePage saves a page image and queues it as the book's next page.
func (s *Service) CapturePage(ctx context.Context, bookID string, data []byte) (*store.Page, error) {
	ext, err := imageExt(data)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetBook(ctx, bookID); err != nil {
		return nil, err
	}

	if err := s.home.EnsurePagesDir(bookID); err != nil {
		return nil, fmt.Errorf("create pages dir: %w", err)
	}
	path := s.home.PageImagePath(bookID, uuid.New().String()+ext)
	if err := writeImage(path, data); err != nil {
		return nil, fmt.Errorf("save page image: %w", err)
	}

	p := &store.Page{BookID: bookID, ImagePath: path}
	if err := s.store.CreatePage(ctx, p); err != nil {
		removeFile(s.logger, path)
		return nil, err
	}
	s.logger.Info("page queued", "page_id", p.ID, "book_id", bookID, "page_number", p.PageNumber)
	s.trigger()
	return p, nil
}

// Recapture replaces a page's image and returns it to the queue. The old image
// file is removed once the page points at the new one.
func (s *Service) Recapture(ctx context.Context, pageID string, data []byte) (*store.Page, error) {
	ext, err := imageExt(data)
	if err != nil {
		return nil, err
	}
	page, err := s.store.GetPage(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if page.Status == store.StatusProcessing {
		return nil, fmt.Errorf("page %s: %w", pageID, ErrPageBusy)
	}

	if err := s.home.EnsurePagesDir(page.BookID); err != nil {
		return nil, fmt.Errorf("create pages dir: %w", err)
	}
	path := s.home.PageImagePath(page.BookID, uuid.New().String()+ext)
	if err := writeImage(path, data); err != nil {
		return nil, fmt.Errorf("save page image: %w", err)
	}
	old, err := s.store.ResetPageForRecapture(ctx, pageID, path)
	if err != nil {
		removeFile(s.logger, path)
		return nil, err
	}
	if old != "" && old != path {
		removeFile(s.logger, old)
	}

	s.logger.Info("page recaptured", "page_id", pageID, "book_id", page.BookID)
	s.trigger()
	return s.store.GetPage(ctx, pageID)
}

// RetryPage returns a FAILED page to the queue with its retry count cleared.
func (s *Service) RetryPage(ctx context.Context, pageID string) (*store.Page, error) {
	if err := s.store.RequeuePage(ctx, pageID); err != nil {
		return nil, err
	}
	s.logger.Info("page requeued", "page_id", pageID)
	s.trigger()
	return s.store.GetPage(ctx, pageID)
}

// DeleteBook removes a book, its pages and every image file they referenced.
func (s *Service) DeleteBook(ctx context.Context, bookID string) error {
	paths, err := s.store.DeleteBook(ctx, bookID)
	if err != nil {
		return err
	}
	for _, p := range paths {
		removeFile(s.logger, p)
	}
	if err := s.home.RemovePagesDir(bookID); err != nil {
		s.logger.Warn("failed to remove pages dir", "book_id", bookID, "error", err)
	}
	s.logger.Info("book deleted", "book_id", bookID, "files", len(paths))
	return nil
}

// UpdateProgress records the last-read position of a book.
func (s *Service) UpdateProgress(ctx context.Context, bookID string, page, sentence int) error {
	if page < 0 || sentence < 0 {
		return fmt.Errorf("%w: reading position must not be negative", ErrInvalidInput)
	}
	return s.store.UpdateReadingPosition(ctx, bookID, page, sentence)
}

// ListBooks returns all books.
func (s *Service) ListBooks(ctx context.Context) ([]*store.Book, error) {
	return s.store.ListBooks(ctx)
}

// GetBook returns a book.
func (s *Service) GetBook(ctx context.Context, bookID string) (*store.Book, error) {
	return s.store.GetBook(ctx, bookID)
}

// ListPages returns a book's pages in page-number order.
func (s *Service) ListPages(ctx context.Context, bookID string) ([]*store.Page, error) {
	if _, err := s.store.GetBook(ctx, bookID); err != nil {
		return nil, err
	}
	return s.store.ListPages(ctx, bookID)
}

func (s *Service) trigger() {
	if s.queue != nil {
		s.queue.Trigger()
	}
}

// imageExt validates data as a JPEG, PNG or WebP image and returns the file
// extension to store it under.
func imageExt(data []byte) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: image is empty", ErrInvalidInput)
	}
	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: unrecognized image: %v", ErrInvalidInput, err)
	}
	switch format {
	case "jpeg":
		return ".jpg", nil
	case "png":
		return ".png", nil
	case "webp":
		return ".webp", nil
	default:
		return "", fmt.Errorf("%w: unsupported image format %q", ErrInvalidInput, format)
	}
}

func writeImage(path string, data []byte) error {
	return os.WriteFile(path, data, 0o644)
}

func removeFile(logger *slog.Logger, path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to remove image", "path", path, "error", err)
	}
}
