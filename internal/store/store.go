package store

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a requested book or page does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPageBusy is returned when a page being processed cannot be changed.
	ErrPageBusy = errors.New("page is being processed")
)

// BookStore holds book persistence.
type BookStore interface {
	// CreateBook assigns an ID (when empty) and persists b.
	CreateBook(ctx context.Context, b *Book) error
	GetBook(ctx context.Context, id string) (*Book, error)
	ListBooks(ctx context.Context) ([]*Book, error)
	UpdateReadingPosition(ctx context.Context, bookID string, page, sentence int) error
	SetCoverImage(ctx context.Context, bookID, path string) error
	// DeleteBook removes the book and all of its pages. It returns the image
	// paths that were referenced so the caller can remove the files.
	DeleteBook(ctx context.Context, id string) ([]string, error)
}

// PageStore holds page persistence and the queue-facing queries.
type PageStore interface {
	// CreatePage persists p as PENDING. A zero PageNumber is assigned the next
	// sequential number for the book.
	CreatePage(ctx context.Context, p *Page) error
	// InsertExtractedPage persists p as COMPLETED at p.PageNumber, shifting the
	// book's later pages up by one.
	InsertExtractedPage(ctx context.Context, p *Page) error

	GetPage(ctx context.Context, id string) (*Page, error)
	GetPageByNumber(ctx context.Context, bookID string, pageNumber int) (*Page, error)
	ListPages(ctx context.Context, bookID string) ([]*Page, error)
	// PagesBefore returns the book's pages numbered below pageNumber, newest first.
	PagesBefore(ctx context.Context, bookID string, pageNumber int) ([]*Page, error)

	// NextPending returns the oldest PENDING page by insertion order.
	NextPending(ctx context.Context) (*Page, error)
	// ClaimPage moves a PENDING page to PROCESSING and returns the claimed
	// row. It returns ErrNotFound when the page is no longer PENDING.
	ClaimPage(ctx context.Context, id string) (*Page, error)

	// CompletePage writes the extraction result and marks the page COMPLETED.
	// When trim is non-nil the predecessor is rewritten first, in the same
	// transaction.
	CompletePage(ctx context.Context, id string, result PageResult, trim *ContinuationTrim) error
	UpdatePageStatus(ctx context.Context, id string, status PageStatus) error
	UpdatePageFailure(ctx context.Context, id string, status PageStatus, retryCount int, message string) error
	// ResetPageForRecapture points the page at a new image and returns it to
	// PENDING with cleared error and retry count. It returns the old image path,
	// or ErrPageBusy when the page is PROCESSING.
	ResetPageForRecapture(ctx context.Context, id, imagePath string) (string, error)
	// RequeuePage returns a FAILED page to PENDING with cleared error and retry count.
	RequeuePage(ctx context.Context, id string) error
	// ResetStuckProcessing returns pages left in PROCESSING to PENDING.
	ResetStuckProcessing(ctx context.Context) (int64, error)
}

// Store is the full document store.
type Store interface {
	BookStore
	PageStore
	Close() error
}
