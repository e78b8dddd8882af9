// Package chapters attributes pages to chapters by searching backward through
// a book for the most recent chapter heading.
package chapters

import (
	"context"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/jackzampolin/readshelf/internal/store"
)

// minTitleLength is the shortest accepted chapter title, in characters.
const minTitleLength = 3

// PageSource lists a book's earlier pages, newest first.
type PageSource interface {
	PagesBefore(ctx context.Context, bookID string, pageNumber int) ([]*store.Page, error)
}

// Resolver infers the chapter a page belongs to.
type Resolver struct {
	pages PageSource
}

// NewResolver creates a resolver over the given page source.
func NewResolver(pages PageSource) *Resolver {
	return &Resolver{pages: pages}
}

// Resolve returns the chapter title for the page at pageNumber. A valid
// detected title wins; otherwise earlier pages are scanned most-recent-first
// for a valid detected title or a previously resolved chapter. A nil result
// means the default, unnamed chapter.
func (r *Resolver) Resolve(ctx context.Context, book *store.Book, pageNumber int, detected *string) (*string, error) {
	if detected != nil && IsValidTitle(*detected, book.Title) {
		return normalized(*detected), nil
	}

	earlier, err := r.pages.PagesBefore(ctx, book.ID, pageNumber)
	if err != nil {
		return nil, fmt.Errorf("load earlier pages: %w", err)
	}

	for _, p := range earlier {
		if p.DetectedChapter != nil && IsValidTitle(*p.DetectedChapter, book.Title) {
			return normalized(*p.DetectedChapter), nil
		}
		if p.ResolvedChapter != nil && strings.TrimSpace(*p.ResolvedChapter) != "" {
			return normalized(*p.ResolvedChapter), nil
		}
	}
	return nil, nil
}

// IsValidTitle reports whether title can name a chapter of a book titled
// bookTitle. Titles equal to the book title (ignoring case), shorter than three
// characters, or made only of digits are rejected.
func IsValidTitle(title, bookTitle string) bool {
	title = strings.TrimSpace(title)
	if title == "" {
		return false
	}
	if strings.EqualFold(title, strings.TrimSpace(bookTitle)) {
		return false
	}
	if utf8.RuneCountInString(title) < minTitleLength {
		return false
	}
	return !allDigits(title)
}

func allDigits(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func normalized(s string) *string {
	v := strings.TrimSpace(s)
	return &v
}
