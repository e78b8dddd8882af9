// Package providers adapts remote vision backends into page text extraction.
package providers

import (
	"context"

	"github.com/jackzampolin/readshelf/internal/store"
)

// Extractor turns a captured image into structured page results.
type Extractor interface {
	// Extract returns the pages visible in image, in reading order. Failures
	// are classified with the Err* sentinels.
	Extract(ctx context.Context, credential string, image []byte) (*ExtractionResult, error)

	// ExtractTitle reads a book title from a cover image. It never fails: on
	// any error it returns a timestamp-derived placeholder.
	ExtractTitle(ctx context.Context, credential string, image []byte) string
}

// ExtractionResult is the ordered set of pages found in one capture.
type ExtractionResult struct {
	Pages []PageResult `json:"pages"`
}

// PageResult is one page recognized in a capture.
type PageResult struct {
	PageLabel    *string          `json:"page_label,omitempty"`
	Confidence   float64          `json:"confidence"`
	Sentences    []store.Sentence `json:"sentences"`
	Text         string           `json:"text"`
	ChapterTitle *string          `json:"chapter_title,omitempty"`
}

// LastSentenceIncomplete reports whether the page ends mid-sentence.
func (p PageResult) LastSentenceIncomplete() bool {
	return store.TrailingIncomplete(p.Sentences)
}
