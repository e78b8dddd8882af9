// Package store defines the persisted document model (books and their pages)
// and the contract every storage backend implements.
// This package has no dependencies on other readshelf packages to avoid import cycles.
package store

import (
	"strings"
	"time"
)

// PageStatus is the processing state of a page in the OCR queue.
type PageStatus string

const (
	StatusPending    PageStatus = "PENDING"
	StatusProcessing PageStatus = "PROCESSING"
	StatusCompleted  PageStatus = "COMPLETED"
	StatusFailed     PageStatus = "FAILED"
)

// Valid reports whether s is a known status.
func (s PageStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// Book is a captured book.
type Book struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`

	// Last-read position.
	LastReadPage     int `json:"last_read_page"`
	LastReadSentence int `json:"last_read_sentence"`

	// CoverImagePath is empty when no cover was captured.
	CoverImagePath string `json:"cover_image_path,omitempty"`
}

// Sentence is one unit of extracted text. IsComplete is false only for a
// sentence plausibly cut off at a page boundary.
type Sentence struct {
	Text       string `json:"text"`
	IsComplete bool   `json:"isComplete"`
}

// Page is a single captured (or synthesized) page of a book.
type Page struct {
	ID     string `json:"id"`
	BookID string `json:"book_id"`

	// PageNumber is the sequential capture order within the book, starting at 1.
	// It is not the printed page number (see PageLabel).
	PageNumber int `json:"page_number"`

	// ImagePath is empty for pages synthesized from a multi-page capture.
	ImagePath string `json:"image_path"`

	Text                   string     `json:"text"`
	Sentences              []Sentence `json:"sentences"`
	LastSentenceIncomplete bool       `json:"last_sentence_incomplete"`

	Status       PageStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	ErrorMessage string     `json:"error_message,omitempty"`

	PageLabel       *string `json:"page_label,omitempty"`
	DetectedChapter *string `json:"detected_chapter,omitempty"`
	ResolvedChapter *string `json:"resolved_chapter,omitempty"`
	Confidence      float64 `json:"confidence"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SentenceTexts returns the text of each sentence in order.
func (p *Page) SentenceTexts() []string {
	texts := make([]string, len(p.Sentences))
	for i, s := range p.Sentences {
		texts[i] = s.Text
	}
	return texts
}

// PageResult is the extraction outcome written to a page when it completes.
type PageResult struct {
	Text                   string
	Sentences              []Sentence
	LastSentenceIncomplete bool
	PageLabel              *string
	DetectedChapter        *string
	ResolvedChapter        *string
	Confidence             float64
}

// ContinuationTrim rewrites a predecessor page after its trailing incomplete
// sentence has been merged into the following page.
type ContinuationTrim struct {
	PageID    string
	Sentences []Sentence
}

// JoinSentences concatenates sentence texts with single spaces.
func JoinSentences(sentences []Sentence) string {
	parts := make([]string, 0, len(sentences))
	for _, s := range sentences {
		if t := strings.TrimSpace(s.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

// TrailingIncomplete reports whether the last sentence is marked incomplete.
// An empty list counts as complete.
func TrailingIncomplete(sentences []Sentence) bool {
	if len(sentences) == 0 {
		return false
	}
	return !sentences[len(sentences)-1].IsComplete
}
