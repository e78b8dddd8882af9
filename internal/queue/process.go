package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/jackzampolin/readshelf/internal/providers"
	"github.com/jackzampolin/readshelf/internal/sentences"
	"github.com/jackzampolin/readshelf/internal/store"
)

// process runs one claimed page to a terminal outcome for this attempt:
// COMPLETED, FAILED, or back to PENDING with a retry scheduled.
func (e *Engine) process(ctx context.Context, page *store.Page) {
	logger := e.logger.With("page_id", page.ID, "book_id", page.BookID, "page_number", page.PageNumber)
	logger.Info("processing page", "retry_count", page.RetryCount)
	e.publish(Processing{PageID: page.ID, BookID: page.BookID, PageNumber: page.PageNumber})

	// An attempt is not interrupted once started: store writes and the
	// extraction call outlive cancellation of ctx.
	work := context.WithoutCancel(ctx)

	result, err := e.extract(work, page)
	if err == nil {
		err = e.apply(work, page, result)
	}
	if err != nil {
		e.fail(ctx, page, err)
		return
	}
	logger.Info("page completed", "results", len(result.Pages))
}

func (e *Engine) extract(ctx context.Context, page *store.Page) (*providers.ExtractionResult, error) {
	credential := e.credential()
	if credential == "" {
		return nil, &providers.ExtractionError{Kind: providers.ErrMissingCredential}
	}

	image, err := e.readImage(page.ImagePath)
	if err != nil {
		return nil, fmt.Errorf("read page image: %w", err)
	}

	result, err := e.extractor.Extract(ctx, credential, image)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &providers.ExtractionResult{}
	}
	return result, nil
}

// apply reconciles extraction results into the store. The first result
// completes the claimed page; each further result becomes a new COMPLETED page
// directly after it.
func (e *Engine) apply(ctx context.Context, claimed *store.Page, result *providers.ExtractionResult) error {
	book, err := e.store.GetBook(ctx, claimed.BookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}

	pages := result.Pages
	if len(pages) == 0 {
		pages = []providers.PageResult{{Confidence: 0}}
	}

	var predecessor *store.Page
	if claimed.PageNumber > 1 {
		predecessor, err = e.store.GetPageByNumber(ctx, claimed.BookID, claimed.PageNumber-1)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load previous page: %w", err)
		}
	}

	labels := make([]*int, 0, len(pages))
	worst := -1
	worstConfidence := math.Inf(1)
	var worstID string

	for i, pr := range pages {
		pageNumber := claimed.PageNumber + i
		texts, pageID, err := e.applyResult(ctx, book, claimed, predecessor, i, pageNumber, pr)
		if err != nil {
			if i == 0 {
				return err
			}
			// The claimed page is already committed.
			e.logger.Error("failed to store additional page",
				"page_id", claimed.ID, "index", i, "page_number", pageNumber, "error", err)
			labels = append(labels, numericLabel(pr.PageLabel))
			continue
		}

		labels = append(labels, numericLabel(pr.PageLabel))
		if pr.Confidence < worstConfidence {
			worst, worstConfidence, worstID = i, pr.Confidence, pageID
		}
		e.notify(texts, fmt.Sprintf("%s-%d", claimed.ID, i))
	}

	if worst >= 0 && worstConfidence < e.lowConfidenceThreshold {
		e.logger.Warn("low confidence extraction",
			"page_id", worstID, "confidence", worstConfidence, "threshold", e.lowConfidenceThreshold)
		e.publish(LowConfidence{
			BookID:     book.ID,
			PageID:     worstID,
			PageLabel:  pages[worst].PageLabel,
			Confidence: worstConfidence,
		})
	}

	var next *int
	if last := labels[len(labels)-1]; last != nil {
		n := *last + 1
		next = &n
	}
	e.publish(PagesProcessed{BookID: book.ID, Labels: labels, NextExpected: next})

	if predecessor != nil {
		if gap, ok := detectGap(numericLabel(predecessor.PageLabel), labels[0]); ok {
			e.logger.Warn("page gap detected", "book_id", book.ID, "expected", gap.Expected, "detected", gap.Detected)
			gap.BookID = book.ID
			e.publish(gap)
		}
	}
	return nil
}

// applyResult stores result i and returns its final sentence texts and the
// page ID it was written to.
func (e *Engine) applyResult(ctx context.Context, book *store.Book, claimed, predecessor *store.Page, i, pageNumber int, pr providers.PageResult) ([]string, string, error) {
	sents := pr.Sentences
	var trim *store.ContinuationTrim

	if i == 0 && predecessor != nil && len(sents) > 0 &&
		predecessor.Status == store.StatusCompleted && predecessor.LastSentenceIncomplete {
		if merged, ok := sentences.MergeContinuation(predecessor.Sentences, sents); ok {
			trim = &store.ContinuationTrim{PageID: predecessor.ID, Sentences: merged.Predecessor}
			sents = merged.Current
			e.logger.Debug("merged continuation", "page_id", claimed.ID, "previous_page_id", predecessor.ID)
		}
	}

	resolved, err := e.resolver.Resolve(ctx, book, pageNumber, pr.ChapterTitle)
	if err != nil {
		return nil, "", fmt.Errorf("resolve chapter: %w", err)
	}

	stored := store.PageResult{
		Text:                   store.JoinSentences(sents),
		Sentences:              sents,
		LastSentenceIncomplete: store.TrailingIncomplete(sents),
		PageLabel:              pr.PageLabel,
		DetectedChapter:        pr.ChapterTitle,
		ResolvedChapter:        resolved,
		Confidence:             pr.Confidence,
	}

	if i == 0 {
		if err := e.store.CompletePage(ctx, claimed.ID, stored, trim); err != nil {
			return nil, "", fmt.Errorf("complete page: %w", err)
		}
		return sentenceTexts(sents), claimed.ID, nil
	}

	extra := &store.Page{
		BookID:                 claimed.BookID,
		PageNumber:             pageNumber,
		Text:                   stored.Text,
		Sentences:              stored.Sentences,
		LastSentenceIncomplete: stored.LastSentenceIncomplete,
		PageLabel:              stored.PageLabel,
		DetectedChapter:        stored.DetectedChapter,
		ResolvedChapter:        stored.ResolvedChapter,
		Confidence:             stored.Confidence,
	}
	if err := e.store.InsertExtractedPage(ctx, extra); err != nil {
		return nil, "", fmt.Errorf("insert page: %w", err)
	}
	return sentenceTexts(sents), extra.ID, nil
}

func (e *Engine) notify(texts []string, id string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.QueueForCaching(texts, id); err != nil {
		e.logger.Warn("caching notifier failed", "id", id, "error", err)
	}
}

// fail applies the retry policy to a failed attempt.
func (e *Engine) fail(ctx context.Context, page *store.Page, cause error) {
	work := context.WithoutCancel(ctx)
	kind := providers.Classify(cause)
	msg := cause.Error()
	logger := e.logger.With("page_id", page.ID, "book_id", page.BookID)

	switch kind {
	case providers.ErrInsufficientCredits:
		logger.Error("extraction refused: insufficient credits", "error", cause)
		e.markFailed(work, page, page.RetryCount, msg)
		e.held.Store(true)
		e.publish(InsufficientCredits{Message: msg})
		return
	case providers.ErrInvalidCredential:
		logger.Error("extraction refused: invalid credential", "error", cause)
		e.markFailed(work, page, page.RetryCount, msg)
		e.publish(ErrorState{PageID: page.ID, BookID: page.BookID, Message: msg, RetryCount: page.RetryCount})
		return
	case providers.ErrRateLimited:
		logger.Warn("extraction rate limited, cooling down", "cooldown", e.rateLimitCooldown)
		if err := e.sleep(ctx, e.rateLimitCooldown); err != nil {
			logger.Debug("cooldown interrupted", "error", err)
		}
	}

	count := page.RetryCount + 1
	if count > e.maxRetries {
		logger.Error("page failed permanently", "retry_count", count, "error", cause)
		e.markFailed(work, page, count, msg)
		e.publish(ErrorState{PageID: page.ID, BookID: page.BookID, Message: msg, RetryCount: count})
		return
	}

	if err := e.store.UpdatePageFailure(work, page.ID, store.StatusPending, count, msg); err != nil {
		logger.Error("failed to record retry", "error", err)
	}
	e.publish(ErrorState{PageID: page.ID, BookID: page.BookID, Message: msg, RetryCount: count, WillRetry: true})

	delay := e.backoff(count)
	logger.Warn("extraction failed, retrying", "kind", kind, "retry_count", count, "backoff", delay, "error", cause)
	if err := e.sleep(ctx, delay); err != nil {
		logger.Debug("backoff interrupted", "error", err)
	}
}

func (e *Engine) markFailed(ctx context.Context, page *store.Page, retryCount int, msg string) {
	if err := e.store.UpdatePageFailure(ctx, page.ID, store.StatusFailed, retryCount, msg); err != nil {
		e.logger.Error("failed to mark page failed", "page_id", page.ID, "error", err)
	}
}

// backoff returns the pause after the count-th retryable failure:
// base, 2*base, 4*base, ...
func (e *Engine) backoff(count int) time.Duration {
	if count < 1 {
		count = 1
	}
	return e.backoffBase << (count - 1)
}

// numericLabel parses a printed page label as an integer. Roman numerals and
// other non-numeric labels yield nil.
func numericLabel(label *string) *int {
	if label == nil {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(*label))
	if err != nil {
		return nil
	}
	return &n
}

// detectGap reports a MissingPages state when current skips past prev+1.
func detectGap(prev, current *int) (MissingPages, bool) {
	if prev == nil || current == nil || *current <= *prev+1 {
		return MissingPages{}, false
	}
	return MissingPages{Expected: *prev + 1, Detected: *current}, true
}

func sentenceTexts(sents []store.Sentence) []string {
	texts := make([]string, 0, len(sents))
	for _, s := range sents {
		texts = append(texts, s.Text)
	}
	return texts
}
