package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jackzampolin/readshelf/internal/store"
)

const pageColumns = `id, book_id, page_number, image_path, text, sentences_json,
	last_sentence_incomplete, status, retry_count, error_message, page_label,
	detected_chapter, resolved_chapter, confidence, created_at, updated_at`

// CreatePage persists a new PENDING page.
func (s *Store) CreatePage(ctx context.Context, p *store.Page) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if p.PageNumber == 0 {
			err := tx.QueryRowContext(ctx,
				`SELECT COALESCE(MAX(page_number), 0) + 1 FROM pages WHERE book_id = ?`, p.BookID,
			).Scan(&p.PageNumber)
			if err != nil {
				return fmt.Errorf("next page number: %w", err)
			}
		}
		p.Status = store.StatusPending
		p.RetryCount = 0
		p.ErrorMessage = ""
		return s.insertPage(ctx, tx, p)
	})
}

// InsertExtractedPage persists an already-extracted page at p.PageNumber.
// Pages of the same book at or after that number move up by one so capture
// order stays unique.
func (s *Store) InsertExtractedPage(ctx context.Context, p *store.Page) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE pages SET page_number = page_number + 1 WHERE book_id = ? AND page_number >= ?`,
			p.BookID, p.PageNumber,
		)
		if err != nil {
			return fmt.Errorf("shift page numbers: %w", err)
		}
		p.Status = store.StatusCompleted
		return s.insertPage(ctx, tx, p)
	})
}

func (s *Store) insertPage(ctx context.Context, tx *sql.Tx, p *store.Page) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := s.now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	sentences, err := encodeSentences(p.Sentences)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO pages (`+pageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.BookID, p.PageNumber, p.ImagePath, p.Text, sentences,
		boolInt(p.LastSentenceIncomplete), string(p.Status), p.RetryCount, nullString(p.ErrorMessage),
		nullableString(p.PageLabel), nullableString(p.DetectedChapter), nullableString(p.ResolvedChapter),
		p.Confidence, formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert page: %w", err)
	}
	return nil
}

// GetPage returns a page by ID.
func (s *Store) GetPage(ctx context.Context, id string) (*store.Page, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, id)
	return getPage(row, "page "+id)
}

// GetPageByNumber returns the page of a book with the given sequential number.
func (s *Store) GetPageByNumber(ctx context.Context, bookID string, pageNumber int) (*store.Page, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE book_id = ? AND page_number = ? ORDER BY seq LIMIT 1`,
		bookID, pageNumber,
	)
	return getPage(row, fmt.Sprintf("page %d of book %s", pageNumber, bookID))
}

// ListPages returns the pages of a book in sequential order.
func (s *Store) ListPages(ctx context.Context, bookID string) ([]*store.Page, error) {
	return s.queryPages(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE book_id = ? ORDER BY page_number, seq`, bookID)
}

// PagesBefore returns the pages of a book numbered below pageNumber, newest first.
func (s *Store) PagesBefore(ctx context.Context, bookID string, pageNumber int) ([]*store.Page, error) {
	return s.queryPages(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE book_id = ? AND page_number < ? ORDER BY page_number DESC, seq DESC`,
		bookID, pageNumber)
}

// NextPending returns the oldest PENDING page by insertion order.
func (s *Store) NextPending(ctx context.Context) (*store.Page, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+pageColumns+` FROM pages WHERE status = ? ORDER BY seq LIMIT 1`,
		string(store.StatusPending),
	)
	return getPage(row, "pending page")
}

// CompletePage writes an extraction result and marks the page COMPLETED.
// The predecessor trim, when present, is written before the page itself.
func (s *Store) CompletePage(ctx context.Context, id string, result store.PageResult, trim *store.ContinuationTrim) error {
	sentences, err := encodeSentences(result.Sentences)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := formatTime(s.now())

		if trim != nil {
			trimmed, err := encodeSentences(trim.Sentences)
			if err != nil {
				return err
			}
			res, err := tx.ExecContext(ctx, `
				UPDATE pages SET text = ?, sentences_json = ?, last_sentence_incomplete = ?, updated_at = ?
				WHERE id = ?`,
				store.JoinSentences(trim.Sentences), trimmed,
				boolInt(store.TrailingIncomplete(trim.Sentences)), now, trim.PageID,
			)
			if err != nil {
				return fmt.Errorf("trim predecessor: %w", err)
			}
			if err := checkAffected(res, "page", trim.PageID); err != nil {
				return err
			}
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE pages SET
				text = ?, sentences_json = ?, last_sentence_incomplete = ?,
				page_label = ?, detected_chapter = ?, resolved_chapter = ?, confidence = ?,
				status = ?, error_message = NULL, updated_at = ?
			WHERE id = ?`,
			result.Text, sentences, boolInt(result.LastSentenceIncomplete),
			nullableString(result.PageLabel), nullableString(result.DetectedChapter),
			nullableString(result.ResolvedChapter), result.Confidence,
			string(store.StatusCompleted), now, id,
		)
		if err != nil {
			return fmt.Errorf("complete page: %w", err)
		}
		return checkAffected(res, "page", id)
	})
}

// ClaimPage moves a PENDING page to PROCESSING.
func (s *Store) ClaimPage(ctx context.Context, id string) (*store.Page, error) {
	var p *store.Page
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pages SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
			string(store.StatusProcessing), formatTime(s.now()), id, string(store.StatusPending),
		)
		if err != nil {
			return fmt.Errorf("claim page: %w", err)
		}
		if err := checkAffected(res, "pending page", id); err != nil {
			return err
		}
		p, err = getPage(tx.QueryRowContext(ctx, `SELECT `+pageColumns+` FROM pages WHERE id = ?`, id), "page "+id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// UpdatePageStatus sets the status alone.
func (s *Store) UpdatePageStatus(ctx context.Context, id string, status store.PageStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pages SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("update page status: %w", err)
	}
	return checkAffected(res, "page", id)
}

// UpdatePageFailure sets status, retry count and error message in one statement.
func (s *Store) UpdatePageFailure(ctx context.Context, id string, status store.PageStatus, retryCount int, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pages SET status = ?, retry_count = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(status), retryCount, nullString(message), formatTime(s.now()), id,
	)
	if err != nil {
		return fmt.Errorf("update page failure: %w", err)
	}
	return checkAffected(res, "page", id)
}

// ResetPageForRecapture points a page at a new image and returns it to PENDING.
func (s *Store) ResetPageForRecapture(ctx context.Context, id, imagePath string) (string, error) {
	var old string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT image_path FROM pages WHERE id = ?`, id).Scan(&old)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("page %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get page image: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE pages SET image_path = ?, status = ?, retry_count = 0, error_message = NULL, updated_at = ?
			WHERE id = ? AND status != ?`,
			imagePath, string(store.StatusPending), formatTime(s.now()), id, string(store.StatusProcessing),
		)
		if err != nil {
			return fmt.Errorf("reset page: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("page %s: %w", id, store.ErrPageBusy)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return old, nil
}

// RequeuePage returns a FAILED page to PENDING.
func (s *Store) RequeuePage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pages SET status = ?, retry_count = 0, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(store.StatusPending), formatTime(s.now()), id, string(store.StatusFailed),
	)
	if err != nil {
		return fmt.Errorf("requeue page: %w", err)
	}
	return checkAffected(res, "failed page", id)
}

// ResetStuckProcessing returns every PROCESSING page to PENDING.
func (s *Store) ResetStuckProcessing(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE pages SET status = ?, updated_at = ? WHERE status = ?`,
		string(store.StatusPending), formatTime(s.now()), string(store.StatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("reset processing pages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("reset pages left in processing", "count", n)
	}
	return n, nil
}

func (s *Store) queryPages(ctx context.Context, query string, args ...any) ([]*store.Page, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", err)
	}
	defer rows.Close()

	var pages []*store.Page
	for rows.Next() {
		p, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func getPage(row *sql.Row, what string) (*store.Page, error) {
	p, err := scanPage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", what, err)
	}
	return p, nil
}

func scanPage(row rowScanner) (*store.Page, error) {
	var (
		p                    store.Page
		sentences            string
		incomplete           int
		status               string
		errMsg               sql.NullString
		label, detected, res sql.NullString
		createdAt, updatedAt string
	)
	err := row.Scan(
		&p.ID, &p.BookID, &p.PageNumber, &p.ImagePath, &p.Text, &sentences,
		&incomplete, &status, &p.RetryCount, &errMsg, &label,
		&detected, &res, &p.Confidence, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(sentences), &p.Sentences); err != nil {
		return nil, fmt.Errorf("decode sentences: %w", err)
	}
	p.LastSentenceIncomplete = incomplete != 0
	p.Status = store.PageStatus(status)
	p.ErrorMessage = errMsg.String
	p.PageLabel = stringPtr(label)
	p.DetectedChapter = stringPtr(detected)
	p.ResolvedChapter = stringPtr(res)

	if p.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

func encodeSentences(sentences []store.Sentence) (string, error) {
	if sentences == nil {
		sentences = []store.Sentence{}
	}
	b, err := json.Marshal(sentences)
	if err != nil {
		return "", fmt.Errorf("encode sentences: %w", err)
	}
	return string(b), nil
}
