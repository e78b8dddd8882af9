package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/jackzampolin/readshelf/internal/store"
)

const bookColumns = `id, title, created_at, last_read_page, last_read_sentence, cover_image_path`

// CreateBook persists a new book, assigning an ID and creation time when unset.
func (s *Store) CreateBook(ctx context.Context, b *store.Book) error {
	if b.ID == "" {
		b.ID = uuid.New().String()
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO books (`+bookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.ID, b.Title, formatTime(b.CreatedAt),
		b.LastReadPage, b.LastReadSentence, nullString(b.CoverImagePath),
	)
	if err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

// GetBook returns a book by ID.
func (s *Store) GetBook(ctx context.Context, id string) (*store.Book, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("book %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}
	return b, nil
}

// ListBooks returns all books, newest first.
func (s *Store) ListBooks(ctx context.Context) ([]*store.Book, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+bookColumns+` FROM books ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var books []*store.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	return books, rows.Err()
}

// UpdateReadingPosition records the last-read page and sentence.
func (s *Store) UpdateReadingPosition(ctx context.Context, bookID string, page, sentence int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE books SET last_read_page = ?, last_read_sentence = ? WHERE id = ?`,
		page, sentence, bookID,
	)
	if err != nil {
		return fmt.Errorf("update reading position: %w", err)
	}
	return checkAffected(res, "book", bookID)
}

// SetCoverImage stores the cover image reference for a book.
func (s *Store) SetCoverImage(ctx context.Context, bookID, path string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE books SET cover_image_path = ? WHERE id = ?`,
		nullString(path), bookID,
	)
	if err != nil {
		return fmt.Errorf("set cover image: %w", err)
	}
	return checkAffected(res, "book", bookID)
}

// DeleteBook removes a book and its pages, returning every image path the
// book referenced (cover included).
func (s *Store) DeleteBook(ctx context.Context, id string) ([]string, error) {
	var paths []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var cover sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT cover_image_path FROM books WHERE id = ?`, id).Scan(&cover)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("book %s: %w", id, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("get book: %w", err)
		}
		if cover.Valid && cover.String != "" {
			paths = append(paths, cover.String)
		}

		rows, err := tx.QueryContext(ctx, `SELECT image_path FROM pages WHERE book_id = ? AND image_path != ''`, id)
		if err != nil {
			return fmt.Errorf("list page images: %w", err)
		}
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				rows.Close()
				return fmt.Errorf("scan page image: %w", err)
			}
			paths = append(paths, p)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM pages WHERE book_id = ?`, id); err != nil {
			return fmt.Errorf("delete pages: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM books WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete book: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBook(row rowScanner) (*store.Book, error) {
	var (
		b         store.Book
		createdAt string
		cover     sql.NullString
	)
	if err := row.Scan(&b.ID, &b.Title, &createdAt, &b.LastReadPage, &b.LastReadSentence, &cover); err != nil {
		return nil, err
	}
	t, err := parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	b.CreatedAt = t
	b.CoverImagePath = cover.String
	return &b, nil
}
