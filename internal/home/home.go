package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the readshelf home directory.
	DefaultDirName = ".readshelf"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"

	// DatabaseFileName is the SQLite document store.
	DatabaseFileName = "readshelf.db"

	pagesDirName  = "pages"
	coversDirName = "covers"
	cacheDirName  = "cache"
)

// Dir represents the readshelf home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.readshelf).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// DatabasePath returns the path to the document store.
func (d *Dir) DatabasePath() string {
	return filepath.Join(d.path, DatabaseFileName)
}

// PagesDir returns the directory holding captured page images of a book.
func (d *Dir) PagesDir(bookID string) string {
	return filepath.Join(d.path, pagesDirName, bookID)
}

// PageImagePath returns where a captured page image named name is stored.
func (d *Dir) PageImagePath(bookID, name string) string {
	return filepath.Join(d.PagesDir(bookID), name)
}

// CoversDir returns the directory for cover images.
func (d *Dir) CoversDir() string {
	return filepath.Join(d.path, coversDirName)
}

// CoverImagePath returns where the cover image named name is stored.
func (d *Dir) CoverImagePath(name string) string {
	return filepath.Join(d.CoversDir(), name)
}

// CacheDir returns the sentence-manifest spool directory.
func (d *Dir) CacheDir() string {
	return filepath.Join(d.path, cacheDirName)
}

// EnsureExists creates the home directory and subdirectories if they don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{
		filepath.Join(d.path, pagesDirName),
		d.CoversDir(),
		d.CacheDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// EnsurePagesDir creates the page image directory for a book.
func (d *Dir) EnsurePagesDir(bookID string) error {
	return os.MkdirAll(d.PagesDir(bookID), 0o755)
}

// RemovePagesDir deletes a book's page image directory.
func (d *Dir) RemovePagesDir(bookID string) error {
	return os.RemoveAll(d.PagesDir(bookID))
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
