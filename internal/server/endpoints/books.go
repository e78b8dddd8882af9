package endpoints

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/readshelf/internal/api"
	"github.com/jackzampolin/readshelf/internal/capture"
	"github.com/jackzampolin/readshelf/internal/store"
	"github.com/jackzampolin/readshelf/internal/svcctx"
)

const booksGroup = "books"

// captureService returns the capture service or writes a 503.
func captureService(w http.ResponseWriter, r *http.Request) (*capture.Service, bool) {
	svc := svcctx.CaptureFrom(r.Context())
	if svc == nil {
		writeError(w, http.StatusServiceUnavailable, "capture service not initialized")
		return nil, false
	}
	return svc, true
}

// CreateBookRequest is the request body for creating a book.
type CreateBookRequest struct {
	Title string `json:"title"`
}

// CreateBookEndpoint handles POST /api/books.
type CreateBookEndpoint struct{}

var _ api.Endpoint = (*CreateBookEndpoint)(nil)

func (e *CreateBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books", e.handler
}

func (e *CreateBookEndpoint) RequiresInit() bool { return true }
func (e *CreateBookEndpoint) Group() string      { return booksGroup }

func (e *CreateBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req CreateBookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	svc, ok := captureService(w, r)
	if !ok {
		return
	}

	book, err := svc.CreateBook(r.Context(), req.Title)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (e *CreateBookEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "create <title>",
		Short: "Create a book",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var book store.Book
			if err := client.Post(cmd.Context(), "/api/books", CreateBookRequest{Title: args[0]}, &book); err != nil {
				return err
			}
			return api.Output(book)
		},
	}
}

// CaptureCoverEndpoint handles POST /api/books/cover.
type CaptureCoverEndpoint struct{}

var _ api.Endpoint = (*CaptureCoverEndpoint)(nil)

func (e *CaptureCoverEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books/cover", e.handler
}

func (e *CaptureCoverEndpoint) RequiresInit() bool { return true }
func (e *CaptureCoverEndpoint) Group() string      { return booksGroup }

func (e *CaptureCoverEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	data, ok := readImageUpload(w, r)
	if !ok {
		return
	}
	svc, ok := captureService(w, r)
	if !ok {
		return
	}

	book, err := svc.CaptureCover(r.Context(), data)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

func (e *CaptureCoverEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "cover <image>",
		Short: "Create a book from a cover photo (title is read from the image)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readImageFile(args[0])
			if err != nil {
				return err
			}
			client := api.NewClient(getServerURL())
			var book store.Book
			if err := client.Upload(cmd.Context(), "/api/books/cover", imageField, filepath.Base(args[0]), data, &book); err != nil {
				return err
			}
			return api.Output(book)
		},
	}
}

// ListBooksResponse is the response for listing books.
type ListBooksResponse struct {
	Books []*store.Book `json:"books"`
}

// ListBooksEndpoint handles GET /api/books.
type ListBooksEndpoint struct{}

var _ api.Endpoint = (*ListBooksEndpoint)(nil)

func (e *ListBooksEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/books", e.handler
}

func (e *ListBooksEndpoint) RequiresInit() bool { return true }
func (e *ListBooksEndpoint) Group() string      { return booksGroup }

func (e *ListBooksEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	svc, ok := captureService(w, r)
	if !ok {
		return
	}
	books, err := svc.ListBooks(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if books == nil {
		books = []*store.Book{}
	}
	writeJSON(w, http.StatusOK, ListBooksResponse{Books: books})
}

func (e *ListBooksEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all books",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListBooksResponse
			if err := client.Get(cmd.Context(), "/api/books", &resp); err != nil {
				return err
			}
			if len(resp.Books) == 0 {
				fmt.Println("No books found")
				return nil
			}
			return api.Output(resp)
		},
	}
}

// BookDetail is a book with a summary of its pages.
type BookDetail struct {
	*store.Book
	PageCount int            `json:"page_count"`
	Statuses  map[string]int `json:"statuses"`
}

// GetBookEndpoint handles GET /api/books/{id}.
type GetBookEndpoint struct{}

var _ api.Endpoint = (*GetBookEndpoint)(nil)

func (e *GetBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/books/{id}", e.handler
}

func (e *GetBookEndpoint) RequiresInit() bool { return true }
func (e *GetBookEndpoint) Group() string      { return booksGroup }

func (e *GetBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	svc, ok := captureService(w, r)
	if !ok {
		return
	}

	book, err := svc.GetBook(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	pages, err := svc.ListPages(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	detail := BookDetail{Book: book, PageCount: len(pages), Statuses: map[string]int{}}
	for _, p := range pages {
		detail.Statuses[string(p.Status)]++
	}
	writeJSON(w, http.StatusOK, detail)
}

func (e *GetBookEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get a book by ID",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var detail BookDetail
			if err := client.Get(cmd.Context(), "/api/books/"+args[0], &detail); err != nil {
				return err
			}
			return api.Output(detail)
		},
	}
}

// DeleteBookEndpoint handles DELETE /api/books/{id}.
type DeleteBookEndpoint struct{}

var _ api.Endpoint = (*DeleteBookEndpoint)(nil)

func (e *DeleteBookEndpoint) Route() (string, string, http.HandlerFunc) {
	return "DELETE", "/api/books/{id}", e.handler
}

func (e *DeleteBookEndpoint) RequiresInit() bool { return true }
func (e *DeleteBookEndpoint) Group() string      { return booksGroup }

func (e *DeleteBookEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	svc, ok := captureService(w, r)
	if !ok {
		return
	}
	if err := svc.DeleteBook(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (e *DeleteBookEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a book, its pages and their images",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			if err := client.Delete(cmd.Context(), "/api/books/"+args[0]); err != nil {
				return err
			}
			fmt.Printf("Deleted book %s\n", args[0])
			return nil
		},
	}
}

// ProgressRequest is the request body for updating reading progress.
type ProgressRequest struct {
	Page     int `json:"page"`
	Sentence int `json:"sentence"`
}

// UpdateProgressEndpoint handles PUT /api/books/{id}/progress.
type UpdateProgressEndpoint struct{}

var _ api.Endpoint = (*UpdateProgressEndpoint)(nil)

func (e *UpdateProgressEndpoint) Route() (string, string, http.HandlerFunc) {
	return "PUT", "/api/books/{id}/progress", e.handler
}

func (e *UpdateProgressEndpoint) RequiresInit() bool { return true }
func (e *UpdateProgressEndpoint) Group() string      { return booksGroup }

func (e *UpdateProgressEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	svc, ok := captureService(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if err := svc.UpdateProgress(r.Context(), id, req.Page, req.Sentence); err != nil {
		writeServiceError(w, err)
		return
	}
	book, err := svc.GetBook(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, book)
}

func (e *UpdateProgressEndpoint) Command(getServerURL func() string) *cobra.Command {
	var req ProgressRequest
	cmd := &cobra.Command{
		Use:   "progress <id>",
		Short: "Record the last-read page and sentence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var book store.Book
			if err := client.Put(cmd.Context(), "/api/books/"+args[0]+"/progress", req, &book); err != nil {
				return err
			}
			return api.Output(book)
		},
	}
	cmd.Flags().IntVar(&req.Page, "page", 0, "Last-read page number")
	cmd.Flags().IntVar(&req.Sentence, "sentence", 0, "Last-read sentence index on that page")
	return cmd
}
