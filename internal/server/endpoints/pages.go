package endpoints

import (
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jackzampolin/readshelf/internal/api"
	"github.com/jackzampolin/readshelf/internal/store"
	"github.com/jackzampolin/readshelf/internal/svcctx"
)

const pagesGroup = "pages"

// ListPagesResponse is the response for listing a book's pages.
type ListPagesResponse struct {
	BookID string        `json:"book_id"`
	Pages  []*store.Page `json:"pages"`
}

// ListPagesEndpoint handles GET /api/books/{id}/pages.
type ListPagesEndpoint struct{}

var _ api.Endpoint = (*ListPagesEndpoint)(nil)

func (e *ListPagesEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/books/{id}/pages", e.handler
}

func (e *ListPagesEndpoint) RequiresInit() bool { return true }
func (e *ListPagesEndpoint) Group() string      { return pagesGroup }

func (e *ListPagesEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	svc, ok := captureService(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	pages, err := svc.ListPages(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if pages == nil {
		pages = []*store.Page{}
	}
	writeJSON(w, http.StatusOK, ListPagesResponse{BookID: id, Pages: pages})
}

func (e *ListPagesEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "list <book-id>",
		Short: "List a book's pages in capture order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var resp ListPagesResponse
			if err := client.Get(cmd.Context(), "/api/books/"+args[0]+"/pages", &resp); err != nil {
				return err
			}
			return api.Output(resp)
		},
	}
}

// CapturePageEndpoint handles POST /api/books/{id}/pages.
type CapturePageEndpoint struct{}

var _ api.Endpoint = (*CapturePageEndpoint)(nil)

func (e *CapturePageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/books/{id}/pages", e.handler
}

func (e *CapturePageEndpoint) RequiresInit() bool { return true }
func (e *CapturePageEndpoint) Group() string      { return pagesGroup }

func (e *CapturePageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	data, ok := readImageUpload(w, r)
	if !ok {
		return
	}
	svc, ok := captureService(w, r)
	if !ok {
		return
	}

	page, err := svc.CapturePage(r.Context(), r.PathValue("id"), data)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, page)
}

func (e *CapturePageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "capture <book-id> <image...>",
		Short: "Queue page images for OCR, in the order given",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			pages := make([]store.Page, 0, len(args)-1)
			for _, path := range args[1:] {
				data, err := readImageFile(path)
				if err != nil {
					return err
				}
				var page store.Page
				if err := client.Upload(cmd.Context(), "/api/books/"+args[0]+"/pages", imageField, filepath.Base(path), data, &page); err != nil {
					return err
				}
				pages = append(pages, page)
			}
			return api.Output(pages)
		},
	}
}

// GetPageEndpoint handles GET /api/pages/{id}.
type GetPageEndpoint struct{}

var _ api.Endpoint = (*GetPageEndpoint)(nil)

func (e *GetPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/pages/{id}", e.handler
}

func (e *GetPageEndpoint) RequiresInit() bool { return true }
func (e *GetPageEndpoint) Group() string      { return pagesGroup }

func (e *GetPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}
	page, err := st.GetPage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (e *GetPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "get <page-id>",
		Short: "Get a page with its extracted text",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var page store.Page
			if err := client.Get(cmd.Context(), "/api/pages/"+args[0], &page); err != nil {
				return err
			}
			return api.Output(page)
		},
	}
}

// PageImageEndpoint handles GET /api/pages/{id}/image.
type PageImageEndpoint struct{}

var _ api.Endpoint = (*PageImageEndpoint)(nil)

func (e *PageImageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "GET", "/api/pages/{id}/image", e.handler
}

func (e *PageImageEndpoint) RequiresInit() bool { return true }

func (e *PageImageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	st := svcctx.StoreFrom(r.Context())
	if st == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}
	page, err := st.GetPage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if page.ImagePath == "" {
		writeError(w, http.StatusNotFound, "page has no image")
		return
	}

	file, err := os.Open(page.ImagePath)
	if err != nil {
		if os.IsNotExist(err) {
			writeError(w, http.StatusNotFound, "page image missing")
		} else {
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	defer file.Close()

	fileInfo, err := file.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	http.ServeContent(w, r, filepath.Base(page.ImagePath), fileInfo.ModTime(), file)
}

func (e *PageImageEndpoint) Command(_ func() string) *cobra.Command {
	return nil
}

// RecaptureEndpoint handles POST /api/pages/{id}/recapture.
type RecaptureEndpoint struct{}

var _ api.Endpoint = (*RecaptureEndpoint)(nil)

func (e *RecaptureEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/pages/{id}/recapture", e.handler
}

func (e *RecaptureEndpoint) RequiresInit() bool { return true }
func (e *RecaptureEndpoint) Group() string      { return pagesGroup }

func (e *RecaptureEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	data, ok := readImageUpload(w, r)
	if !ok {
		return
	}
	svc, ok := captureService(w, r)
	if !ok {
		return
	}

	page, err := svc.Recapture(r.Context(), r.PathValue("id"), data)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, page)
}

func (e *RecaptureEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "recapture <page-id> <image>",
		Short: "Replace a page's image and queue it again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readImageFile(args[1])
			if err != nil {
				return err
			}
			client := api.NewClient(getServerURL())
			var page store.Page
			if err := client.Upload(cmd.Context(), "/api/pages/"+args[0]+"/recapture", imageField, filepath.Base(args[1]), data, &page); err != nil {
				return err
			}
			return api.Output(page)
		},
	}
}

// RetryPageEndpoint handles POST /api/pages/{id}/retry.
type RetryPageEndpoint struct{}

var _ api.Endpoint = (*RetryPageEndpoint)(nil)

func (e *RetryPageEndpoint) Route() (string, string, http.HandlerFunc) {
	return "POST", "/api/pages/{id}/retry", e.handler
}

func (e *RetryPageEndpoint) RequiresInit() bool { return true }
func (e *RetryPageEndpoint) Group() string      { return pagesGroup }

func (e *RetryPageEndpoint) handler(w http.ResponseWriter, r *http.Request) {
	svc, ok := captureService(w, r)
	if !ok {
		return
	}
	page, err := svc.RetryPage(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, page)
}

func (e *RetryPageEndpoint) Command(getServerURL func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <page-id>",
		Short: "Queue a failed page again with its retry count cleared",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(getServerURL())
			var page store.Page
			if err := client.Post(cmd.Context(), "/api/pages/"+args[0]+"/retry", nil, &page); err != nil {
				return err
			}
			return api.Output(page)
		},
	}
}
