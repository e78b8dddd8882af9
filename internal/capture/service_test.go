package capture

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/readshelf/internal/home"
	"github.com/jackzampolin/readshelf/internal/providers"
	"github.com/jackzampolin/readshelf/internal/store"
	"github.com/jackzampolin/readshelf/internal/store/sqlite"
	"github.com/jackzampolin/readshelf/internal/testutil"
)

type countingTrigger struct{ n atomic.Int32 }

func (c *countingTrigger) Trigger() { c.n.Add(1) }

type harness struct {
	svc     *Service
	store   *sqlite.Store
	home    *home.Dir
	titles  *providers.MockExtractor
	trigger *countingTrigger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := testutil.NewHome(t)

	st, err := sqlite.Open(dir.DatabasePath(), testutil.Logger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:   st,
		home:    dir,
		titles:  &providers.MockExtractor{Title: "The Hobbit"},
		trigger: &countingTrigger{},
	}
	h.svc, err = New(Config{
		Store:      st,
		Home:       dir,
		Titles:     h.titles,
		Queue:      h.trigger,
		Credential: func() string { return "sk-test" },
	})
	require.NoError(t, err)
	return h
}

func pngImage(t *testing.T) []byte {
	return testutil.PNG(t, 4, 4)
}

func TestCreateBook(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.svc.CreateBook(ctx, "  Dune  ")
	require.NoError(t, err)
	assert.Equal(t, "Dune", b.Title)

	_, err = h.svc.CreateBook(ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCaptureCover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	b, err := h.svc.CaptureCover(ctx, pngImage(t))
	require.NoError(t, err)
	assert.Equal(t, "The Hobbit", b.Title)
	assert.Equal(t, 1, h.titles.TitleCalls())
	assert.Equal(t, filepath.Join(h.home.CoversDir(), b.ID+".png"), b.CoverImagePath)
	assert.FileExists(t, b.CoverImagePath)

	stored, err := h.store.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, b.CoverImagePath, stored.CoverImagePath)
}

func TestCaptureCoverPlaceholderTitle(t *testing.T) {
	h := newHarness(t)
	h.titles.TitleErr = true

	b, err := h.svc.CaptureCover(context.Background(), pngImage(t))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(b.Title, "Book "), b.Title)
}

func TestCapturePage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.svc.CreateBook(ctx, "Dune")
	require.NoError(t, err)

	p1, err := h.svc.CapturePage(ctx, b.ID, pngImage(t))
	require.NoError(t, err)
	p2, err := h.svc.CapturePage(ctx, b.ID, pngImage(t))
	require.NoError(t, err)

	assert.Equal(t, 1, p1.PageNumber)
	assert.Equal(t, 2, p2.PageNumber)
	assert.Equal(t, store.StatusPending, p1.Status)
	assert.Equal(t, h.home.PagesDir(b.ID), filepath.Dir(p1.ImagePath))
	assert.FileExists(t, p1.ImagePath)
	assert.NotEqual(t, p1.ImagePath, p2.ImagePath)
	assert.EqualValues(t, 2, h.trigger.n.Load())

	next, err := h.store.NextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, p1.ID, next.ID)
}

func TestCapturePageRejects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.svc.CreateBook(ctx, "Dune")
	require.NoError(t, err)

	_, err = h.svc.CapturePage(ctx, b.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.CapturePage(ctx, b.ID, []byte("not an image"))
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.CapturePage(ctx, "missing", pngImage(t))
	assert.ErrorIs(t, err, store.ErrNotFound)

	assert.EqualValues(t, 0, h.trigger.n.Load())
}

func TestRecapture(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.svc.CreateBook(ctx, "Dune")
	require.NoError(t, err)
	p, err := h.svc.CapturePage(ctx, b.ID, pngImage(t))
	require.NoError(t, err)
	require.NoError(t, h.store.UpdatePageFailure(ctx, p.ID, store.StatusFailed, 4, "boom"))

	got, err := h.svc.Recapture(ctx, p.ID, pngImage(t))
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
	assert.NotEqual(t, p.ImagePath, got.ImagePath)
	assert.FileExists(t, got.ImagePath)
	assert.NoFileExists(t, p.ImagePath)
}

func TestRecaptureProcessingPageIsBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.svc.CreateBook(ctx, "Dune")
	require.NoError(t, err)
	p, err := h.svc.CapturePage(ctx, b.ID, pngImage(t))
	require.NoError(t, err)
	require.NoError(t, h.store.UpdatePageStatus(ctx, p.ID, store.StatusProcessing))

	_, err = h.svc.Recapture(ctx, p.ID, pngImage(t))
	assert.ErrorIs(t, err, ErrPageBusy)
	assert.FileExists(t, p.ImagePath)
}

// claimingStore claims a page right after it is read, as a worker would.
type claimingStore struct {
	*sqlite.Store
}

func (s claimingStore) GetPage(ctx context.Context, id string) (*store.Page, error) {
	p, err := s.Store.GetPage(ctx, id)
	if err == nil && p.Status == store.StatusPending {
		_, err = s.Store.ClaimPage(ctx, id)
	}
	return p, err
}

func TestRecaptureClaimedMidwayKeepsOldImage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.svc.CreateBook(ctx, "Dune")
	require.NoError(t, err)
	p, err := h.svc.CapturePage(ctx, b.ID, pngImage(t))
	require.NoError(t, err)
	h.svc.store = claimingStore{h.store}

	_, err = h.svc.Recapture(ctx, p.ID, pngImage(t))
	assert.ErrorIs(t, err, ErrPageBusy)

	got, err := h.store.GetPage(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusProcessing, got.Status)
	assert.Equal(t, p.ImagePath, got.ImagePath)
	assert.FileExists(t, p.ImagePath)

	entries, err := os.ReadDir(h.home.PagesDir(b.ID))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRetryPage(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.svc.CreateBook(ctx, "Dune")
	require.NoError(t, err)
	p, err := h.svc.CapturePage(ctx, b.ID, pngImage(t))
	require.NoError(t, err)

	// Only FAILED pages can be retried.
	_, err = h.svc.RetryPage(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, h.store.UpdatePageFailure(ctx, p.ID, store.StatusFailed, 4, "boom"))
	got, err := h.svc.RetryPage(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
}

func TestDeleteBookRemovesFiles(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.svc.CaptureCover(ctx, pngImage(t))
	require.NoError(t, err)
	p, err := h.svc.CapturePage(ctx, b.ID, pngImage(t))
	require.NoError(t, err)

	require.NoError(t, h.svc.DeleteBook(ctx, b.ID))
	assert.NoFileExists(t, b.CoverImagePath)
	assert.NoFileExists(t, p.ImagePath)
	_, err = os.Stat(h.home.PagesDir(b.ID))
	assert.True(t, os.IsNotExist(err))

	_, err = h.svc.GetBook(ctx, b.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, h.svc.DeleteBook(ctx, b.ID), store.ErrNotFound)
}

func TestUpdateProgress(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.svc.CreateBook(ctx, "Dune")
	require.NoError(t, err)

	require.NoError(t, h.svc.UpdateProgress(ctx, b.ID, 3, 7))
	got, err := h.svc.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.LastReadPage)
	assert.Equal(t, 7, got.LastReadSentence)

	assert.ErrorIs(t, h.svc.UpdateProgress(ctx, b.ID, -1, 0), ErrInvalidInput)
}

func TestListPages(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, err := h.svc.CreateBook(ctx, "Dune")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := h.svc.CapturePage(ctx, b.ID, pngImage(t))
		require.NoError(t, err)
	}

	pages, err := h.svc.ListPages(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	for i, p := range pages {
		assert.Equal(t, i+1, p.PageNumber)
	}

	_, err = h.svc.ListPages(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestNewRequiresStoreAndHome(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
