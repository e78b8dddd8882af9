package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackzampolin/readshelf/internal/providers"
	"github.com/jackzampolin/readshelf/internal/store"
	"github.com/jackzampolin/readshelf/internal/store/sqlite"
)

type recordingNotifier struct {
	mu    sync.Mutex
	ids   []string
	texts [][]string
	err   error
}

func (n *recordingNotifier) QueueForCaching(texts []string, id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ids = append(n.ids, id)
	n.texts = append(n.texts, texts)
	return n.err
}

type harness struct {
	t        *testing.T
	store    *sqlite.Store
	ext      *providers.MockExtractor
	notifier *recordingNotifier
	engine   *Engine
	book     *store.Book

	mu     sync.Mutex
	sleeps []time.Duration
	states []State
}

func newHarness(t *testing.T, credential string, responses ...providers.MockResponse) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := sqlite.Open(filepath.Join(t.TempDir(), "readshelf.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	h := &harness{
		t:        t,
		store:    st,
		ext:      providers.NewMockExtractor(responses...),
		notifier: &recordingNotifier{},
	}

	h.engine, err = New(Config{
		Store:       st,
		Extractor:   h.ext,
		Credentials: CredentialFunc(func() string { return credential }),
		Notifier:    h.notifier,
		OnState: func(s State) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.states = append(h.states, s)
		},
		ReadImage: func(path string) ([]byte, error) { return []byte(path), nil },
		Sleep: func(_ context.Context, d time.Duration) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.sleeps = append(h.sleeps, d)
			return nil
		},
		Logger: logger,
	})
	require.NoError(t, err)

	h.book = &store.Book{Title: "Moby Dick"}
	require.NoError(t, st.CreateBook(context.Background(), h.book))
	return h
}

func (h *harness) addPage(image string) *store.Page {
	h.t.Helper()
	p := &store.Page{BookID: h.book.ID, ImagePath: image}
	require.NoError(h.t, h.store.CreatePage(context.Background(), p))
	return p
}

func (h *harness) page(id string) *store.Page {
	h.t.Helper()
	p, err := h.store.GetPage(context.Background(), id)
	require.NoError(h.t, err)
	return p
}

func (h *harness) run() {
	h.t.Helper()
	require.NoError(h.t, h.engine.ProcessPending(context.Background()))
}

func (h *harness) recordedSleeps() []time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]time.Duration(nil), h.sleeps...)
}

func statesOf[T State](h *harness) []T {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []T
	for _, s := range h.states {
		if v, ok := s.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

func transient(msg string) providers.MockResponse {
	return providers.MockError(&providers.ExtractionError{Kind: providers.ErrTransient, Message: msg})
}

func intPtr(n int) *int { return &n }

func TestProcessPendingIsFIFO(t *testing.T) {
	h := newHarness(t, "key")
	h.ext.Default = &providers.MockResponse{Result: &providers.ExtractionResult{
		Pages: []providers.PageResult{providers.MockPage("", 0.95, "Text.")},
	}}

	pages := []*store.Page{h.addPage("img-1"), h.addPage("img-2"), h.addPage("img-3")}
	h.run()

	images := h.ext.Images()
	require.Len(t, images, 3)
	for i, want := range []string{"img-1", "img-2", "img-3"} {
		assert.Equal(t, want, string(images[i]))
	}
	for _, p := range pages {
		assert.Equal(t, store.StatusCompleted, h.page(p.ID).Status)
	}
	assert.Equal(t, []string{"key", "key", "key"}, h.ext.Credentials())
	assert.Equal(t, KindIdle, h.engine.States().Current().Kind())
	assert.Len(t, statesOf[Processing](h), 3)
}

func TestContinuationMerge(t *testing.T) {
	h := newHarness(t, "key",
		providers.MockResult(providers.MockPage("1", 0.9, "It began.", "The cat ran to the")),
		providers.MockResult(providers.MockPage("2", 0.9, "barn.", "It hid.")),
	)
	first := h.addPage("img-1")
	second := h.addPage("img-2")
	h.run()

	p1 := h.page(first.ID)
	assert.Equal(t, []store.Sentence{{Text: "It began.", IsComplete: true}}, p1.Sentences)
	assert.Equal(t, "It began.", p1.Text)
	assert.False(t, p1.LastSentenceIncomplete)

	p2 := h.page(second.ID)
	require.Len(t, p2.Sentences, 2)
	assert.Equal(t, store.Sentence{Text: "The cat ran to the barn.", IsComplete: true}, p2.Sentences[0])
	assert.Equal(t, "The cat ran to the barn. It hid.", p2.Text)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	require.Len(t, h.notifier.texts, 2)
	assert.Equal(t, []string{"The cat ran to the barn.", "It hid."}, h.notifier.texts[1])
}

func TestContinuationIntoEmptyPredecessor(t *testing.T) {
	h := newHarness(t, "key",
		providers.MockResult(providers.MockPage("", 0.9, "and so")),
		providers.MockResult(providers.MockPage("", 0.9, "on and on")),
	)
	first := h.addPage("img-1")
	second := h.addPage("img-2")
	h.run()

	p1 := h.page(first.ID)
	assert.Empty(t, p1.Sentences)
	assert.Equal(t, "", p1.Text)
	assert.False(t, p1.LastSentenceIncomplete, "empty sentence list defaults to complete")

	p2 := h.page(second.ID)
	require.Len(t, p2.Sentences, 1)
	assert.Equal(t, "and so on and on", p2.Sentences[0].Text)
	assert.False(t, p2.Sentences[0].IsComplete)
	assert.True(t, p2.LastSentenceIncomplete)
}

func TestNoMergeWhenPredecessorNotCompleted(t *testing.T) {
	h := newHarness(t, "key",
		providers.MockError(&providers.ExtractionError{Kind: providers.ErrInvalidCredential}),
		providers.MockResult(providers.MockPage("", 0.9, "barn.")),
	)
	first := h.addPage("img-1")
	second := h.addPage("img-2")
	h.run()

	assert.Equal(t, store.StatusFailed, h.page(first.ID).Status)
	assert.Equal(t, "barn.", h.page(second.ID).Sentences[0].Text)
}

func TestInvalidCredentialFailsImmediately(t *testing.T) {
	h := newHarness(t, "key", providers.MockError(&providers.ExtractionError{
		Kind: providers.ErrInvalidCredential, StatusCode: 401, Message: "bad key",
	}))
	p := h.addPage("img-1")
	h.run()

	got := h.page(p.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "bad key")
	assert.Equal(t, 1, h.ext.Calls())
	assert.Empty(t, h.recordedSleeps())

	errs := statesOf[ErrorState](h)
	require.Len(t, errs, 1)
	assert.Equal(t, p.ID, errs[0].PageID)
	assert.False(t, errs[0].WillRetry)
	assert.Empty(t, statesOf[InsufficientCredits](h))
}

func TestInsufficientCreditsIsSticky(t *testing.T) {
	h := newHarness(t, "key",
		providers.MockError(&providers.ExtractionError{Kind: providers.ErrInsufficientCredits, StatusCode: 402, Message: "add credits"}),
		providers.MockResult(providers.MockPage("", 0.9, "Later.")),
	)
	first := h.addPage("img-1")
	second := h.addPage("img-2")
	h.run()

	got := h.page(first.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Empty(t, h.recordedSleeps())
	assert.Equal(t, 1, h.ext.Calls(), "no further pages are claimed")
	assert.Equal(t, store.StatusPending, h.page(second.ID).Status)

	current := h.engine.States().Current()
	require.IsType(t, InsufficientCredits{}, current)
	assert.Contains(t, current.(InsufficientCredits).Message, "add credits")
	assert.True(t, h.engine.Held())

	// Draining again does not clear the hold on its own.
	h.run()
	assert.Equal(t, 1, h.ext.Calls())

	h.engine.Resume()
	h.run()
	assert.Equal(t, store.StatusCompleted, h.page(second.ID).Status)
	assert.Equal(t, KindIdle, h.engine.States().Current().Kind())
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	h := newHarness(t, "key",
		transient("timeout 1"), transient("timeout 2"), transient("timeout 3"),
		providers.MockResult(providers.MockPage("", 0.9, "Finally.")),
	)
	p := h.addPage("img-1")
	h.run()

	got := h.page(p.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, h.recordedSleeps())

	errs := statesOf[ErrorState](h)
	require.Len(t, errs, 3)
	for i, e := range errs {
		assert.True(t, e.WillRetry)
		assert.Equal(t, i+1, e.RetryCount)
	}
}

func TestTransientFailuresExhaustRetries(t *testing.T) {
	h := newHarness(t, "key",
		transient("timeout 1"), transient("timeout 2"), transient("timeout 3"), transient("timeout 4"),
		providers.MockResult(providers.MockPage("", 0.9, "Never reached.")),
	)
	p := h.addPage("img-1")
	h.run()

	got := h.page(p.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, 4, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "timeout 4")
	assert.Equal(t, 4, h.ext.Calls())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, h.recordedSleeps())

	errs := statesOf[ErrorState](h)
	require.Len(t, errs, 4)
	assert.False(t, errs[3].WillRetry)
}

func TestRateLimitCooldownPrecedesBackoff(t *testing.T) {
	h := newHarness(t, "key",
		providers.MockError(&providers.ExtractionError{Kind: providers.ErrRateLimited, StatusCode: 429}),
		providers.MockResult(providers.MockPage("", 0.9, "Ok.")),
	)
	p := h.addPage("img-1")
	h.run()

	got := h.page(p.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, []time.Duration{5 * time.Second, 2 * time.Second}, h.recordedSleeps())
}

func TestMissingCredentialUsesRetryAccounting(t *testing.T) {
	h := newHarness(t, "  ")
	p := h.addPage("img-1")
	h.run()

	got := h.page(p.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, 4, got.RetryCount)
	assert.Equal(t, 0, h.ext.Calls(), "extractor is never called without a credential")
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, h.recordedSleeps())
	assert.Contains(t, got.ErrorMessage, providers.ErrMissingCredential.Error())
}

func TestImageReadFailureIsRetryable(t *testing.T) {
	h := newHarness(t, "key")
	h.engine.readImage = func(string) ([]byte, error) { return nil, errors.New("no such file") }
	p := h.addPage("img-1")
	h.run()

	got := h.page(p.ID)
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, 4, got.RetryCount)
	assert.Contains(t, got.ErrorMessage, "no such file")
}

func TestMultiPageCapture(t *testing.T) {
	h := newHarness(t, "key")
	a := h.addPage("img-a")
	b := h.addPage("img-b")

	left := providers.MockPage("10", 0.9, "Left page.")
	left.ChapterTitle = strPtr("Loomings")
	right := providers.MockPage("11", 0.8, "Right page.")
	h.ext.Push(
		providers.MockResult(left, right),
		providers.MockResult(providers.MockPage("12", 0.9, "Next capture.")),
	)
	h.run()

	pages, err := h.store.ListPages(context.Background(), h.book.ID)
	require.NoError(t, err)
	require.Len(t, pages, 3, "exactly one new page row is created")

	assert.Equal(t, a.ID, pages[0].ID)
	assert.Equal(t, b.ID, pages[2].ID)
	assert.Equal(t, 3, pages[2].PageNumber, "later pages shift after the inserted page")

	inserted := pages[1]
	assert.Equal(t, 2, inserted.PageNumber)
	assert.Equal(t, store.StatusCompleted, inserted.Status)
	assert.Equal(t, "", inserted.ImagePath)
	assert.Equal(t, 0.8, inserted.Confidence)
	require.NotNil(t, inserted.PageLabel)
	assert.Equal(t, "11", *inserted.PageLabel)

	for _, p := range pages {
		require.NotNil(t, p.ResolvedChapter, "page %d", p.PageNumber)
		assert.Equal(t, "Loomings", *p.ResolvedChapter)
	}
	assert.Nil(t, inserted.DetectedChapter)

	processed := statesOf[PagesProcessed](h)
	require.Len(t, processed, 2)
	assert.Equal(t, []*int{intPtr(10), intPtr(11)}, processed[0].Labels)
	assert.Equal(t, intPtr(12), processed[0].NextExpected)
	assert.Equal(t, []*int{intPtr(12)}, processed[1].Labels)

	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	assert.Equal(t, []string{a.ID + "-0", a.ID + "-1", b.ID + "-0"}, h.notifier.ids)
}

func TestGapDetection(t *testing.T) {
	tests := []struct {
		name      string
		prev, cur string
		want      *MissingPages
	}{
		{"gap", "10", "13", &MissingPages{Expected: 11, Detected: 13}},
		{"consecutive", "10", "11", nil},
		{"backwards", "10", "9", nil},
		{"roman previous", "xii", "13", nil},
		{"missing current", "10", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "key",
				providers.MockResult(providers.MockPage(tt.prev, 0.9, "One.")),
				providers.MockResult(providers.MockPage(tt.cur, 0.9, "Two.")),
			)
			h.addPage("img-1")
			h.addPage("img-2")
			h.run()

			gaps := statesOf[MissingPages](h)
			if tt.want == nil {
				assert.Empty(t, gaps)
				return
			}
			require.Len(t, gaps, 1)
			assert.Equal(t, tt.want.Expected, gaps[0].Expected)
			assert.Equal(t, tt.want.Detected, gaps[0].Detected)
			assert.Equal(t, h.book.ID, gaps[0].BookID)
		})
	}
}

func TestLowConfidenceReportsWorstPage(t *testing.T) {
	h := newHarness(t, "key", providers.MockResult(
		providers.MockPage("4", 0.95, "Clear."),
		providers.MockPage("5", 0.4, "Blurry."),
	))
	h.addPage("img-1")
	h.run()

	low := statesOf[LowConfidence](h)
	require.Len(t, low, 1)
	assert.Equal(t, 0.4, low[0].Confidence)
	require.NotNil(t, low[0].PageLabel)
	assert.Equal(t, "5", *low[0].PageLabel)

	pages, err := h.store.ListPages(context.Background(), h.book.ID)
	require.NoError(t, err)
	assert.Equal(t, pages[1].ID, low[0].PageID)
}

func TestConfidentCaptureSkipsLowConfidence(t *testing.T) {
	h := newHarness(t, "key", providers.MockResult(providers.MockPage("4", 0.7, "Fine.")))
	h.addPage("img-1")
	h.run()
	assert.Empty(t, statesOf[LowConfidence](h))
}

func TestEmptyExtractionCompletesPage(t *testing.T) {
	h := newHarness(t, "key", providers.MockResult())
	p := h.addPage("img-1")
	h.run()

	got := h.page(p.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Empty(t, got.Sentences)
	assert.Equal(t, 0.0, got.Confidence)

	low := statesOf[LowConfidence](h)
	require.Len(t, low, 1)
	assert.Equal(t, 0.0, low[0].Confidence)

	processed := statesOf[PagesProcessed](h)
	require.Len(t, processed, 1)
	assert.Equal(t, []*int{nil}, processed[0].Labels)
	assert.Nil(t, processed[0].NextExpected)
}

func TestNotifierFailureDoesNotAbort(t *testing.T) {
	h := newHarness(t, "key", providers.MockResult(providers.MockPage("", 0.9, "Saved.")))
	h.notifier.err = errors.New("cache full")
	p := h.addPage("img-1")
	h.run()

	assert.Equal(t, store.StatusCompleted, h.page(p.ID).Status)
	assert.Empty(t, h.recordedSleeps())
}

func TestNewZeroPolicyUsesDefaults(t *testing.T) {
	st, err := sqlite.Open(filepath.Join(t.TempDir(), "readshelf.db"), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	e, err := New(Config{
		Store:                  st,
		Extractor:              providers.NewMockExtractor(),
		MaxRetries:             0,
		BackoffBase:            -time.Second,
		LowConfidenceThreshold: 0,
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxRetries, e.maxRetries)
	assert.Equal(t, DefaultBackoffBase, e.backoffBase)
	assert.Equal(t, DefaultRateLimitCooldown, e.rateLimitCooldown)
	assert.Equal(t, DefaultLowConfidenceThreshold, e.lowConfidenceThreshold)
}

func TestEngineWithoutNotifier(t *testing.T) {
	h := newHarness(t, "key", providers.MockResult(providers.MockPage("", 0.9, "Saved.")))
	h.engine.notifier = nil
	p := h.addPage("img-1")
	h.run()
	assert.Equal(t, store.StatusCompleted, h.page(p.ID).Status)
}

func TestProcessPendingRequeuesStuckPages(t *testing.T) {
	h := newHarness(t, "key", providers.MockResult(providers.MockPage("", 0.9, "Recovered.")))
	p := h.addPage("img-1")
	require.NoError(t, h.store.UpdatePageStatus(context.Background(), p.ID, store.StatusProcessing))

	h.run()
	assert.Equal(t, store.StatusCompleted, h.page(p.ID).Status)
}

// racingStore runs change on a page after NextPending returns it and before
// the engine claims it.
type racingStore struct {
	*sqlite.Store
	once   sync.Once
	change func(ctx context.Context, p *store.Page)
}

func (s *racingStore) NextPending(ctx context.Context) (*store.Page, error) {
	p, err := s.Store.NextPending(ctx)
	if err == nil {
		s.once.Do(func() { s.change(ctx, p) })
	}
	return p, err
}

func TestClaimSkipsPageNoLongerPending(t *testing.T) {
	h := newHarness(t, "key", providers.MockResult(providers.MockPage("", 0.9, "Never.")))
	p := h.addPage("img-1")
	h.engine.store = &racingStore{Store: h.store, change: func(ctx context.Context, p *store.Page) {
		require.NoError(t, h.store.UpdatePageFailure(ctx, p.ID, store.StatusFailed, 3, "gave up"))
	}}

	h.run()

	assert.Equal(t, store.StatusFailed, h.page(p.ID).Status)
	assert.Zero(t, h.ext.Calls())
	assert.NotEmpty(t, statesOf[Idle](h))
}

func TestClaimUsesImageFromClaimedRow(t *testing.T) {
	h := newHarness(t, "key", providers.MockResult(providers.MockPage("", 0.9, "Fresh.")))
	p := h.addPage("img-old")
	h.engine.store = &racingStore{Store: h.store, change: func(ctx context.Context, p *store.Page) {
		_, err := h.store.ResetPageForRecapture(ctx, p.ID, "img-new")
		require.NoError(t, err)
	}}

	h.run()

	got := h.page(p.ID)
	assert.Equal(t, store.StatusCompleted, got.Status)
	assert.Equal(t, "img-new", got.ImagePath)
	assert.Equal(t, [][]byte{[]byte("img-new")}, h.ext.Images())
}

func TestRunIsExclusiveAndTriggered(t *testing.T) {
	h := newHarness(t, "key")
	h.ext.Default = &providers.MockResponse{Result: &providers.ExtractionResult{
		Pages: []providers.PageResult{providers.MockPage("", 0.9, "Done.")},
	}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	require.Eventually(t, h.engine.Running, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, h.engine.ProcessPending(context.Background()), ErrAlreadyRunning)
	assert.ErrorIs(t, h.engine.Run(context.Background()), ErrAlreadyRunning)

	p := h.addPage("img-1")
	h.engine.Trigger()
	h.engine.Trigger() // coalesced, never blocks

	require.Eventually(t, func() bool {
		got, err := h.store.GetPage(context.Background(), p.ID)
		return err == nil && got.Status == store.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	assert.False(t, h.engine.Running())
}

func TestBackoffSchedule(t *testing.T) {
	e := &Engine{backoffBase: 2 * time.Second}
	assert.Equal(t, 2*time.Second, e.backoff(1))
	assert.Equal(t, 4*time.Second, e.backoff(2))
	assert.Equal(t, 8*time.Second, e.backoff(3))
}

func TestNumericLabel(t *testing.T) {
	assert.Nil(t, numericLabel(nil))
	assert.Nil(t, numericLabel(strPtr("xiv")))
	assert.Nil(t, numericLabel(strPtr("")))
	assert.Equal(t, intPtr(42), numericLabel(strPtr(" 42 ")))
}

func strPtr(s string) *string { return &s }
