package providers

import (
	"context"
	"sync"
	"time"

	"github.com/jackzampolin/readshelf/internal/sentences"
	"github.com/jackzampolin/readshelf/internal/store"
)

// MockResponse is one scripted outcome of a MockExtractor call.
type MockResponse struct {
	Result *ExtractionResult
	Err    error
}

// MockExtractor replays scripted responses in order. Once the script is
// exhausted it returns Default, or an empty result when Default is nil.
type MockExtractor struct {
	Default  *MockResponse
	Title    string
	TitleErr bool
	Latency  time.Duration

	mu        sync.Mutex
	script    []MockResponse
	calls     int
	titleRuns int
	images    [][]byte
	creds     []string
}

// NewMockExtractor creates a mock that returns responses in order.
func NewMockExtractor(responses ...MockResponse) *MockExtractor {
	return &MockExtractor{script: responses}
}

// Push appends scripted responses.
func (m *MockExtractor) Push(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, responses...)
}

// Extract returns the next scripted response.
func (m *MockExtractor) Extract(ctx context.Context, credential string, image []byte) (*ExtractionResult, error) {
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.Latency):
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls++
	m.images = append(m.images, image)
	m.creds = append(m.creds, credential)

	var resp MockResponse
	switch {
	case len(m.script) > 0:
		resp = m.script[0]
		m.script = m.script[1:]
	case m.Default != nil:
		resp = *m.Default
	default:
		resp = MockResponse{Result: &ExtractionResult{}}
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	return resp.Result, nil
}

// ExtractTitle returns Title, or a placeholder when TitleErr is set or Title
// is empty.
func (m *MockExtractor) ExtractTitle(_ context.Context, _ string, _ []byte) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.titleRuns++
	if m.TitleErr || m.Title == "" {
		return PlaceholderTitle(time.Now())
	}
	return m.Title
}

// Calls returns the number of Extract calls made.
func (m *MockExtractor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Images returns the images passed to Extract, in call order.
func (m *MockExtractor) Images() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.images...)
}

// Credentials returns the credentials passed to Extract, in call order.
func (m *MockExtractor) Credentials() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.creds...)
}

// TitleCalls returns the number of ExtractTitle calls made.
func (m *MockExtractor) TitleCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.titleRuns
}

// MockPage builds a page result from sentence texts. A text without terminal
// punctuation is marked incomplete. An empty label leaves the page unlabeled.
func MockPage(label string, confidence float64, texts ...string) PageResult {
	pr := PageResult{Confidence: confidence}
	if label != "" {
		pr.PageLabel = &label
	}
	for _, t := range texts {
		pr.Sentences = append(pr.Sentences, store.Sentence{Text: t, IsComplete: sentences.EndsWithTerminal(t)})
	}
	pr.Text = store.JoinSentences(pr.Sentences)
	return pr
}

// MockResult wraps pages into a successful MockResponse.
func MockResult(pages ...PageResult) MockResponse {
	return MockResponse{Result: &ExtractionResult{Pages: pages}}
}

// MockError builds a failing MockResponse.
func MockError(err error) MockResponse {
	return MockResponse{Err: err}
}

var _ Extractor = (*MockExtractor)(nil)
