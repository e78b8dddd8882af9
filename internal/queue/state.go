package queue

import (
	"encoding/json"
	"sync"
)

// Kind names a queue state variant.
type Kind string

const (
	KindIdle                Kind = "idle"
	KindProcessing          Kind = "processing"
	KindError               Kind = "error"
	KindMissingPages        Kind = "missing_pages"
	KindInsufficientCredits Kind = "insufficient_credits"
	KindLowConfidence       Kind = "low_confidence"
	KindPagesProcessed      Kind = "pages_processed"
)

// State is the current queue condition. It is one of Idle, Processing,
// ErrorState, MissingPages, InsufficientCredits, LowConfidence or
// PagesProcessed.
type State interface {
	Kind() Kind
}

// Idle means no page is pending.
type Idle struct{}

// Processing reports the page the worker has claimed.
type Processing struct {
	PageID     string `json:"page_id"`
	BookID     string `json:"book_id"`
	PageNumber int    `json:"page_number"`
}

// ErrorState reports a failed attempt. WillRetry is false once the page has
// been marked FAILED.
type ErrorState struct {
	PageID     string `json:"page_id"`
	BookID     string `json:"book_id"`
	Message    string `json:"message"`
	RetryCount int    `json:"retry_count"`
	WillRetry  bool   `json:"will_retry"`
}

// MissingPages reports a jump in printed page numbers between consecutive
// captures.
type MissingPages struct {
	BookID   string `json:"book_id"`
	Expected int    `json:"expected"`
	Detected int    `json:"detected"`
}

// InsufficientCredits reports that the backend refused work for lack of
// balance. It persists until something else is published.
type InsufficientCredits struct {
	Message string `json:"message"`
}

// LowConfidence reports the least legible page of a capture.
type LowConfidence struct {
	BookID     string  `json:"book_id"`
	PageID     string  `json:"page_id"`
	PageLabel  *string `json:"page_label"`
	Confidence float64 `json:"confidence"`
}

// PagesProcessed lists the numeric labels of a capture's pages (nil where the
// label was absent or not a number) and the label expected next.
type PagesProcessed struct {
	BookID       string `json:"book_id"`
	Labels       []*int `json:"labels"`
	NextExpected *int   `json:"next_expected"`
}

func (Idle) Kind() Kind                { return KindIdle }
func (Processing) Kind() Kind          { return KindProcessing }
func (ErrorState) Kind() Kind          { return KindError }
func (MissingPages) Kind() Kind        { return KindMissingPages }
func (InsufficientCredits) Kind() Kind { return KindInsufficientCredits }
func (LowConfidence) Kind() Kind       { return KindLowConfidence }
func (PagesProcessed) Kind() Kind      { return KindPagesProcessed }

// MarshalState encodes s as {"kind": ..., "data": ...}.
func MarshalState(s State) ([]byte, error) {
	return json.Marshal(struct {
		Kind Kind  `json:"kind"`
		Data State `json:"data"`
	}{Kind: s.Kind(), Data: s})
}

// Broadcaster holds the single current State and fans it out to subscribers.
// Each subscriber sees only the latest value: a slow reader skips
// intermediate states instead of queueing them.
type Broadcaster struct {
	mu      sync.Mutex
	current State
	subs    map[int]chan State
	nextID  int
}

// NewBroadcaster creates a broadcaster whose current state is Idle.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		current: Idle{},
		subs:    make(map[int]chan State),
	}
}

// Publish replaces the current state and notifies subscribers without
// blocking.
func (b *Broadcaster) Publish(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.current = s
	for _, ch := range b.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

// Current returns the latest published state.
func (b *Broadcaster) Current() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Subscribe returns a channel that immediately holds the current state and
// thereafter the latest published one. The returned function unsubscribes and
// closes the channel.
func (b *Broadcaster) Subscribe() (<-chan State, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan State, 1)
	ch <- b.current
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subs, id)
			close(ch)
		})
	}
}
