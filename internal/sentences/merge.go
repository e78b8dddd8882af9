package sentences

import (
	"strings"

	"github.com/jackzampolin/readshelf/internal/store"
)

// Continuation is the outcome of merging a page's trailing fragment into the
// first sentence of the following page.
type Continuation struct {
	// Predecessor is the previous page's sentence list without its last sentence.
	Predecessor []store.Sentence
	// Current is the new page's sentence list with the merged sentence first.
	Current []store.Sentence
}

// MergeContinuation joins the last sentence of prev with the first sentence of
// cur using a single space. The merged sentence takes the completeness of cur's
// first sentence. It returns false when either list is empty.
func MergeContinuation(prev, cur []store.Sentence) (Continuation, bool) {
	if len(prev) == 0 || len(cur) == 0 {
		return Continuation{}, false
	}

	tail := prev[len(prev)-1]
	head := cur[0]

	merged := store.Sentence{
		Text:       strings.TrimSpace(strings.TrimSpace(tail.Text) + " " + strings.TrimSpace(head.Text)),
		IsComplete: head.IsComplete,
	}

	predecessor := make([]store.Sentence, len(prev)-1)
	copy(predecessor, prev[:len(prev)-1])

	current := make([]store.Sentence, 0, len(cur))
	current = append(current, merged)
	current = append(current, cur[1:]...)

	return Continuation{Predecessor: predecessor, Current: current}, true
}
