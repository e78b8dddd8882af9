package queue

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterReplaysCurrent(t *testing.T) {
	b := NewBroadcaster()
	assert.Equal(t, KindIdle, b.Current().Kind())

	b.Publish(Processing{PageID: "p1", BookID: "b1", PageNumber: 1})

	ch, cancel := b.Subscribe()
	defer cancel()
	got := <-ch
	assert.Equal(t, Processing{PageID: "p1", BookID: "b1", PageNumber: 1}, got)
}

func TestBroadcasterKeepsOnlyLatest(t *testing.T) {
	b := NewBroadcaster()
	ch, cancel := b.Subscribe()
	defer cancel()

	// The subscriber never reads, so intermediate states are dropped.
	b.Publish(Processing{PageID: "p1"})
	b.Publish(ErrorState{PageID: "p1", Message: "boom"})
	b.Publish(Idle{})

	assert.Equal(t, Idle{}, <-ch)
	select {
	case s := <-ch:
		t.Fatalf("unexpected extra state %#v", s)
	default:
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster()
	ch1, cancel1 := b.Subscribe()
	ch2, cancel2 := b.Subscribe()
	<-ch1
	<-ch2

	b.Publish(InsufficientCredits{Message: "add credits"})
	assert.Equal(t, KindInsufficientCredits, (<-ch1).Kind())
	assert.Equal(t, KindInsufficientCredits, (<-ch2).Kind())

	cancel1()
	cancel1() // idempotent
	_, open := <-ch1
	assert.False(t, open, "cancel closes the channel")

	b.Publish(Idle{})
	assert.Equal(t, KindIdle, (<-ch2).Kind())
	cancel2()
}

func TestMarshalState(t *testing.T) {
	raw, err := MarshalState(PagesProcessed{BookID: "b1", Labels: []*int{intPtr(3), nil}, NextExpected: nil})
	require.NoError(t, err)

	var decoded struct {
		Kind string `json:"kind"`
		Data struct {
			BookID       string `json:"book_id"`
			Labels       []*int `json:"labels"`
			NextExpected *int   `json:"next_expected"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "pages_processed", decoded.Kind)
	assert.Equal(t, "b1", decoded.Data.BookID)
	require.Len(t, decoded.Data.Labels, 2)
	assert.Equal(t, 3, *decoded.Data.Labels[0])
	assert.Nil(t, decoded.Data.Labels[1])
	assert.Nil(t, decoded.Data.NextExpected)

	raw, err = MarshalState(Idle{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"idle","data":{}}`, string(raw))
}
