package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestHub_FanOut(t *testing.T) {
	h := NewHub(0)
	a, cancelA := h.Subscribe(4)
	defer cancelA()
	b, cancelB := h.Subscribe(4)
	defer cancelB()

	h.Errorf(SourceSystem, "connection failed: %s", "timeout")

	ea := recv(t, a)
	eb := recv(t, b)
	assert.Equal(t, KindError, ea.Kind)
	assert.Equal(t, "connection failed: timeout", ea.Text)
	assert.Equal(t, ea.ID, eb.ID)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(0)
	_, cancel := h.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			h.Messagef(SourceBus, "line %d", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestHub_CancelClosesChannel(t *testing.T) {
	h := NewHub(0)
	ch, cancel := h.Subscribe(1)
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// publishing after cancel must not panic
	h.Messagef(SourceControl, "after")
}

func TestHub_HistoryIsBounded(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Messagef(SourceControl, "%d", i)
	}

	hist := h.History()
	require.Len(t, hist, 3)
	assert.Equal(t, "2", hist[0].Text)
	assert.Equal(t, "4", hist[2].Text)

	h.Clear()
	assert.Empty(t, h.History())
}
