// Package events carries operator-facing notifications from the instrument
// client and channel controller to any number of subscribers.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind tags an event as an informational message or an error.
type Kind string

const (
	KindMessage Kind = "message"
	KindError   Kind = "error"
)

// Source identifies which layer produced an event.
type Source string

const (
	SourceBus     Source = "bus"     // raw instrument traffic
	SourceControl Source = "control" // channel control actions and poll results
	SourceSystem  Source = "system"  // connection lifecycle, configuration
)

// Event is one entry of the notification stream.
type Event struct {
	ID     uuid.UUID `json:"id"`
	Time   time.Time `json:"time"`
	Kind   Kind      `json:"kind"`
	Source Source    `json:"source"`
	Text   string    `json:"text"`
}

func (e Event) String() string {
	return fmt.Sprintf("%s [%s] %s", e.Time.Format("15:04:05.000"), e.Kind, e.Text)
}

// Publisher is the write side of the hub.
type Publisher interface {
	Publish(kind Kind, source Source, text string)
}

const defaultHistory = 1000

// Hub fans events out to subscribers and keeps a bounded history for late joiners.
// Slow subscribers lose events instead of blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	history []Event
	limit   int
}

// NewHub creates a hub keeping the most recent limit events (1000 if limit <= 0).
func NewHub(limit int) *Hub {
	if limit <= 0 {
		limit = defaultHistory
	}
	return &Hub{subs: make(map[int]chan Event), limit: limit}
}

// Publish stamps and delivers an event.
func (h *Hub) Publish(kind Kind, source Source, text string) {
	e := Event{
		ID:     uuid.New(),
		Time:   time.Now(),
		Kind:   kind,
		Source: source,
		Text:   text,
	}

	h.mu.Lock()
	h.history = append(h.history, e)
	if len(h.history) > h.limit {
		h.history = h.history[len(h.history)-h.limit:]
	}
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Messagef publishes a formatted message event.
func (h *Hub) Messagef(source Source, format string, args ...any) {
	h.Publish(KindMessage, source, fmt.Sprintf(format, args...))
}

// Errorf publishes a formatted error event.
func (h *Hub) Errorf(source Source, format string, args ...any) {
	h.Publish(KindError, source, fmt.Sprintf(format, args...))
}

// Subscribe returns a receive channel and a cancel func that unsubscribes and closes it.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// History returns a copy of the retained events, oldest first.
func (h *Hub) History() []Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Event, len(h.history))
	copy(out, h.history)
	return out
}

// Clear drops the retained history.
func (h *Hub) Clear() {
	h.mu.Lock()
	h.history = nil
	h.mu.Unlock()
}
