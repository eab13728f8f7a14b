// Package events is an in-process pub/sub for build lifecycle events. It keeps
// a ring of recent events so late subscribers (SSE clients, the dashboard) can
// catch up.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the scheduler and the watch loop.
const (
	RunStarted     = "run.started"
	RunFinished    = "run.finished"
	TaskStarted    = "task.started"
	TaskSucceeded  = "task.succeeded"
	TaskFailed     = "task.failed"
	TaskSkipped    = "task.skipped"
	TaskCoalesced  = "task.coalesced"
	WatchBatch     = "watch.batch"
	WatchTrigger   = "watch.trigger"
	WatchPending   = "watch.pending"
	WatchRunFailed = "watch.run_failed"
)

type Event struct {
	ID    int64           `json:"id"`
	Type  string          `json:"type"`
	At    time.Time       `json:"at"`
	RunID string          `json:"run_id,omitempty"`
	Task  string          `json:"task,omitempty"`
	Data  json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers without ever blocking publishers.
type Hub struct {
	nextID atomic.Int64

	mu     sync.Mutex
	recent []Event
	head   int
	count  int

	subs      map[int]chan Event
	nextSubID int
	closed    bool
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		recent: make([]Event, capacity),
		subs:   make(map[int]chan Event),
	}
}

// Publish records an event. data is marshalled to JSON; marshal failures
// publish an empty object rather than dropping the event.
func (h *Hub) Publish(eventType, runID, taskName string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:    h.nextID.Add(1),
		Type:  eventType,
		At:    time.Now().UTC(),
		RunID: runID,
		Task:  taskName,
		Data:  payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ev
	}
	h.remember(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			// subscriber is behind; it can resync from Since
		}
	}
	return ev
}

// Subscribe returns a buffered channel of new events and a cancel func that
// closes it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, 128)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	id := h.nextSubID
	h.nextSubID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Since returns remembered events with ID > lastID, oldest first.
func (h *Hub) Since(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.recent[(h.head+i)%len(h.recent)]
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Close disconnects every subscriber. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}

func (h *Hub) remember(ev Event) {
	size := len(h.recent)
	if h.count < size {
		h.recent[(h.head+h.count)%size] = ev
		h.count++
		return
	}
	h.recent[h.head] = ev
	h.head = (h.head + 1) % size
}
