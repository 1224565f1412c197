package service

import (
	"sync"
	"time"
)

const (
	EventRunStarted    = "run_started"
	EventPagePersisted = "page_persisted"
	EventRunFinished   = "run_finished"
)

type ProgressEvent struct {
	Type  string    `json:"type"`
	RunID string    `json:"run_id"`
	State RunState  `json:"state"`
	Page  int       `json:"page"`
	Stats SyncStats `json:"stats"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// ProgressHub fans run events out to subscribers. Slow subscribers drop
// events instead of blocking the sync loop.
type ProgressHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan ProgressEvent
}

func NewProgressHub() *ProgressHub {
	return &ProgressHub{subs: make(map[int]chan ProgressEvent)}
}

// Subscribe returns a buffered event channel and a cancel func that closes it.
func (h *ProgressHub) Subscribe(buffer int) (<-chan ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan ProgressEvent, buffer)
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

func (h *ProgressHub) Publish(event ProgressEvent) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
}

func (h *ProgressHub) Subscribers() int {
	if h == nil {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
