package server

import (
	"sync"

	"relpose/internal/pipeline"
	"relpose/internal/storage"
)

// ProgressEvent is pushed to progress subscribers.
type ProgressEvent struct {
	RunID   string `json:"run_id"`
	Percent int    `json:"percent"`
	Status  string `json:"status,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Hub fans progress events out to subscribers. Slow subscribers miss events
// instead of blocking the run.
type Hub struct {
	mu        sync.Mutex
	subs      map[int]chan ProgressEvent
	nextSubID int
	last      *ProgressEvent
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan ProgressEvent)}
}

// Subscribe returns a channel of events and an unsubscribe function. The most
// recent event, if any, is delivered first.
func (h *Hub) Subscribe() (<-chan ProgressEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSubID
	h.nextSubID++
	ch := make(chan ProgressEvent, 16)
	if h.last != nil {
		ch <- *h.last
	}
	h.subs[id] = ch
	unsub := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			close(c)
			delete(h.subs, id)
		}
		h.mu.Unlock()
	}
	return ch, unsub
}

// Publish delivers ev to every subscriber that has room for it.
func (h *Hub) Publish(ev ProgressEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last = &ev
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Reporter returns a pipeline.Reporter publishing the progress of runID.
func (h *Hub) Reporter(runID string) pipeline.Reporter {
	return pipeline.ReporterFunc(func(percent int) {
		h.Publish(ProgressEvent{RunID: runID, Percent: percent, Status: storage.StatusRunning})
	})
}
