// Package stream fans committed approval events out to live subscribers.
package stream

import (
	"context"
	"sync"
	"sync/atomic"

	"creditcore.io/internal/model"
)

const defaultBuffer = 16

// Hub fans out approval events to all active subscribers (SSE clients).
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]subscriber
	next    int
	buffer  int
	closed  bool
	dropped atomic.Int64
}

type subscriber struct {
	companyID string
	ch        chan model.ApprovalEvent
}

// New initialises an empty hub. buffer <= 0 selects the default per-subscriber buffer.
func New(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{subs: make(map[int]subscriber), buffer: buffer}
}

// Subscribe registers a subscriber for the events of companyID ("" receives
// every company). The channel is closed when ctx ends.
func (h *Hub) Subscribe(ctx context.Context, companyID string) <-chan model.ApprovalEvent {
	ch := make(chan model.ApprovalEvent, h.buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	id := h.next
	h.next++
	h.subs[id] = subscriber{companyID: companyID, ch: ch}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
		h.mu.Unlock()
	}()

	return ch
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev model.ApprovalEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if s.companyID != "" && s.companyID != ev.CompanyID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			// slow subscriber
			h.dropped.Add(1)
		}
	}
}

// Close ends every subscription and rejects new ones. Streams use it to
// finish before the HTTP server drains.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, s := range h.subs {
		delete(h.subs, id)
		close(s.ch)
	}
}

// Subscribers reports the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped reports how many deliveries were skipped for full buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
