// Package events fans process snapshots out to live subscribers: SSE
// clients in this process and, optionally, other services over Redis.
package events

import (
	"sync"

	"github.com/documind/documind/internal/tracker"
)

const DefaultBuffer = 16

// Hub delivers snapshots to per-process subscribers. It implements
// tracker.Observer and never blocks: when a subscriber's buffer is full
// the oldest pending snapshot is dropped.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[*subscription]struct{}
	buffer int
}

type subscription struct {
	ch     chan tracker.Snapshot
	closed bool
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{subs: make(map[string]map[*subscription]struct{}), buffer: buffer}
}

// Subscribe returns a channel of snapshots for one process. The channel is
// closed after the terminal snapshot is delivered or when cancel is called.
func (h *Hub) Subscribe(processID string) (<-chan tracker.Snapshot, func()) {
	sub := &subscription{ch: make(chan tracker.Snapshot, h.buffer)}

	h.mu.Lock()
	set, ok := h.subs[processID]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[processID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.removeLocked(processID, sub)
	}
	return sub.ch, cancel
}

// Observe implements tracker.Observer.
func (h *Hub) Observe(s tracker.Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[s.ID] {
		select {
		case sub.ch <- s:
		default:
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- s
		}
		if s.IsTerminal() {
			h.removeLocked(s.ID, sub)
		}
	}
}

// Subscribers returns the number of open subscriptions for a process.
func (h *Hub) Subscribers(processID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[processID])
}

func (h *Hub) removeLocked(processID string, sub *subscription) {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)

	set := h.subs[processID]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, processID)
	}
}
