package progress

import (
	"context"
	"sync"

	"github.com/cuongbtq/jobserver/internal/domain"
	"github.com/google/uuid"
)

// Hub delivers snapshots to subscribers in the same process. Slow subscribers
// lose their oldest undelivered snapshot rather than blocking the publisher.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uuid.UUID]map[chan domain.Progress]struct{}
	buffer int
}

// NewHub creates a hub whose subscriber channels hold buffer snapshots
func NewHub(buffer int) *Hub {
	if buffer < 1 {
		buffer = 1
	}
	return &Hub{
		subs:   make(map[uuid.UUID]map[chan domain.Progress]struct{}),
		buffer: buffer,
	}
}

func (h *Hub) Publish(_ context.Context, jobID uuid.UUID, p domain.Progress) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for ch := range h.subs[jobID] {
		offer(ch, p)
	}
}

func offer(ch chan domain.Progress, p domain.Progress) {
	select {
	case ch <- p:
		return
	default:
	}
	// full: drop the oldest snapshot
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- p:
	default:
	}
}

// Subscribe returns a channel of snapshots for jobID and a function that
// unsubscribes and closes it.
func (h *Hub) Subscribe(_ context.Context, jobID uuid.UUID) (<-chan domain.Progress, func(), error) {
	ch := make(chan domain.Progress, h.buffer)

	h.mu.Lock()
	if h.subs[jobID] == nil {
		h.subs[jobID] = make(map[chan domain.Progress]struct{})
	}
	h.subs[jobID][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[jobID], ch)
			if len(h.subs[jobID]) == 0 {
				delete(h.subs, jobID)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel, nil
}

// Subscribers returns how many subscribers follow jobID.
func (h *Hub) Subscribers(jobID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}
