package manager

import (
	"sync"

	"github.com/noteflow-ai/modelstore/types"
)

// StateEvent notifies observers of a per-key state change or progress
// update.
type StateEvent struct {
	Family types.Family        `json:"family"`
	Key    string              `json:"key"`
	State  types.DownloadState `json:"state"`
}

// observerHub fans state events out to subscribers. Sends never block: a
// subscriber that stops draining loses events rather than stalling a
// transfer.
type observerHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan StateEvent
}

func newObserverHub() *observerHub {
	return &observerHub{subs: make(map[int]chan StateEvent)}
}

// subscribe registers a new observer channel and returns it with its
// cancel function. The channel is closed on cancel.
func (h *observerHub) subscribe() (<-chan StateEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan StateEvent, 64)
	h.subs[id] = ch

	once := sync.Once{}
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
	return ch, cancel
}

// publish delivers an event to every subscriber that has buffer space.
func (h *observerHub) publish(ev StateEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		select {
		case sub <- ev:
		default:
		}
	}
}

// closeAll drops every subscriber.
func (h *observerHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub)
	}
}
