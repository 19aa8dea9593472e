package docstore

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// hub fans change notifications out to in-process subscribers. Every
// delivery reloads the collection while holding deliverMu, so a subscriber
// can never observe an older snapshot after a newer one.
type hub struct {
	deliverMu sync.Mutex

	mu   sync.Mutex
	next int
	subs map[string]map[int]*subscription
}

type subscription struct {
	fn     func(Snapshot)
	closed atomic.Bool
}

func (s *subscription) deliver(snap Snapshot) {
	if s.closed.Load() {
		return
	}
	s.fn(snap)
}

func newHub() *hub {
	return &hub{subs: make(map[string]map[int]*subscription)}
}

func (h *hub) subscribe(collection string, fn func(Snapshot), load func() (Snapshot, error)) (func(), error) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	snap, err := load()
	if err != nil {
		return nil, err
	}
	sub := &subscription{fn: fn}
	h.mu.Lock()
	id := h.next
	h.next++
	if h.subs[collection] == nil {
		h.subs[collection] = make(map[int]*subscription)
	}
	h.subs[collection][id] = sub
	h.mu.Unlock()

	sub.deliver(snap)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[collection], id)
			if len(h.subs[collection]) == 0 {
				delete(h.subs, collection)
			}
			h.mu.Unlock()
			sub.closed.Store(true)
		})
	}, nil
}

func (h *hub) publish(collection string, load func() (Snapshot, error)) {
	h.deliverMu.Lock()
	defer h.deliverMu.Unlock()

	h.mu.Lock()
	subs := make([]*subscription, 0, len(h.subs[collection]))
	for _, s := range h.subs[collection] {
		subs = append(subs, s)
	}
	h.mu.Unlock()
	if len(subs) == 0 {
		return
	}
	snap, err := load()
	if err != nil {
		slog.Warn("docstore snapshot reload failed", "collection", collection, "err", err)
		return
	}
	for _, s := range subs {
		s.deliver(snap)
	}
}

func (h *hub) count(collection string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[collection])
}
