// Package views derives the guest list, guestbook and admin summary from
// live collection snapshots.
package views

import (
	"context"
	"fmt"
	"sync"

	"partyrsvp/pkg/docstore"
)

// projection keeps state derived from one collection subscription. Every
// snapshot replaces the state wholesale.
type projection[T any] struct {
	store      docstore.Store
	collection string
	derive     func(docstore.Snapshot) T
	listener   func(T)

	subMu       sync.Mutex
	unsubscribe func()

	mu    sync.RWMutex
	state T
}

func newProjection[T any](store docstore.Store, collection string, derive func(docstore.Snapshot) T, listener func(T)) *projection[T] {
	return &projection[T]{
		store:      store,
		collection: collection,
		derive:     derive,
		listener:   listener,
		state:      derive(docstore.Snapshot{Collection: collection}),
	}
}

// Start opens the subscription. Calling it again while started is a no-op.
func (p *projection[T]) Start(ctx context.Context) error {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	if p.unsubscribe != nil {
		return nil
	}
	unsub, err := p.store.Subscribe(ctx, p.collection, p.apply)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", p.collection, err)
	}
	p.unsubscribe = unsub
	return nil
}

// Close releases the subscription. The last state stays readable.
func (p *projection[T]) Close() {
	p.subMu.Lock()
	unsub := p.unsubscribe
	p.unsubscribe = nil
	p.subMu.Unlock()
	if unsub != nil {
		unsub()
	}
}

// Started reports whether the subscription is open.
func (p *projection[T]) Started() bool {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	return p.unsubscribe != nil
}

// State returns the latest derived state.
func (p *projection[T]) State() T {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

func (p *projection[T]) apply(snap docstore.Snapshot) {
	next := p.derive(snap)
	p.mu.Lock()
	p.state = next
	p.mu.Unlock()
	if p.listener != nil {
		p.listener(next)
	}
}
