package rsvp

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"partyrsvp/pkg/prefs"
)

const defaultIdleTTL = 30 * time.Minute

type entry struct {
	res      *Resolver
	cancel   func()
	lastUsed time.Time
}

// Registry keeps one loaded resolver per visitor. A resolver is dropped
// when its identity pointer changes behind its back (another tab, another
// process) or after it has been idle for IdleTTL.
type Registry struct {
	cfg Config

	mu      sync.Mutex
	entries map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = defaultIdleTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = prefs.DefaultPollInterval
	}
	return &Registry{cfg: cfg, entries: make(map[string]*entry)}
}

// Get returns the visitor's resolver, loading it on first use.
func (g *Registry) Get(ctx context.Context, visitor string) *Resolver {
	if res := g.touch(visitor); res != nil {
		res.EnsureLoaded(ctx)
		return res
	}

	res := NewResolver(g.cfg, visitor)
	cancel, err := prefs.Observe(g.cfg.Prefs, visitor, g.cfg.Keys.Email, g.cfg.PollInterval, func(value string, ok bool) {
		if !res.Owns(value, ok) {
			g.evict(visitor, res)
		}
	})
	if err != nil {
		slog.Warn("observe identity pointer failed", "err", err)
		cancel = func() {}
	}

	g.mu.Lock()
	if e, ok := g.entries[visitor]; ok {
		e.lastUsed = g.cfg.Now()
		g.mu.Unlock()
		cancel()
		e.res.EnsureLoaded(ctx)
		return e.res
	}
	g.entries[visitor] = &entry{res: res, cancel: cancel, lastUsed: g.cfg.Now()}
	g.mu.Unlock()

	res.EnsureLoaded(ctx)
	return res
}

// Len returns the number of cached resolvers.
func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Sweep drops resolvers idle since before now-IdleTTL and returns how many
// were dropped.
func (g *Registry) Sweep(now time.Time) int {
	cutoff := now.Add(-g.cfg.IdleTTL)
	var cancels []func()
	g.mu.Lock()
	for visitor, e := range g.entries {
		if e.lastUsed.Before(cutoff) {
			delete(g.entries, visitor)
			cancels = append(cancels, e.cancel)
		}
	}
	g.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// Run sweeps every interval until ctx is done.
func (g *Registry) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := g.Sweep(g.cfg.Now()); n > 0 {
				slog.Debug("rsvp resolvers swept", "count", n)
			}
		}
	}
}

// Close drops every resolver.
func (g *Registry) Close() {
	g.mu.Lock()
	entries := g.entries
	g.entries = make(map[string]*entry)
	g.mu.Unlock()
	for _, e := range entries {
		e.cancel()
	}
}

func (g *Registry) touch(visitor string) *Resolver {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[visitor]
	if !ok {
		return nil
	}
	e.lastUsed = g.cfg.Now()
	return e.res
}

// evict runs on the observer's goroutine, so the observer is cancelled
// asynchronously.
func (g *Registry) evict(visitor string, res *Resolver) {
	g.mu.Lock()
	e, ok := g.entries[visitor]
	if !ok || e.res != res {
		g.mu.Unlock()
		return
	}
	delete(g.entries, visitor)
	g.mu.Unlock()
	go e.cancel()
}
