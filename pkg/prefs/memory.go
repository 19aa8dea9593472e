package prefs

import "sync"

// MemoryStore keeps preferences in-process.
type MemoryStore struct {
	mu       sync.RWMutex
	values   map[string]map[string]string
	watchers map[string]map[int]func(string, bool)
	next     int
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:   make(map[string]map[string]string),
		watchers: make(map[string]map[int]func(string, bool)),
	}
}

// Get returns the value stored for visitor/key.
func (m *MemoryStore) Get(visitor, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[visitor][key]
	return v, ok, nil
}

// Set stores value and notifies watchers when it changed.
func (m *MemoryStore) Set(visitor, key, value string) error {
	m.mu.Lock()
	if m.values[visitor] == nil {
		m.values[visitor] = make(map[string]string)
	}
	old, existed := m.values[visitor][key]
	m.values[visitor][key] = value
	fns := m.watchersLocked(visitor, key)
	m.mu.Unlock()
	if existed && old == value {
		return nil
	}
	for _, fn := range fns {
		fn(value, true)
	}
	return nil
}

// Remove deletes visitor/key and notifies watchers when it existed.
func (m *MemoryStore) Remove(visitor, key string) error {
	m.mu.Lock()
	_, existed := m.values[visitor][key]
	delete(m.values[visitor], key)
	if len(m.values[visitor]) == 0 {
		delete(m.values, visitor)
	}
	fns := m.watchersLocked(visitor, key)
	m.mu.Unlock()
	if !existed {
		return nil
	}
	for _, fn := range fns {
		fn("", false)
	}
	return nil
}

// Watch registers fn for changes of visitor/key.
func (m *MemoryStore) Watch(visitor, key string, fn func(string, bool)) (func(), error) {
	wk := watchKey(visitor, key)
	m.mu.Lock()
	id := m.next
	m.next++
	if m.watchers[wk] == nil {
		m.watchers[wk] = make(map[int]func(string, bool))
	}
	m.watchers[wk][id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers[wk], id)
			if len(m.watchers[wk]) == 0 {
				delete(m.watchers, wk)
			}
			m.mu.Unlock()
		})
	}, nil
}

// Watchers returns the number of live watchers on visitor/key.
func (m *MemoryStore) Watchers(visitor, key string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.watchers[watchKey(visitor, key)])
}

func (m *MemoryStore) watchersLocked(visitor, key string) []func(string, bool) {
	ws := m.watchers[watchKey(visitor, key)]
	out := make([]func(string, bool), 0, len(ws))
	for _, fn := range ws {
		out = append(out, fn)
	}
	return out
}

func watchKey(visitor, key string) string {
	return visitor + "\x00" + key
}
