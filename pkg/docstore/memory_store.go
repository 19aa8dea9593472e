package docstore

import (
	"context"
	"encoding/json"
	"sync"
)

// MemoryStore keeps collections in-process. It backs local runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	docs    map[string]map[string]json.RawMessage
	indexes Indexes
	hub     *hub
}

// NewMemoryStore initializes an empty in-memory store with the given indexes.
func NewMemoryStore(indexes Indexes) *MemoryStore {
	return &MemoryStore{
		docs:    make(map[string]map[string]json.RawMessage),
		indexes: indexes,
		hub:     newHub(),
	}
}

// Get retrieves a document by ID.
func (m *MemoryStore) Get(_ context.Context, collection, id string) (Document, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.docs[collection][id]
	if !ok {
		return Document{}, false, nil
	}
	return Document{ID: id, Data: cloneRaw(data)}, true, nil
}

// Subscribe registers fn for snapshots of collection.
func (m *MemoryStore) Subscribe(_ context.Context, collection string, fn func(Snapshot)) (func(), error) {
	return m.hub.subscribe(collection, fn, func() (Snapshot, error) {
		return m.snapshot(collection), nil
	})
}

// Append stores value under a new identifier.
func (m *MemoryStore) Append(_ context.Context, collection string, value any) (string, error) {
	obj, err := encodeObject(value)
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	id := NewID()
	m.mu.Lock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]json.RawMessage)
	}
	m.docs[collection][id] = data
	m.mu.Unlock()
	m.notify(collection)
	return id, nil
}

// Update merges partial into the document at id.
func (m *MemoryStore) Update(_ context.Context, collection, id string, partial any) error {
	patch, err := encodeObject(partial)
	if err != nil {
		return err
	}
	m.mu.Lock()
	if m.docs[collection] == nil {
		m.docs[collection] = make(map[string]json.RawMessage)
	}
	merged, err := mergeObject(m.docs[collection][id], patch)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.docs[collection][id] = merged
	m.mu.Unlock()
	m.notify(collection)
	return nil
}

// QueryEqual scans collection for documents whose field equals value.
func (m *MemoryStore) QueryEqual(_ context.Context, collection, field string, value any) ([]Document, error) {
	if !m.indexes.Has(collection, field) {
		return nil, ErrQueryUnsupported
	}
	want, err := canonical(value)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Document
	for id, data := range m.docs[collection] {
		if got, ok := fieldValue(data, field); ok && got == want {
			res = append(res, Document{ID: id, Data: cloneRaw(data)})
		}
	}
	sortDocs(res)
	return res, nil
}

// Len returns the number of documents in collection.
func (m *MemoryStore) Len(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs[collection])
}

// Subscribers returns the number of live subscriptions on collection.
func (m *MemoryStore) Subscribers(collection string) int {
	return m.hub.count(collection)
}

func (m *MemoryStore) snapshot(collection string) Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := make([]Document, 0, len(m.docs[collection]))
	for id, data := range m.docs[collection] {
		docs = append(docs, Document{ID: id, Data: cloneRaw(data)})
	}
	sortDocs(docs)
	return Snapshot{Collection: collection, Docs: docs}
}

func (m *MemoryStore) notify(collection string) {
	m.hub.publish(collection, func() (Snapshot, error) {
		return m.snapshot(collection), nil
	})
}

func cloneRaw(data json.RawMessage) json.RawMessage {
	out := make(json.RawMessage, len(data))
	copy(out, data)
	return out
}
