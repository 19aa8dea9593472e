// Package docstore is the client side of the hosted document database the
// party page keeps its RSVPs and guestbook in. Collections are flat mappings
// from a store-generated identifier to a JSON object.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrQueryUnsupported is returned by QueryEqual when the collection has no
	// index on the requested field.
	ErrQueryUnsupported = errors.New("docstore: no index on queried field")
	// ErrInvalidDocument is returned when a value does not encode to a JSON object.
	ErrInvalidDocument = errors.New("docstore: value must encode to a JSON object")
)

// Document is a single stored JSON object and its identifier.
type Document struct {
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// Decode unmarshals the document body into dst.
func (d Document) Decode(dst any) error {
	if len(d.Data) == 0 {
		return fmt.Errorf("decode %s: empty document", d.ID)
	}
	if err := json.Unmarshal(d.Data, dst); err != nil {
		return fmt.Errorf("decode %s: %w", d.ID, err)
	}
	return nil
}

// Snapshot is the full content of a collection at one point in time,
// ordered by identifier.
type Snapshot struct {
	Collection string
	Docs       []Document
}

// Empty reports whether the collection held no documents.
func (s Snapshot) Empty() bool {
	return len(s.Docs) == 0
}

// Store is the remote document store used by every component.
type Store interface {
	// Get reads one document. The bool is false when it does not exist.
	Get(ctx context.Context, collection, id string) (Document, bool, error)
	// Subscribe delivers the current snapshot immediately and a new full
	// snapshot after every change, until the returned func is called.
	// Callbacks for one subscription never run concurrently and must not
	// write to the store.
	Subscribe(ctx context.Context, collection string, fn func(Snapshot)) (func(), error)
	// Append creates a document under a newly generated identifier.
	Append(ctx context.Context, collection string, value any) (string, error)
	// Update shallow-merges the top-level fields of partial into the
	// document, creating it when absent.
	Update(ctx context.Context, collection, id string, partial any) error
	// QueryEqual returns the documents whose field equals value. It fails
	// with ErrQueryUnsupported when the field is not indexed.
	QueryEqual(ctx context.Context, collection, field string, value any) ([]Document, error)
}

// Indexes lists the queryable fields of each collection.
type Indexes map[string][]string

// Has reports whether field is indexed in collection.
func (ix Indexes) Has(collection, field string) bool {
	for _, f := range ix[collection] {
		if f == field {
			return true
		}
	}
	return false
}

// Fields returns the indexed fields of a collection.
func (ix Indexes) Fields(collection string) []string {
	return ix[collection]
}

func encodeObject(value any) (map[string]json.RawMessage, error) {
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
		raw = b
	}
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, ErrInvalidDocument
	}
	return obj, nil
}

func mergeObject(base json.RawMessage, patch map[string]json.RawMessage) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &obj); err != nil {
			return nil, fmt.Errorf("decode stored document: %w", err)
		}
	}
	for k, v := range patch {
		obj[k] = v
	}
	return json.Marshal(obj)
}

// canonical renders a value the way it is compared and indexed: decoded
// and re-encoded so that 2, 2.0 and "2" stay distinguishable but formatting
// does not matter.
func canonical(value any) (string, error) {
	var raw []byte
	switch v := value.(type) {
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(value)
		if err != nil {
			return "", err
		}
		raw = b
	}
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return "", err
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func fieldValue(data json.RawMessage, field string) (string, bool) {
	obj := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &obj); err != nil {
		return "", false
	}
	raw, ok := obj[field]
	if !ok {
		return "", false
	}
	c, err := canonical(raw)
	if err != nil {
		return "", false
	}
	return c, true
}

func sortDocs(docs []Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}
