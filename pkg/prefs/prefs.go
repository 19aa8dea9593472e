// Package prefs is the per-visitor key/value store that stands in for a
// browser's local storage: it remembers gate flags and the RSVP identity
// pointer for each visitor.
package prefs

// Store persists small string values per visitor. Calls are synchronous;
// implementations bound their own I/O.
type Store interface {
	Get(visitor, key string) (string, bool, error)
	Set(visitor, key, value string) error
	Remove(visitor, key string) error
}

// Notifier is implemented by stores that can push change notifications.
// fn receives the new value, or ok=false after a removal.
type Notifier interface {
	Watch(visitor, key string, fn func(value string, ok bool)) (func(), error)
}
