package prefs

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultPollInterval is used by Observe when the store cannot push changes.
const DefaultPollInterval = time.Second

// Observe calls fn whenever visitor/key changes. Stores implementing
// Notifier are watched natively; any other store is polled every interval
// and fn fires only when the value actually differs from the last poll.
func Observe(store Store, visitor, key string, interval time.Duration, fn func(value string, ok bool)) (func(), error) {
	if n, ok := store.(Notifier); ok {
		return n.Watch(visitor, key, fn)
	}
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	last, lastOK, err := store.Get(visitor, key)
	if err != nil {
		return nil, err
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				v, ok, err := store.Get(visitor, key)
				if err != nil {
					slog.Debug("prefs poll failed", "key", key, "err", err)
					continue
				}
				if v == last && ok == lastOK {
					continue
				}
				last, lastOK = v, ok
				fn(v, ok)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
		})
	}, nil
}
