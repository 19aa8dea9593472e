// Package gate implements the shared-code gates in front of the page and
// the admin summary.
package gate

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"partyrsvp/pkg/auth"
	"partyrsvp/pkg/prefs"
)

// Granted is the preference value that marks a gate as unlocked.
const Granted = "granted"

var (
	// ErrInvalidCode is returned for a guest code mismatch.
	ErrInvalidCode = errors.New("Invalid code. Please check your invitation.")
	// ErrInvalidAdminCode is returned for an admin code mismatch.
	ErrInvalidAdminCode = errors.New("Invalid admin code")
)

// Gate unlocks once per visitor when the configured code is entered.
// Code may be plain text or a bcrypt hash of the upper-cased code.
type Gate struct {
	Key      string
	Code     string
	Mismatch error
	Prefs    prefs.Store
}

// New creates a gate. mismatch is the error returned for a wrong code.
func New(store prefs.Store, key, code string, mismatch error) (*Gate, error) {
	if store == nil {
		return nil, errors.New("gate requires a preference store")
	}
	if strings.TrimSpace(key) == "" {
		return nil, errors.New("gate key is required")
	}
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("gate %s: code is required", key)
	}
	if mismatch == nil {
		mismatch = ErrInvalidCode
	}
	return &Gate{Key: key, Code: code, Mismatch: mismatch, Prefs: store}, nil
}

// Unlocked reports whether visitor has already entered the code.
// A preference read failure counts as locked.
func (g *Gate) Unlocked(visitor string) bool {
	v, ok, err := g.Prefs.Get(visitor, g.Key)
	if err != nil {
		slog.Warn("gate state read failed", "key", g.Key, "err", err)
		return false
	}
	return ok && v == Granted
}

// Submit checks code. On a match the flag is persisted; a mismatch has no
// side effects and may be retried without limit.
func (g *Gate) Submit(visitor, code string) error {
	if !auth.CheckCode(code, g.Code) {
		return g.Mismatch
	}
	if err := g.Prefs.Set(visitor, g.Key, Granted); err != nil {
		return fmt.Errorf("persist %s: %w", g.Key, err)
	}
	return nil
}
