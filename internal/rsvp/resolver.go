// Package rsvp resolves a visitor's RSVP record and drives the
// lookup / form / submitted flow around it.
package rsvp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"partyrsvp/pkg/docstore"
	"partyrsvp/pkg/domain"
	"partyrsvp/pkg/prefs"
)

var (
	// ErrWriteFailed wraps store failures while saving a response.
	ErrWriteFailed = errors.New("Oops! Something went wrong. Please try again.")
	// ErrSubmitting is returned while another change for the same visitor is
	// in flight.
	ErrSubmitting = errors.New("rsvp: submission in progress")
	// ErrWrongPhase is returned when an action is not offered in the
	// current step.
	ErrWrongPhase = errors.New("rsvp: action not available in current step")
)

// Keys names the preference entries used as identity pointers.
type Keys struct {
	Email    string
	LegacyID string
}

// KeysFor returns the pointer keys for a preference prefix.
func KeysFor(prefix string) Keys {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "party"
	}
	return Keys{
		Email:    prefix + "-rsvp-email",
		LegacyID: prefix + "-rsvp-id",
	}
}

// Config is shared by every resolver of a process.
type Config struct {
	Store docstore.Store
	Prefs prefs.Store
	Keys  Keys
	// OfferLookup makes Reset return to the lookup step instead of an
	// empty form.
	OfferLookup bool
	Now         func() time.Time
	// PollInterval and IdleTTL are used by Registry.
	PollInterval time.Duration
	IdleTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Keys.Email == "" {
		c.Keys = KeysFor("")
	}
	return c
}

// View is the JSON shape of a resolver's state.
type View struct {
	Phase      Phase      `json:"phase"`
	Lookup     *Lookup    `json:"lookup,omitempty"`
	Form       *Form      `json:"form,omitempty"`
	Submitted  *Submitted `json:"submitted,omitempty"`
	Submitting bool       `json:"submitting"`
}

// Resolver holds one visitor's RSVP flow.
type Resolver struct {
	visitor string
	cfg     Config
	logger  *slog.Logger

	loadMu sync.Mutex
	loaded bool

	mu         sync.Mutex
	state      State
	id         string
	submitting bool

	ptrMu      sync.Mutex
	pointer    string
	hasPointer bool
}

// NewResolver creates a resolver for visitor. Call Load before use.
func NewResolver(cfg Config, visitor string) *Resolver {
	cfg = cfg.withDefaults()
	return &Resolver{
		visitor: visitor,
		cfg:     cfg,
		logger:  slog.Default().With("component", "rsvp"),
		state:   Form{Draft: NewDraft("")},
	}
}

// State returns the current step.
func (r *Resolver) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RecordID returns the identifier of the visitor's record, if known.
func (r *Resolver) RecordID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.id
}

// View returns the current step in its JSON shape.
func (r *Resolver) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := View{Phase: r.state.Phase(), Submitting: r.submitting}
	switch s := r.state.(type) {
	case Lookup:
		v.Lookup = &s
	case Form:
		v.Form = &s
	case Submitted:
		v.Submitted = &s
	}
	return v
}

// EnsureLoaded runs Load once.
func (r *Resolver) EnsureLoaded(ctx context.Context) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.loaded {
		return
	}
	r.Load(ctx)
	r.loaded = true
}

// Load resolves the remembered identity. A legacy record identifier is
// first migrated to an email pointer. Without a pointer the visitor gets an
// empty form; with one, a matching record moves straight to Submitted and
// anything else falls back to the form with the email pre-filled.
func (r *Resolver) Load(ctx context.Context) State {
	r.migrateLegacy(ctx)

	email, ok, err := r.cfg.Prefs.Get(r.visitor, r.cfg.Keys.Email)
	if err != nil {
		r.logger.Warn("read identity pointer failed", "err", err)
		ok = false
	}
	r.expect(email, ok)

	var next State
	var id string
	if !ok || email == "" {
		next = Form{Draft: NewDraft("")}
	} else if res := lookupByEmail(ctx, r.cfg.Store, email, r.logger); res.Found() {
		next, id = Submitted{Record: res.Record}, res.Record.ID
	} else {
		next = Form{Draft: NewDraft(email)}
	}

	r.mu.Lock()
	r.state, r.id = next, id
	r.mu.Unlock()
	return next
}

// LookupEmail finds an existing response by email from the lookup step.
func (r *Resolver) LookupEmail(ctx context.Context, email string) (State, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, &ValidationError{Field: "email", Message: "Please enter your email"}
	}
	if _, err := r.begin(PhaseLookup); err != nil {
		return nil, err
	}
	var next State
	var id string
	if res := lookupByEmail(ctx, r.cfg.Store, email, r.logger); res.Found() {
		r.persistPointer(email)
		next, id = Submitted{Record: res.Record}, res.Record.ID
	} else {
		next = Form{Draft: NewDraft(email)}
	}
	r.finish(next, id)
	return next, nil
}

// Submit validates and saves the form. A known record is updated in place;
// otherwise one more lookup by email avoids creating a duplicate. On any
// failure the step is left unchanged.
func (r *Resolver) Submit(ctx context.Context, d Draft) (State, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	id, err := r.begin(PhaseForm)
	if err != nil {
		return nil, err
	}
	rec := d.Record(r.cfg.Now().UnixMilli())
	if id == "" {
		if res := lookupByEmail(ctx, r.cfg.Store, rec.Email, r.logger); res.Found() {
			id = res.Record.ID
		}
	}
	if id != "" {
		err = r.cfg.Store.Update(ctx, domain.CollectionRSVPs, id, rec)
	} else {
		id, err = r.cfg.Store.Append(ctx, domain.CollectionRSVPs, rec)
	}
	if err != nil {
		r.abort()
		r.logger.Error("save rsvp failed", "err", err)
		return nil, fmt.Errorf("%w: %v", ErrWriteFailed, err)
	}
	rec.ID = id
	r.persistPointer(rec.Email)
	next := Submitted{Record: rec}
	r.finish(next, id)
	return next, nil
}

// Edit reopens the form on the submitted record, keeping its identifier.
func (r *Resolver) Edit() (State, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitting {
		return nil, ErrSubmitting
	}
	s, ok := r.state.(Submitted)
	if !ok {
		return nil, ErrWrongPhase
	}
	r.state = Form{Draft: DraftFrom(s.Record), Editing: true}
	return r.state, nil
}

// Reset forgets the identity pointer and the known record.
func (r *Resolver) Reset() (State, error) {
	if _, err := r.begin(""); err != nil {
		return nil, err
	}
	r.expect("", false)
	if err := r.cfg.Prefs.Remove(r.visitor, r.cfg.Keys.Email); err != nil {
		r.logger.Warn("clear identity pointer failed", "err", err)
	}
	var next State = Form{Draft: NewDraft("")}
	if r.cfg.OfferLookup {
		next = Lookup{}
	}
	r.finish(next, "")
	return next, nil
}

// Owns reports whether a pointer value is the one this resolver last
// read or wrote.
func (r *Resolver) Owns(value string, ok bool) bool {
	r.ptrMu.Lock()
	defer r.ptrMu.Unlock()
	if !ok {
		return !r.hasPointer
	}
	return r.hasPointer && r.pointer == value
}

func (r *Resolver) begin(phase Phase) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.submitting {
		return "", ErrSubmitting
	}
	if phase != "" && r.state.Phase() != phase {
		return "", ErrWrongPhase
	}
	r.submitting = true
	return r.id, nil
}

func (r *Resolver) finish(next State, id string) {
	r.mu.Lock()
	r.state, r.id = next, id
	r.submitting = false
	r.mu.Unlock()
}

func (r *Resolver) abort() {
	r.mu.Lock()
	r.submitting = false
	r.mu.Unlock()
}

func (r *Resolver) expect(value string, ok bool) {
	r.ptrMu.Lock()
	r.pointer, r.hasPointer = value, ok
	r.ptrMu.Unlock()
}

// persistPointer remembers email. A failed write only costs the visitor
// the shortcut on their next visit.
func (r *Resolver) persistPointer(email string) {
	r.expect(email, true)
	if err := r.cfg.Prefs.Set(r.visitor, r.cfg.Keys.Email, email); err != nil {
		r.logger.Warn("persist identity pointer failed", "err", err)
	}
}

// migrateLegacy turns an old record-identifier pointer into an email
// pointer and removes it. It keeps the legacy key when the store cannot be
// read so the next load can retry.
func (r *Resolver) migrateLegacy(ctx context.Context) {
	legacyID, ok, err := r.cfg.Prefs.Get(r.visitor, r.cfg.Keys.LegacyID)
	if err != nil {
		r.logger.Warn("read legacy pointer failed", "err", err)
		return
	}
	if !ok {
		return
	}
	if legacyID = strings.TrimSpace(legacyID); legacyID != "" {
		doc, found, err := r.cfg.Store.Get(ctx, domain.CollectionRSVPs, legacyID)
		if err != nil {
			r.logger.Warn("read legacy rsvp failed", "id", legacyID, "err", err)
			return
		}
		var rec domain.RSVP
		if found && doc.Decode(&rec) == nil && rec.Email != "" {
			if _, has, _ := r.cfg.Prefs.Get(r.visitor, r.cfg.Keys.Email); !has {
				r.persistPointer(domain.NormalizeEmail(rec.Email))
			}
		}
	}
	if err := r.cfg.Prefs.Remove(r.visitor, r.cfg.Keys.LegacyID); err != nil {
		r.logger.Warn("remove legacy pointer failed", "err", err)
	}
}
