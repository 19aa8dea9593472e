package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"partyrsvp/internal/gate"
	"partyrsvp/internal/rsvp"
	"partyrsvp/internal/views"
	"partyrsvp/pkg/docstore"
	"partyrsvp/pkg/domain"
	"partyrsvp/pkg/prefs"
)

// Config holds runtime configuration for the core application.
type Config struct {
	StoreBackend  string
	PrefsBackend  string
	DatabaseURL   string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisPrefix   string
	// EmailIndex enables lookups of RSVPs by email.
	EmailIndex        bool
	PrefPrefix        string
	GuestCode         string
	AdminCode         string
	OfferLookup       bool
	PrefsPollInterval time.Duration
	ResolverIdleTTL   time.Duration
	Party             domain.Party
	Now               func() time.Time

	Store docstore.Store
	Prefs prefs.Store
}

// App wires the stores, gates, resolvers and views together.
type App struct {
	store     docstore.Store
	prefs     prefs.Store
	closers   []io.Closer
	party     domain.Party
	now       func() time.Time
	guestGate *gate.Gate
	adminGate *gate.Gate
	resolvers *rsvp.Registry
	guests    *views.GuestList
	guestbook *views.Guestbook
	admin     *views.AdminSummary
	closeOnce sync.Once
}

// New constructs the application and opens the long-lived views.
func New(ctx context.Context, cfg Config) (*App, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	prefix := strings.TrimSpace(cfg.PrefPrefix)
	if prefix == "" {
		prefix = "party"
	}

	a := &App{party: cfg.Party, now: cfg.Now}

	dataStore := cfg.Store
	if dataStore == nil {
		s, closer, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		dataStore = s
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	prefStore := cfg.Prefs
	if prefStore == nil {
		p, closer, err := openPrefs(cfg)
		if err != nil {
			a.closeAll()
			return nil, err
		}
		prefStore = p
		if closer != nil {
			a.closers = append(a.closers, closer)
		}
	}
	a.store, a.prefs = dataStore, prefStore

	var err error
	a.guestGate, err = gate.New(prefStore, prefix+"-access", cfg.GuestCode, gate.ErrInvalidCode)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("init guest gate: %w", err)
	}
	a.adminGate, err = gate.New(prefStore, prefix+"-admin", cfg.AdminCode, gate.ErrInvalidAdminCode)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("init admin gate: %w", err)
	}

	a.resolvers = rsvp.NewRegistry(rsvp.Config{
		Store:        dataStore,
		Prefs:        prefStore,
		Keys:         rsvp.KeysFor(prefix),
		OfferLookup:  cfg.OfferLookup,
		Now:          cfg.Now,
		PollInterval: cfg.PrefsPollInterval,
		IdleTTL:      cfg.ResolverIdleTTL,
	})

	a.guests = views.NewGuestList(dataStore, nil)
	a.guestbook = views.NewGuestbook(dataStore, cfg.Now, nil)
	a.admin = views.NewAdminSummary(dataStore, nil)
	if err := a.guests.Start(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.guestbook.Start(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Indexes returns the queryable fields for the configured email index.
func Indexes(emailIndex bool) docstore.Indexes {
	if !emailIndex {
		return docstore.Indexes{}
	}
	return docstore.Indexes{domain.CollectionRSVPs: {"email"}}
}

func openStore(cfg Config) (docstore.Store, io.Closer, error) {
	indexes := Indexes(cfg.EmailIndex)
	switch strings.ToLower(cfg.StoreBackend) {
	case "", "memory":
		slog.Warn("using in-memory document store; data is lost on restart")
		return docstore.NewMemoryStore(indexes), nil, nil
	case "redis":
		s, err := docstore.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix, indexes)
		if err != nil {
			return nil, nil, fmt.Errorf("init redis store: %w", err)
		}
		return s, s, nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, nil, errors.New("database URL required for postgres store")
		}
		s, err := docstore.NewGormStore(cfg.DatabaseURL, indexes)
		if err != nil {
			return nil, nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, s, nil
	case "sqlite":
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
			}
		}
		s, err := docstore.NewSQLiteStore(cfg.SQLitePath, indexes)
		if err != nil {
			return nil, nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("store %q: %w", cfg.StoreBackend, ErrUnknownBackend)
	}
}

func openPrefs(cfg Config) (prefs.Store, io.Closer, error) {
	switch strings.ToLower(cfg.PrefsBackend) {
	case "", "memory":
		return prefs.NewMemoryStore(), nil, nil
	case "redis":
		s, err := prefs.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisPrefix+":prefs", 0)
		if err != nil {
			return nil, nil, fmt.Errorf("init redis prefs: %w", err)
		}
		return s, s, nil
	default:
		return nil, nil, fmt.Errorf("prefs %q: %w", cfg.PrefsBackend, ErrUnknownBackend)
	}
}

// Party returns the event details.
func (a *App) Party() domain.Party {
	return a.party
}

// Unlocked reports whether visitor has passed the guest gate.
func (a *App) Unlocked(visitor string) bool {
	return a.guestGate.Unlocked(visitor)
}

// SubmitAccessCode checks the guest code for visitor.
func (a *App) SubmitAccessCode(visitor, code string) error {
	return a.guestGate.Submit(visitor, code)
}

// AdminUnlocked reports whether visitor has passed the admin gate.
func (a *App) AdminUnlocked(visitor string) bool {
	return a.adminGate.Unlocked(visitor)
}

// SubmitAdminCode checks the admin code for visitor.
func (a *App) SubmitAdminCode(visitor, code string) error {
	return a.adminGate.Submit(visitor, code)
}

// Resolver returns visitor's loaded RSVP resolver.
func (a *App) Resolver(ctx context.Context, visitor string) *rsvp.Resolver {
	return a.resolvers.Get(ctx, visitor)
}

// Resolvers exposes the registry so the process can sweep it.
func (a *App) Resolvers() *rsvp.Registry {
	return a.resolvers
}

// GuestList returns the current guest list.
func (a *App) GuestList() views.GuestListState {
	return a.guests.State()
}

// Guestbook returns the current guestbook.
func (a *App) Guestbook() views.GuestbookState {
	return a.guestbook.State()
}

// PostMessage appends a guestbook message.
func (a *App) PostMessage(ctx context.Context, draft *views.PostDraft) (string, error) {
	return a.guestbook.Post(ctx, draft)
}

// AdminSummary returns the admin summary, subscribing on first use.
func (a *App) AdminSummary(ctx context.Context) (views.AdminSummaryState, error) {
	if err := a.admin.Start(ctx); err != nil {
		return views.AdminSummaryState{}, err
	}
	return a.admin.State(), nil
}

// WatchGuestList opens a dedicated guest list subscription for a stream.
func (a *App) WatchGuestList(ctx context.Context, fn func(views.GuestListState)) (func(), error) {
	v := views.NewGuestList(a.store, fn)
	if err := v.Start(ctx); err != nil {
		return nil, err
	}
	return v.Close, nil
}

// WatchGuestbook opens a dedicated guestbook subscription for a stream.
func (a *App) WatchGuestbook(ctx context.Context, fn func(views.GuestbookState)) (func(), error) {
	v := views.NewGuestbook(a.store, a.now, fn)
	if err := v.Start(ctx); err != nil {
		return nil, err
	}
	return v.Close, nil
}

// Close releases subscriptions and backend connections.
func (a *App) Close() {
	a.closeOnce.Do(func() {
		if a.guests != nil {
			a.guests.Close()
		}
		if a.guestbook != nil {
			a.guestbook.Close()
		}
		if a.admin != nil {
			a.admin.Close()
		}
		if a.resolvers != nil {
			a.resolvers.Close()
		}
		a.closeAll()
	})
}

func (a *App) closeAll() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			slog.Warn("close backend failed", "err", err)
		}
	}
	a.closers = nil
}
