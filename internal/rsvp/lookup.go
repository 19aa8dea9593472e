package rsvp

import (
	"context"
	"errors"
	"log/slog"

	"partyrsvp/pkg/docstore"
	"partyrsvp/pkg/domain"
)

// LookupOutcome distinguishes why a lookup did or did not produce a record.
type LookupOutcome int

const (
	NotFound LookupOutcome = iota
	Found
	// Unsupported means the store could not answer the query; callers treat
	// it exactly like NotFound.
	Unsupported
)

func (o LookupOutcome) String() string {
	switch o {
	case Found:
		return "found"
	case Unsupported:
		return "unsupported"
	default:
		return "not_found"
	}
}

// LookupResult is the outcome of a best-effort lookup by email.
type LookupResult struct {
	Outcome LookupOutcome
	Record  domain.RSVP
}

// Found collapses the outcome to found / not found.
func (r LookupResult) Found() bool {
	return r.Outcome == Found
}

// lookupByEmail queries rsvps by email. Query failures never surface as
// errors. When several records share the email the newest one wins.
func lookupByEmail(ctx context.Context, store docstore.Store, email string, logger *slog.Logger) LookupResult {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return LookupResult{Outcome: NotFound}
	}
	docs, err := store.QueryEqual(ctx, domain.CollectionRSVPs, "email", email)
	if err != nil {
		if errors.Is(err, docstore.ErrQueryUnsupported) {
			logger.Debug("rsvp lookup unavailable", "err", err)
		} else {
			logger.Warn("rsvp lookup failed", "err", err)
		}
		return LookupResult{Outcome: Unsupported}
	}
	var (
		best  domain.RSVP
		found bool
	)
	for _, doc := range docs {
		var rec domain.RSVP
		if err := doc.Decode(&rec); err != nil {
			logger.Warn("skip undecodable rsvp", "id", doc.ID, "err", err)
			continue
		}
		rec.ID = doc.ID
		if !found || rec.Timestamp > best.Timestamp || (rec.Timestamp == best.Timestamp && rec.ID > best.ID) {
			best, found = rec, true
		}
	}
	if !found {
		return LookupResult{Outcome: NotFound}
	}
	return LookupResult{Outcome: Found, Record: best}
}
