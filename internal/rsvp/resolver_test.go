package rsvp

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"partyrsvp/pkg/docstore"
	"partyrsvp/pkg/domain"
	"partyrsvp/pkg/prefs"
)

var emailIndex = docstore.Indexes{domain.CollectionRSVPs: {"email"}}

func boolPtr(v bool) *bool { return &v }

func fixedClock() func() time.Time {
	return func() time.Time { return time.UnixMilli(1_700_000_000_000) }
}

func newTestResolver(t *testing.T, store docstore.Store, p prefs.Store, visitor string) *Resolver {
	t.Helper()
	r := NewResolver(Config{Store: store, Prefs: p, Keys: KeysFor("party"), Now: fixedClock()}, visitor)
	r.EnsureLoaded(context.Background())
	return r
}

func mustGet(t *testing.T, store docstore.Store, id string) domain.RSVP {
	t.Helper()
	doc, ok, err := store.Get(context.Background(), domain.CollectionRSVPs, id)
	if err != nil || !ok {
		t.Fatalf("get %s: ok=%v err=%v", id, ok, err)
	}
	var rec domain.RSVP
	if err := doc.Decode(&rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return rec
}

func TestLoadWithoutPointerStartsEmptyForm(t *testing.T) {
	r := newTestResolver(t, docstore.NewMemoryStore(emailIndex), prefs.NewMemoryStore(), "v1")
	form, ok := r.State().(Form)
	if !ok {
		t.Fatalf("state = %T, want Form", r.State())
	}
	if form.Editing || form.Draft.Email != "" || form.Draft.AdultCount != 1 || form.Draft.Attending != nil {
		t.Fatalf("unexpected initial draft: %+v", form)
	}
}

func TestSubmitThenEditUpdatesInPlace(t *testing.T) {
	store := docstore.NewMemoryStore(emailIndex)
	p := prefs.NewMemoryStore()
	r := newTestResolver(t, store, p, "v1")
	ctx := context.Background()

	state, err := r.Submit(ctx, Draft{Email: " Ana@X.com ", Name: " Ana ", Attending: boolPtr(true), AdultCount: 2, KidCount: 1})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	sub, ok := state.(Submitted)
	if !ok {
		t.Fatalf("state = %T, want Submitted", state)
	}
	if sub.Record.Email != "ana@x.com" || sub.Record.Name != "Ana" || sub.Record.Timestamp != 1_700_000_000_000 {
		t.Fatalf("unexpected record: %+v", sub.Record)
	}
	id := r.RecordID()
	if id == "" {
		t.Fatalf("record id should be known after submit")
	}
	if v, _, _ := p.Get("v1", "party-rsvp-email"); v != "ana@x.com" {
		t.Fatalf("identity pointer = %q", v)
	}

	state, err = r.Edit()
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	form := state.(Form)
	if !form.Editing || form.Draft.AdultCount != 2 || form.Draft.KidCount != 1 || form.Draft.Name != "Ana" {
		t.Fatalf("edit form not pre-filled: %+v", form)
	}
	form.Draft.KidCount = 2
	if _, err := r.Submit(ctx, form.Draft); err != nil {
		t.Fatalf("resubmit: %v", err)
	}

	if n := store.Len(domain.CollectionRSVPs); n != 1 {
		t.Fatalf("collection has %d records, want 1", n)
	}
	if r.RecordID() != id {
		t.Fatalf("record id changed from %s to %s", id, r.RecordID())
	}
	rec := mustGet(t, store, id)
	if rec.AdultCount != 2 || rec.KidCount != 2 || rec.Email != "ana@x.com" {
		t.Fatalf("record not updated in place: %+v", rec)
	}
}

func TestNotAttendingZeroesCounts(t *testing.T) {
	store := docstore.NewMemoryStore(emailIndex)
	r := newTestResolver(t, store, prefs.NewMemoryStore(), "v1")
	if _, err := r.Submit(context.Background(), Draft{Email: "bo@x.com", Name: "Bo", Attending: boolPtr(false), AdultCount: 4, KidCount: 3}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec := mustGet(t, store, r.RecordID())
	if rec.Attending || rec.AdultCount != 0 || rec.KidCount != 0 {
		t.Fatalf("counts must be zero when not attending: %+v", rec)
	}
}

func TestAttendingNeedsAnAdult(t *testing.T) {
	ctx := context.Background()
	store := docstore.NewMemoryStore(emailIndex)
	r := newTestResolver(t, store, prefs.NewMemoryStore(), "v1")
	draft := Draft{Email: "zoe@x.com", Name: "Zoe", Attending: boolPtr(true), AdultCount: 0, KidCount: 2}
	if _, err := r.Submit(ctx, draft); err == nil {
		t.Fatalf("expected zero adults to be rejected")
	}
	if store.Len(domain.CollectionRSVPs) != 0 {
		t.Fatalf("rejected draft must not write")
	}

	draft.AdultCount = 1
	if _, err := r.Submit(ctx, draft); err != nil {
		t.Fatalf("submit: %v", err)
	}
	rec := mustGet(t, store, r.RecordID())
	if rec.AdultCount != 1 || rec.Adults() != rec.AdultCount {
		t.Fatalf("stored adults %d, aggregated %d", rec.AdultCount, rec.Adults())
	}
	state, err := r.Edit()
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if form := state.(Form); form.Draft.AdultCount != rec.AdultCount || form.Draft.KidCount != 2 {
		t.Fatalf("edit draft %+v does not match stored record %+v", form.Draft, rec)
	}
}

func TestSubmitValidatesInOrder(t *testing.T) {
	cases := []struct {
		name  string
		draft Draft
		field string
	}{
		{name: "missing everything", draft: Draft{}, field: "email"},
		{name: "blank name", draft: Draft{Email: "a@x.com", Name: "  "}, field: "name"},
		{name: "attendance unset", draft: Draft{Email: "a@x.com", Name: "A"}, field: "attending"},
		{name: "negative kids", draft: Draft{Email: "a@x.com", Name: "A", Attending: boolPtr(true), AdultCount: 1, KidCount: -1}, field: "counts"},
		{name: "negative adults", draft: Draft{Email: "a@x.com", Name: "A", Attending: boolPtr(true), AdultCount: -1}, field: "counts"},
		{name: "no adults", draft: Draft{Email: "a@x.com", Name: "A", Attending: boolPtr(true), AdultCount: 0, KidCount: 2}, field: "adultCount"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := docstore.NewMemoryStore(emailIndex)
			r := newTestResolver(t, store, prefs.NewMemoryStore(), "v1")
			_, err := r.Submit(context.Background(), tc.draft)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %s, want %s", verr.Field, tc.field)
			}
			if store.Len(domain.CollectionRSVPs) != 0 {
				t.Fatalf("validation failure must not write")
			}
			if _, ok := r.State().(Form); !ok {
				t.Fatalf("state changed on validation failure")
			}
		})
	}
}

func TestLoadWithPointerFindsRecord(t *testing.T) {
	store := docstore.NewMemoryStore(emailIndex)
	p := prefs.NewMemoryStore()
	id, err := store.Append(context.Background(), domain.CollectionRSVPs, domain.RSVP{Email: "ana@x.com", Name: "Ana", Attending: true, AdultCount: 2})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = p.Set("v1", "party-rsvp-email", "ana@x.com")

	r := newTestResolver(t, store, p, "v1")
	sub, ok := r.State().(Submitted)
	if !ok {
		t.Fatalf("state = %T, want Submitted", r.State())
	}
	if sub.Record.Name != "Ana" || r.RecordID() != id {
		t.Fatalf("unexpected record %+v id %s", sub.Record, r.RecordID())
	}
}

func TestLoadWithUnknownPointerPrefillsForm(t *testing.T) {
	p := prefs.NewMemoryStore()
	_ = p.Set("v1", "party-rsvp-email", "gone@x.com")
	r := newTestResolver(t, docstore.NewMemoryStore(emailIndex), p, "v1")
	form, ok := r.State().(Form)
	if !ok || form.Draft.Email != "gone@x.com" || r.RecordID() != "" {
		t.Fatalf("want form pre-filled with email and no id, got %#v", r.State())
	}
}

func TestLookupEmailFindsRecordWithoutCreating(t *testing.T) {
	store := docstore.NewMemoryStore(emailIndex)
	p := prefs.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Append(ctx, domain.CollectionRSVPs, domain.RSVP{Email: "ana@x.com", Name: "Ana", Attending: true, AdultCount: 2, KidCount: 1}); err != nil {
		t.Fatalf("append: %v", err)
	}
	r := NewResolver(Config{Store: store, Prefs: p, OfferLookup: true, Now: fixedClock()}, "v1")
	r.EnsureLoaded(ctx)
	if _, err := r.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, ok := r.State().(Lookup); !ok {
		t.Fatalf("state = %T, want Lookup", r.State())
	}

	state, err := r.LookupEmail(ctx, "ANA@x.com")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	sub, ok := state.(Submitted)
	if !ok || sub.Record.KidCount != 1 {
		t.Fatalf("want Submitted with stored record, got %#v", state)
	}
	if store.Len(domain.CollectionRSVPs) != 1 {
		t.Fatalf("lookup must not create records")
	}
	if v, _, _ := p.Get("v1", "party-rsvp-email"); v != "ana@x.com" {
		t.Fatalf("identity pointer = %q", v)
	}
}

func TestLookupEmailMissGoesToForm(t *testing.T) {
	r := NewResolver(Config{Store: docstore.NewMemoryStore(emailIndex), Prefs: prefs.NewMemoryStore(), OfferLookup: true}, "v1")
	ctx := context.Background()
	r.EnsureLoaded(ctx)
	_, _ = r.Reset()
	state, err := r.LookupEmail(ctx, "new@x.com")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if form, ok := state.(Form); !ok || form.Draft.Email != "new@x.com" {
		t.Fatalf("want form pre-filled with typed email, got %#v", state)
	}
	if _, err := r.LookupEmail(ctx, "again@x.com"); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("lookup outside lookup step: err = %v", err)
	}
}

func TestUnsupportedLookupBehavesLikeNoMatch(t *testing.T) {
	store := docstore.NewMemoryStore(nil)
	p := prefs.NewMemoryStore()
	ctx := context.Background()
	if _, err := store.Append(ctx, domain.CollectionRSVPs, domain.RSVP{Email: "ana@x.com", Name: "Ana", Attending: true}); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = p.Set("v1", "party-rsvp-email", "ana@x.com")

	r := newTestResolver(t, store, p, "v1")
	form, ok := r.State().(Form)
	if !ok || form.Draft.Email != "ana@x.com" {
		t.Fatalf("want form fallback, got %#v", r.State())
	}
	if _, err := r.Submit(ctx, Draft{Email: "ana@x.com", Name: "Ana", Attending: boolPtr(true), AdultCount: 1}); err != nil {
		t.Fatalf("submit must not be blocked by lookup failure: %v", err)
	}
	if n := store.Len(domain.CollectionRSVPs); n != 2 {
		t.Fatalf("collection has %d records, want a new one created", n)
	}
}

func TestSubmitReusesRecordFoundByEmail(t *testing.T) {
	store := docstore.NewMemoryStore(emailIndex)
	ctx := context.Background()
	id, err := store.Append(ctx, domain.CollectionRSVPs, domain.RSVP{Email: "ana@x.com", Name: "Ana", Attending: false})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	r := newTestResolver(t, store, prefs.NewMemoryStore(), "v2")
	if _, err := r.Submit(ctx, Draft{Email: "ana@x.com", Name: "Ana B", Attending: boolPtr(true), AdultCount: 2}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if r.RecordID() != id || store.Len(domain.CollectionRSVPs) != 1 {
		t.Fatalf("expected update of %s, got id %s and %d records", id, r.RecordID(), store.Len(domain.CollectionRSVPs))
	}
	if rec := mustGet(t, store, id); rec.Name != "Ana B" || !rec.Attending {
		t.Fatalf("record not updated: %+v", rec)
	}
}

type failingStore struct {
	docstore.Store
}

func (failingStore) Append(context.Context, string, any) (string, error) {
	return "", errors.New("network down")
}

func (failingStore) Update(context.Context, string, string, any) error {
	return errors.New("network down")
}

func TestWriteFailureLeavesStateUntouched(t *testing.T) {
	p := prefs.NewMemoryStore()
	r := newTestResolver(t, failingStore{docstore.NewMemoryStore(emailIndex)}, p, "v1")
	before := r.State()
	_, err := r.Submit(context.Background(), Draft{Email: "a@x.com", Name: "A", Attending: boolPtr(true), AdultCount: 1})
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("err = %v, want ErrWriteFailed", err)
	}
	if r.State() != before {
		t.Fatalf("state changed after write failure: %#v", r.State())
	}
	if _, ok, _ := p.Get("v1", "party-rsvp-email"); ok {
		t.Fatalf("pointer must not be persisted after write failure")
	}
	if r.View().Submitting {
		t.Fatalf("submitting flag must be cleared")
	}
}

type blockingStore struct {
	docstore.Store
	entered chan struct{}
	release chan struct{}
}

func (b *blockingStore) Append(ctx context.Context, collection string, value any) (string, error) {
	close(b.entered)
	<-b.release
	return b.Store.Append(ctx, collection, value)
}

func TestConcurrentSubmitIsRejected(t *testing.T) {
	store := &blockingStore{
		Store:   docstore.NewMemoryStore(emailIndex),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	r := newTestResolver(t, store, prefs.NewMemoryStore(), "v1")
	draft := Draft{Email: "a@x.com", Name: "A", Attending: boolPtr(true), AdultCount: 1}

	var wg sync.WaitGroup
	wg.Add(1)
	var firstErr error
	go func() {
		defer wg.Done()
		_, firstErr = r.Submit(context.Background(), draft)
	}()
	<-store.entered
	if !r.View().Submitting {
		t.Fatalf("view should report submitting")
	}
	if _, err := r.Submit(context.Background(), draft); !errors.Is(err, ErrSubmitting) {
		t.Fatalf("second submit err = %v, want ErrSubmitting", err)
	}
	if _, err := r.Reset(); !errors.Is(err, ErrSubmitting) {
		t.Fatalf("reset during submit err = %v, want ErrSubmitting", err)
	}
	close(store.release)
	wg.Wait()
	if firstErr != nil {
		t.Fatalf("first submit: %v", firstErr)
	}
	if _, ok := r.State().(Submitted); !ok {
		t.Fatalf("state = %T, want Submitted", r.State())
	}
}

func TestResetClearsPointerAndIdentifier(t *testing.T) {
	store := docstore.NewMemoryStore(emailIndex)
	p := prefs.NewMemoryStore()
	r := newTestResolver(t, store, p, "v1")
	ctx := context.Background()
	if _, err := r.Submit(ctx, Draft{Email: "a@x.com", Name: "A", Attending: boolPtr(true), AdultCount: 1}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	state, err := r.Reset()
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if form, ok := state.(Form); !ok || form.Draft.Email != "" {
		t.Fatalf("want empty form after reset, got %#v", state)
	}
	if r.RecordID() != "" {
		t.Fatalf("record id should be dropped")
	}
	if _, ok, _ := p.Get("v1", "party-rsvp-email"); ok {
		t.Fatalf("pointer should be removed")
	}
	if _, err := r.Edit(); !errors.Is(err, ErrWrongPhase) {
		t.Fatalf("edit from form err = %v, want ErrWrongPhase", err)
	}
}

func TestLegacyPointerIsMigrated(t *testing.T) {
	store := docstore.NewMemoryStore(emailIndex)
	p := prefs.NewMemoryStore()
	ctx := context.Background()
	id, err := store.Append(ctx, domain.CollectionRSVPs, domain.RSVP{Email: "old@x.com", Name: "Old", Attending: true, GuestCount: 3})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = p.Set("v1", "party-rsvp-id", id)

	r := newTestResolver(t, store, p, "v1")
	sub, ok := r.State().(Submitted)
	if !ok || r.RecordID() != id {
		t.Fatalf("want Submitted on migrated record, got %#v", r.State())
	}
	if sub.Record.Adults() != 3 {
		t.Fatalf("legacy guest count should drive adults, got %d", sub.Record.Adults())
	}
	if _, ok, _ := p.Get("v1", "party-rsvp-id"); ok {
		t.Fatalf("legacy pointer should be removed")
	}
	if v, _, _ := p.Get("v1", "party-rsvp-email"); v != "old@x.com" {
		t.Fatalf("email pointer = %q", v)
	}
}

func TestLookupPrefersNewestDuplicate(t *testing.T) {
	store := docstore.NewMemoryStore(emailIndex)
	ctx := context.Background()
	_, _ = store.Append(ctx, domain.CollectionRSVPs, domain.RSVP{Email: "a@x.com", Name: "Old", Timestamp: 1})
	newest, _ := store.Append(ctx, domain.CollectionRSVPs, domain.RSVP{Email: "a@x.com", Name: "New", Timestamp: 2})
	res := lookupByEmail(ctx, store, "a@x.com", NewResolver(Config{}, "v").logger)
	if !res.Found() || res.Record.ID != newest || res.Record.Name != "New" {
		t.Fatalf("unexpected lookup result %+v", res)
	}
}
