package views

import (
	"log/slog"
	"sort"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"partyrsvp/pkg/docstore"
	"partyrsvp/pkg/domain"
)

// Guest is one attending party on the guest list.
type Guest struct {
	Name   string `json:"name"`
	Adults int    `json:"adults"`
	Kids   int    `json:"kids"`
}

// GuestListState is the public guest list.
type GuestListState struct {
	Guests      []Guest `json:"guests"`
	TotalAdults int     `json:"totalAdults"`
	TotalKids   int     `json:"totalKids"`
}

// GuestList shows attending guests by name.
type GuestList struct {
	*projection[GuestListState]
}

// NewGuestList creates a guest list view. listener may be nil.
func NewGuestList(store docstore.Store, listener func(GuestListState)) *GuestList {
	return &GuestList{newProjection(store, domain.CollectionRSVPs, deriveGuestList, listener)}
}

func deriveGuestList(snap docstore.Snapshot) GuestListState {
	recs := decodeRSVPs(snap)
	attending := recs[:0]
	for _, rec := range recs {
		if rec.Attending {
			attending = append(attending, rec)
		}
	}
	col := collate.New(language.Und, collate.IgnoreCase)
	sort.SliceStable(attending, func(i, j int) bool {
		if c := col.CompareString(attending[i].Name, attending[j].Name); c != 0 {
			return c < 0
		}
		return attending[i].ID < attending[j].ID
	})

	out := GuestListState{Guests: make([]Guest, 0, len(attending))}
	for _, rec := range attending {
		g := Guest{Name: rec.Name, Adults: rec.Adults(), Kids: rec.Kids()}
		out.Guests = append(out.Guests, g)
		out.TotalAdults += g.Adults
		out.TotalKids += g.Kids
	}
	return out
}

func decodeRSVPs(snap docstore.Snapshot) []domain.RSVP {
	recs := make([]domain.RSVP, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		var rec domain.RSVP
		if err := doc.Decode(&rec); err != nil {
			slog.Warn("skip undecodable rsvp", "id", doc.ID, "err", err)
			continue
		}
		rec.ID = doc.ID
		recs = append(recs, rec)
	}
	return recs
}
