package views

import (
	"sort"

	"partyrsvp/pkg/docstore"
	"partyrsvp/pkg/domain"
)

// AdminRow is one response in the admin table. Counts are zero for
// guests who are not attending.
type AdminRow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Attending bool   `json:"attending"`
	Adults    int    `json:"adults"`
	Kids      int    `json:"kids"`
	Timestamp int64  `json:"timestamp"`
}

// AdminTotals aggregates every response.
type AdminTotals struct {
	Attending    int `json:"attending"`
	NotAttending int `json:"notAttending"`
	Adults       int `json:"adults"`
	Kids         int `json:"kids"`
	Total        int `json:"total"`
}

// AdminSummaryState is the admin view.
type AdminSummaryState struct {
	Rows   []AdminRow  `json:"rows"`
	Totals AdminTotals `json:"totals"`
}

// AdminSummary lists every response, newest first.
type AdminSummary struct {
	*projection[AdminSummaryState]
}

// NewAdminSummary creates an admin summary view. listener may be nil.
func NewAdminSummary(store docstore.Store, listener func(AdminSummaryState)) *AdminSummary {
	return &AdminSummary{newProjection(store, domain.CollectionRSVPs, deriveAdminSummary, listener)}
}

func deriveAdminSummary(snap docstore.Snapshot) AdminSummaryState {
	recs := decodeRSVPs(snap)
	sort.SliceStable(recs, func(i, j int) bool {
		return newerFirst(recs[i].Timestamp, recs[j].Timestamp, recs[i].ID, recs[j].ID)
	})
	out := AdminSummaryState{Rows: make([]AdminRow, 0, len(recs))}
	for _, rec := range recs {
		row := AdminRow{
			ID:        rec.ID,
			Name:      rec.Name,
			Email:     rec.Email,
			Attending: rec.Attending,
			Timestamp: rec.Timestamp,
		}
		if rec.Attending {
			row.Adults, row.Kids = rec.Adults(), rec.Kids()
			out.Totals.Attending++
			out.Totals.Adults += row.Adults
			out.Totals.Kids += row.Kids
		} else {
			out.Totals.NotAttending++
		}
		out.Rows = append(out.Rows, row)
	}
	out.Totals.Total = out.Totals.Adults + out.Totals.Kids
	return out
}

func newerFirst(ti, tj int64, idi, idj string) bool {
	if ti != tj {
		return ti > tj
	}
	return idi > idj
}
