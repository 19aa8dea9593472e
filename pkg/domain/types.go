package domain

import "strings"

// Collection names shared by every store backend.
const (
	CollectionRSVPs    = "rsvps"
	CollectionMessages = "messages"
)

// RSVP is a guest's attendance response. GuestCount is the single head-count
// field written by older revisions of the page; new records never set it.
type RSVP struct {
	ID         string `json:"-"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name"`
	Attending  bool   `json:"attending"`
	AdultCount int    `json:"adultCount"`
	KidCount   int    `json:"kidCount"`
	GuestCount int    `json:"guestCount,omitempty"`
	Timestamp  int64  `json:"timestamp"`
}

// Adults returns the adult head count used by every aggregate: adultCount,
// falling back to the legacy guestCount, falling back to one.
func (r RSVP) Adults() int {
	switch {
	case r.AdultCount > 0:
		return r.AdultCount
	case r.GuestCount > 0:
		return r.GuestCount
	default:
		return 1
	}
}

// Kids returns the kid head count; absent counts are zero.
func (r RSVP) Kids() int {
	if r.KidCount < 0 {
		return 0
	}
	return r.KidCount
}

// Message is a guestbook entry.
type Message struct {
	ID        string `json:"-"`
	Name      string `json:"name"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Party holds the read-only event details shown on the landing page.
type Party struct {
	Title     string `json:"title" yaml:"title"`
	Subtitle  string `json:"subtitle,omitempty" yaml:"subtitle"`
	Date      string `json:"date" yaml:"date"`
	Time      string `json:"time" yaml:"time"`
	Venue     string `json:"venue" yaml:"venue"`
	VenueNote string `json:"venueNote,omitempty" yaml:"venueNote"`
	Address   string `json:"address,omitempty" yaml:"address"`
}

// NormalizeEmail lower-cases and trims an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
