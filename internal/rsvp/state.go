package rsvp

import (
	"strings"

	"partyrsvp/pkg/domain"
)

// Phase names the step of the RSVP flow a visitor is on.
type Phase string

const (
	PhaseLookup    Phase = "lookup"
	PhaseForm      Phase = "form"
	PhaseSubmitted Phase = "submitted"
)

// State is one of Lookup, Form or Submitted. Each variant carries only the
// fields that are meaningful in that step.
type State interface {
	Phase() Phase
}

// Lookup asks a returning visitor for the email they answered with.
type Lookup struct {
	Email string `json:"email"`
}

// Form collects a new response or edits an existing one.
type Form struct {
	Draft   Draft `json:"draft"`
	Editing bool  `json:"editing"`
}

// Submitted shows the stored response.
type Submitted struct {
	Record domain.RSVP `json:"record"`
}

func (Lookup) Phase() Phase    { return PhaseLookup }
func (Form) Phase() Phase      { return PhaseForm }
func (Submitted) Phase() Phase { return PhaseSubmitted }

// Draft holds the form fields. Attending is nil until the visitor picks.
type Draft struct {
	Email      string `json:"email"`
	Name       string `json:"name"`
	Attending  *bool  `json:"attending"`
	AdultCount int    `json:"adultCount"`
	KidCount   int    `json:"kidCount"`
}

// NewDraft returns the empty form: one adult, no kids.
func NewDraft(email string) Draft {
	return Draft{Email: domain.NormalizeEmail(email), AdultCount: 1}
}

// DraftFrom pre-fills a form from a stored record.
func DraftFrom(rec domain.RSVP) Draft {
	attending := rec.Attending
	d := Draft{
		Email:      rec.Email,
		Name:       rec.Name,
		Attending:  &attending,
		AdultCount: rec.Adults(),
		KidCount:   rec.Kids(),
	}
	if !attending {
		d.AdultCount, d.KidCount = 1, 0
	}
	return d
}

// ValidationError reports the first invalid form field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Validate checks the draft in field order and returns the first failure.
func (d Draft) Validate() error {
	switch {
	case strings.TrimSpace(d.Email) == "":
		return &ValidationError{Field: "email", Message: "Please enter your email"}
	case strings.TrimSpace(d.Name) == "":
		return &ValidationError{Field: "name", Message: "Please enter your name"}
	case d.Attending == nil:
		return &ValidationError{Field: "attending", Message: "Please let us know if you can make it"}
	case *d.Attending && (d.AdultCount < 0 || d.KidCount < 0):
		return &ValidationError{Field: "counts", Message: "Guest counts cannot be negative"}
	case *d.Attending && d.AdultCount < 1:
		return &ValidationError{Field: "adultCount", Message: "Please add at least one adult"}
	}
	return nil
}

// Record builds the stored record. Counts are zeroed when not attending.
func (d Draft) Record(timestamp int64) domain.RSVP {
	rec := domain.RSVP{
		Email:     domain.NormalizeEmail(d.Email),
		Name:      strings.TrimSpace(d.Name),
		Attending: d.Attending != nil && *d.Attending,
		Timestamp: timestamp,
	}
	if rec.Attending {
		rec.AdultCount = d.AdultCount
		rec.KidCount = d.KidCount
	}
	return rec
}
