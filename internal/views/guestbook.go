package views

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"partyrsvp/pkg/docstore"
	"partyrsvp/pkg/domain"
)

// ErrEmptyPost rejects a guestbook post with a blank name or message.
var ErrEmptyPost = errors.New("Please enter your name and a message")

// GuestbookState lists messages newest first.
type GuestbookState struct {
	Messages []domain.Message `json:"messages"`
}

// PostDraft holds the guestbook input fields.
type PostDraft struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

// Guestbook shows and accepts guestbook messages.
type Guestbook struct {
	*projection[GuestbookState]
	now func() time.Time
}

// NewGuestbook creates a guestbook view. listener may be nil.
func NewGuestbook(store docstore.Store, now func() time.Time, listener func(GuestbookState)) *Guestbook {
	if now == nil {
		now = time.Now
	}
	return &Guestbook{
		projection: newProjection(store, domain.CollectionMessages, deriveGuestbook, listener),
		now:        now,
	}
}

// Post appends the draft as a message. Blank fields are rejected without
// touching the store. The draft is cleared only when the append succeeds.
func (g *Guestbook) Post(ctx context.Context, draft *PostDraft) (string, error) {
	name := strings.TrimSpace(draft.Name)
	text := strings.TrimSpace(draft.Message)
	if name == "" || text == "" {
		return "", ErrEmptyPost
	}
	id, err := g.store.Append(ctx, domain.CollectionMessages, domain.Message{
		Name:      name,
		Message:   text,
		Timestamp: g.now().UnixMilli(),
	})
	if err != nil {
		slog.Error("guestbook post failed", "err", err)
		return "", err
	}
	*draft = PostDraft{}
	return id, nil
}

func deriveGuestbook(snap docstore.Snapshot) GuestbookState {
	msgs := make([]domain.Message, 0, len(snap.Docs))
	for _, doc := range snap.Docs {
		var m domain.Message
		if err := doc.Decode(&m); err != nil {
			slog.Warn("skip undecodable message", "id", doc.ID, "err", err)
			continue
		}
		m.ID = doc.ID
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		return newerFirst(msgs[i].Timestamp, msgs[j].Timestamp, msgs[i].ID, msgs[j].ID)
	})
	return GuestbookState{Messages: msgs}
}
