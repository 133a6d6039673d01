package observers

import (
	"fmt"

	"github.com/codex-hub/codex-hub/internal/reviews"
	"github.com/codex-hub/codex-hub/internal/timeutil"
)

// ReviewObserver infers review sessions from item traffic: an
// enteredReviewMode item opens a running session, the matching
// exitedReviewMode item completes it with the review payload.
type ReviewObserver struct {
	store *reviews.Store
}

// NewReviewObserver wraps a review store.
func NewReviewObserver(store *reviews.Store) *ReviewObserver {
	return &ReviewObserver{store: store}
}

// Name implements Observer.
func (o *ReviewObserver) Name() string { return "reviews" }

// Handle implements Observer.
func (o *ReviewObserver) Handle(tr Traffic) error {
	if tr.Kind != KindEvent {
		return nil
	}
	switch tr.Method {
	case "item/started":
		p := parsePayload(tr.Params)
		if p.itemType() != "enteredReviewMode" {
			return nil
		}
		sess := reviews.Session{
			ID:        sessionID(p),
			ThreadID:  p.threadID(),
			ProfileID: tr.ProfileID,
			ItemID:    p.itemID(),
			Status:    reviews.StatusRunning,
		}
		if p.Item != nil {
			sess.Label = p.Item.Label
			sess.Model = p.Item.Model
			sess.Cwd = p.Item.Cwd
		}
		if err := o.store.Upsert(sess); err != nil {
			return fmt.Errorf("open review session: %w", err)
		}

	case "item/completed":
		p := parsePayload(tr.Params)
		if p.itemType() != "exitedReviewMode" {
			return nil
		}
		var review string
		if p.Item != nil && len(p.Item.Review) > 0 {
			review = string(p.Item.Review)
		}
		if err := o.store.Complete(sessionID(p), p.threadID(), p.itemID(), reviews.StatusCompleted, review); err != nil {
			return fmt.Errorf("complete review session: %w", err)
		}
	}
	return nil
}

// sessionID derives a stable id for the session. The turn id ties the
// entered/exited pair together; item id and a thread-scoped timestamp are
// the fallbacks.
func sessionID(p payload) string {
	if id := p.turnID(); id != "" {
		return id
	}
	if id := p.itemID(); id != "" {
		return id
	}
	return fmt.Sprintf("%s-%d", p.threadID(), timeutil.NowMillis())
}
