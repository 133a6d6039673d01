package observers

import "github.com/codex-hub/codex-hub/internal/activity"

// ActivityObserver keeps the in-memory activity map current: turn
// lifecycle events toggle threads in and out, resume responses reconstruct
// in-flight turns, and profile stop or exit clears the whole profile.
type ActivityObserver struct {
	tracker *activity.Tracker
}

// NewActivityObserver wraps a tracker.
func NewActivityObserver(tracker *activity.Tracker) *ActivityObserver {
	return &ActivityObserver{tracker: tracker}
}

// Name implements Observer.
func (o *ActivityObserver) Name() string { return "activity" }

// Handle implements Observer.
func (o *ActivityObserver) Handle(tr Traffic) error {
	switch tr.Kind {
	case KindEvent:
		p := parsePayload(tr.Params)
		switch tr.Method {
		case "turn/started":
			o.tracker.MarkStarted(tr.ProfileID, p.threadID(), p.turnID())
		case "turn/completed", "turn/failed", "turn/aborted":
			o.tracker.MarkCompleted(tr.ProfileID, p.threadID())
		}
	case KindRequest:
		if tr.Method == "thread/archive" {
			p := parsePayload(tr.Params)
			o.tracker.MarkCompleted(tr.ProfileID, p.threadID())
		}
	case KindResponse:
		if tr.Method == "thread/resume" {
			o.handleResume(tr)
		}
	case KindStop, KindExit:
		o.tracker.ClearProfile(tr.ProfileID)
	}
	return nil
}

// handleResume re-derives activity from a resumed thread: a turn still in
// progress marks the thread active, otherwise any stale entry is dropped.
func (o *ActivityObserver) handleResume(tr Traffic) {
	p := parsePayload(tr.Result)
	if p.Thread == nil || p.Thread.ID == "" {
		return
	}
	for _, turn := range p.Thread.Turns {
		if turn.Status == "inProgress" {
			o.tracker.MarkStarted(tr.ProfileID, p.Thread.ID, turn.ID)
			return
		}
	}
	o.tracker.MarkCompleted(tr.ProfileID, p.Thread.ID)
}
