package observers

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/codex-hub/codex-hub/internal/analytics"
	"github.com/codex-hub/codex-hub/internal/timeutil"
)

// pendingKey identifies an outstanding approval request. Request ids are
// only unique per child process, so the profile is part of the key.
type pendingKey struct {
	profileID string
	requestID int64
}

// AnalyticsObserver appends every traffic item to the event log and
// maintains the derived daily counters, thread/turn metadata, token usage
// rows, and approval round-trips.
type AnalyticsObserver struct {
	store *analytics.Store

	mu      sync.Mutex
	pending map[pendingKey]string // approval type by request
}

// NewAnalyticsObserver wraps an analytics store.
func NewAnalyticsObserver(store *analytics.Store) *AnalyticsObserver {
	return &AnalyticsObserver{
		store:   store,
		pending: make(map[pendingKey]string),
	}
}

// Name implements Observer.
func (o *AnalyticsObserver) Name() string { return "analytics" }

// Handle implements Observer.
func (o *AnalyticsObserver) Handle(tr Traffic) error {
	p := parsePayload(tr.Params)
	if tr.Kind == KindResponse || tr.Kind == KindDecision {
		p = parsePayload(tr.Result)
	}

	if err := o.logEvent(tr, p); err != nil {
		return err
	}

	switch tr.Kind {
	case KindEvent:
		return o.handleEvent(tr, p)
	case KindRequest:
		return o.handleRequest(tr, p)
	case KindResponse:
		return o.handleResponse(tr, p)
	case KindServerRequest:
		return o.handleServerRequest(tr, p)
	case KindDecision:
		return o.handleDecision(tr)
	}
	return nil
}

func (o *AnalyticsObserver) logEvent(tr Traffic, p payload) error {
	eventType := string(tr.Kind)
	if tr.Method != "" {
		eventType += ":" + tr.Method
	}
	raw := tr.Params
	if tr.Kind == KindResponse || tr.Kind == KindDecision {
		raw = tr.Result
	}
	return o.store.InsertEvent(analytics.Event{
		ProfileID: tr.ProfileID,
		EventType: eventType,
		ThreadID:  p.threadID(),
		TurnID:    p.turnID(),
		ItemID:    p.itemID(),
		Model:     p.model(),
		Status:    p.status(),
		Payload:   string(raw),
	})
}

func (o *AnalyticsObserver) bump(metric string, tr Traffic, p payload) error {
	return o.store.IncrementDaily(metric, tr.ProfileID, p.model(), timeutil.DateKey(timeutil.NowMillis()))
}

func (o *AnalyticsObserver) handleEvent(tr Traffic, p payload) error {
	switch tr.Method {
	case "thread/started":
		var createdAt int64
		if p.Thread != nil {
			createdAt = p.Thread.CreatedAt
		}
		if err := o.store.UpsertThreadMeta(p.threadID(), tr.ProfileID, p.model(), createdAt); err != nil {
			return err
		}
		return o.bump("threads_started", tr, p)

	case "turn/started":
		if err := o.store.UpsertTurnMeta(analytics.TurnMeta{
			TurnID:    p.turnID(),
			ThreadID:  p.threadID(),
			ProfileID: tr.ProfileID,
			Model:     p.model(),
			StartedAt: timeutil.NowMillis(),
		}); err != nil {
			return err
		}
		return o.bump("turns_started", tr, p)

	case "turn/completed":
		if err := o.store.UpsertTurnMeta(analytics.TurnMeta{
			TurnID:      p.turnID(),
			ThreadID:    p.threadID(),
			ProfileID:   tr.ProfileID,
			Model:       p.model(),
			CompletedAt: timeutil.NowMillis(),
			Status:      p.status(),
		}); err != nil {
			return err
		}
		if err := o.bump("turns_completed", tr, p); err != nil {
			return err
		}
		// "completed" would collide with the total above.
		if status := p.status(); status != "" && status != "completed" {
			return o.bump("turns_"+status, tr, p)
		}
		return nil

	case "item/started":
		if t := p.itemType(); t != "" {
			return o.bump("items_"+t, tr, p)
		}
	case "item/completed":
		if t := p.itemType(); t != "" {
			return o.bump("items_completed_"+t, tr, p)
		}
	case "thread/tokenUsage/updated":
		return o.store.AppendTokenUsage(tr.ProfileID, p.threadID(), p.turnID(), string(tr.Params))
	}
	return nil
}

func (o *AnalyticsObserver) handleRequest(tr Traffic, p payload) error {
	switch tr.Method {
	case "turn/start":
		if p.threadID() != "" && p.model() != "" {
			return o.store.UpsertThreadMeta(p.threadID(), tr.ProfileID, p.model(), 0)
		}
	case "command/exec":
		return o.bump("command_exec", tr, p)
	case "review/start":
		return o.bump("reviews_started", tr, p)
	case "account/login/start":
		if t := p.Type; t != "" {
			return o.bump("login_started_"+t, tr, p)
		}
		return o.bump("login_started_unknown", tr, p)
	}
	return nil
}

func (o *AnalyticsObserver) handleResponse(tr Traffic, p payload) error {
	switch tr.Method {
	case "thread/start", "thread/resume":
		for _, row := range p.threadRows() {
			if row.ID == "" {
				continue
			}
			model := row.Model
			if model == "" {
				model = row.ModelProvider
			}
			if err := o.store.UpsertThreadMeta(row.ID, tr.ProfileID, model, row.CreatedAt); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *AnalyticsObserver) handleServerRequest(tr Traffic, p payload) error {
	approvalType, ok := approvalTypeFromMethod(tr.Method)
	if !ok {
		return nil
	}

	o.mu.Lock()
	o.pending[pendingKey{tr.ProfileID, tr.RequestID}] = approvalType
	o.mu.Unlock()

	if err := o.store.RecordApprovalRequest(analytics.Approval{
		ProfileID:    tr.ProfileID,
		RequestID:    tr.RequestID,
		ApprovalType: approvalType,
		Method:       tr.Method,
		ThreadID:     p.threadID(),
		ItemID:       p.itemID(),
	}); err != nil {
		return err
	}
	return o.bump("approvals_requested_"+approvalType, tr, p)
}

func (o *AnalyticsObserver) handleDecision(tr Traffic) error {
	key := pendingKey{tr.ProfileID, tr.RequestID}

	o.mu.Lock()
	_, ok := o.pending[key]
	if ok {
		delete(o.pending, key)
	}
	o.mu.Unlock()
	if !ok {
		// A response to some non-approval server request; nothing to record.
		return nil
	}

	decision := decisionFromResult(tr.Result)
	if err := o.store.RecordApprovalDecision(tr.ProfileID, tr.RequestID, decision); err != nil {
		return err
	}
	if decision == "" {
		decision = "unknown"
	}
	return o.store.IncrementDaily("approvals_"+decision, tr.ProfileID, "", timeutil.DateKey(timeutil.NowMillis()))
}

// approvalTypeFromMethod maps an item/<kind>/requestApproval method to its
// approval type; commandExecution shortens to "command".
func approvalTypeFromMethod(method string) (string, bool) {
	parts := strings.Split(method, "/")
	if len(parts) != 3 || parts[0] != "item" || parts[2] != "requestApproval" {
		return "", false
	}
	switch parts[1] {
	case "commandExecution":
		return "command", true
	default:
		return parts[1], true
	}
}

func decisionFromResult(raw json.RawMessage) string {
	var body struct {
		Decision string `json:"decision"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return ""
		}
	}
	return body.Decision
}

// PendingApprovals reports outstanding approval requests, for diagnostics.
func (o *AnalyticsObserver) PendingApprovals() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.pending)
}
