package observers

import (
	"encoding/json"

	"github.com/codex-hub/codex-hub/internal/threadindex"
	"github.com/codex-hub/codex-hub/internal/timeutil"
)

// payload is the loose shape shared by app-server params and results. Only
// the fields the observers care about are mapped; everything else stays in
// the raw bytes.
type payload struct {
	ThreadID string          `json:"threadId"`
	TurnID   string          `json:"turnId"`
	ItemID   string          `json:"itemId"`
	Model    string          `json:"model"`
	Status   string          `json:"status"`
	Type     string          `json:"type"`
	Thread   *threadPayload  `json:"thread"`
	Turn     *turnPayload    `json:"turn"`
	Item     *itemPayload    `json:"item"`
	Threads  []threadPayload `json:"threads"`
	Data     []threadPayload `json:"data"`
}

type threadPayload struct {
	ID            string        `json:"id"`
	Preview       string        `json:"preview"`
	ModelProvider string        `json:"modelProvider"`
	Model         string        `json:"model"`
	CreatedAt     int64         `json:"createdAt"`
	Path          string        `json:"path"`
	Cwd           string        `json:"cwd"`
	Source        string        `json:"source"`
	CLIVersion    string        `json:"cliVersion"`
	Status        string        `json:"status"`
	Turns         []turnPayload `json:"turns"`
}

type turnPayload struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Model  string `json:"model"`
}

type itemPayload struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Label  string          `json:"label"`
	Model  string          `json:"model"`
	Cwd    string          `json:"cwd"`
	Review json.RawMessage `json:"review"`
}

// parsePayload decodes raw bytes leniently; malformed input yields the
// zero value rather than an error, since observers must never reject a
// frame the child accepted.
func parsePayload(raw json.RawMessage) payload {
	var p payload
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &p)
	}
	return p
}

func (p payload) threadID() string {
	if p.ThreadID != "" {
		return p.ThreadID
	}
	if p.Thread != nil {
		return p.Thread.ID
	}
	return ""
}

func (p payload) turnID() string {
	if p.Turn != nil && p.Turn.ID != "" {
		return p.Turn.ID
	}
	return p.TurnID
}

func (p payload) itemID() string {
	if p.Item != nil && p.Item.ID != "" {
		return p.Item.ID
	}
	return p.ItemID
}

func (p payload) model() string {
	if p.Model != "" {
		return p.Model
	}
	if p.Turn != nil && p.Turn.Model != "" {
		return p.Turn.Model
	}
	if p.Thread != nil {
		if p.Thread.Model != "" {
			return p.Thread.Model
		}
		return p.Thread.ModelProvider
	}
	return ""
}

func (p payload) status() string {
	if p.Turn != nil && p.Turn.Status != "" {
		return p.Turn.Status
	}
	return p.Status
}

func (p payload) itemType() string {
	if p.Item != nil && p.Item.Type != "" {
		return p.Item.Type
	}
	return p.Type
}

// threadRows returns every thread object present in the payload,
// whichever envelope field the server used.
func (p payload) threadRows() []threadPayload {
	if p.Thread != nil {
		return []threadPayload{*p.Thread}
	}
	if len(p.Threads) > 0 {
		return p.Threads
	}
	return p.Data
}

// indexRow converts one thread object into an index row. A createdAt in
// seconds is normalized to milliseconds.
func indexRow(profileID string, t threadPayload) threadindex.Thread {
	return threadindex.Thread{
		ThreadID:      t.ID,
		ProfileID:     profileID,
		Preview:       t.Preview,
		ModelProvider: t.ModelProvider,
		CreatedAt:     timeutil.NormalizeMillis(t.CreatedAt),
		Path:          t.Path,
		Cwd:           t.Cwd,
		Source:        t.Source,
		CLIVersion:    t.CLIVersion,
		Status:        t.Status,
	}
}
