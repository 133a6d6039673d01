// Package activity tracks which threads currently have a turn in
// progress, per profile. The map is in-process only; after a restart it
// repopulates from live traffic.
package activity

import (
	"sort"
	"sync"

	"github.com/codex-hub/codex-hub/internal/timeutil"
)

// Thread is one in-progress thread.
type Thread struct {
	ProfileID string `json:"profileId"`
	ThreadID  string `json:"threadId"`
	TurnID    string `json:"turnId,omitempty"`
	StartedAt int64  `json:"startedAt"`
}

// Tracker is the profile-scoped activity map.
type Tracker struct {
	mu       sync.RWMutex
	profiles map[string]map[string]Thread
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{profiles: make(map[string]map[string]Thread)}
}

// MarkStarted records a thread as in progress. An existing entry keeps its
// startedAt; an empty turnID falls back to the existing one.
func (t *Tracker) MarkStarted(profileID, threadID, turnID string) {
	if profileID == "" || threadID == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	threads, ok := t.profiles[profileID]
	if !ok {
		threads = make(map[string]Thread)
		t.profiles[profileID] = threads
	}

	entry, exists := threads[threadID]
	if !exists {
		entry = Thread{ProfileID: profileID, ThreadID: threadID, StartedAt: timeutil.NowMillis()}
	}
	if turnID != "" {
		entry.TurnID = turnID
	}
	threads[threadID] = entry
}

// MarkCompleted removes a thread; unknown threads are tolerated. An empty
// profile map is dropped entirely.
func (t *Tracker) MarkCompleted(profileID, threadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	threads, ok := t.profiles[profileID]
	if !ok {
		return
	}
	delete(threads, threadID)
	if len(threads) == 0 {
		delete(t.profiles, profileID)
	}
}

// ClearProfile drops every entry for a profile. Called on stop and exit.
func (t *Tracker) ClearProfile(profileID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.profiles, profileID)
}

// List snapshots all in-progress threads ordered by start time.
func (t *Tracker) List() []Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Thread
	for _, threads := range t.profiles {
		for _, entry := range threads {
			out = append(out, entry)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt != out[j].StartedAt {
			return out[i].StartedAt < out[j].StartedAt
		}
		return out[i].ThreadID < out[j].ThreadID
	})
	return out
}

// ListProfile snapshots one profile's in-progress threads.
func (t *Tracker) ListProfile(profileID string) []Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []Thread
	for _, entry := range t.profiles[profileID] {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ThreadID < out[j].ThreadID })
	return out
}
