package observers

import (
	"fmt"

	"github.com/codex-hub/codex-hub/internal/threadindex"
)

// ThreadIndexObserver mirrors every thread seen in traffic into the
// searchable index. List and start/resume responses carry full rows;
// thread/started events and archive requests patch individual threads.
type ThreadIndexObserver struct {
	store *threadindex.Store
}

// NewThreadIndexObserver wraps a thread index store.
func NewThreadIndexObserver(store *threadindex.Store) *ThreadIndexObserver {
	return &ThreadIndexObserver{store: store}
}

// Name implements Observer.
func (o *ThreadIndexObserver) Name() string { return "threadindex" }

// Handle implements Observer.
func (o *ThreadIndexObserver) Handle(tr Traffic) error {
	switch tr.Kind {
	case KindEvent:
		if tr.Method == "thread/started" {
			return o.upsertAll(tr.ProfileID, parsePayload(tr.Params))
		}
	case KindRequest:
		if tr.Method == "thread/archive" {
			p := parsePayload(tr.Params)
			if id := p.threadID(); id != "" {
				if err := o.store.Archive(id); err != nil {
					return fmt.Errorf("archive thread %s: %w", id, err)
				}
			}
		}
	case KindResponse:
		switch tr.Method {
		case "thread/list", "thread/start", "thread/resume":
			return o.upsertAll(tr.ProfileID, parsePayload(tr.Result))
		}
	}
	return nil
}

func (o *ThreadIndexObserver) upsertAll(profileID string, p payload) error {
	rows := p.threadRows()
	if len(rows) == 0 {
		// A bare threadId still indexes a skeleton row.
		if id := p.threadID(); id != "" {
			return o.store.Upsert(threadindex.Thread{ThreadID: id, ProfileID: profileID})
		}
		return nil
	}
	for _, row := range rows {
		if row.ID == "" {
			continue
		}
		if err := o.store.Upsert(indexRow(profileID, row)); err != nil {
			return fmt.Errorf("index thread %s: %w", row.ID, err)
		}
	}
	return nil
}
