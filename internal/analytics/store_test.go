package analytics

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "analytics.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func today() string {
	return time.Now().UTC().Format("2006-01-02")
}

func TestIncrementDailyExactCount(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 7; i++ {
		require.NoError(t, s.IncrementDaily("turns_started", "default", "gpt-5", today()))
	}

	count, err := s.DailyCount("turns_started", "default", "gpt-5", today())
	require.NoError(t, err)
	assert.Equal(t, int64(7), count)
}

func TestIncrementDailyConcurrent(t *testing.T) {
	s := newTestStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.IncrementDaily("items_commandExecution", "default", "", today())
		}()
	}
	wg.Wait()

	count, err := s.DailyCount("items_commandExecution", "default", "", today())
	require.NoError(t, err)
	assert.Equal(t, int64(20), count)
}

func TestDailyCountMissingRowIsZero(t *testing.T) {
	s := newTestStore(t)

	count, err := s.DailyCount("never_incremented", "default", "", today())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestDailyCountDimensionsAreIndependent(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.IncrementDaily("turns_started", "default", "gpt-5", today()))
	require.NoError(t, s.IncrementDaily("turns_started", "default", "o3", today()))
	require.NoError(t, s.IncrementDaily("turns_started", "work", "gpt-5", today()))

	count, err := s.DailyCount("turns_started", "default", "gpt-5", today())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDailySeriesZeroFillsAndOrders(t *testing.T) {
	s := newTestStore(t)

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	require.NoError(t, s.IncrementDaily("threads_started", "default", "", yesterday))
	require.NoError(t, s.IncrementDaily("threads_started", "default", "", today()))
	require.NoError(t, s.IncrementDaily("threads_started", "default", "", today()))

	series, err := s.DailySeries("threads_started", "", "", 7)
	require.NoError(t, err)
	require.Len(t, series, 7)

	// Date-ordered, gaps zero-filled, last two days carry the counts.
	for i := 1; i < len(series); i++ {
		assert.Less(t, series[i-1].DateKey, series[i].DateKey)
	}
	assert.Equal(t, int64(0), series[0].Count)
	assert.Equal(t, int64(1), series[5].Count)
	assert.Equal(t, int64(2), series[6].Count)
}

func TestDailySeriesAggregatesAcrossDimensions(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.IncrementDaily("turns_started", "default", "gpt-5", today()))
	require.NoError(t, s.IncrementDaily("turns_started", "work", "o3", today()))

	series, err := s.DailySeries("turns_started", "", "", 1)
	require.NoError(t, err)
	require.Len(t, series, 1)
	assert.Equal(t, int64(2), series[0].Count)

	filtered, err := s.DailySeries("turns_started", "work", "", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), filtered[0].Count)
}

func TestInsertEventAndCount(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.InsertEvent(Event{
		ProfileID: "default",
		EventType: "rpc.event:turn/started",
		ThreadID:  "t1",
		TurnID:    "turn-1",
		Model:     "gpt-5",
		Payload:   `{"threadId":"t1"}`,
	}))
	require.NoError(t, s.InsertEvent(Event{
		ProfileID: "default",
		EventType: "rpc.event:turn/completed",
		ThreadID:  "t1",
	}))

	total, err := s.EventCount("")
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)

	started, err := s.EventCount("rpc.event:turn/started")
	require.NoError(t, err)
	assert.Equal(t, int64(1), started)
}

func TestUpsertThreadMetaPreservesCreatedAt(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertThreadMeta("t1", "default", "gpt-5", 1700000000000))
	// A later sighting without model or createdAt keeps both.
	require.NoError(t, s.UpsertThreadMeta("t1", "default", "", 0))

	var model string
	var createdAt int64
	err := s.db.QueryRow(`SELECT model, created_at FROM analytics_thread_meta WHERE thread_id = ?`, "t1").
		Scan(&model, &createdAt)
	require.NoError(t, err)
	assert.Equal(t, "gpt-5", model)
	assert.Equal(t, int64(1700000000000), createdAt)
}

func TestUpsertThreadMetaNormalizesSeconds(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertThreadMeta("t1", "default", "", 1700000000))

	var createdAt int64
	err := s.db.QueryRow(`SELECT created_at FROM analytics_thread_meta WHERE thread_id = ?`, "t1").
		Scan(&createdAt)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000000), createdAt)
}

func TestUpsertTurnMetaMergesLifecycle(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.UpsertTurnMeta(TurnMeta{
		TurnID: "turn-1", ThreadID: "t1", ProfileID: "default", Model: "gpt-5", StartedAt: 1000,
	}))
	require.NoError(t, s.UpsertTurnMeta(TurnMeta{
		TurnID: "turn-1", CompletedAt: 2000, Status: "completed",
	}))

	var threadID, status string
	var startedAt, completedAt int64
	err := s.db.QueryRow(`
		SELECT thread_id, status, started_at, completed_at
		FROM analytics_turn_meta WHERE turn_id = ?`, "turn-1",
	).Scan(&threadID, &status, &startedAt, &completedAt)
	require.NoError(t, err)
	assert.Equal(t, "t1", threadID)
	assert.Equal(t, "completed", status)
	assert.Equal(t, int64(1000), startedAt)
	assert.Equal(t, int64(2000), completedAt)
}

func TestApprovalRoundTrip(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordApprovalRequest(Approval{
		ProfileID:    "default",
		RequestID:    42,
		ApprovalType: "command",
		Method:       "item/commandExecution/requestApproval",
		ThreadID:     "t1",
		ItemID:       "i1",
	}))
	require.NoError(t, s.RecordApprovalDecision("default", 42, "approved"))

	a, err := s.GetApproval("default", 42)
	require.NoError(t, err)
	assert.Equal(t, "command", a.ApprovalType)
	assert.Equal(t, "approved", a.Decision)
	assert.NotZero(t, a.RequestedAt)
	assert.NotZero(t, a.DecidedAt)
}

func TestApprovalRequestIDsScopedByProfile(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.RecordApprovalRequest(Approval{ProfileID: "default", RequestID: 1, ApprovalType: "command"}))
	require.NoError(t, s.RecordApprovalRequest(Approval{ProfileID: "work", RequestID: 1, ApprovalType: "fileChange"}))
	require.NoError(t, s.RecordApprovalDecision("work", 1, "denied"))

	a, err := s.GetApproval("default", 1)
	require.NoError(t, err)
	assert.Empty(t, a.Decision)

	b, err := s.GetApproval("work", 1)
	require.NoError(t, err)
	assert.Equal(t, "denied", b.Decision)
}

func TestAppendTokenUsage(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AppendTokenUsage("default", "t1", "turn-1", `{"input":120,"output":45}`))
	require.NoError(t, s.AppendTokenUsage("default", "t1", "turn-2", `{"input":300,"output":90}`))

	var count int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM analytics_token_usage WHERE thread_id = ?`, "t1").Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}
