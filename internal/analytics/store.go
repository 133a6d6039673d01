// Package analytics persists an append-only log of observed RPC traffic
// plus the daily counters and meta tables derived from it.
package analytics

import (
	"database/sql"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/codex-hub/codex-hub/internal/timeutil"
)

// Event is one row of the append-only traffic log.
type Event struct {
	OccurredAt int64
	ProfileID  string
	EventType  string
	ThreadID   string
	TurnID     string
	ItemID     string
	Model      string
	Status     string
	Payload    string // raw JSON, opaque
}

// DailyPoint is one day of one metric series.
type DailyPoint struct {
	DateKey string `json:"date"`
	Count   int64  `json:"count"`
}

// Approval is one recorded approval round-trip.
type Approval struct {
	ProfileID    string
	RequestID    int64
	ApprovalType string
	Method       string
	ThreadID     string
	ItemID       string
	RequestedAt  int64
	DecidedAt    int64
	Decision     string
}

// Store owns the analytics database.
type Store struct {
	mu      sync.Mutex
	db      *sql.DB
	entropy *ulid.MonotonicEntropy
}

// NewStore opens (or creates) the analytics database with WAL journaling.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open analytics database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:      db,
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("analytics store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS analytics_events (
		id TEXT PRIMARY KEY,
		occurred_at INTEGER NOT NULL,
		date_key TEXT NOT NULL,
		profile_id TEXT NOT NULL DEFAULT '',
		event_type TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		turn_id TEXT NOT NULL DEFAULT '',
		item_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_events_date ON analytics_events(date_key);
	CREATE INDEX IF NOT EXISTS idx_events_type ON analytics_events(event_type);
	CREATE INDEX IF NOT EXISTS idx_events_thread ON analytics_events(thread_id) WHERE thread_id != '';

	CREATE TABLE IF NOT EXISTS analytics_daily (
		date_key TEXT NOT NULL,
		metric TEXT NOT NULL,
		profile_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(date_key, metric, profile_id, model)
	);

	CREATE TABLE IF NOT EXISTS analytics_thread_meta (
		thread_id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS analytics_turn_meta (
		turn_id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL DEFAULT '',
		profile_id TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS analytics_token_usage (
		id TEXT PRIMARY KEY,
		occurred_at INTEGER NOT NULL,
		date_key TEXT NOT NULL,
		profile_id TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		turn_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS analytics_approvals (
		profile_id TEXT NOT NULL,
		request_id INTEGER NOT NULL,
		approval_type TEXT NOT NULL DEFAULT '',
		method TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		item_id TEXT NOT NULL DEFAULT '',
		requested_at INTEGER NOT NULL DEFAULT 0,
		decided_at INTEGER NOT NULL DEFAULT 0,
		decision TEXT NOT NULL DEFAULT '',
		PRIMARY KEY(profile_id, request_id)
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create analytics schema: %w", err)
	}
	return nil
}

func (s *Store) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// InsertEvent appends one traffic row.
func (s *Store) InsertEvent(ev Event) error {
	if ev.OccurredAt == 0 {
		ev.OccurredAt = timeutil.NowMillis()
	}
	id := s.newID()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO analytics_events (id, occurred_at, date_key, profile_id, event_type,
			thread_id, turn_id, item_id, model, status, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, ev.OccurredAt, timeutil.DateKey(ev.OccurredAt), ev.ProfileID, ev.EventType,
		ev.ThreadID, ev.TurnID, ev.ItemID, ev.Model, ev.Status, ev.Payload,
	)
	if err != nil {
		return fmt.Errorf("insert analytics event: %w", err)
	}
	return nil
}

// IncrementDaily bumps one (date, metric, profile, model) counter. The
// upsert is a single statement, so concurrent increments never lose a row.
func (s *Store) IncrementDaily(metric, profileID, model, dateKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO analytics_daily (date_key, metric, profile_id, model, count)
		VALUES (?, ?, ?, ?, 1)
		ON CONFLICT(date_key, metric, profile_id, model) DO UPDATE SET count = count + 1`,
		dateKey, metric, profileID, model,
	)
	if err != nil {
		return fmt.Errorf("increment %s on %s: %w", metric, dateKey, err)
	}
	return nil
}

// DailyCount reads one counter; missing rows are zero.
func (s *Store) DailyCount(metric, profileID, model, dateKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	err := s.db.QueryRow(`
		SELECT count FROM analytics_daily
		WHERE date_key = ? AND metric = ? AND profile_id = ? AND model = ?`,
		dateKey, metric, profileID, model,
	).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read daily count: %w", err)
	}
	return count, nil
}

// DailySeries returns the last `days` days of a metric in date order,
// zero-filling gaps. Empty profileID/model aggregate across all values.
func (s *Store) DailySeries(metric, profileID, model string, days int) ([]DailyPoint, error) {
	if days <= 0 {
		days = 365
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -(days - 1))
	startKey := start.Format("2006-01-02")

	query := `
		SELECT date_key, SUM(count) FROM analytics_daily
		WHERE metric = ? AND date_key >= ?`
	args := []any{metric, startKey}
	if profileID != "" {
		query += ` AND profile_id = ?`
		args = append(args, profileID)
	}
	if model != "" {
		query += ` AND model = ?`
		args = append(args, model)
	}
	query += ` GROUP BY date_key`

	s.mu.Lock()
	rows, err := s.db.Query(query, args...)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("query daily series: %w", err)
	}
	counts := make(map[string]int64, days)
	for rows.Next() {
		var key string
		var count int64
		if err := rows.Scan(&key, &count); err != nil {
			rows.Close()
			s.mu.Unlock()
			return nil, fmt.Errorf("scan daily row: %w", err)
		}
		counts[key] = count
	}
	err = rows.Err()
	rows.Close()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	series := make([]DailyPoint, 0, days)
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		key := day.Format("2006-01-02")
		series = append(series, DailyPoint{DateKey: key, Count: counts[key]})
	}
	return series, nil
}

// UpsertThreadMeta records (or refreshes) per-thread metadata.
func (s *Store) UpsertThreadMeta(threadID, profileID, model string, createdAt int64) error {
	if threadID == "" {
		return nil
	}
	createdAt = timeutil.NormalizeMillis(createdAt)
	now := timeutil.NowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO analytics_thread_meta (thread_id, profile_id, model, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			profile_id = CASE WHEN excluded.profile_id != '' THEN excluded.profile_id ELSE analytics_thread_meta.profile_id END,
			model      = CASE WHEN excluded.model != '' THEN excluded.model ELSE analytics_thread_meta.model END,
			created_at = CASE WHEN analytics_thread_meta.created_at != 0 THEN analytics_thread_meta.created_at ELSE excluded.created_at END,
			updated_at = excluded.updated_at`,
		threadID, profileID, model, createdAt, now,
	)
	if err != nil {
		return fmt.Errorf("upsert thread meta %s: %w", threadID, err)
	}
	return nil
}

// TurnMeta is one turn's lifecycle record.
type TurnMeta struct {
	TurnID      string
	ThreadID    string
	ProfileID   string
	Model       string
	StartedAt   int64
	CompletedAt int64
	Status      string
}

// UpsertTurnMeta records (or refreshes) per-turn metadata.
func (s *Store) UpsertTurnMeta(m TurnMeta) error {
	if m.TurnID == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO analytics_turn_meta (turn_id, thread_id, profile_id, model, started_at, completed_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(turn_id) DO UPDATE SET
			thread_id    = CASE WHEN excluded.thread_id != '' THEN excluded.thread_id ELSE analytics_turn_meta.thread_id END,
			profile_id   = CASE WHEN excluded.profile_id != '' THEN excluded.profile_id ELSE analytics_turn_meta.profile_id END,
			model        = CASE WHEN excluded.model != '' THEN excluded.model ELSE analytics_turn_meta.model END,
			started_at   = CASE WHEN analytics_turn_meta.started_at != 0 THEN analytics_turn_meta.started_at ELSE excluded.started_at END,
			completed_at = CASE WHEN excluded.completed_at != 0 THEN excluded.completed_at ELSE analytics_turn_meta.completed_at END,
			status       = CASE WHEN excluded.status != '' THEN excluded.status ELSE analytics_turn_meta.status END`,
		m.TurnID, m.ThreadID, m.ProfileID, m.Model, m.StartedAt, m.CompletedAt, m.Status,
	)
	if err != nil {
		return fmt.Errorf("upsert turn meta %s: %w", m.TurnID, err)
	}
	return nil
}

// AppendTokenUsage records one token-usage notification payload.
func (s *Store) AppendTokenUsage(profileID, threadID, turnID, payload string) error {
	now := timeutil.NowMillis()
	id := s.newID()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO analytics_token_usage (id, occurred_at, date_key, profile_id, thread_id, turn_id, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, now, timeutil.DateKey(now), profileID, threadID, turnID, payload,
	)
	if err != nil {
		return fmt.Errorf("append token usage: %w", err)
	}
	return nil
}

// RecordApprovalRequest registers a pending approval by its request id.
func (s *Store) RecordApprovalRequest(a Approval) error {
	if a.RequestedAt == 0 {
		a.RequestedAt = timeutil.NowMillis()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO analytics_approvals (profile_id, request_id, approval_type, method, thread_id, item_id, requested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id, request_id) DO UPDATE SET
			approval_type = excluded.approval_type,
			method        = excluded.method,
			thread_id     = excluded.thread_id,
			item_id       = excluded.item_id,
			requested_at  = excluded.requested_at`,
		a.ProfileID, a.RequestID, a.ApprovalType, a.Method, a.ThreadID, a.ItemID, a.RequestedAt,
	)
	if err != nil {
		return fmt.Errorf("record approval request %d: %w", a.RequestID, err)
	}
	return nil
}

// RecordApprovalDecision completes a pending approval.
func (s *Store) RecordApprovalDecision(profileID string, requestID int64, decision string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE analytics_approvals SET decision = ?, decided_at = ?
		WHERE profile_id = ? AND request_id = ?`,
		decision, timeutil.NowMillis(), profileID, requestID,
	)
	if err != nil {
		return fmt.Errorf("record approval decision %d: %w", requestID, err)
	}
	return nil
}

// GetApproval fetches one approval row.
func (s *Store) GetApproval(profileID string, requestID int64) (Approval, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var a Approval
	err := s.db.QueryRow(`
		SELECT profile_id, request_id, approval_type, method, thread_id, item_id, requested_at, decided_at, decision
		FROM analytics_approvals WHERE profile_id = ? AND request_id = ?`,
		profileID, requestID,
	).Scan(&a.ProfileID, &a.RequestID, &a.ApprovalType, &a.Method, &a.ThreadID, &a.ItemID, &a.RequestedAt, &a.DecidedAt, &a.Decision)
	if err != nil {
		return Approval{}, fmt.Errorf("get approval %d: %w", requestID, err)
	}
	return a, nil
}

// EventCount reports rows in the traffic log, optionally filtered by type.
func (s *Store) EventCount(eventType string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT COUNT(*) FROM analytics_events`
	args := []any{}
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, eventType)
	}
	var count int64
	if err := s.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count analytics events: %w", err)
	}
	return count, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
