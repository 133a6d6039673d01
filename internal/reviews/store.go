// Package reviews persists in-IDE code-review sessions inferred from
// enteredReviewMode / exitedReviewMode items in app-server traffic.
package reviews

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/codex-hub/codex-hub/internal/timeutil"
)

// Session states. Transitions only advance; completed is terminal.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Session is one review session.
type Session struct {
	ID          string `json:"id"`
	ThreadID    string `json:"threadId"`
	ProfileID   string `json:"profileId"`
	ItemID      string `json:"itemId,omitempty"`
	Label       string `json:"label,omitempty"`
	Status      string `json:"status"`
	StartedAt   int64  `json:"startedAt"`
	CompletedAt int64  `json:"completedAt,omitempty"`
	Model       string `json:"model,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	Review      string `json:"review,omitempty"` // raw JSON payload of the result
}

// ListParams filter List.
type ListParams struct {
	ProfileID string
	Limit     int
	Offset    int
}

// Store owns the reviews database.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewStore opens (or creates) the reviews database with WAL journaling.
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
		return nil, fmt.Errorf("open reviews database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("review session store initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS review_sessions (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL DEFAULT '',
		profile_id TEXT NOT NULL DEFAULT '',
		item_id TEXT NOT NULL DEFAULT '',
		label TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		started_at INTEGER NOT NULL DEFAULT 0,
		completed_at INTEGER NOT NULL DEFAULT 0,
		model TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		review TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_reviews_profile ON review_sessions(profile_id);
	CREATE INDEX IF NOT EXISTS idx_reviews_thread ON review_sessions(thread_id);
	CREATE INDEX IF NOT EXISTS idx_reviews_started ON review_sessions(started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create reviews schema: %w", err)
	}
	return nil
}

// Upsert records a session start. An existing completed row is never
// downgraded back to running.
func (s *Store) Upsert(sess Session) error {
	if sess.ID == "" {
		return fmt.Errorf("session id is required")
	}
	if sess.Status == "" {
		sess.Status = StatusRunning
	}
	if sess.StartedAt == 0 {
		sess.StartedAt = timeutil.NowMillis()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO review_sessions (id, thread_id, profile_id, item_id, label, status, started_at, model, cwd)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			thread_id  = CASE WHEN excluded.thread_id != '' THEN excluded.thread_id ELSE review_sessions.thread_id END,
			profile_id = CASE WHEN excluded.profile_id != '' THEN excluded.profile_id ELSE review_sessions.profile_id END,
			item_id    = CASE WHEN excluded.item_id != '' THEN excluded.item_id ELSE review_sessions.item_id END,
			label      = CASE WHEN excluded.label != '' THEN excluded.label ELSE review_sessions.label END,
			status     = CASE WHEN review_sessions.status = 'completed' THEN review_sessions.status ELSE excluded.status END,
			model      = CASE WHEN excluded.model != '' THEN excluded.model ELSE review_sessions.model END,
			cwd        = CASE WHEN excluded.cwd != '' THEN excluded.cwd ELSE review_sessions.cwd END`,
		sess.ID, sess.ThreadID, sess.ProfileID, sess.ItemID, sess.Label, sess.Status, sess.StartedAt, sess.Model, sess.Cwd,
	)
	if err != nil {
		return fmt.Errorf("upsert review session %s: %w", sess.ID, err)
	}
	return nil
}

// Complete advances a session to completed (or failed). The primary lookup
// is by id; when that misses, any running session for (threadID, itemID)
// is completed instead, so a started/completed pair that derived different
// ids cannot leak a running row. Completed rows are never touched again.
func (s *Store) Complete(id, threadID, itemID, status, review string) error {
	if status == "" {
		status = StatusCompleted
	}
	now := timeutil.NowMillis()

	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		UPDATE review_sessions SET status = ?, completed_at = ?, review = ?
		WHERE id = ? AND status != 'completed'`,
		status, now, review, id,
	)
	if err != nil {
		return fmt.Errorf("complete review session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	if threadID == "" {
		return nil
	}
	_, err = s.db.Exec(`
		UPDATE review_sessions SET status = ?, completed_at = ?, review = ?
		WHERE thread_id = ? AND (item_id = ? OR ? = '') AND status = 'running'`,
		status, now, review, threadID, itemID, itemID,
	)
	if err != nil {
		return fmt.Errorf("complete review session by thread %s: %w", threadID, err)
	}
	return nil
}

// Get fetches one session by id.
func (s *Store) Get(id string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess Session
	err := s.db.QueryRow(`
		SELECT id, thread_id, profile_id, item_id, label, status, started_at, completed_at, model, cwd, review
		FROM review_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.ThreadID, &sess.ProfileID, &sess.ItemID, &sess.Label, &sess.Status,
		&sess.StartedAt, &sess.CompletedAt, &sess.Model, &sess.Cwd, &sess.Review)
	if err != nil {
		return Session{}, fmt.Errorf("get review session %s: %w", id, err)
	}
	return sess, nil
}

// List returns sessions newest first. Limit is clamped to [1,200] with a
// default of 100.
func (s *Store) List(p ListParams) ([]Session, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 200 {
		limit = 200
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT id, thread_id, profile_id, item_id, label, status, started_at, completed_at, model, cwd, review
		FROM review_sessions`
	args := []any{}
	if p.ProfileID != "" {
		query += ` WHERE profile_id = ?`
		args = append(args, p.ProfileID)
	}
	query += ` ORDER BY started_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list review sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.ThreadID, &sess.ProfileID, &sess.ItemID, &sess.Label, &sess.Status,
			&sess.StartedAt, &sess.CompletedAt, &sess.Model, &sess.Cwd, &sess.Review); err != nil {
			return nil, fmt.Errorf("scan review session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *Store) Close() error {
	err := s.db.Close()
	if err != nil {
		log.Error().Err(err).Msg("failed to close reviews database")
	}
	return err
}
