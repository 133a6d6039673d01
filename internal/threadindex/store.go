// Package threadindex maintains the SQLite-backed index of every thread
// seen in app-server traffic, with full-text search over preview, path,
// cwd, model provider, and profile.
package threadindex

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/codex-hub/codex-hub/internal/timeutil"
)

// StatusActive and StatusArchived are the two thread states.
const (
	StatusActive   = "active"
	StatusArchived = "archived"
)

// Thread is one indexed row.
type Thread struct {
	ThreadID      string `json:"threadId"`
	ProfileID     string `json:"profileId"`
	Preview       string `json:"preview"`
	ModelProvider string `json:"modelProvider"`
	CreatedAt     int64  `json:"createdAt"`
	Path          string `json:"path"`
	Cwd           string `json:"cwd"`
	Source        string `json:"source"`
	CLIVersion    string `json:"cliVersion"`
	Status        string `json:"status"`
	ArchivedAt    int64  `json:"archivedAt,omitempty"`
	LastSeenAt    int64  `json:"lastSeenAt"`
}

// SearchParams filter the index. A non-empty Query joins the FTS table.
type SearchParams struct {
	Query         string
	ProfileID     string
	Model         string
	Status        string
	CreatedAfter  int64
	CreatedBefore int64
	Limit         int
	Offset        int
}

// Store owns the threads database.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// NewStore opens (or creates) the index at dbPath with WAL journaling.
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
		return nil, fmt.Errorf("open threads database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().Str("path", dbPath).Msg("thread index initialized")
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		thread_id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL DEFAULT '',
		preview TEXT NOT NULL DEFAULT '',
		model_provider TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL DEFAULT 0,
		path TEXT NOT NULL DEFAULT '',
		cwd TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL DEFAULT '',
		cli_version TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		archived_at INTEGER NOT NULL DEFAULT 0,
		last_seen_at INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_threads_profile ON threads(profile_id);
	CREATE INDEX IF NOT EXISTS idx_threads_created ON threads(created_at);
	CREATE INDEX IF NOT EXISTS idx_threads_status ON threads(status);

	CREATE VIRTUAL TABLE IF NOT EXISTS threads_fts USING fts5(
		thread_id, preview, path, cwd, model_provider, profile_id
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create threads schema: %w", err)
	}
	return nil
}

// Upsert writes (or refreshes) a thread row and rewrites its FTS mirror.
// Incoming empty fields leave existing values in place; createdAt is
// normalized to milliseconds and preserved once set.
func (s *Store) Upsert(t Thread) error {
	if strings.TrimSpace(t.ThreadID) == "" {
		return fmt.Errorf("thread id is required")
	}
	t.CreatedAt = timeutil.NormalizeMillis(t.CreatedAt)
	if t.LastSeenAt == 0 {
		t.LastSeenAt = timeutil.NowMillis()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback()

	// An empty incoming status carries no opinion: new rows default to
	// active, existing rows keep theirs (an archived thread must not be
	// revived by a sparse sighting).
	_, err = tx.Exec(`
		INSERT INTO threads (thread_id, profile_id, preview, model_provider, created_at,
			path, cwd, source, cli_version, status, archived_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, CASE WHEN ? != '' THEN ? ELSE 'active' END, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			profile_id     = CASE WHEN excluded.profile_id != '' THEN excluded.profile_id ELSE threads.profile_id END,
			preview        = CASE WHEN excluded.preview != '' THEN excluded.preview ELSE threads.preview END,
			model_provider = CASE WHEN excluded.model_provider != '' THEN excluded.model_provider ELSE threads.model_provider END,
			created_at     = CASE WHEN threads.created_at != 0 THEN threads.created_at ELSE excluded.created_at END,
			path           = CASE WHEN excluded.path != '' THEN excluded.path ELSE threads.path END,
			cwd            = CASE WHEN excluded.cwd != '' THEN excluded.cwd ELSE threads.cwd END,
			source         = CASE WHEN excluded.source != '' THEN excluded.source ELSE threads.source END,
			cli_version    = CASE WHEN excluded.cli_version != '' THEN excluded.cli_version ELSE threads.cli_version END,
			status         = CASE WHEN ? != '' THEN ? ELSE threads.status END,
			archived_at    = CASE WHEN excluded.archived_at != 0 THEN excluded.archived_at ELSE threads.archived_at END,
			last_seen_at   = excluded.last_seen_at`,
		t.ThreadID, t.ProfileID, t.Preview, t.ModelProvider, t.CreatedAt,
		t.Path, t.Cwd, t.Source, t.CLIVersion, t.Status, t.Status, t.ArchivedAt, t.LastSeenAt,
		t.Status, t.Status,
	)
	if err != nil {
		return fmt.Errorf("upsert thread %s: %w", t.ThreadID, err)
	}

	// Keep the FTS mirror in sync: delete-then-insert from the merged row.
	var merged Thread
	err = tx.QueryRow(`SELECT preview, path, cwd, model_provider, profile_id FROM threads WHERE thread_id = ?`, t.ThreadID).
		Scan(&merged.Preview, &merged.Path, &merged.Cwd, &merged.ModelProvider, &merged.ProfileID)
	if err != nil {
		return fmt.Errorf("read merged thread %s: %w", t.ThreadID, err)
	}
	if _, err := tx.Exec(`DELETE FROM threads_fts WHERE thread_id = ?`, t.ThreadID); err != nil {
		return fmt.Errorf("clear fts row %s: %w", t.ThreadID, err)
	}
	if _, err := tx.Exec(`
		INSERT INTO threads_fts (thread_id, preview, path, cwd, model_provider, profile_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		t.ThreadID, merged.Preview, merged.Path, merged.Cwd, merged.ModelProvider, merged.ProfileID,
	); err != nil {
		return fmt.Errorf("write fts row %s: %w", t.ThreadID, err)
	}

	return tx.Commit()
}

// Archive marks a thread archived with the current timestamp.
func (s *Store) Archive(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE threads SET status = ?, archived_at = ? WHERE thread_id = ?`,
		StatusArchived, timeutil.NowMillis(), threadID,
	)
	if err != nil {
		return fmt.Errorf("archive thread %s: %w", threadID, err)
	}
	return nil
}

// Get fetches one row by thread id.
func (s *Store) Get(threadID string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRow(`
		SELECT thread_id, profile_id, preview, model_provider, created_at,
			path, cwd, source, cli_version, status, archived_at, last_seen_at
		FROM threads WHERE thread_id = ?`, threadID)

	var t Thread
	err := row.Scan(&t.ThreadID, &t.ProfileID, &t.Preview, &t.ModelProvider, &t.CreatedAt,
		&t.Path, &t.Cwd, &t.Source, &t.CLIVersion, &t.Status, &t.ArchivedAt, &t.LastSeenAt)
	if err != nil {
		return Thread{}, fmt.Errorf("get thread %s: %w", threadID, err)
	}
	return t, nil
}

// Search filters the index; a non-empty query joins the FTS table with
// MATCH. Results are ordered created_at DESC.
func (s *Store) Search(p SearchParams) ([]Thread, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT t.thread_id, t.profile_id, t.preview, t.model_provider, t.created_at,
			t.path, t.cwd, t.source, t.cli_version, t.status, t.archived_at, t.last_seen_at
		FROM threads t`
	args := []any{}

	if match := ftsMatchExpr(p.Query); match != "" {
		query += ` JOIN threads_fts ON threads_fts.thread_id = t.thread_id WHERE threads_fts MATCH ?`
		args = append(args, match)
	} else {
		query += ` WHERE 1=1`
	}

	if p.ProfileID != "" {
		query += ` AND t.profile_id = ?`
		args = append(args, p.ProfileID)
	}
	if p.Model != "" {
		query += ` AND t.model_provider = ?`
		args = append(args, p.Model)
	}
	if p.Status != "" {
		query += ` AND t.status = ?`
		args = append(args, p.Status)
	}
	if p.CreatedAfter > 0 {
		query += ` AND t.created_at >= ?`
		args = append(args, timeutil.NormalizeMillis(p.CreatedAfter))
	}
	if p.CreatedBefore > 0 {
		query += ` AND t.created_at <= ?`
		args = append(args, timeutil.NormalizeMillis(p.CreatedBefore))
	}

	query += ` ORDER BY t.created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("search threads: %w", err)
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		var t Thread
		if err := rows.Scan(&t.ThreadID, &t.ProfileID, &t.Preview, &t.ModelProvider, &t.CreatedAt,
			&t.Path, &t.Cwd, &t.Source, &t.CLIVersion, &t.Status, &t.ArchivedAt, &t.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ftsMatchExpr quotes each query term so user input cannot inject FTS5
// operators; terms are ANDed.
func ftsMatchExpr(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(fields))
	for _, f := range fields {
		quoted = append(quoted, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(quoted, " ")
}
