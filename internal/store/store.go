// Package store is the durable source of truth for messages and sessions.
// SQLite in WAL mode: committed writes survive a crash, readers proceed
// while one writer is active.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cass-search/cass/internal/cerr"
	"github.com/cass-search/cass/internal/logging"
	"github.com/cass-search/cass/internal/transcript"
)

var log = logging.ForComponent(logging.CompStore)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// Metadata keys.
const (
	metaSchemaVersion = "schema_version"
	metaGeneration    = "generation"
	metaLastScan      = "last_scan_unix"
)

// Store wraps the SQLite database holding messages and session metadata.
// Thread-safe for concurrent use from multiple goroutines within one
// process; WAL mode + busy timeout keep multiple processes safe.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the database at dbPath and verifies its integrity.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("store: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			if isCorruptionErr(err) {
				return nil, cerr.New(cerr.DataCorruption, err)
			}
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	// Structure/checksum failure on open has exactly one remedy: rebuild.
	var integrity string
	if err := db.QueryRow("PRAGMA integrity_check(1)").Scan(&integrity); err != nil {
		db.Close()
		return nil, cerr.New(cerr.DataCorruption, err)
	}
	if integrity != "ok" {
		db.Close()
		return nil, cerr.Newf(cerr.DataCorruption, "integrity check: %s", integrity)
	}

	return &Store{db: db, path: dbPath}, nil
}

// Reset deletes the database and its WAL sidecars so the next Open
// starts from an empty store. This is the recovery path for a file the
// integrity check rejects.
func Reset(dbPath string) error {
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("store: reset: %w", err)
		}
	}
	return nil
}

// Close checkpoints WAL and closes the database.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Migrate creates tables if needed and validates the schema version.
func (s *Store) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return wrapBusy(fmt.Errorf("store: begin migrate: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("store: create metadata: %w", err)
	}

	var existing string
	err = tx.QueryRow("SELECT value FROM metadata WHERE key = ?", metaSchemaVersion).Scan(&existing)
	if err == nil {
		v, convErr := strconv.Atoi(existing)
		if convErr == nil && v > SchemaVersion {
			return cerr.Newf(cerr.IncompatibleVersion,
				"database schema v%d is newer than supported v%d", v, SchemaVersion)
		}
	} else if err != sql.ErrNoRows {
		return fmt.Errorf("store: read schema version: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			session_id   TEXT NOT NULL,
			role         TEXT NOT NULL,
			content      TEXT NOT NULL,
			ts           INTEGER NOT NULL,
			content_hash TEXT NOT NULL UNIQUE,
			line_no      INTEGER NOT NULL DEFAULT 0
		)
	`); err != nil {
		return fmt.Errorf("store: create messages: %w", err)
	}
	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, ts)
	`); err != nil {
		return fmt.Errorf("store: index messages: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			source_path   TEXT PRIMARY KEY,
			session_id    TEXT NOT NULL,
			agent         TEXT NOT NULL DEFAULT 'claude',
			workspace     TEXT NOT NULL DEFAULT '',
			title         TEXT NOT NULL DEFAULT '',
			fingerprint   TEXT NOT NULL,
			first_seen    INTEGER NOT NULL DEFAULT 0,
			last_seen     INTEGER NOT NULL DEFAULT 0,
			message_count INTEGER NOT NULL DEFAULT 0,
			duplicate_of  TEXT NOT NULL DEFAULT ''
		)
	`); err != nil {
		return fmt.Errorf("store: create sessions: %w", err)
	}
	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_sessions_fingerprint ON sessions(fingerprint)
	`); err != nil {
		return fmt.Errorf("store: index sessions: %w", err)
	}

	if _, err := tx.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		metaSchemaVersion, strconv.Itoa(SchemaVersion),
	); err != nil {
		return fmt.Errorf("store: set schema version: %w", err)
	}

	return tx.Commit()
}

// SessionRow mirrors a sessions table row.
type SessionRow struct {
	SourcePath   string
	SessionID    string
	Agent        string
	Workspace    string
	Title        string
	Fingerprint  string
	FirstSeen    time.Time
	LastSeen     time.Time
	MessageCount int
	DuplicateOf  string // source_path of the canonical session, if any
}

// InsertBatch writes a normalized session and its messages in one
// transaction. Messages whose content hash already exists are ignored, so
// re-ingesting an identical file is a no-op. Returns the number of newly
// inserted messages.
func (s *Store) InsertBatch(meta *transcript.SessionMeta, msgs []transcript.Message) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, wrapBusy(fmt.Errorf("store: begin insert: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	// A session with this fingerprint under another path is a duplicate
	// file: record it, but do not re-insert its messages.
	var canonical string
	err = tx.QueryRow(
		"SELECT source_path FROM sessions WHERE fingerprint = ? AND source_path != ? AND duplicate_of = '' LIMIT 1",
		meta.Fingerprint, meta.SourcePath,
	).Scan(&canonical)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("store: fingerprint lookup: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO sessions (source_path, session_id, agent, workspace, title,
			fingerprint, first_seen, last_seen, message_count, duplicate_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_path) DO UPDATE SET
			session_id = excluded.session_id,
			workspace = excluded.workspace,
			title = excluded.title,
			fingerprint = excluded.fingerprint,
			last_seen = excluded.last_seen,
			message_count = excluded.message_count,
			duplicate_of = excluded.duplicate_of
	`,
		meta.SourcePath, meta.SessionID, meta.Agent, meta.Workspace, meta.Title,
		meta.Fingerprint, meta.FirstSeen.Unix(), meta.LastSeen.Unix(), meta.MessageCount, canonical,
	); err != nil {
		return 0, wrapBusy(fmt.Errorf("store: upsert session: %w", err))
	}

	if canonical != "" {
		log.Debug("duplicate_session",
			slog.String("path", meta.SourcePath),
			slog.String("canonical", canonical))
		return 0, tx.Commit()
	}

	stmt, err := tx.Prepare(`
		INSERT OR IGNORE INTO messages (id, session_id, role, content, ts, content_hash, line_no)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("store: prepare insert: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range msgs {
		m := &msgs[i]
		res, err := stmt.Exec(m.ID, m.SessionID, m.Role, m.Content, m.Timestamp.Unix(), m.ContentHash, m.LineNo)
		if err != nil {
			return inserted, wrapBusy(fmt.Errorf("store: insert message: %w", err))
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	return inserted, tx.Commit()
}

// GetMessage does a point lookup by message id.
func (s *Store) GetMessage(id string) (*transcript.Message, error) {
	row := s.db.QueryRow(`
		SELECT id, session_id, role, content, ts, content_hash, line_no
		FROM messages WHERE id = ?
	`, id)
	return scanMessage(row)
}

// MessagesBySession returns a session's messages in timestamp order.
func (s *Store) MessagesBySession(sessionID string) ([]transcript.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, ts, content_hash, line_no
		FROM messages WHERE session_id = ? ORDER BY ts, id
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMessages(rows)
}

// AllMessages streams every message to fn in (ts, id) order. Used by full
// index rebuilds.
func (s *Store) AllMessages(fn func(m *transcript.Message) error) error {
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, ts, content_hash, line_no
		FROM messages ORDER BY ts, id
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
	}
	return rows.Err()
}

// MessagesSince returns messages with rowid greater than afterRowID along
// with the highest rowid seen. The rowid watermark is what makes
// incremental lexical/vector appends gap-free.
func (s *Store) MessagesSince(afterRowID int64) ([]transcript.Message, int64, error) {
	rows, err := s.db.Query(`
		SELECT rowid, id, session_id, role, content, ts, content_hash, line_no
		FROM messages WHERE rowid > ? ORDER BY rowid
	`, afterRowID)
	if err != nil {
		return nil, afterRowID, err
	}
	defer rows.Close()

	var out []transcript.Message
	last := afterRowID
	for rows.Next() {
		var rowid int64
		var m transcript.Message
		var ts int64
		if err := rows.Scan(&rowid, &m.ID, &m.SessionID, &m.Role, &m.Content, &ts, &m.ContentHash, &m.LineNo); err != nil {
			return nil, last, err
		}
		m.Timestamp = time.Unix(ts, 0).UTC()
		out = append(out, m)
		last = rowid
	}
	return out, last, rows.Err()
}

// MaxRowID returns the current highest message rowid.
func (s *Store) MaxRowID() (int64, error) {
	var id sql.NullInt64
	err := s.db.QueryRow("SELECT MAX(rowid) FROM messages").Scan(&id)
	if err != nil {
		return 0, err
	}
	return id.Int64, nil
}

// Session returns the session row for a source path, or nil.
func (s *Store) Session(sourcePath string) (*SessionRow, error) {
	row := s.db.QueryRow(`
		SELECT source_path, session_id, agent, workspace, title, fingerprint,
			first_seen, last_seen, message_count, duplicate_of
		FROM sessions WHERE source_path = ?
	`, sourcePath)
	sr, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sr, err
}

// SessionByID returns the canonical session row for a session id, or nil.
// Duplicate rows (those pointing at a canonical path) are skipped.
func (s *Store) SessionByID(sessionID string) (*SessionRow, error) {
	row := s.db.QueryRow(`
		SELECT source_path, session_id, agent, workspace, title, fingerprint,
			first_seen, last_seen, message_count, duplicate_of
		FROM sessions WHERE session_id = ? AND duplicate_of = '' LIMIT 1
	`, sessionID)
	sr, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return sr, err
}

// Sessions returns all sessions ordered by last_seen descending.
func (s *Store) Sessions() ([]*SessionRow, error) {
	rows, err := s.db.Query(`
		SELECT source_path, session_id, agent, workspace, title, fingerprint,
			first_seen, last_seen, message_count, duplicate_of
		FROM sessions ORDER BY last_seen DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionRow
	for rows.Next() {
		sr, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// PruneSessions removes sessions (and their messages) whose source files
// no longer exist. Returns the number of sessions removed.
func (s *Store) PruneSessions() (int, error) {
	sessions, err := s.Sessions()
	if err != nil {
		return 0, err
	}

	pruned := 0
	for _, sess := range sessions {
		if _, err := os.Stat(sess.SourcePath); err == nil {
			continue
		}
		tx, err := s.db.Begin()
		if err != nil {
			return pruned, wrapBusy(err)
		}
		if _, err := tx.Exec("DELETE FROM messages WHERE session_id = ?", sess.SessionID); err != nil {
			_ = tx.Rollback()
			return pruned, wrapBusy(err)
		}
		if _, err := tx.Exec("DELETE FROM sessions WHERE source_path = ?", sess.SourcePath); err != nil {
			_ = tx.Rollback()
			return pruned, wrapBusy(err)
		}
		if err := tx.Commit(); err != nil {
			return pruned, wrapBusy(err)
		}
		pruned++
	}
	return pruned, nil
}

// FallbackHit is a row from the conventional text-search path.
type FallbackHit struct {
	Message transcript.Message
	// Matches counts query occurrences in the content.
	Matches int
}

// FallbackSearch is the LIKE-based search used only when the lexical index
// is stale or absent. Case-insensitive substring match, newest first.
func (s *Store) FallbackSearch(query string, limit int) ([]FallbackHit, error) {
	if limit <= 0 {
		limit = 50
	}
	pattern := "%" + escapeLike(query) + "%"
	rows, err := s.db.Query(`
		SELECT id, session_id, role, content, ts, content_hash, line_no
		FROM messages
		WHERE content LIKE ? ESCAPE '\'
		ORDER BY ts DESC, id
		LIMIT ?
	`, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	lower := strings.ToLower(query)
	hits := make([]FallbackHit, len(msgs))
	for i, m := range msgs {
		hits[i] = FallbackHit{
			Message: m,
			Matches: strings.Count(strings.ToLower(m.Content), lower),
		}
	}
	return hits, nil
}

// --- Metadata ---

// SetMeta sets a key-value pair in the metadata table.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)", key, value)
	return wrapBusy(err)
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Generation returns the current index generation number.
func (s *Store) Generation() (uint64, error) {
	v, err := s.GetMeta(metaGeneration)
	if err != nil || v == "" {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// BumpGeneration advances and returns the index generation number.
func (s *Store) BumpGeneration() (uint64, error) {
	gen, err := s.Generation()
	if err != nil {
		return 0, err
	}
	gen++
	return gen, s.SetMeta(metaGeneration, strconv.FormatUint(gen, 10))
}

// LastScan returns the timestamp of the last completed incremental scan.
func (s *Store) LastScan() (time.Time, error) {
	v, err := s.GetMeta(metaLastScan)
	if err != nil || v == "" {
		return time.Time{}, err
	}
	unix, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(unix, 0).UTC(), nil
}

// SetLastScan records the completion time of an incremental scan.
func (s *Store) SetLastScan(t time.Time) error {
	return s.SetMeta(metaLastScan, strconv.FormatInt(t.Unix(), 10))
}

// Counts returns message and session totals.
func (s *Store) Counts() (messages, sessions int, err error) {
	if err = s.db.QueryRow("SELECT COUNT(*) FROM messages").Scan(&messages); err != nil {
		return
	}
	err = s.db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&sessions)
	return
}

// --- helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*transcript.Message, error) {
	var m transcript.Message
	var ts int64
	err := row.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts, &m.ContentHash, &m.LineNo)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.Timestamp = time.Unix(ts, 0).UTC()
	return &m, nil
}

func scanMessageRows(rows *sql.Rows) (*transcript.Message, error) {
	var m transcript.Message
	var ts int64
	if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &ts, &m.ContentHash, &m.LineNo); err != nil {
		return nil, err
	}
	m.Timestamp = time.Unix(ts, 0).UTC()
	return &m, nil
}

func collectMessages(rows *sql.Rows) ([]transcript.Message, error) {
	var out []transcript.Message
	for rows.Next() {
		m, err := scanMessageRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (*SessionRow, error) {
	var sr SessionRow
	var first, last int64
	err := row.Scan(&sr.SourcePath, &sr.SessionID, &sr.Agent, &sr.Workspace, &sr.Title,
		&sr.Fingerprint, &first, &last, &sr.MessageCount, &sr.DuplicateOf)
	if err != nil {
		return nil, err
	}
	sr.FirstSeen = time.Unix(first, 0).UTC()
	sr.LastSeen = time.Unix(last, 0).UTC()
	return &sr, nil
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func isCorruptionErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "SQLITE_CORRUPT")
}

// wrapBusy converts SQLITE_BUSY into the retryable Locked condition.
func wrapBusy(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "SQLITE_BUSY") || strings.Contains(msg, "database is locked") {
		return cerr.New(cerr.Locked, err)
	}
	return err
}
