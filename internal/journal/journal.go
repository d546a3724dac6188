// Package journal keeps a SQLite record of editor worker sessions, the
// commands sent to them and the backups taken by backup_and_edit.
//
// The journal is fed from worker pool events and the router's backup
// observer. Recording never fails an operation: write errors are logged
// and dropped.
package journal

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	_ "modernc.org/sqlite"

	"github.com/HendryAvila/editbridge/internal/config"
	"github.com/HendryAvila/editbridge/internal/worker"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

const timeLayout = time.RFC3339Nano

// --- Types ---

// Session is one worker session as recorded by the journal.
type Session struct {
	ID        string    `json:"id"`
	Files     []string  `json:"files"`
	CreatedAt time.Time `json:"created_at"`
	EndedAt   *string   `json:"ended_at,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Reason    *string   `json:"reason,omitempty"`
	Commands  int       `json:"commands"`
}

// Command is one edit command sent to a session.
type Command struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	Command   string    `json:"command"`
	Success   bool      `json:"success"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Backup is one backup file created or restored by the router.
type Backup struct {
	ID           int64     `json:"id"`
	OriginalPath string    `json:"original_path"`
	BackupPath   string    `json:"backup_path"`
	Restored     bool      `json:"restored"`
	CreatedAt    time.Time `json:"created_at"`
}

// --- Store ---

// Store is the SQLite-backed journal.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// New opens (creating if needed) <cfg.DataDir>/journal.db.
func New(cfg config.JournalConfig, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, errors.Errorf("journal: create data dir: %w", err)
	}

	dbPath := filepath.Join(cfg.DataDir, "journal.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, errors.Errorf("journal: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, errors.Errorf("journal: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, logger: logger.With().Str("component", "journal").Logger(), now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Errorf("journal: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			files      TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			ended_at   TEXT,
			exit_code  INTEGER,
			reason     TEXT
		);

		CREATE TABLE IF NOT EXISTS commands (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT    NOT NULL,
			type       TEXT    NOT NULL,
			command    TEXT    NOT NULL,
			success    INTEGER NOT NULL,
			message    TEXT,
			created_at TEXT    NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_commands_session ON commands(session_id, id);

		CREATE TABLE IF NOT EXISTS backups (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			original_path TEXT    NOT NULL,
			backup_path   TEXT    NOT NULL,
			restored      INTEGER NOT NULL DEFAULT 0,
			created_at    TEXT    NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// --- Recording ---

// Record stores one pool event. It is meant to be passed to
// worker.Pool.Subscribe.
func (s *Store) Record(ev worker.Event) {
	at := ev.At
	if at.IsZero() {
		at = s.now()
	}
	ts := at.UTC().Format(timeLayout)

	var err error
	switch ev.Kind {
	case worker.EventCreated:
		_, err = s.db.Exec(
			`INSERT OR IGNORE INTO sessions (id, created_at) VALUES (?, ?)`,
			ev.SessionID, ts,
		)
	case worker.EventOpened:
		files, _ := json.Marshal(ev.Files)
		_, err = s.db.Exec(`UPDATE sessions SET files = ? WHERE id = ?`, string(files), ev.SessionID)
	case worker.EventCommand:
		typ, _, _ := strings.Cut(ev.Command, " ")
		_, err = s.db.Exec(
			`INSERT INTO commands (session_id, type, command, success, message, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			ev.SessionID, typ, ev.Command, ev.Success, ev.Reason, ts,
		)
	case worker.EventExited:
		_, err = s.db.Exec(
			`UPDATE sessions
			 SET exit_code = ?, ended_at = COALESCE(ended_at, ?), reason = COALESCE(reason, 'exited')
			 WHERE id = ?`,
			ev.ExitCode, ts, ev.SessionID,
		)
	case worker.EventDestroyed, worker.EventReclaimed:
		reason := string(ev.Kind)
		if ev.Reason != "" {
			reason += ": " + ev.Reason
		}
		_, err = s.db.Exec(
			`UPDATE sessions SET ended_at = COALESCE(ended_at, ?), reason = ? WHERE id = ?`,
			ts, reason, ev.SessionID,
		)
	default:
		return
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("event", string(ev.Kind)).Str("session", ev.SessionID).Msg("recording pool event")
	}
}

// RecordBackup stores a backup created, or restored, by the router. It
// matches router.BackupObserver.
func (s *Store) RecordBackup(originalPath, backupPath string, restored bool) {
	var err error
	if restored {
		var res sql.Result
		res, err = s.db.Exec(
			`UPDATE backups SET restored = 1 WHERE backup_path = ? AND original_path = ?`,
			backupPath, originalPath,
		)
		if err == nil {
			if n, _ := res.RowsAffected(); n > 0 {
				return
			}
		}
	}
	if err == nil {
		_, err = s.db.Exec(
			`INSERT INTO backups (original_path, backup_path, restored, created_at) VALUES (?, ?, ?, ?)`,
			originalPath, backupPath, restored, s.now().UTC().Format(timeLayout),
		)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("path", originalPath).Msg("recording backup")
	}
}

// --- Queries ---

// RecentSessions returns the most recently created sessions with their
// command counts.
func (s *Store) RecentSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(`
		SELECT s.id, s.files, s.created_at, s.ended_at, s.exit_code, s.reason,
		       COUNT(c.id) AS command_count
		FROM sessions s
		LEFT JOIN commands c ON c.session_id = s.id
		GROUP BY s.id
		ORDER BY s.created_at DESC, s.rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Errorf("journal: recent sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Session
	for rows.Next() {
		var (
			sess      Session
			files     string
			createdAt string
			exitCode  sql.NullInt64
		)
		if err := rows.Scan(&sess.ID, &files, &createdAt, &sess.EndedAt, &exitCode, &sess.Reason, &sess.Commands); err != nil {
			return nil, errors.Errorf("journal: scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(files), &sess.Files); err != nil {
			return nil, errors.Errorf("journal: session %s files: %w", sess.ID, err)
		}
		sess.CreatedAt = parseTime(createdAt)
		if exitCode.Valid {
			code := int(exitCode.Int64)
			sess.ExitCode = &code
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Commands returns commands newest first. An empty sessionID returns
// commands from every session.
func (s *Store) Commands(sessionID string, limit int) ([]Command, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, session_id, type, command, success, COALESCE(message, ''), created_at FROM commands`
	args := []any{}
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Errorf("journal: commands: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Command
	for rows.Next() {
		var (
			c         Command
			createdAt string
		)
		if err := rows.Scan(&c.ID, &c.SessionID, &c.Type, &c.Command, &c.Success, &c.Message, &createdAt); err != nil {
			return nil, errors.Errorf("journal: scan command: %w", err)
		}
		c.CreatedAt = parseTime(createdAt)
		out = append(out, c)
	}
	return out, rows.Err()
}

// Backups returns recorded backups newest first.
func (s *Store) Backups(limit int) ([]Backup, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(
		`SELECT id, original_path, backup_path, restored, created_at FROM backups ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, errors.Errorf("journal: backups: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Backup
	for rows.Next() {
		var (
			b         Backup
			createdAt string
		)
		if err := rows.Scan(&b.ID, &b.OriginalPath, &b.BackupPath, &b.Restored, &createdAt); err != nil {
			return nil, errors.Errorf("journal: scan backup: %w", err)
		}
		b.CreatedAt = parseTime(createdAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
