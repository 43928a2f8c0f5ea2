package sessionstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/grillo/pkg/interview"
)

// SQLiteStore persists sessions in a local SQLite file. It survives process
// restarts on a single host but is not shared between instances.
type SQLiteStore struct {
	db   *sql.DB
	opts options
}

var _ Store = &SQLiteStore{}

func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite session store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection turns every transaction into a per-database
	// critical section, which is what serializes session updates.
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db, opts: buildOptions(opts)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// SQLiteDSNForFile builds a WAL-mode DSN for a database file.
func SQLiteDSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite session store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	if s == nil || s.db == nil {
		return errors.New("sqlite session store: db is nil")
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS interview_sessions (
			session_id TEXT PRIMARY KEY,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			expires_at_ms INTEGER NOT NULL,
			finished INTEGER NOT NULL DEFAULT 0,
			payload_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS interview_sessions_by_expiry ON interview_sessions(expires_at_ms);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite session store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) Create(ctx context.Context, md interview.Metadata) (*interview.Session, error) {
	sess := s.opts.newSession(md)
	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session store: marshal")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interview_sessions(session_id, created_at_ms, updated_at_ms, expires_at_ms, finished, payload_json)
		VALUES (?, ?, ?, ?, 0, ?)
	`, sess.ID, sess.CreatedAt.UnixMilli(), sess.UpdatedAt.UnixMilli(), sess.UpdatedAt.Add(s.opts.ttlFor(sess)).UnixMilli(), string(payload))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session store: insert")
	}
	return sess, nil
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) load(ctx context.Context, q sqlQueryer, id string) (*interview.Session, error) {
	var payload string
	var expiresAtMs int64
	err := q.QueryRowContext(ctx, `
		SELECT payload_json, expires_at_ms FROM interview_sessions WHERE session_id = ?
	`, id).Scan(&payload, &expiresAtMs)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(interview.ErrNotFound, "session %s", id)
		}
		return nil, errors.Wrap(err, "sqlite session store: select")
	}
	if expiresAtMs <= s.opts.now().UnixMilli() {
		return nil, errors.Wrapf(interview.ErrNotFound, "session %s expired", id)
	}
	var sess interview.Session
	if err := json.Unmarshal([]byte(payload), &sess); err != nil {
		return nil, errors.Wrap(err, "sqlite session store: unmarshal")
	}
	return &sess, nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*interview.Session, error) {
	id, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, s.db, id)
}

func (s *SQLiteStore) Update(ctx context.Context, id string, fn Mutation) (*interview.Session, error) {
	if fn == nil {
		return nil, errors.New("sqlite session store: nil mutation")
	}
	id, err := normalizeID(id)
	if err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session store: begin")
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.load(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	now := s.opts.now()
	next, err := applyMutation(current, fn, now)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(next)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite session store: marshal")
	}
	finished := 0
	if next.Finished {
		finished = 1
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE interview_sessions
		SET updated_at_ms = ?, expires_at_ms = ?, finished = ?, payload_json = ?
		WHERE session_id = ?
	`, now.UnixMilli(), now.Add(s.opts.ttlFor(next)).UnixMilli(), finished, string(payload), id); err != nil {
		return nil, errors.Wrap(err, "sqlite session store: update")
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "sqlite session store: commit")
	}
	return next, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM interview_sessions WHERE session_id = ?`, id); err != nil {
		return errors.Wrap(err, "sqlite session store: delete")
	}
	return nil
}

// StartEvictionLoop purges expired rows every interval until ctx ends.
func (s *SQLiteStore) StartEvictionLoop(ctx context.Context, interval time.Duration) {
	startEvictionLoop(ctx, interval, s)
}

func (s *SQLiteStore) evictExpiredOnce(now time.Time) int {
	if s == nil || s.db == nil {
		return 0
	}
	if now.IsZero() {
		now = s.opts.now()
	}
	res, err := s.db.Exec(`DELETE FROM interview_sessions WHERE expires_at_ms <= ?`, now.UnixMilli())
	if err != nil {
		return 0
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return int(n)
}
