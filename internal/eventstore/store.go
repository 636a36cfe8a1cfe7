package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/reza1984/Barid.Fonix.AI.Whisper/internal/config"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("session record not found")

const (
	EventSessionStarted = "session.started"
	EventSessionStopped = "session.stopped"
	EventSessionError   = "session.error"
)

// Event is one audit timeline entry. Payload carries counters only, never
// audio or transcript text.
type Event struct {
	ID        int64
	SessionID string
	Type      string
	Category  string
	Payload   []byte
	CreatedAt time.Time
}

// SessionRecord summarizes one session's lifecycle.
type SessionRecord struct {
	SessionID      string     `json:"session_id"`
	NodeID         string     `json:"node_id,omitempty"`
	Model          string     `json:"model,omitempty"`
	Language       string     `json:"language,omitempty"`
	OpenedAt       time.Time  `json:"opened_at"`
	ClosedAt       *time.Time `json:"closed_at,omitempty"`
	CloseReason    string     `json:"close_reason,omitempty"`
	Finals         int        `json:"finals"`
	Interims       int        `json:"interims"`
	EngineCalls    int        `json:"engine_calls"`
	EngineFailures int        `json:"engine_failures"`
	TotalSamples   int64      `json:"total_samples"`
	Errors         int        `json:"errors"`
}

// Store wraps a SQLite-backed session audit log.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config. In ephemeral mode
// nothing is written and every call is a no-op.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	log = log.With(slog.String("component", "eventstore"))
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := s.vacuum(ctx); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}

	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    node_id TEXT NOT NULL DEFAULT '',
    model TEXT NOT NULL DEFAULT '',
    language TEXT NOT NULL DEFAULT '',
    opened_at INTEGER NOT NULL,
    closed_at INTEGER,
    close_reason TEXT NOT NULL DEFAULT '',
    finals INTEGER NOT NULL DEFAULT 0,
    interims INTEGER NOT NULL DEFAULT 0,
    engine_calls INTEGER NOT NULL DEFAULT 0,
    engine_failures INTEGER NOT NULL DEFAULT 0,
    total_samples INTEGER NOT NULL DEFAULT 0,
    errors INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    category TEXT NOT NULL DEFAULT '',
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session_created ON events(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_sessions_opened ON sessions(opened_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) vacuum(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// Enabled reports whether records are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// OpenSession records a session start. Reusing an id resets its record.
func (s *Store) OpenSession(ctx context.Context, rec SessionRecord) error {
	if !s.Enabled() {
		return nil
	}
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, node_id, model, language, opened_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   node_id=excluded.node_id, model=excluded.model, language=excluded.language,
		   opened_at=excluded.opened_at, closed_at=NULL, close_reason='',
		   finals=0, interims=0, engine_calls=0, engine_failures=0, total_samples=0, errors=0`,
		rec.SessionID, rec.NodeID, rec.Model, rec.Language, rec.OpenedAt.UnixMilli())
	return err
}

// CloseSession stores the final counters of a session.
func (s *Store) CloseSession(ctx context.Context, rec SessionRecord) error {
	if !s.Enabled() {
		return nil
	}
	closed := s.clock()
	if rec.ClosedAt != nil {
		closed = *rec.ClosedAt
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET closed_at=?, close_reason=?, finals=?, interims=?,
		   engine_calls=?, engine_failures=?, total_samples=?
		 WHERE session_id=?`,
		closed.UnixMilli(), rec.CloseReason, rec.Finals, rec.Interims,
		rec.EngineCalls, rec.EngineFailures, rec.TotalSamples, rec.SessionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, rec.SessionID)
	}
	return nil
}

// AppendEvent writes an event, creating a bare session row if none exists
// so errors for sessions that never opened are kept too.
func (s *Store) AppendEvent(ctx context.Context, evt Event) (err error) {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions(session_id, opened_at) VALUES(?, ?)`,
		evt.SessionID, evt.CreatedAt.UnixMilli()); err != nil {
		return err
	}
	if evt.Type == EventSessionError {
		if _, err = tx.ExecContext(ctx, `UPDATE sessions SET errors = errors + 1 WHERE session_id = ?`, evt.SessionID); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO events(session_id, event_type, category, payload, created_at)
		 VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, evt.Type, evt.Category, evt.Payload, evt.CreatedAt.UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

// ListSessionEvents retrieves up to limit events for a session ordered ascending by time.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, event_type, category, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY created_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var created int64
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Category, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = time.UnixMilli(created).UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

const sessionColumns = `session_id, node_id, model, language, opened_at, closed_at, close_reason,
	finals, interims, engine_calls, engine_failures, total_samples, errors`

// GetSession returns the record for one session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (SessionRecord, error) {
	if !s.Enabled() {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionRecord{}, fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}
	return rec, err
}

// ListSessions returns up to limit records, newest first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY opened_at DESC, session_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (SessionRecord, error) {
	var (
		rec    SessionRecord
		opened int64
		closed sql.NullInt64
	)
	err := row.Scan(&rec.SessionID, &rec.NodeID, &rec.Model, &rec.Language, &opened, &closed, &rec.CloseReason,
		&rec.Finals, &rec.Interims, &rec.EngineCalls, &rec.EngineFailures, &rec.TotalSamples, &rec.Errors)
	if err != nil {
		return SessionRecord{}, err
	}
	rec.OpenedAt = time.UnixMilli(opened).UTC()
	if closed.Valid {
		t := time.UnixMilli(closed.Int64).UTC()
		rec.ClosedAt = &t
	}
	return rec, nil
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixMilli()
		if _, err = tx.ExecContext(ctx, `DELETE FROM events WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE opened_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY opened_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// RunPruner applies retention every interval until ctx is done.
func (s *Store) RunPruner(ctx context.Context, interval time.Duration) {
	if !s.Enabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Prune(ctx); err != nil && ctx.Err() == nil {
				s.log.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
