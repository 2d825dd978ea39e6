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

	"github.com/loqalabs/loqa-interpreter/internal/config"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when a session has no timeline.
var ErrSessionNotFound = errors.New("session not found")

// Session is the summary row of one interpreter session.
type Session struct {
	ID               string
	Mode             string
	Topic            string
	StartedAt        time.Time
	StoppedAt        time.Time
	BatchesProcessed uint64
}

// Event is one outbound message recorded on a session timeline. Seq is zero
// for events that do not belong to a batch.
type Event struct {
	ID        int64
	SessionID string
	Seq       uint64
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Store keeps session timelines in SQLite.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the event store according to config.
func Open(ctx context.Context, cfg config.EventStoreConfig, log *slog.Logger) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
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
		return nil, fmt.Errorf("init schema: %w", err)
	}

	if cfg.VacuumOnStart {
		if _, err := db.ExecContext(ctx, "VACUUM"); err != nil {
			log.Warn("event store vacuum failed", slog.String("error", err.Error()))
		}
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("event store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    mode TEXT NOT NULL,
    topic TEXT,
    started_at INTEGER NOT NULL,
    stopped_at INTEGER,
    batches_processed INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    seq INTEGER NOT NULL DEFAULT 0,
    event_type TEXT NOT NULL,
    payload BLOB,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Enabled reports whether timelines are persisted.
func (s *Store) Enabled() bool {
	return s != nil && s.db != nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if !s.Enabled() {
		return nil
	}
	return s.db.Close()
}

// StartSession records a new session row.
func (s *Store) StartSession(ctx context.Context, sess Session) error {
	if !s.Enabled() {
		return nil
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, mode, topic, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET mode=excluded.mode, topic=excluded.topic`,
		sess.ID, sess.Mode, sess.Topic, sess.StartedAt.UnixNano())
	return err
}

// StopSession stamps the session as stopped.
func (s *Store) StopSession(ctx context.Context, sessionID string, processed uint64) error {
	if !s.Enabled() {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stopped_at = ?, batches_processed = ? WHERE session_id = ?`,
		s.clock().UnixNano(), int64(processed), sessionID)
	return err
}

// AppendEvent writes an event into the store.
func (s *Store) AppendEvent(ctx context.Context, evt Event) error {
	if !s.Enabled() {
		return nil
	}
	if evt.CreatedAt.IsZero() {
		evt.CreatedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events(session_id, seq, event_type, payload, created_at) VALUES(?, ?, ?, ?, ?)`,
		evt.SessionID, int64(evt.Seq), evt.Type, evt.Payload, evt.CreatedAt.UnixNano())
	return err
}

// GetSession loads the summary row of a session.
func (s *Store) GetSession(ctx context.Context, sessionID string) (Session, error) {
	if !s.Enabled() {
		return Session{}, ErrSessionNotFound
	}
	var (
		sess    Session
		topic   sql.NullString
		started int64
		stopped sql.NullInt64
		count   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT session_id, mode, topic, started_at, stopped_at, batches_processed
		 FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&sess.ID, &sess.Mode, &topic, &started, &stopped, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, err
	}
	sess.Topic = topic.String
	sess.StartedAt = time.Unix(0, started)
	if stopped.Valid {
		sess.StoppedAt = time.Unix(0, stopped.Int64)
	}
	sess.BatchesProcessed = uint64(count)
	return sess, nil
}

// ListSessionEvents retrieves up to limit events for a session in the order
// they were recorded.
func (s *Store) ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]Event, error) {
	if !s.Enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, seq, event_type, payload, created_at
		 FROM events WHERE session_id = ? ORDER BY id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e       Event
			seq     int64
			created int64
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &seq, &e.Type, &e.Payload, &created); err != nil {
			return nil, err
		}
		e.Seq = uint64(seq)
		e.CreatedAt = time.Unix(0, created)
		events = append(events, e)
	}
	return events, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if !s.Enabled() {
		return nil
	}
	if s.cfg.RetentionMode != "persistent" && s.cfg.RetentionMode != "session" {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if s.cfg.MaxSessions > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id IN (
			SELECT session_id FROM sessions ORDER BY started_at DESC LIMIT -1 OFFSET ?
		)`, s.cfg.MaxSessions)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}
