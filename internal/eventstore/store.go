// Package eventstore keeps a SQLite log of conversation sessions and their
// completed turns.
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

	"github.com/loqalabs/loqa-avatar/internal/config"
	"github.com/loqalabs/loqa-avatar/internal/turn"
	_ "modernc.org/sqlite"
)

// Session is one run of the conversation loop.
type Session struct {
	ID        string
	NodeID    string
	Persona   string
	StartedAt time.Time
}

// Turn is a stored conversation turn.
type Turn struct {
	ID            int64
	TurnID        string
	SessionID     string
	UserText      string
	AssistantText string
	Outcome       string
	Interrupted   bool
	StartedAt     time.Time
	EndedAt       time.Time
}

// Store wraps a SQLite-backed conversation log.
type Store struct {
	db    *sql.DB
	cfg   config.EventStoreConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the store according to config. The ephemeral mode keeps
// nothing.
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
	db.SetMaxOpenConns(1)
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
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    node_id TEXT,
    persona TEXT,
    started_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    turn_id TEXT NOT NULL UNIQUE,
    session_id TEXT NOT NULL,
    user_text TEXT,
    assistant_text TEXT NOT NULL,
    outcome TEXT NOT NULL,
    interrupted INTEGER NOT NULL DEFAULT 0,
    started_at INTEGER NOT NULL,
    ended_at INTEGER NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_turns_session_started ON turns(session_id, started_at);
`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

func (s *Store) vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

func (s *Store) disabled() bool {
	return s.cfg.RetentionMode == "ephemeral" || s.db == nil
}

// Close releases underlying resources.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Healthy reports whether the database answers.
func (s *Store) Healthy(ctx context.Context) bool {
	if s.disabled() {
		return true
	}
	return s.db.PingContext(ctx) == nil
}

// AppendSession ensures a session row exists.
func (s *Store) AppendSession(ctx context.Context, sess Session) error {
	if s.disabled() {
		return nil
	}
	if sess.StartedAt.IsZero() {
		sess.StartedAt = s.clock()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, node_id, persona, started_at)
		 VALUES(?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET node_id=excluded.node_id, persona=excluded.persona`,
		sess.ID, sess.NodeID, sess.Persona, sess.StartedAt.UnixNano())
	return err
}

// AppendTurn writes a completed turn into the store.
func (s *Store) AppendTurn(ctx context.Context, t Turn) error {
	if s.disabled() {
		return nil
	}
	if t.EndedAt.IsZero() {
		t.EndedAt = s.clock()
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = t.EndedAt
	}
	interrupted := 0
	if t.Interrupted {
		interrupted = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns(turn_id, session_id, user_text, assistant_text, outcome, interrupted, started_at, ended_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TurnID, t.SessionID, t.UserText, t.AssistantText, t.Outcome, interrupted,
		t.StartedAt.UnixNano(), t.EndedAt.UnixNano())
	return err
}

// ListSessionTurns retrieves up to limit turns for a session in the order
// they happened.
func (s *Store) ListSessionTurns(ctx context.Context, sessionID string, limit int) ([]Turn, error) {
	if s.disabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_id, session_id, user_text, assistant_text, outcome, interrupted, started_at, ended_at
		 FROM turns WHERE session_id = ? ORDER BY started_at ASC, id ASC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t              Turn
			userText       sql.NullString
			interrupted    int
			started, ended int64
		)
		if err := rows.Scan(&t.ID, &t.TurnID, &t.SessionID, &userText, &t.AssistantText, &t.Outcome, &interrupted, &started, &ended); err != nil {
			return nil, err
		}
		t.UserText = userText.String
		t.Interrupted = interrupted != 0
		t.StartedAt = time.Unix(0, started).UTC()
		t.EndedAt = time.Unix(0, ended).UTC()
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Prune applies configured retention (called on startup and can be scheduled).
func (s *Store) Prune(ctx context.Context) (err error) {
	if s.disabled() {
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
			_ = tx.Rollback()
		}
	}()

	if s.cfg.RetentionDays > 0 {
		cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM turns WHERE ended_at < ?`, cutoff); err != nil {
			return err
		}
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

// Ensure checks the store is consistent with its retention mode.
func (s *Store) Ensure() error {
	if s.cfg.RetentionMode == "ephemeral" && s.db != nil {
		return errors.New("ephemeral store should not have database connection")
	}
	return nil
}

// Journal records turns of one session.
type Journal struct {
	store     *Store
	sessionID string
}

func (s *Store) Journal(sessionID string) *Journal {
	return &Journal{store: s, sessionID: sessionID}
}

func (j *Journal) RecordTurn(ctx context.Context, t turn.ConversationTurn) error {
	return j.store.AppendTurn(ctx, Turn{
		TurnID:        t.ID,
		SessionID:     j.sessionID,
		UserText:      t.UserText,
		AssistantText: t.AssistantText,
		Outcome:       string(t.Outcome),
		Interrupted:   t.Interrupted,
		StartedAt:     t.StartedAt,
		EndedAt:       t.EndedAt,
	})
}
