package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/framecast-project/framecast/internal/events"
	"github.com/framecast-project/framecast/internal/util"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = errors.New("session not found")

// Session is one viewer's stay on the server.
type Session struct {
	ID           string     `json:"id"`
	Slot         int        `json:"slot"`
	Generation   uint32     `json:"generation"`
	Addr         string     `json:"addr"`
	Name         string     `json:"name"`
	Width        int        `json:"width"`
	Height       int        `json:"height"`
	StartedAt    time.Time  `json:"started_at"`
	StreamingAt  *time.Time `json:"streaming_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	Reason       string     `json:"reason,omitempty"`
	BytesSent    uint64     `json:"bytes_sent"`
	SceneLines   int        `json:"scene_lines"`
	TransferTime int64      `json:"transfer_ms"`
}

// Window is one persisted statistics window.
type Window struct {
	ID         string    `json:"id"`
	ClosedAt   time.Time `json:"closed_at"`
	WindowMS   int64     `json:"window_ms"`
	Clients    int       `json:"clients"`
	Bytes      uint64    `json:"bytes"`
	Frames     uint64    `json:"frames"`
	Compressed uint64    `json:"compressed_bytes"`
	RawBytes   uint64    `json:"uncompressed_bytes"`
	WorstRTTMS int64     `json:"worst_rtt_ms"`
}

var sessionMigrations = []migration{
	{version: 1, stmt: `
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			slot INTEGER NOT NULL,
			generation INTEGER NOT NULL,
			addr TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			width INTEGER NOT NULL,
			height INTEGER NOT NULL,
			started_at INTEGER NOT NULL,
			streaming_at INTEGER,
			ended_at INTEGER,
			reason TEXT NOT NULL DEFAULT '',
			bytes_sent INTEGER NOT NULL DEFAULT 0,
			scene_lines INTEGER NOT NULL DEFAULT 0,
			transfer_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
	`},
	{version: 2, stmt: `
		CREATE TABLE IF NOT EXISTS stats_windows (
			id TEXT PRIMARY KEY,
			closed_at INTEGER NOT NULL,
			window_ms INTEGER NOT NULL,
			clients INTEGER NOT NULL,
			bytes INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			compressed INTEGER NOT NULL,
			uncompressed INTEGER NOT NULL,
			worst_rtt_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_windows_closed ON stats_windows(closed_at);
	`},
}

// SessionStore records sessions and statistics windows.
type SessionStore struct {
	db     *Database
	logger zerolog.Logger
	now    func() time.Time
}

// NewSessionStore opens the database at dbPath and migrates it.
func NewSessionStore(dbPath string) (*SessionStore, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &SessionStore{
		db:     database,
		logger: util.ComponentLogger("sessions"),
		now:    time.Now,
	}
	if err := database.migrate(context.Background(), sessionMigrations); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to migrate session database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SessionStore) Close() error {
	return s.db.Close()
}

// Subscribe records client lifecycle and statistics events from bus.
func (s *SessionStore) Subscribe(bus *events.EventBus) {
	bus.Subscribe(events.EventClientRegistered, "sessions.start", s.onRegistered)
	bus.Subscribe(events.EventSceneTransferCompleted, "sessions.streaming", s.onStreaming)
	bus.Subscribe(events.EventClientDeregistered, "sessions.end", s.onDeregistered)
	bus.Subscribe(events.EventStatsWindow, "sessions.window", s.onStatsWindow)
}

func (s *SessionStore) onRegistered(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ClientPayload)
	if !ok {
		return nil
	}
	return s.Start(ctx, p)
}

func (s *SessionStore) onStreaming(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.SceneTransferPayload)
	if !ok {
		return nil
	}
	return s.MarkStreaming(ctx, p.Session, p.Lines, p.Duration)
}

func (s *SessionStore) onDeregistered(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.ClientLeftPayload)
	if !ok {
		return nil
	}
	return s.End(ctx, p.Session, p.Reason.String(), p.BytesSent)
}

func (s *SessionStore) onStatsWindow(ctx context.Context, event events.Event) error {
	p, ok := event.Payload.(events.StatsWindowPayload)
	if !ok {
		return nil
	}
	_, err := s.RecordWindow(ctx, p)
	return err
}

// Start inserts a session row for a newly registered client.
func (s *SessionStore) Start(ctx context.Context, p events.ClientPayload) error {
	if _, err := uuid.Parse(p.Session); err != nil {
		return fmt.Errorf("invalid session id %q: %w", p.Session, err)
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, slot, generation, addr, name, width, height, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.Session, p.Slot, p.Generation, p.Addr, p.Name, p.Width, p.Height, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}
	return nil
}

// MarkStreaming records the end of a session's scene transfer.
func (s *SessionStore) MarkStreaming(ctx context.Context, id string, lines int, transfer time.Duration) error {
	res, err := s.db.Exec(ctx, `
		UPDATE sessions SET streaming_at = ?, scene_lines = scene_lines + ?, transfer_ms = ?
		WHERE id = ?`,
		s.now().UnixMilli(), lines, transfer.Milliseconds(), id)
	if err != nil {
		return fmt.Errorf("failed to record streaming: %w", err)
	}
	return requireRow(res, id)
}

// End closes a session.
func (s *SessionStore) End(ctx context.Context, id, reason string, bytesSent uint64) error {
	res, err := s.db.Exec(ctx, `
		UPDATE sessions SET ended_at = ?, reason = ?, bytes_sent = ?
		WHERE id = ? AND ended_at IS NULL`,
		s.now().UnixMilli(), reason, int64(bytesSent), id)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}

// RecordWindow stores the totals of a closed statistics window and returns
// its generated id.
func (s *SessionStore) RecordWindow(ctx context.Context, p events.StatsWindowPayload) (string, error) {
	id := uuid.NewString()
	_, err := s.db.Exec(ctx, `
		INSERT INTO stats_windows (id, closed_at, window_ms, clients, bytes, frames, compressed, uncompressed, worst_rtt_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, s.now().UnixMilli(), p.Window.Milliseconds(), len(p.Clients),
		int64(p.Total.Total()), int64(p.Total.Frames), int64(p.Total.Compressed), int64(p.Total.Uncompressed),
		p.Total.RTT.Milliseconds())
	if err != nil {
		return "", fmt.Errorf("failed to record stats window: %w", err)
	}
	return id, nil
}

const sessionColumns = `id, slot, generation, addr, name, width, height, started_at,
	streaming_at, ended_at, reason, bytes_sent, scene_lines, transfer_ms`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		sess                Session
		started             int64
		streaming, ended    sql.NullInt64
		bytesSent, transfer int64
	)
	err := row.Scan(&sess.ID, &sess.Slot, &sess.Generation, &sess.Addr, &sess.Name, &sess.Width, &sess.Height,
		&started, &streaming, &ended, &sess.Reason, &bytesSent, &sess.SceneLines, &transfer)
	if err != nil {
		return Session{}, err
	}
	sess.StartedAt = time.UnixMilli(started)
	if streaming.Valid {
		t := time.UnixMilli(streaming.Int64)
		sess.StreamingAt = &t
	}
	if ended.Valid {
		t := time.UnixMilli(ended.Int64)
		sess.EndedAt = &t
	}
	sess.BytesSent = uint64(bytesSent)
	sess.TransferTime = transfer
	return sess, nil
}

// Get returns one session.
func (s *SessionStore) Get(ctx context.Context, id string) (Session, error) {
	row := s.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, fmt.Errorf("failed to load session: %w", err)
	}
	return sess, nil
}

// Recent returns up to limit sessions, newest first.
func (s *SessionStore) Recent(ctx context.Context, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Windows returns up to limit statistics windows, newest first.
func (s *SessionStore) Windows(ctx context.Context, limit int) ([]Window, error) {
	if limit <= 0 {
		limit = 60
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, closed_at, window_ms, clients, bytes, frames, compressed, uncompressed, worst_rtt_ms
		FROM stats_windows ORDER BY closed_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stats windows: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		var (
			w                              Window
			closed                         int64
			bytes, frames, compressed, raw int64
		)
		if err := rows.Scan(&w.ID, &closed, &w.WindowMS, &w.Clients, &bytes, &frames, &compressed, &raw, &w.WorstRTTMS); err != nil {
			return nil, fmt.Errorf("failed to scan stats window: %w", err)
		}
		w.ClosedAt = time.UnixMilli(closed)
		w.Bytes, w.Frames = uint64(bytes), uint64(frames)
		w.Compressed, w.RawBytes = uint64(compressed), uint64(raw)
		out = append(out, w)
	}
	return out, rows.Err()
}

// CloseOpen ends every session still open, for sessions orphaned by a crash.
// It returns how many were closed.
func (s *SessionStore) CloseOpen(ctx context.Context, reason string) (int64, error) {
	res, err := s.db.Exec(ctx, `UPDATE sessions SET ended_at = ?, reason = ? WHERE ended_at IS NULL`,
		s.now().UnixMilli(), reason)
	if err != nil {
		return 0, fmt.Errorf("failed to close open sessions: %w", err)
	}
	return res.RowsAffected()
}

// Purge deletes ended sessions and statistics windows older than retention.
// It returns the number of rows removed.
func (s *SessionStore) Purge(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := s.now().Add(-retention).UnixMilli()
	var removed int64
	err := s.db.Transaction(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE ended_at IS NOT NULL AND ended_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		removed += n

		res, err = tx.ExecContext(ctx, `DELETE FROM stats_windows WHERE closed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		removed += n
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to purge history: %w", err)
	}
	if removed > 0 {
		s.logger.Info().Int64("rows", removed).Dur("retention", retention).Msg("purged session history")
	}
	return removed, nil
}
