// Package storage keeps one SQLite row per streamer run.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

const (
	insertSessionSQL = `INSERT INTO sessions (started_at, config) VALUES (?, ?)`

	finishSessionSQL = `
UPDATE sessions
SET finished_at = ?,
    frames      = ?,
    misses      = ?,
    step_errors = ?,
    sent        = ?,
    dropped     = ?,
    bytes_sent  = ?,
    max_elapsed = ?
WHERE id = ?`

	selectSessionColumns = `
SELECT id, started_at, finished_at, config,
       frames, misses, step_errors, sent, dropped, bytes_sent, max_elapsed
FROM sessions`
)

// ErrNotFound is returned for an unknown session id.
var ErrNotFound = errors.New("storage: session not found")

// Summary holds the final counters of a run.
type Summary struct {
	Frames     uint64        `json:"frames"`
	Misses     uint64        `json:"misses"`
	StepErrors uint64        `json:"stepErrors"`
	Sent       uint64        `json:"sent"`
	Dropped    uint64        `json:"dropped"`
	BytesSent  uint64        `json:"bytesSent"`
	MaxElapsed time.Duration `json:"maxElapsed"`
}

// Session is a stored run. FinishedAt is zero while the run is active or if
// it never finished cleanly.
type Session struct {
	ID         int64     `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Config     string    `json:"config,omitempty"`
	Summary    Summary   `json:"summary"`
}

// Store wraps the session database.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?%s", path, "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"))
	if err != nil {
		return nil, fmt.Errorf("opening session db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// CreateSession inserts a new run and returns its id. config is stored as
// JSON unless it is already a string or byte slice.
func (s *Store) CreateSession(ctx context.Context, startedAt time.Time, config any) (int64, error) {
	var configData sql.NullString
	switch c := config.(type) {
	case nil:
	case string:
		configData = sql.NullString{String: c, Valid: true}
	case []byte:
		configData = sql.NullString{String: string(c), Valid: true}
	default:
		p, err := json.Marshal(c)
		if err != nil {
			return 0, fmt.Errorf("marshaling config: %w", err)
		}
		configData = sql.NullString{String: string(p), Valid: true}
	}

	result, err := s.db.ExecContext(ctx, insertSessionSQL, startedAt.UnixNano(), configData)
	if err != nil {
		return 0, fmt.Errorf("inserting session: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting session ID: %w", err)
	}
	return id, nil
}

// FinishSession stores the final counters of run id.
func (s *Store) FinishSession(ctx context.Context, id int64, finishedAt time.Time, sum Summary) error {
	result, err := s.db.ExecContext(ctx, finishSessionSQL,
		finishedAt.UnixNano(),
		int64(sum.Frames), int64(sum.Misses), int64(sum.StepErrors),
		int64(sum.Sent), int64(sum.Dropped), int64(sum.BytesSent),
		int64(sum.MaxElapsed), id)
	if err != nil {
		return fmt.Errorf("finishing session %d: %w", id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("finishing session %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("finishing session %d: %w", id, ErrNotFound)
	}
	return nil
}

// Session loads one run.
func (s *Store) Session(ctx context.Context, id int64) (*Session, error) {
	row := s.db.QueryRowContext(ctx, selectSessionColumns+` WHERE id = ?`, id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session: %w", err)
	}
	return sess, nil
}

// Sessions lists runs, newest first.
func (s *Store) Sessions(ctx context.Context) (sessions []*Session, err error) {
	rows, err := s.db.QueryContext(ctx, selectSessionColumns+` ORDER BY started_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer closeWithError(rows, &err)

	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	return sessions, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (*Session, error) {
	var (
		sess                                      Session
		started                                   int64
		finished                                  sql.NullInt64
		config                                    sql.NullString
		frames, misses, stepErrors, sent, dropped int64
		bytesSent, maxElapsed                     int64
	)
	if err := sc.Scan(&sess.ID, &started, &finished, &config,
		&frames, &misses, &stepErrors, &sent, &dropped, &bytesSent, &maxElapsed); err != nil {
		return nil, err
	}
	sess.StartedAt = time.Unix(0, started)
	if finished.Valid {
		sess.FinishedAt = time.Unix(0, finished.Int64)
	}
	if config.Valid {
		sess.Config = config.String
	}
	sess.Summary = Summary{
		Frames:     uint64(frames),
		Misses:     uint64(misses),
		StepErrors: uint64(stepErrors),
		Sent:       uint64(sent),
		Dropped:    uint64(dropped),
		BytesSent:  uint64(bytesSent),
		MaxElapsed: time.Duration(maxElapsed),
	}
	return &sess, nil
}

func closeWithError(cl interface{ Close() error }, err *error) {
	if cErr := cl.Close(); cErr != nil && *err == nil {
		*err = cErr
	}
}
