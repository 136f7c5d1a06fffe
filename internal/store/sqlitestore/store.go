// Package sqlitestore persists ended session records in SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"aiminigames/sessionsync/internal/session"
)

// ErrNotFound reports a session id with no stored record. It matches session.ErrSessionNotFound.
var ErrNotFound = fmt.Errorf("sqlitestore: record not found: %w", session.ErrSessionNotFound)

const schema = `
CREATE TABLE IF NOT EXISTS session_records (
	session_id   TEXT PRIMARY KEY,
	join_code    TEXT NOT NULL,
	game_type    TEXT NOT NULL,
	host_id      TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	revision     INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	ended_at     INTEGER NOT NULL,
	duration_ms  INTEGER NOT NULL,
	record_json  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS session_records_ended_at ON session_records (ended_at);
`

// Store persists session records in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// Open opens a SQLite store and ensures the schema exists. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := path
	if path != ":memory:" {
		dsn = filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	}
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	//1.- A single connection keeps in-memory databases shared and serialises writers.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Persist implements session.RecordSink. Re-persisting a session replaces its row.
func (s *Store) Persist(ctx context.Context, record session.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(record.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO session_records (
		   session_id,
		   join_code,
		   game_type,
		   host_id,
		   outcome,
		   revision,
		   created_at,
		   ended_at,
		   duration_ms,
		   record_json
		 ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   outcome = excluded.outcome,
		   revision = excluded.revision,
		   ended_at = excluded.ended_at,
		   duration_ms = excluded.duration_ms,
		   record_json = excluded.record_json`,
		record.ID,
		record.JoinCode,
		record.GameType,
		record.HostParticipantID,
		record.Outcome,
		int64(record.Revision),
		toMillis(record.CreatedAt),
		toMillis(record.EndedAt),
		record.DurationMS,
		string(body),
	)
	if err != nil {
		return fmt.Errorf("insert session record: %w", err)
	}
	return nil
}

// Get loads the record stored for sessionID.
func (s *Store) Get(ctx context.Context, sessionID string) (session.Record, error) {
	if err := ctx.Err(); err != nil {
		return session.Record{}, err
	}
	var body string
	err := s.sqlDB.QueryRowContext(ctx, `SELECT record_json FROM session_records WHERE session_id = ?`, sessionID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Record{}, ErrNotFound
	}
	if err != nil {
		return session.Record{}, fmt.Errorf("query session record: %w", err)
	}
	var record session.Record
	if err := json.Unmarshal([]byte(body), &record); err != nil {
		return session.Record{}, fmt.Errorf("decode session record: %w", err)
	}
	return record, nil
}

// Recent lists the most recently ended sessions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]session.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT record_json
		 FROM session_records
		 ORDER BY ended_at DESC, session_id ASC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	defer rows.Close()

	var records []session.Record
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		var record session.Record
		if err := json.Unmarshal([]byte(body), &record); err != nil {
			return nil, fmt.Errorf("decode session record: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

var _ session.RecordSink = (*Store)(nil)
