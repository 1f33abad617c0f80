package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite driver

	"cmdrelay/internal/core"
	"cmdrelay/internal/storage"
)

// Store реализует storage.Store поверх SQLite.
type Store struct {
	db *sql.DB
}

// Open инициализирует соединение и выполняет миграции.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS results (
			command_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			command TEXT NOT NULL,
			fields TEXT NOT NULL,
			saved_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_results_session_saved ON results(session_id, saved_at);`,
		`CREATE INDEX IF NOT EXISTS idx_results_saved ON results(saved_at);`,
		`CREATE TABLE IF NOT EXISTS audit_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			subject TEXT,
			action TEXT,
			source TEXT,
			status TEXT,
			request_id TEXT,
			payload BLOB
		);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);`,
		`CREATE INDEX IF NOT EXISTS idx_audit_subject_ts ON audit_events(subject, ts);`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// SaveResult выполняет upsert одним выражением: запись заменяется целиком.
func (s *Store) SaveResult(ctx context.Context, rec core.Result) error {
	if rec.CommandID == "" {
		return fmt.Errorf("command id is empty: %w", core.ErrInvalidArguments)
	}
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("marshal result fields: %w", err)
	}
	savedAt := rec.SavedAt
	if savedAt.IsZero() {
		savedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO results(command_id, session_id, command, fields, saved_at) VALUES(?,?,?,?,?)
ON CONFLICT(command_id) DO UPDATE SET
	session_id = excluded.session_id,
	command = excluded.command,
	fields = excluded.fields,
	saved_at = excluded.saved_at`,
		rec.CommandID, rec.SessionID, rec.Command, string(fields), savedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult возвращает запись результата команды.
func (s *Store) GetResult(ctx context.Context, commandID string) (core.Result, error) {
	row := s.db.QueryRowContext(ctx, `SELECT command_id, session_id, command, fields, saved_at FROM results WHERE command_id = ?`, commandID)
	rec, err := scanResult(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return core.Result{}, fmt.Errorf("%s: %w", commandID, core.ErrResultNotFound)
		}
		return core.Result{}, fmt.Errorf("query result: %w", err)
	}
	return rec, nil
}

// DeleteResult удаляет запись; отсутствие записи не является ошибкой.
func (s *Store) DeleteResult(ctx context.Context, commandID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE command_id = ?`, commandID); err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	return nil
}

// ListResults возвращает результаты по фильтрам, новые первыми.
func (s *Store) ListResults(ctx context.Context, q storage.ResultQuery) ([]core.Result, error) {
	limit := storage.ClampLimit(q.Limit)
	var (
		where []string
		args  []interface{}
	)
	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if q.Command != "" {
		where = append(where, "command = ?")
		args = append(args, q.Command)
	}
	query := `SELECT command_id, session_id, command, fields, saved_at FROM results`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY saved_at DESC, command_id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query results: %w", err)
	}
	defer rows.Close()

	out := make([]core.Result, 0, limit)
	for rows.Next() {
		rec, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

// PurgeResults удаляет результаты старше before.
func (s *Store) PurgeResults(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM results WHERE saved_at < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("purge results: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge results: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanResult(row rowScanner) (core.Result, error) {
	var (
		rec     core.Result
		fields  string
		savedAt int64
	)
	if err := row.Scan(&rec.CommandID, &rec.SessionID, &rec.Command, &fields, &savedAt); err != nil {
		return core.Result{}, err
	}
	if err := json.Unmarshal([]byte(fields), &rec.Fields); err != nil {
		return core.Result{}, fmt.Errorf("decode result fields: %w", err)
	}
	rec.SavedAt = time.Unix(0, savedAt).UTC()
	return rec, nil
}

// SaveAudit сохраняет аудиторное событие.
func (s *Store) SaveAudit(ctx context.Context, ev storage.AuditEvent) error {
	ts := ev.TS
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO audit_events(subject, action, source, status, request_id, payload, ts) VALUES(?,?,?,?,?,?,?)`,
		ev.Subject, ev.Action, ev.Source, ev.Status, ev.RequestID, ev.Payload, ts)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// QueryAudit возвращает аудит по фильтрам.
func (s *Store) QueryAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	limit := storage.ClampLimit(q.Limit)
	from, to := storage.AuditRange(q)

	rows, err := s.db.QueryContext(ctx, `
SELECT subject, action, source, status, request_id, payload, ts
FROM audit_events
WHERE ts >= ? AND ts <= ? AND (? = '' OR subject = ?)
ORDER BY ts DESC
LIMIT ?`, from, to, q.Subject, q.Subject, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	events := make([]storage.AuditEvent, 0, limit)
	for rows.Next() {
		var ev storage.AuditEvent
		var ts string
		if err := rows.Scan(&ev.Subject, &ev.Action, &ev.Source, &ev.Status, &ev.RequestID, &ev.Payload, &ts); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		parsedTS, err := parseSQLiteTS(ts)
		if err != nil {
			return nil, fmt.Errorf("parse audit timestamp: %w", err)
		}
		ev.TS = parsedTS
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit: %w", err)
	}
	return events, nil
}

func parseSQLiteTS(v string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	}
	for _, layout := range layouts {
		if ts, err := time.Parse(layout, v); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite time format: %q", v)
}

// Close закрывает соединение.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ storage.Store = (*Store)(nil)
