package storage

import (
	"context"
	"time"

	"cmdrelay/internal/core"
)

// ResultQuery задает фильтры выборки результатов.
type ResultQuery struct {
	SessionID string
	Command   string
	Limit     int
}

// AuditEvent фиксирует действия операторов и транспортов.
type AuditEvent struct {
	Subject   string
	Action    string
	Source    string
	Status    string
	RequestID string
	Payload   []byte
	TS        time.Time
}

// AuditQuery задает фильтры выборки аудита.
type AuditQuery struct {
	From    time.Time
	To      time.Time
	Subject string
	Limit   int
}

// Store хранит результаты команд и журнал аудита.
type Store interface {
	core.ResultStore
	// ListResults возвращает записи, новые первыми.
	ListResults(ctx context.Context, q ResultQuery) ([]core.Result, error)
	// PurgeResults удаляет записи, сохраненные раньше before.
	PurgeResults(ctx context.Context, before time.Time) (int64, error)
	SaveAudit(ctx context.Context, ev AuditEvent) error
	QueryAudit(ctx context.Context, q AuditQuery) ([]AuditEvent, error)
	Close() error
}

const (
	DefaultLimit = 50
	MaxLimit     = 200
)

// ClampLimit нормализует лимит выборки.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// AuditRange возвращает границы выборки аудита с учетом значений по умолчанию.
func AuditRange(q AuditQuery) (time.Time, time.Time) {
	from := q.From
	if from.IsZero() {
		from = time.Unix(0, 0).UTC()
	}
	to := q.To
	if to.IsZero() {
		to = time.Now().UTC()
	}
	return from, to
}

// MatchResult проверяет запись по фильтрам запроса.
func MatchResult(rec core.Result, q ResultQuery) bool {
	if q.SessionID != "" && rec.SessionID != q.SessionID {
		return false
	}
	if q.Command != "" && rec.Command != q.Command {
		return false
	}
	return true
}
