// Package memory хранит результаты и аудит в памяти процесса.
// Данные не переживают перезапуск; используется в тестах и для разовых запусков.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"cmdrelay/internal/core"
	"cmdrelay/internal/storage"
)

type Store struct {
	mu      sync.RWMutex
	results map[string]core.Result
	audit   []storage.AuditEvent
}

func New() *Store {
	return &Store{results: make(map[string]core.Result)}
}

func (s *Store) SaveResult(ctx context.Context, rec core.Result) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.CommandID == "" {
		return fmt.Errorf("command id is empty: %w", core.ErrInvalidArguments)
	}
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now().UTC()
	}
	rec.Fields = rec.Fields.Clone()
	s.mu.Lock()
	s.results[rec.CommandID] = rec
	s.mu.Unlock()
	return nil
}

func (s *Store) GetResult(ctx context.Context, commandID string) (core.Result, error) {
	s.mu.RLock()
	rec, ok := s.results[commandID]
	s.mu.RUnlock()
	if !ok {
		return core.Result{}, fmt.Errorf("%s: %w", commandID, core.ErrResultNotFound)
	}
	rec.Fields = rec.Fields.Clone()
	return rec, nil
}

func (s *Store) DeleteResult(ctx context.Context, commandID string) error {
	s.mu.Lock()
	delete(s.results, commandID)
	s.mu.Unlock()
	return nil
}

func (s *Store) ListResults(ctx context.Context, q storage.ResultQuery) ([]core.Result, error) {
	s.mu.RLock()
	out := make([]core.Result, 0, len(s.results))
	for _, rec := range s.results {
		if storage.MatchResult(rec, q) {
			rec.Fields = rec.Fields.Clone()
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SavedAt.Equal(out[j].SavedAt) {
			return out[i].CommandID < out[j].CommandID
		}
		return out[i].SavedAt.After(out[j].SavedAt)
	})
	if limit := storage.ClampLimit(q.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) PurgeResults(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.results {
		if rec.SavedAt.Before(before) {
			delete(s.results, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) SaveAudit(ctx context.Context, ev storage.AuditEvent) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	s.mu.Lock()
	s.audit = append(s.audit, ev)
	s.mu.Unlock()
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	from, to := storage.AuditRange(q)
	limit := storage.ClampLimit(q.Limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]storage.AuditEvent, 0, limit)
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.audit[i]
		if ev.TS.Before(from) || ev.TS.After(to) {
			continue
		}
		if q.Subject != "" && ev.Subject != q.Subject {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *Store) Close() error { return nil }

var _ storage.Store = (*Store)(nil)
