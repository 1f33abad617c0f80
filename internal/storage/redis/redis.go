// Package redis реализует storage.Store поверх Redis.
//
// Запись результата хранится в hash <prefix>:result:<id>, индекс по времени
// сохранения в zset <prefix>:results, аудит в списке <prefix>:audit.
// Замена записи выполняется в MULTI/EXEC, поэтому читатель не видит
// частично записанный результат.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"cmdrelay/internal/core"
	"cmdrelay/internal/storage"
)

const (
	defaultPrefix   = "cmdrelay"
	defaultAuditCap = 10000
	listBatch       = 100
)

// Config задает параметры подключения.
type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	AuditCap int64
}

type Store struct {
	client   goredis.UniversalClient
	prefix   string
	auditCap int64
	owned    bool
}

// Open подключается к Redis и проверяет соединение.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	s := New(client, cfg.Prefix, cfg.AuditCap)
	s.owned = true
	return s, nil
}

// New оборачивает готовый клиент. Close такого Store клиент не закрывает.
func New(client goredis.UniversalClient, prefix string, auditCap int64) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	if auditCap <= 0 {
		auditCap = defaultAuditCap
	}
	return &Store{client: client, prefix: prefix, auditCap: auditCap}
}

func (s *Store) resultKey(id string) string { return s.prefix + ":result:" + id }
func (s *Store) indexKey() string           { return s.prefix + ":results" }
func (s *Store) auditKey() string           { return s.prefix + ":audit" }

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
	key := s.resultKey(rec.CommandID)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]interface{}{
			"session_id": rec.SessionID,
			"command":    rec.Command,
			"fields":     string(fields),
			"saved_at":   strconv.FormatInt(savedAt.UnixNano(), 10),
		})
		pipe.ZAdd(ctx, s.indexKey(), goredis.Z{Score: indexScore(savedAt), Member: rec.CommandID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, commandID string) (core.Result, error) {
	vals, err := s.client.HGetAll(ctx, s.resultKey(commandID)).Result()
	if err != nil {
		return core.Result{}, fmt.Errorf("query result: %w", err)
	}
	if len(vals) == 0 {
		return core.Result{}, fmt.Errorf("%s: %w", commandID, core.ErrResultNotFound)
	}
	return decodeResult(commandID, vals)
}

func (s *Store) DeleteResult(ctx context.Context, commandID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.resultKey(commandID))
		pipe.ZRem(ctx, s.indexKey(), commandID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete result: %w", err)
	}
	return nil
}

// ListResults обходит индекс от новых к старым пачками и фильтрует записи.
// Индекс точен до микросекунды, поэтому после набора limit записей обход
// дочитывает записи с той же оценкой, а итоговый порядок задают saved_at
// и command_id.
func (s *Store) ListResults(ctx context.Context, q storage.ResultQuery) ([]core.Result, error) {
	limit := storage.ClampLimit(q.Limit)
	out := make([]core.Result, 0, limit)
	var (
		full   bool
		cutoff float64
	)
scan:
	for start := int64(0); ; start += listBatch {
		zs, err := s.client.ZRevRangeWithScores(ctx, s.indexKey(), start, start+listBatch-1).Result()
		if err != nil {
			return nil, fmt.Errorf("query results index: %w", err)
		}
		if len(zs) == 0 {
			break
		}
		cmds := make([]*goredis.MapStringStringCmd, len(zs))
		_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
			for i, z := range zs {
				id, _ := z.Member.(string)
				cmds[i] = pipe.HGetAll(ctx, s.resultKey(id))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("query results: %w", err)
		}
		for i, cmd := range cmds {
			if full && zs[i].Score < cutoff {
				break scan
			}
			vals := cmd.Val()
			if len(vals) == 0 {
				continue
			}
			id, _ := zs[i].Member.(string)
			rec, err := decodeResult(id, vals)
			if err != nil {
				return nil, err
			}
			if !storage.MatchResult(rec, q) {
				continue
			}
			out = append(out, rec)
			if !full && len(out) == limit {
				full = true
				cutoff = zs[i].Score
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SavedAt.Equal(out[j].SavedAt) {
			return out[i].CommandID < out[j].CommandID
		}
		return out[i].SavedAt.After(out[j].SavedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// indexScore переводит время в микросекунды: float64 хранит их точно,
// в отличие от наносекунд.
func indexScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func (s *Store) PurgeResults(ctx context.Context, before time.Time) (int64, error) {
	boundary := indexScore(before)
	candidates, err := s.client.ZRangeByScoreWithScores(ctx, s.indexKey(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(boundary, 'f', 0, 64),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("purge results: %w", err)
	}
	ids := make([]string, 0, len(candidates))
	for _, z := range candidates {
		id, _ := z.Member.(string)
		if z.Score < boundary {
			ids = append(ids, id)
			continue
		}
		// Та же микросекунда, что и before: сравниваем точное saved_at.
		raw, err := s.client.HGet(ctx, s.resultKey(id), "saved_at").Result()
		if errors.Is(err, goredis.Nil) {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("purge results: %w", err)
		}
		ns, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("decode saved_at: %w", err)
		}
		if ns < before.UnixNano() {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.resultKey(id))
	}
	var del *goredis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		del = pipe.Del(ctx, keys...)
		members := make([]interface{}, 0, len(ids))
		for _, id := range ids {
			members = append(members, id)
		}
		pipe.ZRem(ctx, s.indexKey(), members...)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge results: %w", err)
	}
	return del.Val(), nil
}

func decodeResult(commandID string, vals map[string]string) (core.Result, error) {
	rec := core.Result{
		CommandID: commandID,
		SessionID: vals["session_id"],
		Command:   vals["command"],
	}
	if err := json.Unmarshal([]byte(vals["fields"]), &rec.Fields); err != nil {
		return core.Result{}, fmt.Errorf("decode result fields: %w", err)
	}
	ns, err := strconv.ParseInt(vals["saved_at"], 10, 64)
	if err != nil {
		return core.Result{}, fmt.Errorf("decode saved_at: %w", err)
	}
	rec.SavedAt = time.Unix(0, ns).UTC()
	return rec, nil
}

type auditRecord struct {
	Subject   string    `json:"subject"`
	Action    string    `json:"action"`
	Source    string    `json:"source"`
	Status    string    `json:"status"`
	RequestID string    `json:"request_id"`
	Payload   []byte    `json:"payload,omitempty"`
	TS        time.Time `json:"ts"`
}

func (s *Store) SaveAudit(ctx context.Context, ev storage.AuditEvent) error {
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	raw, err := json.Marshal(auditRecord(ev))
	if err != nil {
		return fmt.Errorf("marshal audit: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.LPush(ctx, s.auditKey(), raw)
		pipe.LTrim(ctx, s.auditKey(), 0, s.auditCap-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

func (s *Store) QueryAudit(ctx context.Context, q storage.AuditQuery) ([]storage.AuditEvent, error) {
	from, to := storage.AuditRange(q)
	limit := storage.ClampLimit(q.Limit)
	items, err := s.client.LRange(ctx, s.auditKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	out := make([]storage.AuditEvent, 0, limit)
	for _, item := range items {
		var rec auditRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode audit: %w", err)
		}
		if rec.TS.Before(from) || rec.TS.After(to) {
			continue
		}
		if q.Subject != "" && rec.Subject != q.Subject {
			continue
		}
		out = append(out, storage.AuditEvent(rec))
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

var _ storage.Store = (*Store)(nil)
