package common

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"cmdrelay/internal/core"
	"cmdrelay/internal/storage"
)

// AuditSink записывает аудиторные события.
type AuditSink interface {
	Write(ctx context.Context, ev storage.AuditEvent) error
}

// NewRequestID возвращает случайный идентификатор запроса.
func NewRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)
}

type requestIDKey struct{}

// WithRequestID кладет идентификатор запроса транспорта в контекст,
// чтобы аудит сервиса ссылался на тот же запрос.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext возвращает идентификатор из WithRequestID или "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type auditPayload struct {
	Command   string   `json:"command"`
	SessionID string   `json:"session_id"`
	Params    []string `json:"params,omitempty"`
	CommandID string   `json:"command_id,omitempty"`
	ErrorCode string   `json:"error_code,omitempty"`
}

// buildAuditPayload пишет имена параметров без значений.
func buildAuditPayload(req core.Request, commandID, errorCode string) []byte {
	names := make([]string, 0, len(req.Params))
	for _, p := range req.Params {
		names = append(names, p.Name)
	}
	payload, _ := json.Marshal(auditPayload{
		Command:   req.Command,
		SessionID: req.SessionID,
		Params:    names,
		CommandID: commandID,
		ErrorCode: errorCode,
	})
	return payload
}
