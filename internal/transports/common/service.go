package common

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"cmdrelay/internal/core"
	"cmdrelay/internal/storage"
)

var (
	errEmptyCommand = errors.New("empty command")
	errBadToken     = errors.New("bad command token")
	errRateLimited  = errors.New("rate limit exceeded")
	errAccessDenied = errors.New("access denied")
)

// Коды ошибок транспорта, не связанные с жизненным циклом команды.
const (
	CodeBadCommand   = "bad_command"
	CodeAccessDenied = "access_denied"
	CodeRateLimited  = "rate_limited"
)

// Service объединяет общий пайплайн authz -> ratelimit -> dispatch -> audit.
type Service struct {
	Source      string
	Dispatcher  *core.Dispatcher
	Authorizer  core.Authorizer
	RateLimiter *RateLimiter
	AuditSink   AuditSink
	Logger      *slog.Logger
}

// ExecuteText парсит строку транспорта и выполняет команду.
func (s *Service) ExecuteText(ctx context.Context, subjectID, text string) (core.Response, error) {
	req, err := ParseTextCommand(text)
	if err != nil {
		return core.Response{Status: "error", ErrorCode: CodeBadCommand}, err
	}
	return s.Execute(ctx, subjectID, req)
}

// Execute проверяет доступ и лимит, затем выполняет команду синхронно.
// При успехе ответ содержит сохраненную запись результата.
func (s *Service) Execute(ctx context.Context, subjectID string, req core.Request) (core.Response, error) {
	subject := core.Subject{Source: s.Source, ID: subjectID}
	action := core.Action{Command: req.Command, SessionID: req.SessionID}
	if err := s.authorize(subject, action); err != nil {
		s.writeAudit(ctx, subject, req, "denied", "", CodeAccessDenied)
		return core.Response{Status: "error", ErrorCode: CodeAccessDenied}, err
	}
	if s.RateLimiter != nil {
		if !s.RateLimiter.Allow(fmt.Sprintf("%s:%s", s.Source, subjectID), time.Now()) {
			s.writeAudit(ctx, subject, req, "rate_limited", "", CodeRateLimited)
			return core.Response{Status: "error", ErrorCode: CodeRateLimited}, errRateLimited
		}
	}

	cmd, err := s.Dispatcher.Dispatch(ctx, req)
	resp := core.Response{Status: "ok"}
	commandID := ""
	if cmd != nil {
		info := cmd.Info()
		resp.Command = &info
		commandID = cmd.ID()
	}
	if err != nil {
		resp.Status = "error"
		resp.ErrorCode = core.ErrorCode(err)
		s.writeAudit(ctx, subject, req, "error", commandID, resp.ErrorCode)
		return resp, err
	}

	rec, err := s.Dispatcher.Results().GetResult(ctx, commandID)
	if err != nil {
		// Команда уже completed; ошибка чтения записи не меняет ее статус.
		s.logger().Warn("load saved result", "command_id", commandID, "err", err)
	} else {
		resp.Result = &rec
	}
	s.writeAudit(ctx, subject, req, "ok", commandID, "")
	return resp, nil
}

// Authorize проверяет доступ subject к операции чтения.
func (s *Service) Authorize(subjectID, operation string) error {
	return s.authorize(core.Subject{Source: s.Source, ID: subjectID}, core.Action{Command: operation})
}

func (s *Service) authorize(subject core.Subject, action core.Action) error {
	if s.Authorizer == nil {
		return errAccessDenied
	}
	if err := s.Authorizer.Authorize(subject, action); err != nil {
		return fmt.Errorf("%w: %v", errAccessDenied, err)
	}
	return nil
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

func (s *Service) writeAudit(ctx context.Context, subject core.Subject, req core.Request, status, commandID, errorCode string) {
	if s.AuditSink == nil {
		return
	}
	requestID := RequestIDFromContext(ctx)
	if requestID == "" {
		requestID = NewRequestID()
	}
	err := s.AuditSink.Write(ctx, storage.AuditEvent{
		Subject:   subject.ID,
		Action:    "execute:" + req.Command,
		Source:    subject.Source,
		Status:    status,
		RequestID: requestID,
		Payload:   buildAuditPayload(req, commandID, errorCode),
	})
	if err != nil {
		s.logger().Warn("write audit", "source", subject.Source, "err", err)
	}
}

// IsAccessDenied сообщает, что запрос отклонен authorizer.
func IsAccessDenied(err error) bool { return errors.Is(err, errAccessDenied) }

// IsRateLimited сообщает, что запрос отклонен лимитером.
func IsRateLimited(err error) bool { return errors.Is(err, errRateLimited) }

// ParseTextCommand переводит строку в запрос.
// Формат: /command session [name=value ...] [+key=value ...]
// Токены с "+" заполняют datastore команды.
func ParseTextCommand(text string) (core.Request, error) {
	t := strings.TrimSpace(text)
	if t == "" {
		return core.Request{}, errEmptyCommand
	}
	t = strings.TrimPrefix(t, "/")
	parts := strings.Fields(t)
	if len(parts) < 2 {
		return core.Request{}, fmt.Errorf("invalid command format: %w", errEmptyCommand)
	}
	req := core.Request{Command: parts[0], SessionID: parts[1]}
	for _, tok := range parts[2:] {
		seed := strings.HasPrefix(tok, "+")
		name, value, ok := strings.Cut(strings.TrimPrefix(tok, "+"), "=")
		if !ok || name == "" {
			return core.Request{}, fmt.Errorf("%q: %w", tok, errBadToken)
		}
		if seed {
			if req.Data == nil {
				req.Data = make(map[string]core.Value)
			}
			req.Data[name] = core.StringValue(value)
			continue
		}
		req.Params = append(req.Params, core.Param{Name: name, Value: core.StringValue(value)})
	}
	return req, nil
}
