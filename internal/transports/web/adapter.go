package web

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"cmdrelay/internal/core"
	"cmdrelay/internal/storage"
	"cmdrelay/internal/transports/common"
)

type contextKey string

const (
	ctxSubjectID  contextKey = "subject_id"
	ctxAuthMethod contextKey = "auth_method"
)

// Операции чтения, которые проверяет authorizer.
const (
	opCommandsRead = "commands:read"
	opResultsRead  = "results:read"
	opAuditRead    = "audit:read"
)

// TokenEntry описывает web bearer-токен.
type TokenEntry struct {
	ID          string
	TokenSHA256 string
	Subject     string
	Enabled     bool
}

// Config определяет параметры HTTP-транспорта.
type Config struct {
	ListenAddr               string
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	ShutdownTimeout          time.Duration
	RequestTimeout           time.Duration
	MaxRequestBody           int64
	AllowLegacySubjectHeader bool
	Tokens                   []TokenEntry
}

// Adapter реализует web transport поверх net/http.
type Adapter struct {
	service *common.Service
	store   storage.Store
	logger  *slog.Logger
	cfg     Config

	tokensByHash map[string]TokenEntry

	mu     sync.Mutex
	server *http.Server
}

// NewAdapter создает web transport. Запись команд идет через service,
// чтение отчетов через store.
func NewAdapter(service *common.Service, store storage.Store, cfg Config, logger *slog.Logger) *Adapter {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8080"
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Second
	}
	if cfg.MaxRequestBody <= 0 {
		cfg.MaxRequestBody = 1 << 20
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tokensByHash := make(map[string]TokenEntry, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		h := strings.ToLower(strings.TrimSpace(token.TokenSHA256))
		if len(h) != 64 {
			continue
		}
		tokensByHash[h] = token
	}

	return &Adapter{
		service:      service,
		store:        store,
		logger:       logger.With("transport", "web"),
		cfg:          cfg,
		tokensByHash: tokensByHash,
	}
}

func (a *Adapter) Name() string { return "web" }

// Start запускает HTTP server и останавливает его при отмене контекста.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.server != nil {
		a.mu.Unlock()
		return errors.New("web transport already started")
	}
	srv := &http.Server{
		Addr:         a.cfg.ListenAddr,
		Handler:      a.routes(),
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
	}
	a.server = srv
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
		defer cancel()
		_ = a.Stop(stopCtx)
	}()

	go func() {
		a.logger.Info("listening", "addr", a.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("serve", "err", err)
			a.writeAudit(context.Background(), "", "web:serve", "error", map[string]string{"error": err.Error()}, "")
		}
	}()
	return nil
}

// Stop завершает HTTP server.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	srv := a.server
	a.server = nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

type middleware func(http.Handler) http.Handler

func chain(h http.Handler, mws ...middleware) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

func (a *Adapter) routes() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("GET /v1/health", http.HandlerFunc(a.handleHealth))

	protected := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}), a.timeoutMiddleware(), a.authSubjectMiddleware())

	mux.Handle("GET /v1/", protected)
	mux.Handle("POST /v1/", protected)

	mux.Handle("GET /v1/commands", chain(http.HandlerFunc(a.handleDefinitions),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeMiddleware("web:commands", opCommandsRead),
	))

	// Аутентификация здесь; доступ к команде проверяет common.Service.
	mux.Handle("POST /v1/commands/execute", chain(http.HandlerFunc(a.handleExecute),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.maxBodyMiddleware(),
	))

	mux.Handle("GET /v1/commands/{id}", chain(http.HandlerFunc(a.handleCommand),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeMiddleware("web:command", opCommandsRead),
	))

	mux.Handle("GET /v1/sessions/{session}/commands", chain(http.HandlerFunc(a.handleSessionCommands),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeMiddleware("web:session_commands", opCommandsRead),
	))

	mux.Handle("GET /v1/results/{id}", chain(http.HandlerFunc(a.handleResult),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeMiddleware("web:result", opResultsRead),
	))

	mux.Handle("GET /v1/results", chain(http.HandlerFunc(a.handleResults),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeMiddleware("web:results", opResultsRead),
	))

	mux.Handle("GET /v1/audit", chain(http.HandlerFunc(a.handleAudit),
		a.timeoutMiddleware(),
		a.authSubjectMiddleware(),
		a.authorizeMiddleware("web:audit_query", opAuditRead),
	))

	return chain(mux, a.requestIDMiddleware())
}

func (a *Adapter) requestIDMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := sanitizeRequestID(r.Header.Get("X-Request-ID"))
			if requestID == "" {
				requestID = common.NewRequestID()
			}
			w.Header().Set("X-Request-ID", requestID)
			next.ServeHTTP(w, r.WithContext(common.WithRequestID(r.Context(), requestID)))
		})
	}
}

func (a *Adapter) timeoutMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), a.cfg.RequestTimeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) authSubjectMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID, authMethod, code := a.resolveSubject(r)
			if code != "" {
				writeError(w, r, http.StatusUnauthorized, code)
				return
			}
			ctx := context.WithValue(r.Context(), ctxSubjectID, subjectID)
			ctx = context.WithValue(ctx, ctxAuthMethod, authMethod)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (a *Adapter) resolveSubject(r *http.Request) (string, string, string) {
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[7:])
		if token == "" {
			return "", "", "invalid_token"
		}
		sum := sha256.Sum256([]byte(token))
		entry, ok := a.tokensByHash[hex.EncodeToString(sum[:])]
		if !ok || !entry.Enabled || entry.Subject == "" {
			return "", "", "invalid_token"
		}
		return entry.Subject, "bearer", ""
	}

	if a.cfg.AllowLegacySubjectHeader {
		subjectID := strings.TrimSpace(r.Header.Get("X-Subject-ID"))
		if subjectID != "" {
			return subjectID, "legacy_header", ""
		}
	}

	return "", "", "auth_required"
}

func (a *Adapter) maxBodyMiddleware() middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxRequestBody)
			next.ServeHTTP(w, r)
		})
	}
}

func (a *Adapter) authorizeMiddleware(auditAction, operation string) middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			subjectID := subjectIDFromContext(r.Context())
			if subjectID == "" {
				writeError(w, r, http.StatusUnauthorized, "auth_required")
				return
			}
			if err := a.service.Authorize(subjectID, operation); err != nil {
				writeError(w, r, http.StatusForbidden, common.CodeAccessDenied)
				a.writeAudit(r.Context(), subjectID, auditAction, "denied", map[string]string{"auth_method": authMethodFromContext(r.Context())}, requestIDFromContext(r.Context()))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func decodeExecuteRequest(r *http.Request) (core.Request, string, int) {
	var req core.Request
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return core.Request{}, "payload_too_large", http.StatusRequestEntityTooLarge
		}
		return core.Request{}, "invalid_json", http.StatusBadRequest
	}
	if dec.More() {
		return core.Request{}, "invalid_json", http.StatusBadRequest
	}
	if req.Command == "" || req.SessionID == "" {
		return core.Request{}, common.CodeBadCommand, http.StatusBadRequest
	}
	return req, "", 0
}

func sanitizeRequestID(v string) string {
	id := strings.TrimSpace(v)
	if id == "" || len(id) > 64 {
		return ""
	}
	for _, ch := range id {
		if (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') {
			continue
		}
		switch ch {
		case '-', '_', '.', ':':
			continue
		default:
			return ""
		}
	}
	return id
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "ok"})
}

type definitionDTO struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Params      []core.ParamSpec `json:"params"`
}

func (a *Adapter) handleDefinitions(w http.ResponseWriter, r *http.Request) {
	defs := a.service.Dispatcher.Registry().Definitions()
	items := make([]definitionDTO, 0, len(defs))
	for _, def := range defs {
		params := def.Params
		if params == nil {
			params = []core.ParamSpec{}
		}
		items = append(items, definitionDTO{Name: def.Name, Description: def.Description, Params: params})
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestIDFromContext(r.Context()),
		"items":      items,
	})
}

func (a *Adapter) handleExecute(w http.ResponseWriter, r *http.Request) {
	subjectID := subjectIDFromContext(r.Context())
	requestID := requestIDFromContext(r.Context())
	authMethod := authMethodFromContext(r.Context())

	req, code, statusCode := decodeExecuteRequest(r)
	if code != "" {
		writeError(w, r, statusCode, code)
		a.writeAudit(r.Context(), subjectID, "web:execute", "error", map[string]string{"error_code": code, "auth_method": authMethod}, requestID)
		return
	}

	resp, err := a.service.Execute(r.Context(), subjectID, req)
	if err != nil && errors.Is(r.Context().Err(), context.DeadlineExceeded) {
		resp.ErrorCode = "request_timeout"
	}
	status := http.StatusOK
	if err != nil {
		status = statusForCode(resp.ErrorCode)
		a.logger.Debug("execute failed", "request_id", requestID, "command", req.Command, "error_code", resp.ErrorCode, "err", err)
	}
	body := map[string]interface{}{
		"request_id": requestID,
		"status":     resp.Status,
		"command":    resp.Command,
		"result":     resp.Result,
	}
	if resp.ErrorCode != "" {
		body["error_code"] = resp.ErrorCode
		body["message"] = errorMessage(resp.ErrorCode)
	}
	writeJSON(w, r, status, body)
}

func (a *Adapter) handleCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := a.service.Dispatcher.Tracker().Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, http.StatusNotFound, core.ErrorCode(err))
		return
	}
	info := cmd.Info()
	body := map[string]interface{}{
		"request_id": requestIDFromContext(r.Context()),
		"command":    info,
	}
	if info.State == core.StateCompleted {
		rec, err := a.store.GetResult(r.Context(), info.ID)
		switch {
		case err == nil:
			body["result"] = rec
		case !errors.Is(err, core.ErrResultNotFound):
			a.writeStoreError(w, r, err)
			return
		}
	}
	writeJSON(w, r, http.StatusOK, body)
}

func (a *Adapter) handleSessionCommands(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestIDFromContext(r.Context()),
		"items":      a.service.Dispatcher.Tracker().List(r.PathValue("session")),
	})
}

func (a *Adapter) handleResult(w http.ResponseWriter, r *http.Request) {
	rec, err := a.store.GetResult(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestIDFromContext(r.Context()),
		"result":     rec,
	})
}

func (a *Adapter) handleResults(w http.ResponseWriter, r *http.Request) {
	q := storage.ResultQuery{
		SessionID: r.URL.Query().Get("session"),
		Command:   r.URL.Query().Get("command"),
		Limit:     parseLimit(r.URL.Query().Get("limit")),
	}
	items, err := a.store.ListResults(r.Context(), q)
	if err != nil {
		a.writeStoreError(w, r, err)
		return
	}
	if items == nil {
		items = []core.Result{}
	}
	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestIDFromContext(r.Context()),
		"items":      items,
	})
}

func (a *Adapter) handleAudit(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFromContext(r.Context())
	subjectID := subjectIDFromContext(r.Context())
	authMethod := authMethodFromContext(r.Context())

	q := storage.AuditQuery{
		Subject: r.URL.Query().Get("subject"),
		Limit:   parseLimit(r.URL.Query().Get("limit")),
	}
	if from := r.URL.Query().Get("from"); from != "" {
		ts, err := time.Parse(time.RFC3339, from)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_from")
			return
		}
		q.From = ts
	}
	if to := r.URL.Query().Get("to"); to != "" {
		ts, err := time.Parse(time.RFC3339, to)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_to")
			return
		}
		q.To = ts
	}

	events, err := a.store.QueryAudit(r.Context(), q)
	if err != nil {
		a.writeStoreError(w, r, err)
		a.writeAudit(r.Context(), subjectID, "web:audit_query", "error", map[string]string{"auth_method": authMethod}, requestID)
		return
	}

	type eventDTO struct {
		Subject   string          `json:"subject"`
		Action    string          `json:"action"`
		Source    string          `json:"source"`
		Status    string          `json:"status"`
		RequestID string          `json:"request_id"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		TS        string          `json:"ts"`
	}
	payload := make([]eventDTO, 0, len(events))
	for _, ev := range events {
		payload = append(payload, eventDTO{
			Subject:   ev.Subject,
			Action:    ev.Action,
			Source:    ev.Source,
			Status:    ev.Status,
			RequestID: ev.RequestID,
			Payload:   json.RawMessage(ev.Payload),
			TS:        ev.TS.UTC().Format(time.RFC3339),
		})
	}

	writeJSON(w, r, http.StatusOK, map[string]interface{}{
		"request_id": requestID,
		"items":      payload,
	})
	a.writeAudit(r.Context(), subjectID, "web:audit_query", "ok", map[string]string{"items": strconv.Itoa(len(payload)), "auth_method": authMethod}, requestID)
}

func (a *Adapter) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, core.ErrResultNotFound):
		writeError(w, r, http.StatusNotFound, "result_not_found")
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "request_timeout")
	default:
		a.logger.Error("store query", "request_id", requestIDFromContext(r.Context()), "err", err)
		writeError(w, r, http.StatusInternalServerError, "query_failed")
	}
}

func statusForCode(code string) int {
	switch code {
	case common.CodeAccessDenied:
		return http.StatusForbidden
	case common.CodeRateLimited:
		return http.StatusTooManyRequests
	case common.CodeBadCommand, "bad_request", "missing_parameter":
		return http.StatusBadRequest
	case "command_not_found":
		return http.StatusNotFound
	case "request_timeout":
		return http.StatusGatewayTimeout
	case "persistence_failed", "canceled":
		return http.StatusServiceUnavailable
	default:
		return http.StatusUnprocessableEntity
	}
}

func requestIDFromContext(ctx context.Context) string {
	if v := common.RequestIDFromContext(ctx); v != "" {
		return v
	}
	return common.NewRequestID()
}

func subjectIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxSubjectID).(string)
	return v
}

func authMethodFromContext(ctx context.Context) string {
	v, _ := ctx.Value(ctxAuthMethod).(string)
	return v
}

func (a *Adapter) writeAudit(ctx context.Context, subject, action, status string, payload interface{}, requestID string) {
	var rawPayload []byte
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return
		}
		rawPayload = data
	}
	err := a.store.SaveAudit(ctx, storage.AuditEvent{
		Subject:   subject,
		Action:    action,
		Source:    "web",
		Status:    status,
		RequestID: requestID,
		Payload:   rawPayload,
	})
	if err != nil {
		a.logger.Warn("write audit", "action", action, "err", err)
	}
}

func parseLimit(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return storage.DefaultLimit
	}
	return n
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code string) {
	writeJSON(w, r, statusCode, map[string]string{
		"request_id": requestIDFromContext(r.Context()),
		"error_code": code,
		"message":    errorMessage(code),
	})
}

func errorMessage(code string) string {
	switch code {
	case "auth_required":
		return "authentication is required"
	case "invalid_token":
		return "token is invalid"
	case common.CodeAccessDenied:
		return "access denied"
	case common.CodeRateLimited:
		return "too many requests"
	case "payload_too_large":
		return "request payload is too large"
	case "request_timeout":
		return "request timeout"
	case "missing_parameter":
		return "required parameter is missing"
	case "command_not_found":
		return "command is not registered"
	case "command_not_tracked":
		return "command is unknown to this process"
	case "result_not_found":
		return "no result saved for command"
	case "persistence_failed":
		return "result store unavailable"
	default:
		return code
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestIDFromContext(r.Context()))
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
