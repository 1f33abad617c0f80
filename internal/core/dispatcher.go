package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Request описывает запрос на выполнение команды против сессии.
// Data заранее заполняет datastore команды (например, ответ сессии).
type Request struct {
	Command   string           `json:"command"`
	SessionID string           `json:"session_id"`
	Params    []Param          `json:"params,omitempty"`
	Data      map[string]Value `json:"data,omitempty"`
}

// Dispatcher создает команды и проводит их через жизненный цикл.
type Dispatcher struct {
	registry *Registry
	results  ResultStore
	tracker  *Tracker
	logger   *slog.Logger
	newID    func() string
	now      func() time.Time
}

// Option настраивает Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithTracker(t *Tracker) Option {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracker = t
		}
	}
}

// WithIDGenerator подменяет генератор ID команд (по умолчанию UUIDv4).
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newID = fn
		}
	}
}

func WithClock(fn func() time.Time) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.now = fn
		}
	}
}

// NewDispatcher создает диспетчер поверх реестра и хранилища результатов.
func NewDispatcher(registry *Registry, results ResultStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		results:  results,
		tracker:  NewTracker(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) Registry() *Registry  { return d.registry }
func (d *Dispatcher) Tracker() *Tracker    { return d.tracker }
func (d *Dispatcher) Results() ResultStore { return d.results }

// Dispatch создает команду и синхронно выполняет execute, затем post_execute.
// Ошибки запроса возвращаются без создания команды (cmd == nil).
// Ошибки выполнения переводят команду в failed; cmd возвращается вместе с ошибкой.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Command, error) {
	def, ok := d.registry.Lookup(req.Command)
	if !ok {
		return nil, fmt.Errorf("%s: %w", req.Command, ErrUnknownCommand)
	}
	if req.SessionID == "" {
		return nil, fmt.Errorf("session id is empty: %w", ErrInvalidArguments)
	}
	params, err := NewParams(req.Params...)
	if err != nil {
		return nil, err
	}
	if d.results == nil {
		return nil, fmt.Errorf("result store is nil: %w", ErrInvalidArguments)
	}

	cmd := newCommand(d.newID(), req.SessionID, def.Name, params, NewDatastore(req.Data), d.results, d.now)
	if err := d.tracker.Track(cmd); err != nil {
		return nil, err
	}
	log := d.logger.With("command_id", cmd.ID(), "command", cmd.Name(), "session_id", cmd.SessionID())
	log.Debug("command created")

	if err := d.run(ctx, def, cmd); err != nil {
		return cmd, d.abort(ctx, cmd, err, log)
	}
	log.Info("command completed")
	return cmd, nil
}

func (d *Dispatcher) run(ctx context.Context, def Definition, cmd *Command) error {
	if err := cmd.transition(StateExecuting); err != nil {
		return err
	}
	handler := def.New()
	if handler == nil {
		return fmt.Errorf("%s: factory returned nil handler: %w", def.Name, ErrInvalidArguments)
	}
	if err := checkRequired(def, cmd.Params()); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := guard("execute", func() error { return handler.Execute(ctx, cmd) }); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cmd.transition(StatePostExecuting); err != nil {
		return err
	}
	if err := guard("post_execute", func() error { return handler.PostExecute(ctx, cmd) }); err != nil {
		return err
	}
	return cmd.transition(StateCompleted)
}

// abort переводит команду в failed и удаляет запись, если post_execute
// успел ее сохранить. Если удалить не удалось, к cause добавляется
// PersistenceError с Op "rollback": в хранилище осталась запись
// неуспешной команды.
func (d *Dispatcher) abort(ctx context.Context, cmd *Command, cause error, log *slog.Logger) error {
	saved, err := cmd.fail(cause)
	if err != nil {
		log.Error("mark command failed", "err", err)
	}
	log.Warn("command failed", "err", cause, "error_code", ErrorCode(cause))
	if !saved {
		return cause
	}
	delCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := d.results.DeleteResult(delCtx, cmd.ID()); err != nil && !errors.Is(err, ErrResultNotFound) {
		log.Error("rollback result of failed command", "err", err)
		return errors.Join(cause, &PersistenceError{CommandID: cmd.ID(), Op: "rollback", Err: err})
	}
	return cause
}

func checkRequired(def Definition, params Params) error {
	for _, spec := range def.Params {
		if !spec.Required {
			continue
		}
		if v, ok := params.Get(spec.Name); !ok || v.IsAbsent() {
			return &MissingParameterError{Command: def.Name, Name: spec.Name}
		}
	}
	return nil
}

func guard(phase string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s panicked: %v", phase, r)
		}
	}()
	return fn()
}
