package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// State описывает состояние жизненного цикла команды.
type State string

const (
	StateCreated       State = "created"
	StateExecuting     State = "executing"
	StatePostExecuting State = "post_executing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// IsTerminal сообщает, завершена ли команда.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

func isAllowedTransition(from, to State) bool {
	switch from {
	case StateCreated:
		return to == StateExecuting
	case StateExecuting:
		return to == StatePostExecuting || to == StateFailed
	case StatePostExecuting:
		return to == StateCompleted || to == StateFailed
	default:
		return false
	}
}

// Result описывает запись результата команды. На команду хранится не более одной.
type Result struct {
	CommandID string    `json:"command_id"`
	SessionID string    `json:"session_id"`
	Command   string    `json:"command"`
	Fields    Fields    `json:"fields"`
	SavedAt   time.Time `json:"saved_at"`
}

// ResultStore хранит результаты по ID команды.
type ResultStore interface {
	// SaveResult атомарно заменяет запись для rec.CommandID.
	SaveResult(ctx context.Context, rec Result) error
	GetResult(ctx context.Context, commandID string) (Result, error)
	DeleteResult(ctx context.Context, commandID string) error
}

// CommandInfo содержит снимок команды для отчетов.
type CommandInfo struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Command   string    `json:"command"`
	Params    []Param   `json:"params"`
	State     State     `json:"state"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Command описывает единицу работы, привязанную к сессии.
// ID, сессия, имя и параметры неизменны после создания.
type Command struct {
	id        string
	sessionID string
	name      string
	params    Params
	data      *Datastore
	results   ResultStore
	createdAt time.Time
	now       func() time.Time

	mu        sync.Mutex
	state     State
	err       error
	updatedAt time.Time
	saved     bool
}

func newCommand(id, sessionID, name string, params Params, data *Datastore, results ResultStore, now func() time.Time) *Command {
	ts := now()
	return &Command{
		id:        id,
		sessionID: sessionID,
		name:      name,
		params:    params,
		data:      data,
		results:   results,
		createdAt: ts,
		now:       now,
		state:     StateCreated,
		updatedAt: ts,
	}
}

func (c *Command) ID() string            { return c.id }
func (c *Command) SessionID() string     { return c.sessionID }
func (c *Command) Name() string          { return c.name }
func (c *Command) Params() Params        { return c.params }
func (c *Command) Datastore() *Datastore { return c.data }

func (c *Command) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err возвращает причину перехода в failed.
func (c *Command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Info возвращает снимок команды.
func (c *Command) Info() CommandInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := CommandInfo{
		ID:        c.id,
		SessionID: c.sessionID,
		Command:   c.name,
		Params:    c.params.All(),
		State:     c.state,
		CreatedAt: c.createdAt,
		UpdatedAt: c.updatedAt,
	}
	if c.err != nil {
		info.Error = c.err.Error()
	}
	return info
}

// Save записывает поля как результат команды (upsert).
// Допустим только на этапе post-execute.
func (c *Command) Save(ctx context.Context, fields Fields) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StatePostExecuting {
		return fmt.Errorf("save in state %s: %w", state, ErrInvalidState)
	}
	if c.results == nil {
		return &PersistenceError{CommandID: c.id, Op: "save", Err: fmt.Errorf("result store is nil: %w", ErrInvalidArguments)}
	}
	rec := Result{
		CommandID: c.id,
		SessionID: c.sessionID,
		Command:   c.name,
		Fields:    fields.Clone(),
		SavedAt:   c.now().UTC(),
	}
	if err := c.results.SaveResult(ctx, rec); err != nil {
		return &PersistenceError{CommandID: c.id, Op: "save", Err: err}
	}
	c.mu.Lock()
	c.saved = true
	c.mu.Unlock()
	return nil
}

func (c *Command) transition(to State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !isAllowedTransition(c.state, to) {
		return fmt.Errorf("command %s: %s -> %s: %w", c.id, c.state, to, ErrInvalidTransition)
	}
	c.state = to
	c.updatedAt = c.now()
	return nil
}

// fail переводит команду в failed и возвращает, был ли сохранен результат.
func (c *Command) fail(cause error) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !isAllowedTransition(c.state, StateFailed) {
		return c.saved, fmt.Errorf("command %s: %s -> %s: %w", c.id, c.state, StateFailed, ErrInvalidTransition)
	}
	c.state = StateFailed
	c.err = cause
	c.updatedAt = c.now()
	return c.saved, nil
}

func (c *Command) lastUpdate() (State, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.updatedAt
}
