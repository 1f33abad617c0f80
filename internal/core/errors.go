package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrInvalidArguments   = errors.New("invalid arguments")
	ErrUnknownCommand     = errors.New("unknown command")
	ErrCommandExists      = errors.New("command already registered")
	ErrDuplicateParameter = errors.New("duplicate parameter")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrInvalidState       = errors.New("invalid command state")
	ErrResultNotFound     = errors.New("result not found")
	ErrCommandNotTracked  = errors.New("command not tracked")
)

// MissingParameterError возвращается, если не задан обязательный параметр.
type MissingParameterError struct {
	Command string
	Name    string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("command %s: missing required parameter %q", e.Command, e.Name)
}

// PersistenceError означает, что хранилище результатов недоступно
// или отклонило запись. Частичная запись при этом не остается.
type PersistenceError struct {
	CommandID string
	Op        string
	Err       error
}

func (e *PersistenceError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("persist %s for command %s: %v", e.Op, e.CommandID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// ErrorCode переводит ошибку в стабильный код для транспортов.
func ErrorCode(err error) string {
	var missing *MissingParameterError
	var persist *PersistenceError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &missing):
		return "missing_parameter"
	case errors.As(err, &persist):
		return "persistence_failed"
	case errors.Is(err, ErrUnknownCommand):
		return "command_not_found"
	case errors.Is(err, ErrResultNotFound):
		return "result_not_found"
	case errors.Is(err, ErrCommandNotTracked):
		return "command_not_tracked"
	case errors.Is(err, ErrDuplicateParameter), errors.Is(err, ErrInvalidArguments):
		return "bad_request"
	case errors.Is(err, context.DeadlineExceeded):
		return "request_timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "execution_failed"
	}
}
