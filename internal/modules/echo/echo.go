// Package echo реализует команду echo: параметр text становится результатом.
package echo

import (
	"context"

	"cmdrelay/internal/core"
)

const (
	Name      = "echo"
	ParamText = "text"
)

func Definition() core.Definition {
	return core.Definition{
		Name:        Name,
		Description: "Record the given text as the command result",
		Params: []core.ParamSpec{
			{Name: ParamText, Required: true, Description: "text to record"},
		},
		New: func() core.Handler { return &Command{} },
	}
}

type Command struct{}

func (c *Command) Execute(ctx context.Context, cmd *core.Command) error {
	text, ok := cmd.Params().Get(ParamText)
	if !ok {
		return &core.MissingParameterError{Command: Name, Name: ParamText}
	}
	cmd.Datastore().Set(core.ResultKey, text)
	return nil
}

func (c *Command) PostExecute(ctx context.Context, cmd *core.Command) error {
	return core.PersistResult(ctx, cmd)
}
