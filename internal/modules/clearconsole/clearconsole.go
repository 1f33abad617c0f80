// Package clearconsole реализует команду clear_console.
//
// Очистка консоли происходит на стороне сессии, поэтому Execute пуст.
// PostExecute сохраняет то, что сессия сообщила в ключе result.
package clearconsole

import (
	"context"

	"cmdrelay/internal/core"
)

const Name = "clear_console"

// Definition возвращает определение команды для реестра.
func Definition() core.Definition {
	return core.Definition{
		Name:        Name,
		Description: "Clear the console of the target session and record the reported outcome",
		New:         func() core.Handler { return &Command{} },
	}
}

type Command struct{}

func (c *Command) Execute(ctx context.Context, cmd *core.Command) error {
	return nil
}

func (c *Command) PostExecute(ctx context.Context, cmd *core.Command) error {
	return core.PersistResult(ctx, cmd)
}
