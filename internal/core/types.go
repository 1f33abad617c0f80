package core

import "context"

// Response описывает унифицированный ответ транспорта на команду.
type Response struct {
	Status    string       `json:"status"`
	Command   *CommandInfo `json:"command,omitempty"`
	Result    *Result      `json:"result,omitempty"`
	ErrorCode string       `json:"error_code,omitempty"`
}

// Handler реализуется каждым типом команды.
//
// Execute выполняет основное действие и может быть пустым.
// PostExecute вызывается только после успешного Execute и сохраняет
// результат через Command.Save.
type Handler interface {
	Execute(ctx context.Context, cmd *Command) error
	PostExecute(ctx context.Context, cmd *Command) error
}

// ParamSpec декларирует входной параметр команды.
type ParamSpec struct {
	Name        string `json:"name"`
	Required    bool   `json:"required"`
	Description string `json:"description,omitempty"`
}

// Definition связывает имя команды с фабрикой обработчика.
type Definition struct {
	Name        string
	Description string
	Params      []ParamSpec
	New         func() Handler
}

// ResultKey задает ключ datastore, из которого берется результат команды.
const ResultKey = "result"

// PersistResult сохраняет значение ключа result как запись результата.
// Если ключа нет, сохраняется пустой результат.
func PersistResult(ctx context.Context, cmd *Command) error {
	v, _ := cmd.Datastore().Get(ResultKey)
	return cmd.Save(ctx, Fields{ResultKey: v})
}
