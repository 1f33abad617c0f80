// Package modules регистрирует встроенные команды.
package modules

import (
	"fmt"

	"cmdrelay/internal/core"
	"cmdrelay/internal/modules/clearconsole"
	"cmdrelay/internal/modules/echo"
	"cmdrelay/internal/modules/host"
)

// Builtin возвращает определения встроенных команд.
func Builtin() []core.Definition {
	return []core.Definition{
		clearconsole.Definition(),
		echo.Definition(),
		host.Definition(),
	}
}

// RegisterAll регистрирует встроенные команды в реестре.
func RegisterAll(r *core.Registry) error {
	for _, def := range Builtin() {
		if err := r.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", def.Name, err)
		}
	}
	return nil
}
