package core

import (
	"fmt"
	"sort"
	"sync"
)

// Registry хранит зарегистрированные типы команд.
// Заполняется один раз при старте приложения.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry создает пустой реестр.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register добавляет тип команды; имя должно быть уникальным.
func (r *Registry) Register(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("command name is empty: %w", ErrInvalidArguments)
	}
	if def.New == nil {
		return fmt.Errorf("%s: factory is nil: %w", def.Name, ErrInvalidArguments)
	}
	seen := make(map[string]struct{}, len(def.Params))
	for _, p := range def.Params {
		if p.Name == "" {
			return fmt.Errorf("%s: parameter name is empty: %w", def.Name, ErrInvalidArguments)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("%s: %s: %w", def.Name, p.Name, ErrDuplicateParameter)
		}
		seen[p.Name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("%s: %w", def.Name, ErrCommandExists)
	}
	def.Params = append([]ParamSpec(nil), def.Params...)
	r.defs[def.Name] = def
	return nil
}

// Lookup возвращает определение команды по имени.
func (r *Registry) Lookup(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	return def, ok
}

// Definitions возвращает определения, отсортированные по имени.
func (r *Registry) Definitions() []Definition {
	r.mu.RLock()
	defs := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		defs = append(defs, def)
	}
	r.mu.RUnlock()
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Names возвращает отсортированный список имен команд.
func (r *Registry) Names() []string {
	defs := r.Definitions()
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}
