package core

import "fmt"

// Param описывает именованный входной параметр команды.
type Param struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Params хранит параметры в порядке добавления; имена уникальны.
type Params struct {
	items []Param
	index map[string]int
}

// NewParams проверяет уникальность имен и строит набор параметров.
func NewParams(items ...Param) (Params, error) {
	p := Params{
		items: make([]Param, 0, len(items)),
		index: make(map[string]int, len(items)),
	}
	for _, it := range items {
		if it.Name == "" {
			return Params{}, fmt.Errorf("parameter name is empty: %w", ErrInvalidArguments)
		}
		if _, dup := p.index[it.Name]; dup {
			return Params{}, fmt.Errorf("%s: %w", it.Name, ErrDuplicateParameter)
		}
		p.index[it.Name] = len(p.items)
		p.items = append(p.items, it)
	}
	return p, nil
}

func (p Params) Get(name string) (Value, bool) {
	i, ok := p.index[name]
	if !ok {
		return Absent, false
	}
	return p.items[i].Value, true
}

func (p Params) Len() int { return len(p.items) }

func (p Params) Names() []string {
	names := make([]string, 0, len(p.items))
	for _, it := range p.items {
		names = append(names, it.Name)
	}
	return names
}

// All возвращает копию параметров в исходном порядке.
func (p Params) All() []Param {
	return append([]Param(nil), p.items...)
}
