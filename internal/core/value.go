package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind описывает вариант значения datastore.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindString
	KindNumber
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	default:
		return "absent"
	}
}

// Value описывает значение datastore: строку, число или отсутствие значения.
// Нулевое значение означает absent.
type Value struct {
	kind Kind
	str  string
	num  float64
}

// Absent обозначает отсутствие значения.
var Absent = Value{}

// StringValue создает строковое значение.
func StringValue(s string) Value {
	return Value{kind: KindString, str: s}
}

// NumberValue создает числовое значение.
func NumberValue(n float64) Value {
	return Value{kind: KindNumber, num: n}
}

func (v Value) Kind() Kind     { return v.kind }
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }

// Str возвращает строку, если значение строковое.
func (v Value) Str() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// Num возвращает число, если значение числовое.
func (v Value) Num() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// String форматирует значение для вывода; absent дает пустую строку.
func (v Value) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	default:
		return ""
	}
}

// Equal сравнивает значения с учетом варианта.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.str == o.str && v.num == o.num
}

func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return json.Marshal(v.num)
	default:
		return []byte("null"), nil
	}
}

func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*v = Absent
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = StringValue(s)
		return nil
	case '{', '[', 't', 'f':
		return fmt.Errorf("unsupported value %s: %w", data, ErrInvalidArguments)
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = NumberValue(n)
		return nil
	}
}

// Fields содержит поля записи результата.
type Fields map[string]Value

// Clone возвращает независимую копию.
func (f Fields) Clone() Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}
