package core

import "sync"

// Datastore хранит временные key/value значения одной команды.
// Может заполняться извне (callback сессии) параллельно с выполнением.
type Datastore struct {
	mu     sync.RWMutex
	values map[string]Value
}

// NewDatastore создает datastore с начальными значениями.
func NewDatastore(seed map[string]Value) *Datastore {
	values := make(map[string]Value, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &Datastore{values: values}
}

// Get возвращает значение ключа и признак его наличия.
func (d *Datastore) Get(key string) (Value, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.values[key]
	return v, ok
}

func (d *Datastore) Set(key string, v Value) {
	d.mu.Lock()
	d.values[key] = v
	d.mu.Unlock()
}

func (d *Datastore) Delete(key string) {
	d.mu.Lock()
	delete(d.values, key)
	d.mu.Unlock()
}

// Snapshot возвращает копию всех значений.
func (d *Datastore) Snapshot() map[string]Value {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Value, len(d.values))
	for k, v := range d.values {
		out[k] = v
	}
	return out
}
