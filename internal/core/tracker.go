package core

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Tracker хранит таблицу команд процесса. По ней отличают "еще не завершена"
// от "завершилась ошибкой", когда записи результата нет.
type Tracker struct {
	mu       sync.RWMutex
	commands map[string]*Command
}

// NewTracker создает пустую таблицу команд.
func NewTracker() *Tracker {
	return &Tracker{commands: make(map[string]*Command)}
}

// Track добавляет команду; ID должен быть уникальным.
func (t *Tracker) Track(cmd *Command) error {
	if cmd == nil {
		return fmt.Errorf("command is nil: %w", ErrInvalidArguments)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.commands[cmd.ID()]; exists {
		return fmt.Errorf("command id %s already tracked: %w", cmd.ID(), ErrInvalidArguments)
	}
	t.commands[cmd.ID()] = cmd
	return nil
}

func (t *Tracker) Get(id string) (*Command, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmd, ok := t.commands[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrCommandNotTracked)
	}
	return cmd, nil
}

// List возвращает снимки команд сессии (все, если sessionID пуст),
// упорядоченные по времени создания.
func (t *Tracker) List(sessionID string) []CommandInfo {
	t.mu.RLock()
	items := make([]CommandInfo, 0, len(t.commands))
	for _, cmd := range t.commands {
		if sessionID != "" && cmd.SessionID() != sessionID {
			continue
		}
		items = append(items, cmd.Info())
	}
	t.mu.RUnlock()
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// Prune удаляет завершенные команды, обновленные раньше before.
func (t *Tracker) Prune(before time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for id, cmd := range t.commands {
		state, updated := cmd.lastUpdate()
		if state.IsTerminal() && updated.Before(before) {
			delete(t.commands, id)
			removed++
		}
	}
	return removed
}

func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.commands)
}
