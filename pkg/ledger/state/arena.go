package state

import (
	"sort"
	"sync"
)

// cell serializes all mutations of one entity.
type cell[T any] struct {
	mu          sync.Mutex
	val         T
	quarantined bool
	reason      string
}

// arena maps entity ids to cells. The arena lock is held only to find or
// insert a cell, never while a mutation runs, so different entities never
// contend beyond the map lookup.
type arena[T any] struct {
	mu    sync.RWMutex
	cells map[string]*cell[T]
}

func newArena[T any]() *arena[T] {
	return &arena[T]{cells: make(map[string]*cell[T])}
}

func (a *arena[T]) get(id string) (*cell[T], bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.cells[id]
	return c, ok
}

// insertLocked adds a new cell holding v and returns it with its mutex held,
// so the creator can finish side effects before anyone else mutates it.
// It returns false if id already exists.
func (a *arena[T]) insertLocked(id string, v T) (*cell[T], bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, exists := a.cells[id]; exists {
		return nil, false
	}
	c := &cell[T]{val: v}
	c.mu.Lock()
	a.cells[id] = c
	return c, true
}

// read returns a copy of the entity.
func (a *arena[T]) read(id string) (T, bool) {
	c, ok := a.get(id)
	if !ok {
		var zero T
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.val, true
}

// values returns copies of every entity that passes keep, ordered by id.
func (a *arena[T]) values(keep func(T) bool) []T {
	a.mu.RLock()
	ids := make([]string, 0, len(a.cells))
	cells := make(map[string]*cell[T], len(a.cells))
	for id, c := range a.cells {
		ids = append(ids, id)
		cells[id] = c
	}
	a.mu.RUnlock()

	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		c := cells[id]
		c.mu.Lock()
		v := c.val
		c.mu.Unlock()
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// quarantined returns the ids of quarantined cells.
func (a *arena[T]) quarantined() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make(map[string]string)
	for id, c := range a.cells {
		c.mu.Lock()
		if c.quarantined {
			out[id] = c.reason
		}
		c.mu.Unlock()
	}
	return out
}

func (a *arena[T]) len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.cells)
}
