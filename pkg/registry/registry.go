package registry

import (
	"fmt"
	"sync"
)

// Registry is a named collection with concurrent access.
type Registry[T any] interface {
	Register(name string, item T) error
	Get(name string) (T, bool)
	List() []T
	Names() []string
	Remove(name string) error
	Count() int
	Clear()
}

// OrderedRegistry is a map guarded by a RWMutex that also remembers
// registration order. Iteration via Names/List is deterministic: items come
// back in the order they were registered, which callers use as precedence.
type OrderedRegistry[T any] struct {
	mu    sync.RWMutex
	items map[string]T
	order []string
}

func NewOrderedRegistry[T any]() *OrderedRegistry[T] {
	return &OrderedRegistry[T]{
		items: make(map[string]T),
	}
}

func (r *OrderedRegistry[T]) Register(name string, item T) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[name]; exists {
		return fmt.Errorf("item with name '%s' already registered", name)
	}

	r.items[name] = item
	r.order = append(r.order, name)
	return nil
}

func (r *OrderedRegistry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, exists := r.items[name]
	return item, exists
}

// List returns items in registration order.
func (r *OrderedRegistry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	items := make([]T, 0, len(r.items))
	for _, name := range r.order {
		items = append(items, r.items[name])
	}
	return items
}

// Names returns registered names in registration order.
func (r *OrderedRegistry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

func (r *OrderedRegistry[T]) Remove(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.items[name]; !exists {
		return fmt.Errorf("item '%s' not found", name)
	}

	delete(r.items, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return nil
}

func (r *OrderedRegistry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}

func (r *OrderedRegistry[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.items = make(map[string]T)
	r.order = nil
}
