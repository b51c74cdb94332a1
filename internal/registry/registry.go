// Package registry keeps immutable model versions and a single atomically
// swapped active pointer per registry.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/miradorstack/mirador-triage/internal/models"
)

// Handle is a resolved version. Readers hold a handle for the duration of one
// task and never re-resolve mid-task.
type Handle[T any] struct {
	ID    string
	Value T
}

// Registry stores versions by id. Registered versions are never replaced.
type Registry[T any] struct {
	name string

	mu       sync.RWMutex
	versions map[string]*Handle[T]
	order    []string
	watchers []func(id string)

	active atomic.Pointer[Handle[T]]
}

// New builds an empty registry. name is used in error messages.
func New[T any](name string) *Registry[T] {
	return &Registry[T]{name: name, versions: make(map[string]*Handle[T])}
}

// Register adds an immutable version. Re-registering an id fails with
// models.ErrVersionExists.
func (r *Registry[T]) Register(id string, value T) error {
	if id == "" {
		return fmt.Errorf("%s registry: empty version id: %w", r.name, models.ErrInvalid)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[id]; ok {
		return fmt.Errorf("%s registry: version %s: %w", r.name, id, models.ErrVersionExists)
	}
	r.versions[id] = &Handle[T]{ID: id, Value: value}
	r.order = append(r.order, id)
	return nil
}

// Get returns a registered version.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.versions[id]
	if !ok {
		var zero T
		return zero, false
	}
	return h.Value, true
}

// Promote makes id the active version with a single pointer swap.
func (r *Registry[T]) Promote(id string) error {
	r.mu.RLock()
	h, ok := r.versions[id]
	watchers := append([]func(string){}, r.watchers...)
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%s registry: version %s: %w", r.name, id, models.ErrNotFound)
	}
	r.active.Store(h)
	for _, fn := range watchers {
		fn(id)
	}
	return nil
}

// Active resolves the active version, or fails with models.ErrModelUnavailable.
func (r *Registry[T]) Active() (Handle[T], error) {
	h := r.active.Load()
	if h == nil {
		return Handle[T]{}, fmt.Errorf("%s registry: no active version: %w", r.name, models.ErrModelUnavailable)
	}
	return *h, nil
}

// ActiveID returns the active version id or "".
func (r *Registry[T]) ActiveID() string {
	if h := r.active.Load(); h != nil {
		return h.ID
	}
	return ""
}

// Versions lists registered ids in registration order.
func (r *Registry[T]) Versions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered versions.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// OnPromote registers fn to run after every promotion.
func (r *Registry[T]) OnPromote(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers = append(r.watchers, fn)
}
