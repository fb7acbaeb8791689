package backend

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrUnknownBackend is returned for lookups of names or ids that were never bound.
var ErrUnknownBackend = errors.New("unknown backend")

// Registry is the director table. The host refers to backends by their
// stable id; the registry owns the backend objects.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Backend
	byName map[string]uuid.UUID
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uuid.UUID]*Backend),
		byName: make(map[string]uuid.UUID),
	}
}

func (r *Registry) add(b *Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.byName[b.name]; dup {
		return fmt.Errorf("backend %q is already bound", b.name)
	}
	r.byID[b.id] = b
	r.byName[b.name] = b.id
	return nil
}

// Get returns the backend registered under id.
func (r *Registry) Get(id uuid.UUID) (*Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	return b, nil
}

// Resolve returns the id currently bound under name. Callers that keep a
// backend across several operations hold the id and go through Get, so a
// backend discarded in between is reported instead of used.
func (r *Registry) Resolve(name string) (uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byName[name]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
	return id, nil
}

// Lookup returns the backend bound under name.
func (r *Registry) Lookup(name string) (*Backend, error) {
	id, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	return r.Get(id)
}

// All returns every backend ordered by name.
func (r *Registry) All() []*Backend {
	r.mu.RLock()
	out := make([]*Backend, 0, len(r.byID))
	for _, b := range r.byID {
		out = append(out, b)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// Broadcast delivers ev to every backend.
func (r *Registry) Broadcast(ev Event) {
	for _, b := range r.All() {
		b.Event(ev)
	}
}

// Remove unregisters id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.byID[id]; ok {
		delete(r.byName, b.name)
		delete(r.byID, id)
	}
}

// Len returns the number of bound backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
