// Package gate provides single-shot synchronization points used to suspend an
// agent turn until a human decision arrives.
package gate

import (
	"context"
	"errors"
	"sync"
)

// ErrCancelled is returned by Wait when the gate was cancelled instead of
// resolved.
var ErrCancelled = errors.New("gate cancelled")

// Gate is resolved at most once. The zero value is not usable; use New.
type Gate[T any] struct {
	mu        sync.Mutex
	done      chan struct{}
	value     T
	resolved  bool
	cancelled bool
}

// New returns an open gate.
func New[T any]() *Gate[T] {
	return &Gate[T]{done: make(chan struct{})}
}

// Resolve closes the gate with v. Only the first call to Resolve or Cancel
// wins; later calls return false.
func (g *Gate[T]) Resolve(v T) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolved || g.cancelled {
		return false
	}
	g.value = v
	g.resolved = true
	close(g.done)
	return true
}

// Cancel closes the gate without a value. Returns false if it was already closed.
func (g *Gate[T]) Cancel() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.resolved || g.cancelled {
		return false
	}
	g.cancelled = true
	close(g.done)
	return true
}

// Done is closed once the gate is resolved or cancelled.
func (g *Gate[T]) Done() <-chan struct{} {
	return g.done
}

// Wait blocks until the gate closes or ctx ends.
func (g *Gate[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-g.done:
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelled {
		return zero, ErrCancelled
	}
	return g.value, nil
}

// Set tracks open gates by id.
type Set[T any] struct {
	mu    sync.Mutex
	gates map[string]*Gate[T]
}

// NewSet returns an empty set.
func NewSet[T any]() *Set[T] {
	return &Set[T]{gates: make(map[string]*Gate[T])}
}

// Open registers a new gate under id, replacing (and cancelling) any previous
// gate with the same id.
func (s *Set[T]) Open(id string) *Gate[T] {
	g := New[T]()
	s.mu.Lock()
	prev := s.gates[id]
	s.gates[id] = g
	s.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}
	return g
}

// Resolve resolves and removes the gate with id. It returns false when no open
// gate exists under id.
func (s *Set[T]) Resolve(id string, v T) bool {
	s.mu.Lock()
	g, ok := s.gates[id]
	delete(s.gates, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	return g.Resolve(v)
}

// Cancel cancels and removes the gate with id.
func (s *Set[T]) Cancel(id string) bool {
	s.mu.Lock()
	g, ok := s.gates[id]
	delete(s.gates, id)
	s.mu.Unlock()
	if !ok {
		return false
	}
	return g.Cancel()
}

// CancelAll cancels every open gate.
func (s *Set[T]) CancelAll() {
	s.mu.Lock()
	gates := s.gates
	s.gates = make(map[string]*Gate[T])
	s.mu.Unlock()
	for _, g := range gates {
		g.Cancel()
	}
}

// IDs returns the ids of open gates.
func (s *Set[T]) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.gates))
	for id := range s.gates {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of open gates.
func (s *Set[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gates)
}
