package worker

import (
	"fmt"
	"sync"

	"github.com/planloom/planloom/internal/domain/session"
)

// Factory is a constructor function that creates a new Worker instance.
type Factory func(deps Deps) (Worker, error)

var (
	mu        sync.RWMutex
	factories = make(map[session.WorkerKind]Factory)
)

// Register makes a worker factory available by kind.
// It is typically called from an init() function in the adapter package.
func Register(kind session.WorkerKind, factory Factory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("worker: duplicate registration for %q", kind))
	}
	factories[kind] = factory
}

// New creates a new Worker by kind using the registered factory.
func New(kind session.WorkerKind, deps Deps) (Worker, error) {
	mu.RLock()
	factory, ok := factories[kind]
	mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("worker: unknown kind %q", kind)
	}
	return factory(deps)
}

// Available returns the kinds of all registered workers.
func Available() []session.WorkerKind {
	mu.RLock()
	defer mu.RUnlock()

	kinds := make([]session.WorkerKind, 0, len(factories))
	for kind := range factories {
		kinds = append(kinds, kind)
	}
	return kinds
}
