// Package snapshot exports orchestration snapshots to object storage.
//
// Backends register themselves by type name from their package init
// functions; importing a backend package makes it available to NewBackend:
//
//	import _ "github.com/openfroyo/orchestra/pkg/snapshot/s3"
//
//	b, err := snapshot.NewBackend("s3", map[string]string{"bucket": "state"})
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// ErrNotFound is returned by Backend.Read when the object does not exist.
var ErrNotFound = errors.New("snapshot not found")

// Backend stores opaque objects under slash-separated paths.
type Backend interface {
	// Type returns the registered backend type.
	Type() string

	Read(ctx context.Context, path string) (io.ReadCloser, error)
	Write(ctx context.Context, path string, data io.Reader) error

	// Delete is idempotent.
	Delete(ctx context.Context, path string) error

	// List returns the paths below prefix, relative to the backend root.
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
}

// Factory creates a backend from key/value configuration.
type Factory func(config map[string]string) (Backend, error)

var (
	factoriesMu sync.RWMutex
	factories   = make(map[string]Factory)
)

// Register makes a backend factory available under name.
// It panics if name is registered twice.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()

	if factory == nil {
		panic("snapshot: Register factory is nil")
	}
	if _, dup := factories[name]; dup {
		panic("snapshot: Register called twice for backend " + name)
	}
	factories[name] = factory
}

// NewBackend creates a backend of the named type.
func NewBackend(name string, config map[string]string) (Backend, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown snapshot backend %q (available: %v)", name, Types())
	}
	if config == nil {
		config = map[string]string{}
	}
	return factory(config)
}

// Types returns the registered backend types, sorted.
func Types() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
