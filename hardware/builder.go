// hardware/builder.go
package hardware

import (
	"fmt"
	"sync"

	"frog/bus"
)

// BuildInput is passed to a device builder.
type BuildInput struct {
	Bus      *bus.Bus
	Instance InstanceRef
	Params   map[string]any
}

// Builder constructs a device from open parameters.
type Builder interface {
	Build(in BuildInput) (Device, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(in BuildInput) (Device, error)

func (f BuilderFunc) Build(in BuildInput) (Device, error) { return f(in) }

var (
	mu       sync.RWMutex
	builders = map[string]Builder{}
)

// Register adds a device builder under a stable class key. Device packages
// call this from init().
func Register(classKey string, b Builder) {
	mu.Lock()
	defer mu.Unlock()
	if _, exists := builders[classKey]; exists {
		panic(fmt.Sprintf("device builder already registered for class %q", classKey))
	}
	builders[classKey] = b
}

// Lookup resolves a class key to its builder.
func Lookup(classKey string) (Builder, bool) {
	mu.RLock()
	defer mu.RUnlock()
	b, ok := builders[classKey]
	return b, ok
}
