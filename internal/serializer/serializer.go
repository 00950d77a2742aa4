// Package serializer converts typed messages to and from bytes for one
// selected codec. A registry maps stable type names to concrete Go types so
// stored payloads (outbox rows, transport frames) can be rehydrated without
// runtime type discovery.
package serializer

import (
	"fmt"
	"io"
	"reflect"
	"sync"
)

// Serializer is a wire codec. Implementations must be deterministic: the same
// value always produces the same bytes.
type Serializer interface {
	Name() string
	Serialize(v any) ([]byte, error)
	Deserialize(data []byte, into any) error
}

// StreamSerializer is an optional zero-copy extension that writes directly to
// an io.Writer instead of allocating an intermediate buffer.
type StreamSerializer interface {
	Serializer
	SerializeTo(w io.Writer, v any) error
}

// Registry binds one codec to a set of named message types.
type Registry struct {
	codec Serializer

	mu    sync.RWMutex
	types map[string]reflect.Type
	names map[reflect.Type]string
}

// NewRegistry creates a registry around the given codec.
func NewRegistry(codec Serializer) *Registry {
	return &Registry{
		codec: codec,
		types: make(map[string]reflect.Type),
		names: make(map[reflect.Type]string),
	}
}

// Codec returns the selected codec.
func (r *Registry) Codec() Serializer { return r.codec }

// Register binds name to the concrete type of prototype. Pointer prototypes
// are flattened to their element type. Re-registering the same pair is a
// no-op; binding a name to a different type is an error.
func (r *Registry) Register(name string, prototype any) error {
	t := reflect.TypeOf(prototype)
	if t == nil {
		return fmt.Errorf("serializer: nil prototype for %q", name)
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.types[name]; ok {
		if existing != t {
			return fmt.Errorf("serializer: type name %q already bound to %s", name, existing)
		}
		return nil
	}
	r.types[name] = t
	r.names[t] = name
	return nil
}

// NameOf returns the registered name for v's concrete type.
func (r *Registry) NameOf(v any) (string, bool) {
	t := reflect.TypeOf(v)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.names[t]
	return name, ok
}

// Marshal serializes v using the selected codec.
func (r *Registry) Marshal(v any) ([]byte, error) {
	data, err := r.codec.Serialize(v)
	if err != nil {
		return nil, fmt.Errorf("serializer: %s encode: %w", r.codec.Name(), err)
	}
	return data, nil
}

// Unmarshal rehydrates a payload into a fresh value of the named type and
// returns it as a pointer to that type.
func (r *Registry) Unmarshal(typeName string, data []byte) (any, error) {
	r.mu.RLock()
	t, ok := r.types[typeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("serializer: unknown type name %q", typeName)
	}

	v := reflect.New(t).Interface()
	if err := r.codec.Deserialize(data, v); err != nil {
		return nil, fmt.Errorf("serializer: %s decode %q: %w", r.codec.Name(), typeName, err)
	}
	return v, nil
}
