package rpc

import (
	"encoding/json"
	"fmt"
	"sync"
)

// TypeCodec is a marshal/unmarshal pair for one named type. Both functions must
// be deterministic for a given value.
type TypeCodec struct {
	Marshal   func(v any) (json.RawMessage, error)
	Unmarshal func(raw json.RawMessage) (any, error)
}

// TypeRegistry maps named types to their codecs. Registration is one-shot per
// name and happens during startup; lookups afterwards take no lock.
type TypeRegistry struct {
	mu      sync.Mutex
	schema  *Schema
	codecs  map[string]TypeCodec
}

func NewTypeRegistry(schema *Schema) *TypeRegistry {
	return &TypeRegistry{
		schema: schema,
		codecs: map[string]TypeCodec{},
	}
}

// Register installs a codec for a named type.
func (r *TypeRegistry) Register(name string, c TypeCodec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.codecs[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTypeRegistration, name)
	}
	r.codecs[name] = c
	return nil
}

// Lookup finds the codec for a type name, following alias definitions.
func (r *TypeRegistry) Lookup(name string) (TypeCodec, bool) {
	c, ok := r.codecs[r.schema.ResolveAlias(name)]
	return c, ok
}

// marshalValue serializes a value declared with the given type name. Types with
// no registered codec pass through plain JSON encoding.
func (r *TypeRegistry) marshalValue(name string, v any) (json.RawMessage, error) {
	if c, ok := r.Lookup(name); ok {
		raw, err := c.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshaling %q: %w", name, err)
		}
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling %q: %w", name, err)
	}
	return raw, nil
}

// unmarshalValue deserializes a value declared with the given type name.
func (r *TypeRegistry) unmarshalValue(name string, raw json.RawMessage) (any, error) {
	if c, ok := r.Lookup(name); ok {
		v, err := c.Unmarshal(raw)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling %q: %w", name, err)
		}
		return v, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("unmarshaling %q: %w", name, err)
	}
	return v, nil
}

// marshalArgs serializes a call's arguments per their declared types.
func (r *TypeRegistry) marshalArgs(declared []string, args []any) ([]json.RawMessage, error) {
	if len(args) != len(declared) {
		return nil, fmt.Errorf("expected %d args, got %d", len(declared), len(args))
	}
	out := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw, err := r.marshalValue(declared[i], a)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		out[i] = raw
	}
	return out, nil
}

// unmarshalArgs deserializes a call's arguments per their declared types.
func (r *TypeRegistry) unmarshalArgs(declared []string, raw []json.RawMessage) ([]any, error) {
	if len(raw) != len(declared) {
		return nil, fmt.Errorf("expected %d args, got %d", len(declared), len(raw))
	}
	out := make([]any, len(raw))
	for i, b := range raw {
		v, err := r.unmarshalValue(declared[i], b)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
