// Package schema is the registry of synchronized record types. The
// content, tutor and progress services register their payload schemas
// here at startup; the merge engine consults the registry to choose a
// per-field merge policy and a per-type conflict resolver.
package schema

import (
	"fmt"
	"sort"
	"sync"
)

// FieldType selects the merge policy for one payload field.
type FieldType string

const (
	// Scalar merges last-writer-wins by hybrid timestamp.
	Scalar FieldType = "scalar"
	// Set merges by union, with removed elements tombstoned for the
	// grace window.
	Set FieldType = "set"
	// Counter merges commutatively: concurrent deltas add up.
	Counter FieldType = "counter"
	// Opaque cannot be merged; concurrent writes go through the
	// record type's resolver.
	Opaque FieldType = "opaque"
)

func (t FieldType) valid() bool {
	switch t {
	case Scalar, Set, Counter, Opaque:
		return true
	}
	return false
}

// Resolver decides the outcome of an opaque-field collision.
type Resolver string

const (
	// ServerWins keeps the committed value and drops the incoming
	// field; the origin device is told its write lost.
	ServerWins Resolver = "server_wins"
	// ClientWins overwrites with the incoming value.
	ClientWins Resolver = "client_wins"
	// Manual commits the incoming value provisionally and preserves
	// both candidates on the record until a follow-up write settles
	// the field.
	Manual Resolver = "manual"
)

func (r Resolver) valid() bool {
	switch r {
	case ServerWins, ClientWins, Manual:
		return true
	}
	return false
}

// Field is one declared payload field, in payload-schema order.
type Field struct {
	Name string    `json:"name"`
	Type FieldType `json:"type"`
}

// RecordType describes one registered payload schema.
type RecordType struct {
	Name    string   `json:"name"`
	Fields  []Field  `json:"fields"`
	Resolve Resolver `json:"resolve"`

	index map[string]int // field name -> position in Fields
}

// FieldType returns the declared type of a field. Undeclared fields
// merge as scalars, which is safe for any JSON value.
func (rt *RecordType) FieldType(name string) FieldType {
	if i, ok := rt.index[name]; ok {
		return rt.Fields[i].Type
	}
	return Scalar
}

// OrderFields sorts patch field names deterministically: declared
// fields first in schema order, then undeclared fields
// lexicographically. Merge output must not depend on map iteration
// order.
func (rt *RecordType) OrderFields(names []string) []string {
	out := append([]string(nil), names...)
	sort.SliceStable(out, func(i, j int) bool {
		pi, iOK := rt.index[out[i]]
		pj, jOK := rt.index[out[j]]
		switch {
		case iOK && jOK:
			return pi < pj
		case iOK:
			return true
		case jOK:
			return false
		default:
			return out[i] < out[j]
		}
	})
	return out
}

// Registry holds all registered record types. Registration happens at
// startup before traffic; lookups are concurrent.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*RecordType

	fallback *RecordType
}

// NewRegistry creates a registry whose fallback type treats every field
// as a scalar and resolves collisions server-wins.
func NewRegistry() *Registry {
	return &Registry{
		types:    make(map[string]*RecordType),
		fallback: &RecordType{Name: "", Resolve: ServerWins, index: map[string]int{}},
	}
}

// Register installs a record type. Duplicate names, duplicate fields,
// and unknown field types or resolvers are rejected.
func (r *Registry) Register(rt RecordType) error {
	if rt.Name == "" {
		return fmt.Errorf("schema: record type name is required")
	}
	if rt.Resolve == "" {
		rt.Resolve = ServerWins
	}
	if !rt.Resolve.valid() {
		return fmt.Errorf("schema: record type %q has unknown resolver %q", rt.Name, rt.Resolve)
	}
	rt.index = make(map[string]int, len(rt.Fields))
	for i, f := range rt.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema: record type %q has an unnamed field", rt.Name)
		}
		if !f.Type.valid() {
			return fmt.Errorf("schema: record type %q field %q has unknown type %q", rt.Name, f.Name, f.Type)
		}
		if _, dup := rt.index[f.Name]; dup {
			return fmt.Errorf("schema: record type %q declares field %q twice", rt.Name, f.Name)
		}
		rt.index[f.Name] = i
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.types[rt.Name]; dup {
		return fmt.Errorf("schema: record type %q already registered", rt.Name)
	}
	r.types[rt.Name] = &rt
	return nil
}

// Lookup returns the registered type, or the all-scalar fallback for
// unknown names so unregistered payloads still merge deterministically.
func (r *Registry) Lookup(name string) *RecordType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rt, ok := r.types[name]; ok {
		return rt
	}
	return r.fallback
}

// Known reports whether name is a registered type.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[name]
	return ok
}

// Names returns all registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
