package typesys

import "strings"

// TypeSystem is the set of entities known to one Version. It is built once
// at apply time and is immutable for the lifetime of the Version that owns
// it; concurrent reads from many request goroutines are always safe.
type TypeSystem struct {
	entities map[string]*Entity
}

// New returns an empty TypeSystem.
func New() *TypeSystem {
	return &TypeSystem{entities: make(map[string]*Entity)}
}

// Register adds an entity, replacing any prior entity of the same name.
// Callers building a TypeSystem for apply should use Delta beforehand to
// decide whether replacing an existing entity is safe.
func (ts *TypeSystem) Register(e *Entity) {
	ts.entities[e.Name] = e
}

// Lookup finds a user or builtin entity by name.
func (ts *TypeSystem) Lookup(name string) (*Entity, error) {
	e, ok := ts.entities[name]
	if !ok {
		return nil, ErrNoSuchType(name)
	}
	return e, nil
}

// LookupCustom finds a user-declared entity, rejecting builtins.
func (ts *TypeSystem) LookupCustom(name string) (*Entity, error) {
	e, err := ts.Lookup(name)
	if err != nil {
		return nil, err
	}
	if e.Owner != OwnerUser {
		return nil, ErrNotACustomType(name)
	}
	return e, nil
}

// LookupBuiltin finds a builtin entity, rejecting user types. It only
// resolves concrete registered builtins (e.g. AuthUser); the generic
// "Array<T>" shorthand is not recognized here, callers parse it with
// ParseArrayBuiltin.
func (ts *TypeSystem) LookupBuiltin(name string) (*Entity, error) {
	e, err := ts.Lookup(name)
	if err != nil {
		return nil, err
	}
	if e.Owner != OwnerBuiltin {
		return nil, ErrNotABuiltin(name)
	}
	return e, nil
}

// Entities returns every registered entity, in no particular order; use
// TopologicalOrder when ordering by reference dependency matters.
func (ts *TypeSystem) Entities() []*Entity {
	out := make([]*Entity, 0, len(ts.entities))
	for _, e := range ts.entities {
		out = append(out, e)
	}
	return out
}

// ParseArrayBuiltin recognizes the "Array<Inner>" textual builtin
// shorthand some declaration sources use in place of a structured
// FieldType, returning the inner type name and true on a match.
func ParseArrayBuiltin(name string) (inner string, ok bool) {
	if !strings.HasPrefix(name, "Array<") || !strings.HasSuffix(name, ">") {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(name, "Array<"), ">"), true
}
