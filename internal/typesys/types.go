// Package typesys is the versioned, immutable-per-apply registry of
// entities for one Version: field/type validation, builtin lookup,
// topological ordering of reference entities, and the delta algorithm that
// decides whether an evolution between two TypeSystem snapshots is safe.
package typesys

import "chiselcore.dev/chiselcore/internal/value"

// OwnerKind distinguishes user-declared entities from the builtin ones
// (e.g. AuthUser) the runtime ships with.
type OwnerKind int

const (
	OwnerUser OwnerKind = iota
	OwnerBuiltin
)

// IDType selects the representation of an entity's synthetic id column.
type IDType int

const (
	IDTypeUUID IDType = iota
	IDTypeOpaqueString
)

// PrimitiveKind enumerates the scalar field types.
type PrimitiveKind int

const (
	PrimString PrimitiveKind = iota
	PrimNumber
	PrimBoolean
	PrimUUID
	PrimJSDate
	PrimArrayBuffer
)

// TypeTag distinguishes the shape of a FieldType.
type TypeTag int

const (
	TagPrimitive TypeTag = iota
	TagEntityRef
	TagArray
	TagOptional
)

// FieldType is a field's declared type: a primitive, a reference to
// another entity, an array of some inner type, or an optional wrapper
// around a non-optional inner type.
type FieldType struct {
	Tag       TypeTag
	Primitive PrimitiveKind // valid when Tag == TagPrimitive
	EntityRef string        // valid when Tag == TagEntityRef
	Inner     *FieldType    // valid when Tag == TagArray or TagOptional
}

func Primitive(p PrimitiveKind) FieldType { return FieldType{Tag: TagPrimitive, Primitive: p} }
func EntityRef(name string) FieldType     { return FieldType{Tag: TagEntityRef, EntityRef: name} }
func ArrayOf(inner FieldType) FieldType   { return FieldType{Tag: TagArray, Inner: &inner} }
func OptionalOf(inner FieldType) FieldType {
	// Nested optionals collapse to a single layer: wrapping an
	// already-optional type just returns it unchanged.
	if inner.Tag == TagOptional {
		return inner
	}
	return FieldType{Tag: TagOptional, Inner: &inner}
}

// Unwrap strips exactly one layer of optionality if present, returning the
// inner type and true, or the original type and false.
func (t FieldType) Unwrap() (FieldType, bool) {
	if t.Tag == TagOptional {
		return *t.Inner, true
	}
	return t, false
}

// IsOptional reports whether t is an optional wrapper.
func (t FieldType) IsOptional() bool { return t.Tag == TagOptional }

// Equal compares two FieldTypes structurally, used by Delta to decide
// whether a field's type "matches by structural name" across an evolution.
func (t FieldType) Equal(o FieldType) bool {
	if t.Tag != o.Tag {
		return false
	}
	switch t.Tag {
	case TagPrimitive:
		return t.Primitive == o.Primitive
	case TagEntityRef:
		return t.EntityRef == o.EntityRef
	case TagArray:
		return t.Inner.Equal(*o.Inner)
	case TagOptional:
		return t.Inner.Equal(*o.Inner)
	}
	return false
}

// Field is one named, typed attribute of an Entity.
type Field struct {
	Name    string
	Type    FieldType
	Default *value.Value // nil means "no default"
	Unique  bool
	Labels  []string
}

// Nullable reports the field's computed nullability, derived from its
// declared optionality.
func (f Field) Nullable() bool { return f.Type.IsOptional() }

// Index is additive metadata over a set of field names; its identity is
// the field-name set, not insertion order. ID is assigned once persisted
// by the MetaStore (zero means "not yet persisted").
type Index struct {
	ID     int
	Fields []string
}

// Key returns a canonical, order-independent identity for an index so two
// Index values naming the same fields in a different order compare equal;
// the migration planner's added/removed-index set difference is
// computed against this, not against Fields' declaration order.
func (ix Index) Key() string {
	fields := append([]string(nil), ix.Fields...)
	sortStrings(fields)
	out := ""
	for i, f := range fields {
		if i > 0 {
			out += "\x00"
		}
		out += f
	}
	return out
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}

// Entity is a named, versioned record type. Its field set is
// insertion-ordered (the order fields were declared), which LayoutMapper
// relies on for deterministic column ordering.
type Entity struct {
	Name       string
	Owner      OwnerKind
	IDType     IDType
	fieldOrder []string
	fields     map[string]Field
	Indexes    []Index
}

// NewEntity builds an Entity from fields given in declaration order.
func NewEntity(name string, owner OwnerKind, idType IDType, fields []Field, indexes []Index) *Entity {
	e := &Entity{Name: name, Owner: owner, IDType: idType, fields: make(map[string]Field, len(fields)), Indexes: indexes}
	for _, f := range fields {
		e.fieldOrder = append(e.fieldOrder, f.Name)
		e.fields[f.Name] = f
	}
	return e
}

// Field looks up a field by name.
func (e *Entity) Field(name string) (Field, bool) {
	f, ok := e.fields[name]
	return f, ok
}

// FieldNames returns field names in declaration order.
func (e *Entity) FieldNames() []string { return e.fieldOrder }

// Fields returns the fields in declaration order.
func (e *Entity) Fields() []Field {
	out := make([]Field, 0, len(e.fieldOrder))
	for _, n := range e.fieldOrder {
		out = append(out, e.fields[n])
	}
	return out
}
