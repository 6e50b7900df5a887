package typesys

import "chiselcore.dev/chiselcore/internal/value"

// FieldUpdate describes a field present in both the old and new shape of
// an entity whose declaration changed between versions.
type FieldUpdate struct {
	Name string
	Old  Field
	New  Field
}

// ObjectDelta is the set of field-level changes between two versions of
// the same entity, computed by Delta. The migration planner turns this
// into an ordered list of Steps; nothing here touches SQL.
type ObjectDelta struct {
	EntityName    string
	AddedFields   []Field
	RemovedFields []string
	UpdatedFields []FieldUpdate
}

// Delta computes the safe-evolution delta between old and new, the same
// entity at two points in the version trunk. tableEmpty reports whether
// the entity's backing table currently holds zero rows, which relaxes two
// otherwise-rejected changes: adding a unique constraint, and narrowing an
// optional field back to required. Delta never mutates old or new.
//
// The rules, in order:
//   - a field present only in new must carry a Default or be optional,
//     otherwise existing rows would have no value to read back as
//   - a field present only in old is dropped; this always loses data but
//     is never unsafe in the schema sense, so it is always permitted
//   - a field present in both may not change its Default value at all,
//     whether by adding, changing, or clearing one
//   - a field may widen from required to optional freely, but narrowing
//     from optional to required is rejected unless tableEmpty (there is no
//     static proof that no stored row holds a null)
//   - a field may not otherwise change structural type
//   - a field may gain Unique only when tableEmpty; it may always lose it
func Delta(old, new *Entity, tableEmpty bool) (*ObjectDelta, error) {
	d := &ObjectDelta{EntityName: new.Name}

	for _, nf := range new.Fields() {
		of, existed := old.Field(nf.Name)
		if !existed {
			if nf.Default == nil && !nf.Type.IsOptional() {
				return nil, ErrUnsafeReplacement("field " + nf.Name + " added to " + new.Name + " without a default value or optional type")
			}
			d.AddedFields = append(d.AddedFields, nf)
			continue
		}
		if fieldUnchanged(of, nf) {
			continue
		}
		if err := checkFieldUpdate(new.Name, of, nf, tableEmpty); err != nil {
			return nil, err
		}
		d.UpdatedFields = append(d.UpdatedFields, FieldUpdate{Name: nf.Name, Old: of, New: nf})
	}

	for _, name := range old.FieldNames() {
		if _, stillPresent := new.Field(name); !stillPresent {
			d.RemovedFields = append(d.RemovedFields, name)
		}
	}

	return d, nil
}

func fieldUnchanged(old, new Field) bool {
	return old.Type.Equal(new.Type) && old.Unique == new.Unique && defaultsEqual(old.Default, new.Default)
}

func checkFieldUpdate(entityName string, old, new Field, tableEmpty bool) error {
	if !defaultsEqual(old.Default, new.Default) {
		return ErrUnsafeReplacement("default value of field " + new.Name + " on " + entityName + " may not be changed")
	}

	if !old.Type.Equal(new.Type) {
		oldInner, oldWasOptional := old.Type.Unwrap()
		newInner, newIsOptional := new.Type.Unwrap()
		switch {
		case !oldWasOptional && newIsOptional && oldInner.Equal(newInner):
			// Widening required -> optional is always safe: every existing
			// row's value remains a valid (non-null) instance of the type.
		case oldWasOptional && !newIsOptional && oldInner.Equal(newInner):
			if !tableEmpty {
				return ErrUnsafeReplacement("field " + new.Name + " on " + entityName + " narrows from optional to required, but the table is not empty")
			}
		default:
			return ErrUnsafeReplacement("field " + new.Name + " on " + entityName + " changes type incompatibly")
		}
	}

	if new.Unique && !old.Unique && !tableEmpty {
		return ErrUnsafeReplacement("field " + new.Name + " on " + entityName + " adds a unique constraint on a non-empty table")
	}

	return nil
}

func defaultsEqual(a, b *value.Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return value.Equal(*a, *b)
}
