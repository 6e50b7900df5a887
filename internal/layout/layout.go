// Package layout is the deterministic projection from a TypeSystem's
// entities and fields onto SQL table and column shapes: the LayoutMapper
// of the execution trunk. Nothing here issues SQL; internal/migrate
// consumes a Layout diff to plan statements, and the dialect packages
// under internal/migrate render them.
package layout

import (
	"fmt"

	"chiselcore.dev/chiselcore/internal/typesys"
)

// IDColumn is the synthetic primary-key column every entity table has.
type IDColumn struct {
	Name   string
	IDType typesys.IDType
}

// NewIDColumn picks the column representation for an entity's id type.
// Both UUID and opaque-string ids are stored as text; IDType only affects
// how the application layer validates and generates values, not the
// column shape.
func NewIDColumn(idType typesys.IDType) IDColumn {
	return IDColumn{Name: "id", IDType: idType}
}

// UpdateIDColumn validates an id-type transition across an evolution. Only
// an identical id type is permitted: there is no safe rewrite of existing
// UUID text values into opaque-string values or back.
func UpdateIDColumn(old IDColumn, newType typesys.IDType) (IDColumn, error) {
	if old.IDType != newType {
		return IDColumn{}, fmt.Errorf("id type of column %q may not change (%v -> %v)", old.Name, old.IDType, newType)
	}
	return old, nil
}

// FieldColumn is the column projection of one entity field: its SQL-facing
// logical type with exactly one layer of optionality already stripped off
// into Nullable.
type FieldColumn struct {
	Name     string
	Type     typesys.FieldType // never itself TagOptional; Nullable carries that bit
	Nullable bool
}

// NewFieldColumn strips a single layer of optionality from field.Type,
// deriving (inner type, nullable=true); a non-optional field yields
// (type, nullable=false). typesys.OptionalOf already collapses nested
// optionals to one layer, so a single Unwrap suffices here.
func NewFieldColumn(field typesys.Field) FieldColumn {
	inner, nullable := field.Type.Unwrap()
	return FieldColumn{Name: field.Name, Type: inner, Nullable: nullable}
}

// UpdateFieldColumn recomputes a field's column for its new declared
// type: the type is unwrapped and the column's nullability follows it.
// It rejects no change of nullability or type; typesys.Delta has already
// approved or rejected the evolution by the time layout sees it, so this
// only recomputes the resulting column shape.
func UpdateFieldColumn(oldCol FieldColumn, newType typesys.FieldType) FieldColumn {
	inner, nullable := newType.Unwrap()
	return FieldColumn{Name: oldCol.Name, Type: inner, Nullable: nullable}
}

// Owner selects the table-name prefix segment distinguishing user entities
// from builtins, per the naming scheme below.
type Owner = typesys.OwnerKind

// TableName deterministically derives a table name from
// (entity_name, owner_kind, prefix): "{prefix}{u|b}_{entityName}". It is
// not a hash, so two servers configured with the same prefix always agree
// on table names for the same entity, which matters for operators
// inspecting the database directly and for the metastore recording table
// identity across versions.
func TableName(entityName string, owner typesys.OwnerKind, prefix string) string {
	segment := "u"
	if owner == typesys.OwnerBuiltin {
		segment = "b"
	}
	return fmt.Sprintf("%s%s_%s", prefix, segment, entityName)
}
