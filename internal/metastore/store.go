package metastore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"chiselcore.dev/chiselcore/internal/sqlrender"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

// rebindExec and rebindQuery adapt a raw Execer/Querier to accept
// statements written with SQLite's bare "?" placeholders everywhere in
// this file, translating them to Postgres's "$N" sequence when the
// underlying connection needs it. Binding the dialect once at the
// SaveTypeSystem/LoadTypeSystem entry points keeps every statement below
// dialect-agnostic to write and read.
type rebindExec struct {
	inner   Execer
	dialect sqlrender.Dialect
}

func (r rebindExec) Exec(ctx context.Context, query string, args ...any) error {
	return r.inner.Exec(ctx, rebindPlaceholders(query, r.dialect), args...)
}

type rebindQuery struct {
	inner   Querier
	dialect sqlrender.Dialect
}

func (r rebindQuery) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return r.inner.Query(ctx, rebindPlaceholders(query, r.dialect), args...)
}

func rebindPlaceholders(query string, dialect sqlrender.Dialect) string {
	if dialect != sqlrender.Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// SaveTypeSystem persists every entity ts declares for versionID across the
// types/type_names/fields/field_names/field_labels/indexes reserved
// tables, replacing whatever was previously stored for that version.
// orderedNames is the user's original declaration order, echoed back in
// the apply response; it is recorded in type_names' seq column so
// LoadTypeSystem can reconstruct it later.
func SaveTypeSystem(ctx context.Context, rawExec Execer, dialect sqlrender.Dialect, versionID string, ts *typesys.TypeSystem, orderedNames []string) error {
	exec := rebindExec{inner: rawExec, dialect: dialect}
	if err := deleteVersionRows(ctx, exec, versionID); err != nil {
		return err
	}
	for seq, name := range orderedNames {
		entity, err := ts.Lookup(name)
		if err != nil {
			return err
		}
		typeID := versionID + ":" + name
		if err := exec.Exec(ctx,
			`INSERT INTO types (id, version_id, name, owner, id_type) VALUES (?, ?, ?, ?, ?)`,
			typeID, versionID, name, ownerString(entity.Owner), idTypeString(entity.IDType)); err != nil {
			return fmt.Errorf("metastore: saving type %s: %w", name, err)
		}
		if err := exec.Exec(ctx,
			`INSERT INTO type_names (version_id, type_id, name, seq) VALUES (?, ?, ?, ?)`,
			versionID, typeID, name, seq); err != nil {
			return err
		}
		if err := saveFields(ctx, exec, typeID, entity); err != nil {
			return fmt.Errorf("metastore: saving fields of %s: %w", name, err)
		}
		if err := saveIndexes(ctx, exec, typeID, entity.Indexes); err != nil {
			return fmt.Errorf("metastore: saving indexes of %s: %w", name, err)
		}
	}
	return nil
}

func deleteVersionRows(ctx context.Context, exec Execer, versionID string) error {
	// type_id-scoped tables are cleaned up via their owning type's id
	// prefix (versionID+":"+name), which a plain LIKE over the version
	// prefix covers without a join; metastore tables have no foreign keys
	// to cascade through.
	stmts := []string{
		`DELETE FROM field_labels WHERE field_id IN (SELECT id FROM fields WHERE type_id IN (SELECT id FROM types WHERE version_id = ?))`,
		`DELETE FROM field_names WHERE type_id IN (SELECT id FROM types WHERE version_id = ?)`,
		`DELETE FROM fields WHERE type_id IN (SELECT id FROM types WHERE version_id = ?)`,
		`DELETE FROM indexes WHERE type_id IN (SELECT id FROM types WHERE version_id = ?)`,
		`DELETE FROM type_names WHERE version_id = ?`,
		`DELETE FROM types WHERE version_id = ?`,
	}
	for _, s := range stmts {
		if err := exec.Exec(ctx, s, versionID); err != nil {
			return fmt.Errorf("metastore: clearing prior rows: %w", err)
		}
	}
	return nil
}

func saveFields(ctx context.Context, exec Execer, typeID string, entity *typesys.Entity) error {
	for seq, f := range entity.Fields() {
		fieldID := typeID + ":" + f.Name
		inner, isOptional := f.Type.Unwrap()
		enum, entityRef := encodeType(inner)
		var defaultVal *string
		if f.Default != nil {
			s, err := value.ToJSON(*f.Default)
			if err != nil {
				return fmt.Errorf("encoding default for field %s: %w", f.Name, err)
			}
			str := string(s)
			defaultVal = &str
		}
		if err := exec.Exec(ctx,
			`INSERT INTO fields (id, type_id, name, type_enum, entity_ref, is_optional, is_unique, default_value, seq)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			fieldID, typeID, f.Name, enum, nullableString(entityRef), boolValue(isOptional), boolValue(f.Unique), defaultVal, seq); err != nil {
			return err
		}
		if err := exec.Exec(ctx,
			`INSERT INTO field_names (type_id, field_id, name, seq) VALUES (?, ?, ?, ?)`,
			typeID, fieldID, f.Name, seq); err != nil {
			return err
		}
		for _, label := range f.Labels {
			if err := exec.Exec(ctx,
				`INSERT INTO field_labels (field_id, label) VALUES (?, ?)`, fieldID, label); err != nil {
				return err
			}
		}
	}
	return nil
}

func saveIndexes(ctx context.Context, exec Execer, typeID string, indexes []typesys.Index) error {
	for _, ix := range indexes {
		if err := exec.Exec(ctx,
			`INSERT INTO indexes (type_id, fields) VALUES (?, ?)`, typeID, strings.Join(ix.Fields, ",")); err != nil {
			return err
		}
	}
	return nil
}

// LoadTypeSystem reconstructs a TypeSystem and the user's declaration
// order for versionID from the reserved tables. Builtin entities (e.g.
// AuthUser) are never persisted here; callers register those separately
// before resolving EntityRef fields against the returned TypeSystem.
func LoadTypeSystem(ctx context.Context, rawQuery Querier, dialect sqlrender.Dialect, versionID string) (*typesys.TypeSystem, []string, error) {
	query := rebindQuery{inner: rawQuery, dialect: dialect}
	rows, err := query.Query(ctx,
		`SELECT id, name, owner, id_type FROM types WHERE version_id = ? ORDER BY (SELECT seq FROM type_names WHERE type_names.type_id = types.id)`,
		versionID)
	if err != nil {
		return nil, nil, fmt.Errorf("metastore: loading types: %w", err)
	}
	defer rows.Close()

	ts := typesys.New()
	var order []string
	type pending struct {
		typeID, name string
		owner        typesys.OwnerKind
		idType       typesys.IDType
	}
	var entities []pending
	for rows.Next() {
		var typeID, name, owner, idType string
		if err := rows.Scan(&typeID, &name, &owner, &idType); err != nil {
			return nil, nil, err
		}
		entities = append(entities, pending{typeID, name, parseOwner(owner), parseIDType(idType)})
		order = append(order, name)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for _, p := range entities {
		fields, indexes, err := loadFields(ctx, query, p.typeID)
		if err != nil {
			return nil, nil, fmt.Errorf("metastore: loading fields of %s: %w", p.name, err)
		}
		ts.Register(typesys.NewEntity(p.name, p.owner, p.idType, fields, indexes))
	}
	return ts, order, nil
}

func loadFields(ctx context.Context, query Querier, typeID string) ([]typesys.Field, []typesys.Index, error) {
	rows, err := query.Query(ctx,
		`SELECT id, name, type_enum, entity_ref, is_optional, is_unique, default_value FROM fields WHERE type_id = ? ORDER BY seq`,
		typeID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var fields []typesys.Field
	var fieldIDs []string
	for rows.Next() {
		var id, name, enum string
		var entityRef, defaultVal *string
		var isOptional, isUnique string
		if err := rows.Scan(&id, &name, &enum, &entityRef, &isOptional, &isUnique, &defaultVal); err != nil {
			return nil, nil, err
		}
		ref := ""
		if entityRef != nil {
			ref = *entityRef
		}
		ft, err := decodeType(enum, ref)
		if err != nil {
			return nil, nil, err
		}
		if parseBool(isOptional) {
			ft = typesys.OptionalOf(ft)
		}
		var def *value.Value
		if defaultVal != nil {
			v, err := value.FromJSON([]byte(*defaultVal))
			if err != nil {
				return nil, nil, err
			}
			def = &v
		}
		fields = append(fields, typesys.Field{Name: name, Type: ft, Default: def, Unique: parseBool(isUnique)})
		fieldIDs = append(fieldIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	for i, fieldID := range fieldIDs {
		labels, err := loadLabels(ctx, query, fieldID)
		if err != nil {
			return nil, nil, err
		}
		fields[i].Labels = labels
	}

	indexes, err := loadIndexes(ctx, query, typeID)
	if err != nil {
		return nil, nil, err
	}
	return fields, indexes, nil
}

func loadLabels(ctx context.Context, query Querier, fieldID string) ([]string, error) {
	rows, err := query.Query(ctx, `SELECT label FROM field_labels WHERE field_id = ?`, fieldID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var labels []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, err
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

func loadIndexes(ctx context.Context, query Querier, typeID string) ([]typesys.Index, error) {
	rows, err := query.Query(ctx, `SELECT id, fields FROM indexes WHERE type_id = ?`, typeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var indexes []typesys.Index
	for rows.Next() {
		var id int
		var fields string
		if err := rows.Scan(&id, &fields); err != nil {
			return nil, err
		}
		indexes = append(indexes, typesys.Index{ID: id, Fields: strings.Split(fields, ",")})
	}
	return indexes, rows.Err()
}

// encodeType renders the non-optional core of a FieldType as the textual
// enum used on the apply wire: string|number|boolean|jsDate|arrayBuffer|
// entity(name)|array(inner). entityRef is only non-empty for the
// entity(name) case; array(inner) recurses into the enum string itself so
// a single text column covers arbitrarily nested arrays.
func encodeType(ft typesys.FieldType) (enum string, entityRef string) {
	switch ft.Tag {
	case typesys.TagEntityRef:
		return "entity", ft.EntityRef
	case typesys.TagArray:
		inner, innerRef := encodeType(*ft.Inner)
		if innerRef != "" {
			inner = inner + "(" + innerRef + ")"
		}
		return "array(" + inner + ")", ""
	case typesys.TagPrimitive:
		return primitiveName(ft.Primitive), ""
	default:
		return "string", ""
	}
}

func decodeType(enum, entityRef string) (typesys.FieldType, error) {
	if strings.HasPrefix(enum, "array(") && strings.HasSuffix(enum, ")") {
		innerEnum := strings.TrimSuffix(strings.TrimPrefix(enum, "array("), ")")
		innerName, innerRef := innerEnum, ""
		if idx := strings.Index(innerEnum, "("); idx >= 0 && strings.HasSuffix(innerEnum, ")") {
			innerName = innerEnum[:idx]
			innerRef = strings.TrimSuffix(innerEnum[idx+1:], ")")
		}
		inner, err := decodeType(innerName, innerRef)
		if err != nil {
			return typesys.FieldType{}, err
		}
		return typesys.ArrayOf(inner), nil
	}
	if enum == "entity" {
		return typesys.EntityRef(entityRef), nil
	}
	p, ok := parsePrimitiveName(enum)
	if !ok {
		return typesys.FieldType{}, fmt.Errorf("metastore: unknown type enum %q", enum)
	}
	return typesys.Primitive(p), nil
}

func primitiveName(p typesys.PrimitiveKind) string {
	switch p {
	case typesys.PrimString:
		return "string"
	case typesys.PrimNumber:
		return "number"
	case typesys.PrimBoolean:
		return "boolean"
	case typesys.PrimUUID:
		return "entityId"
	case typesys.PrimJSDate:
		return "jsDate"
	case typesys.PrimArrayBuffer:
		return "arrayBuffer"
	default:
		return "string"
	}
}

func parsePrimitiveName(s string) (typesys.PrimitiveKind, bool) {
	switch s {
	case "string":
		return typesys.PrimString, true
	case "number":
		return typesys.PrimNumber, true
	case "boolean":
		return typesys.PrimBoolean, true
	case "entityId":
		return typesys.PrimUUID, true
	case "jsDate":
		return typesys.PrimJSDate, true
	case "arrayBuffer":
		return typesys.PrimArrayBuffer, true
	default:
		return 0, false
	}
}

func ownerString(o typesys.OwnerKind) string {
	if o == typesys.OwnerBuiltin {
		return "builtin"
	}
	return "user"
}

func parseOwner(s string) typesys.OwnerKind {
	if s == "builtin" {
		return typesys.OwnerBuiltin
	}
	return typesys.OwnerUser
}

func idTypeString(t typesys.IDType) string {
	if t == typesys.IDTypeOpaqueString {
		return "opaqueString"
	}
	return "uuid"
}

func parseIDType(s string) typesys.IDType {
	if s == "opaqueString" {
		return typesys.IDTypeOpaqueString
	}
	return typesys.IDTypeUUID
}

func boolValue(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func parseBool(s string) bool { return s == "true" || s == "1" }

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

