package queryengine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/sqlrender"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

// Stream is the cursor QueryEngine.Query returns: pull-based, one row
// rehydrated per Next call. Errors during streaming are surfaced as the
// error return of Next, not a panic; callers must not
// infer success from how many rows they saw before an error.
type Stream struct {
	rows     *sql.Rows
	leafCols []queryplan.Column
	plan     *queryplan.QueryPlan
	dialect  sqlrender.Dialect
	closed   bool
}

// Next pulls the next rehydrated row. ok is false (err nil) at end of
// stream. Cancellation of ctx while Next is in flight surfaces as err.
func (s *Stream) Next(ctx context.Context) (v value.Value, ok bool, err error) {
	if s.closed {
		return value.Null(), false, fmt.Errorf("queryengine: stream is closed")
	}
	select {
	case <-ctx.Done():
		return value.Null(), false, ctx.Err()
	default:
	}
	if !s.rows.Next() {
		if err := s.rows.Err(); err != nil {
			return value.Null(), false, err
		}
		return value.Null(), false, nil
	}
	raw := make([]any, len(s.leafCols))
	ptrs := make([]any, len(s.leafCols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}
	if err := s.rows.Scan(ptrs...); err != nil {
		return value.Null(), false, err
	}
	rehydrated, err := rehydrateRow(s.leafPlan(), s.leafCols, raw, s.dialect)
	if err != nil {
		return value.Null(), false, err
	}
	if s.plan.AllowedFields != nil {
		rehydrated = applyAllowedFields(rehydrated, s.plan.AllowedFields)
	}
	return rehydrated, true, nil
}

func (s *Stream) leafPlan() *queryplan.QueryPlan {
	p := s.plan
	for p.Inner != nil {
		p = p.Inner
	}
	return p
}

// Close cancels the underlying query, releasing the DB resources
// promptly instead of waiting on GC.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return s.rows.Close()
}

// Query renders plan and begins streaming it against txn.
func (e *Engine) Query(ctx context.Context, txn *Transaction, plan *queryplan.QueryPlan) (*Stream, error) {
	sqlStr, err := sqlrender.Select(plan, e.renderDialect)
	if err != nil {
		return nil, err
	}
	rows, err := txn.tx.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, fmt.Errorf("queryengine: query: %w", err)
	}
	leaf := plan
	for leaf.Inner != nil {
		leaf = leaf.Inner
	}
	return &Stream{rows: rows, leafCols: leaf.Columns, plan: plan, dialect: e.renderDialect}, nil
}

// applyAllowedFields drops every top-level key of v outside allowed,
// applied after rehydration rather than pushed into the SELECT column
// list so the nested shape stays stable.
func applyAllowedFields(v value.Value, allowed []string) value.Value {
	m, err := v.AsMap()
	if err != nil {
		return v
	}
	keep := make(map[string]bool, len(allowed))
	for _, f := range allowed {
		keep[f] = true
	}
	keep["id"] = true
	out := value.NewMap()
	for _, k := range m.Keys() {
		if keep[k] {
			val, _ := m.Get(k)
			out.Set(k, val)
		}
	}
	return value.FromMap(out)
}

// rehydrateRow builds one nested value.Value from a flat row: for every
// column the plan recorded a (field_path, alias, type);
// a reference field's presence is decided by its descendant id column
// being null (absent if optional, an error if required).
func rehydrateRow(plan *queryplan.QueryPlan, cols []queryplan.Column, raw []any, dialect sqlrender.Dialect) (value.Value, error) {
	byPath := make(map[string]any, len(cols))
	for i, c := range cols {
		byPath[c.FieldPath] = raw[i]
	}

	nullableOf := make(map[string]bool, len(plan.Joins))
	for _, j := range plan.Joins {
		nullableOf[j.ViaFieldPath] = j.Nullable
	}

	absent := make(map[string]bool)
	for _, j := range plan.Joins {
		prefix := j.ViaFieldPath
		if hasAbsentAncestor(absent, prefix) {
			absent[prefix] = true
			continue
		}
		idRaw, ok := byPath[prefix+".id"]
		if !ok || idRaw == nil {
			if !nullableOf[prefix] {
				return value.Null(), fmt.Errorf("queryengine: required reference %q is missing", prefix)
			}
			absent[prefix] = true
		}
	}

	root := value.NewMap()
	for _, c := range cols {
		prefix := ownerPrefix(c.FieldPath)
		if absent[prefix] || hasAbsentAncestor(absent, prefix) {
			continue
		}
		v, err := decodeColumn(c, byPath[c.FieldPath], dialect)
		if err != nil {
			return value.Null(), fmt.Errorf("queryengine: column %s: %w", c.FieldPath, err)
		}
		value.SetPath(root, c.FieldPath, v)
	}
	for prefix, isAbsent := range absent {
		if isAbsent && !hasAbsentAncestor(absent, prefix) {
			value.SetPath(root, prefix, value.Null())
		}
	}
	return value.FromMap(root), nil
}

func hasAbsentAncestor(absent map[string]bool, prefix string) bool {
	for p := range absent {
		if absent[p] && prefix != p && strings.HasPrefix(prefix, p+".") {
			return true
		}
	}
	return false
}

func ownerPrefix(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return ""
	}
	return path[:idx]
}

// decodeColumn converts a driver-scanned raw value into a value.Value
// per c.Type. Boolean columns are integer-typed (SMALLINT/INTEGER), but
// SQLite loses type info across coalesce and can hand the value back as
// the text "1"/"0"/"true"/"false", so decodeBool tolerates bool, int,
// and string encodings.
func decodeColumn(c queryplan.Column, raw any, dialect sqlrender.Dialect) (value.Value, error) {
	if raw == nil {
		return value.Null(), nil
	}
	if c.FieldName == "id" {
		return value.String(asString(raw)), nil
	}
	if c.Type.Tag == typesys.TagEntityRef {
		return value.String(asString(raw)), nil
	}
	if c.Type.Tag == typesys.TagArray {
		return value.FromJSON([]byte(asString(raw)))
	}
	switch c.Type.Primitive {
	case typesys.PrimString, typesys.PrimUUID:
		return value.String(asString(raw)), nil
	case typesys.PrimNumber:
		f, err := asFloat(raw)
		if err != nil {
			return value.Null(), err
		}
		return value.F64(f), nil
	case typesys.PrimJSDate:
		f, err := asFloat(raw)
		if err != nil {
			return value.Null(), err
		}
		return value.JSDate(f), nil
	case typesys.PrimBoolean:
		return decodeBool(raw, dialect)
	case typesys.PrimArrayBuffer:
		b, ok := raw.([]byte)
		if !ok {
			return value.Null(), fmt.Errorf("expected bytes, got %T", raw)
		}
		return value.Bytes(b), nil
	default:
		return value.Null(), fmt.Errorf("unsupported column type tag %d", c.Type.Tag)
	}
}

func decodeBool(raw any, dialect sqlrender.Dialect) (value.Value, error) {
	switch v := raw.(type) {
	case bool:
		return value.Bool(v), nil
	case int64:
		return value.Bool(v != 0), nil
	case string:
		return value.Bool(v == "1" || v == "true"), nil
	case []byte:
		s := string(v)
		return value.Bool(s == "1" || s == "true"), nil
	default:
		return value.Null(), fmt.Errorf("unsupported boolean encoding %T for dialect %v", raw, dialect)
	}
}

func asString(raw any) string {
	switch v := raw.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func asFloat(raw any) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case []byte:
		var f float64
		_, err := fmt.Sscanf(string(v), "%g", &f)
		return f, err
	case string:
		var f float64
		_, err := fmt.Sscanf(v, "%g", &f)
		return f, err
	default:
		return 0, fmt.Errorf("unsupported numeric encoding %T", raw)
	}
}
