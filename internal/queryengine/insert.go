package queryengine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"chiselcore.dev/chiselcore/internal/layout"
	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/sqlrender"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

// IdTree is the id (and, for any nested owned reference that was inserted
// along the way, its own IdTree) assigned to one AddRow call.
type IdTree struct {
	ID     string
	Nested map[string]*IdTree
}

// AddRow inserts one row for entity, recursively inserting any nested
// owned-reference rows first so their assigned ids can be stored as the
// parent's foreign-key column. Builtin-owned references (e.g. AuthUser)
// are never created this way: the nested value for those fields must
// already carry an existing id string.
func (e *Engine) AddRow(ctx context.Context, txn *Transaction, ts *typesys.TypeSystem, prefix string, entity *typesys.Entity, row *value.Map) (*IdTree, error) {
	table := layout.TableName(entity.Name, entity.Owner, prefix)

	id, err := rowID(row)
	if err != nil {
		return nil, err
	}

	cols := []string{"id"}
	args := []any{id}
	nested := make(map[string]*IdTree)

	for _, f := range entity.Fields() {
		inner, isOptional := f.Type.Unwrap()
		raw, present := row.Get(f.Name)

		if !present {
			if f.Default != nil {
				raw = *f.Default
				present = true
			} else if !isOptional {
				return nil, fmt.Errorf("queryengine: missing required field %q on %s", f.Name, entity.Name)
			} else {
				continue
			}
		}

		if inner.Tag == typesys.TagEntityRef {
			refEntity, err := ts.Lookup(inner.EntityRef)
			if err != nil {
				return nil, err
			}
			colVal, childTree, err := resolveReferenceValue(ctx, e, txn, ts, prefix, refEntity, raw)
			if err != nil {
				return nil, fmt.Errorf("queryengine: field %s: %w", f.Name, err)
			}
			if childTree != nil {
				nested[f.Name] = childTree
			}
			cols = append(cols, f.Name)
			args = append(args, colVal)
			continue
		}

		driverArg, err := columnArg(raw, inner)
		if err != nil {
			return nil, fmt.Errorf("queryengine: field %s: %w", f.Name, err)
		}
		cols = append(cols, f.Name)
		args = append(args, driverArg)
	}

	if err := e.upsert(ctx, txn, table, cols, args); err != nil {
		return nil, err
	}

	return &IdTree{ID: id, Nested: nested}, nil
}

// resolveReferenceValue returns the id string to store for a reference
// field. A Map value owned by the user entity is recursively inserted; a
// String value (or a Map on a builtin-owned entity) is treated as an
// existing id and used as-is.
func resolveReferenceValue(ctx context.Context, e *Engine, txn *Transaction, ts *typesys.TypeSystem, prefix string, refEntity *typesys.Entity, raw value.Value) (any, *IdTree, error) {
	if raw.Kind() == value.KindString {
		id, _ := raw.AsString()
		return id, nil, nil
	}
	m, err := raw.AsMap()
	if err != nil {
		return nil, nil, fmt.Errorf("reference value must be a string id or an object, got %s", raw.Kind())
	}
	if refEntity.Owner == typesys.OwnerBuiltin {
		id, ok := m.Get("id")
		if !ok {
			return nil, nil, fmt.Errorf("builtin reference %s must carry an existing id", refEntity.Name)
		}
		idStr, err := id.AsString()
		if err != nil {
			return nil, nil, err
		}
		return idStr, nil, nil
	}
	tree, err := e.AddRow(ctx, txn, ts, prefix, refEntity, m)
	if err != nil {
		return nil, nil, err
	}
	return tree.ID, tree, nil
}

func rowID(row *value.Map) (string, error) {
	if v, ok := row.Get("id"); ok {
		s, err := v.AsString()
		if err != nil {
			return "", fmt.Errorf("queryengine: id field must be a string")
		}
		if s != "" {
			return s, nil
		}
	}
	return uuid.NewString(), nil
}

// columnArg converts a scalar/array field's Value to the bound driver
// argument. Arrays are stored as JSON text; everything else goes through
// the shared driver conversion, so the insert path and the migration
// seed path agree on the same encoding.
func columnArg(v value.Value, fieldType typesys.FieldType) (any, error) {
	if fieldType.Tag == typesys.TagArray {
		return value.ToJSON(v)
	}
	return value.ToDriverArg(v)
}

// upsert always writes through ON CONFLICT(id) DO UPDATE so that save()
// with the same id is idempotent, a no-op
// beyond overwriting the row's contents.
func (e *Engine) upsert(ctx context.Context, txn *Transaction, table string, cols []string, args []any) error {
	placeholders := make([]string, len(cols))
	updates := make([]string, 0, len(cols)-1)
	for i, c := range cols {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		if c != "id" {
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", quoteIdent(c), quoteIdent(c)))
		}
	}
	sqlStr := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s`,
		quoteIdent(table), quoteIdentList(cols), strings.Join(placeholders, ", "), strings.Join(updates, ", "),
	)
	if e.renderDialect == sqlrender.SQLite {
		sqlStr = rebindQuestionMarks(sqlStr)
	}
	return txn.Exec(ctx, sqlStr, args...)
}

// rebindQuestionMarks swaps $N placeholders for ? since modernc.org/sqlite
// does not accept the $N positional form used for Postgres.
func rebindQuestionMarks(sqlStr string) string {
	var b strings.Builder
	for i := 0; i < len(sqlStr); i++ {
		if sqlStr[i] == '$' && i+1 < len(sqlStr) && sqlStr[i+1] >= '0' && sqlStr[i+1] <= '9' {
			b.WriteByte('?')
			i++
			for i+1 < len(sqlStr) && sqlStr[i+1] >= '0' && sqlStr[i+1] <= '9' {
				i++
			}
			continue
		}
		b.WriteByte(sqlStr[i])
	}
	return b.String()
}

// Mutation is the write-side counterpart of a QueryPlan: currently only
// DeleteFromExpression.
type Mutation struct {
	EntityName string
	Filter     *queryplan.Expr
}

// MutateWithTransaction executes a Mutation. DeleteFromExpression is
// rendered as DELETE FROM t WHERE id IN (SELECT id FROM <planned select>)
// so the same planner/renderer pipeline enforces policies on deletes.
func (e *Engine) MutateWithTransaction(ctx context.Context, txn *Transaction, plan *queryplan.QueryPlan) error {
	selectSQL, err := sqlrender.Select(plan, e.renderDialect)
	if err != nil {
		return err
	}
	leaf := plan
	for leaf.Inner != nil {
		leaf = leaf.Inner
	}
	sqlStr := fmt.Sprintf(`DELETE FROM %s WHERE %s IN (%s)`, quoteIdent(leaf.RootTable), quoteIdent("id"), selectIDOnly(selectSQL, leaf))
	return txn.Exec(ctx, sqlStr)
}

// selectIDOnly rewrites the rendered SELECT's column list down to just the
// root alias's id column, since the DELETE subquery only needs ids. The
// rest of the statement (FROM/JOIN/WHERE/ORDER/LIMIT) stays untouched.
func selectIDOnly(rendered string, leaf *queryplan.QueryPlan) string {
	fromIdx := strings.Index(rendered, " FROM ")
	if fromIdx < 0 {
		return rendered
	}
	idSelect := fmt.Sprintf(`SELECT %s.%s`, quoteIdent(leaf.RootAlias), quoteIdent("id"))
	return idSelect + rendered[fromIdx:]
}
