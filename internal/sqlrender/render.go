// Package sqlrender renders a queryplan.QueryPlan into a dialect-specific
// SQL string. Filter literals are inlined through a single dialect-aware
// escaping helper rather than bound as parameters.
// TODO: parameterize filter literals fully instead of inlining them.
package sqlrender

import (
	"fmt"
	"strings"

	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/value"
)

// Dialect distinguishes the handful of rendering differences between
// backends: Postgres OFFSET-without-LIMIT is legal on its own, SQLite
// requires the LIMIT -1 OFFSET n workaround.
type Dialect int

const (
	Postgres Dialect = iota
	SQLite
)

// Select renders plan as a single SELECT statement (or a nested
// SELECT * FROM (...) AS sub WHERE ... when plan.Inner is set, per the
// chained take/skip subquery rule).
func Select(plan *queryplan.QueryPlan, dialect Dialect) (string, error) {
	if plan.Inner != nil {
		inner, err := Select(plan.Inner, dialect)
		if err != nil {
			return "", err
		}
		var b strings.Builder
		b.WriteString("SELECT * FROM (")
		b.WriteString(inner)
		b.WriteString(") AS sub")
		if plan.Filter != nil {
			where, err := renderExpr(*plan.Filter, dialect, columnRefBySubAlias)
			if err != nil {
				return "", err
			}
			b.WriteString(" WHERE ")
			b.WriteString(where)
		}
		b.WriteString(renderOrderBy(plan.SortKeys, "sub"))
		b.WriteString(renderLimitOffset(plan.Take, plan.Skip, dialect))
		return b.String(), nil
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	cols := make([]string, len(plan.Columns))
	for i, c := range plan.Columns {
		cols[i] = fmt.Sprintf("%s.%s AS %s", quoteIdent(c.TableAlias), quoteIdent(c.FieldName), quoteIdent(c.SelectAs))
	}
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(fmt.Sprintf(" FROM %s AS %s", quoteIdent(plan.RootTable), quoteIdent(plan.RootAlias)))

	for _, j := range plan.Joins {
		b.WriteString(fmt.Sprintf(
			" LEFT JOIN %s AS %s ON %s.%s = %s.id",
			quoteIdent(j.Table), quoteIdent(j.Alias),
			quoteIdent(j.ParentAlias), quoteIdent(j.ParentColumn),
			quoteIdent(j.Alias),
		))
	}

	if plan.Filter != nil {
		where, err := renderExpr(*plan.Filter, dialect, columnRefFor(plan))
		if err != nil {
			return "", err
		}
		b.WriteString(" WHERE ")
		b.WriteString(where)
	}

	b.WriteString(renderOrderBy(plan.SortKeys, plan.RootAlias))
	b.WriteString(renderLimitOffset(plan.Take, plan.Skip, dialect))

	return b.String(), nil
}

func renderOrderBy(keys []queryplan.SortKey, alias string) string {
	if len(keys) == 0 {
		return ""
	}
	terms := make([]string, len(keys))
	for i, k := range keys {
		dir := "ASC"
		if k.Descending {
			dir = "DESC"
		}
		terms[i] = fmt.Sprintf("%s.%s %s", quoteIdent(alias), quoteIdent(lastSegment(k.FieldPath)), dir)
	}
	return " ORDER BY " + strings.Join(terms, ", ")
}

// renderLimitOffset applies SQLite's LIMIT -1 OFFSET n quirk: Skip
// without Take has no direct SQLite syntax, so a Skip-only plan renders
// LIMIT -1 (meaning "unbounded") together with the OFFSET.
func renderLimitOffset(take, skip *int, dialect Dialect) string {
	switch {
	case take != nil && skip != nil:
		return fmt.Sprintf(" LIMIT %d OFFSET %d", *take, *skip)
	case take != nil:
		return fmt.Sprintf(" LIMIT %d", *take)
	case skip != nil:
		if dialect == SQLite {
			return fmt.Sprintf(" LIMIT -1 OFFSET %d", *skip)
		}
		return fmt.Sprintf(" OFFSET %d", *skip)
	default:
		return ""
	}
}

func quoteIdent(ident string) string { return `"` + ident + `"` }

func lastSegment(path string) string {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// columnRefFn resolves a dotted field path to the SQL column reference
// used to evaluate an Expr's PropertyAccess chain against this plan.
type columnRefFn func(path string) (string, error)

func columnRefFor(plan *queryplan.QueryPlan) columnRefFn {
	byPath := make(map[string]string, len(plan.Columns))
	for _, c := range plan.Columns {
		byPath[c.FieldPath] = fmt.Sprintf("%s.%s", quoteIdent(c.TableAlias), quoteIdent(c.FieldName))
	}
	return func(path string) (string, error) {
		ref, ok := byPath[path]
		if !ok {
			return "", fmt.Errorf("sqlrender: unknown field path %q", path)
		}
		return ref, nil
	}
}

func columnRefBySubAlias(path string) (string, error) {
	return fmt.Sprintf("%s.%s", quoteIdent("sub"), quoteIdent(lastSegment(path))), nil
}

// renderExpr renders a queryplan.Expr tree to a SQL boolean expression,
// resolving PropertyAccess chains via resolve and inlining literals
// through a dialect-safe escaping helper.
func renderExpr(e queryplan.Expr, dialect Dialect, resolve columnRefFn) (string, error) {
	switch e.Tag {
	case queryplan.ExprValueTag:
		return renderLiteral(e.Literal, dialect)
	case queryplan.ExprParamTag:
		return "", fmt.Errorf("sqlrender: bare Parameter(0) is not a boolean expression")
	case queryplan.ExprPropTag:
		path, err := propPath(e)
		if err != nil {
			return "", err
		}
		return resolve(path)
	case queryplan.ExprNotTag:
		inner, err := renderExpr(*e.Inner, dialect, resolve)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("NOT (%s)", inner), nil
	case queryplan.ExprBinaryTag:
		left, err := renderExpr(*e.Left, dialect, resolve)
		if err != nil {
			return "", err
		}
		right, err := renderExpr(*e.Right, dialect, resolve)
		if err != nil {
			return "", err
		}
		op, err := binaryOpSQL(e.Op)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(%s %s %s)", left, op, right), nil
	default:
		return "", fmt.Errorf("sqlrender: unknown expression tag %d", e.Tag)
	}
}

func binaryOpSQL(op queryplan.BinaryOp) (string, error) {
	switch op {
	case queryplan.OpAnd:
		return "AND", nil
	case queryplan.OpOr:
		return "OR", nil
	case queryplan.OpEq:
		return "=", nil
	case queryplan.OpNeq:
		return "<>", nil
	case queryplan.OpLt:
		return "<", nil
	case queryplan.OpLte:
		return "<=", nil
	case queryplan.OpGt:
		return ">", nil
	case queryplan.OpGte:
		return ">=", nil
	default:
		return "", fmt.Errorf("sqlrender: unknown binary op %d", op)
	}
}

// propPath flattens a PropertyAccess chain rooted at Param(0) back into
// the dotted path queryplan.Column.FieldPath uses ("id" for the root id,
// "author.email" for a joined field), the inverse of how the planner
// builds paths while walking reference fields.
func propPath(e queryplan.Expr) (string, error) {
	if e.Tag != queryplan.ExprPropTag {
		return "", fmt.Errorf("sqlrender: expected a property access")
	}
	if e.Object.Tag == queryplan.ExprParamTag {
		return e.Property, nil
	}
	base, err := propPath(*e.Object)
	if err != nil {
		return "", err
	}
	return base + "." + e.Property, nil
}

// renderLiteral inlines a literal value with dialect-safe quoting. Every
// literal in a filter expression passes through here, never through ad
// hoc string concatenation elsewhere.
func renderLiteral(v value.Value, dialect Dialect) (string, error) {
	switch v.Kind() {
	case value.KindNull:
		return "NULL", nil
	case value.KindString:
		s, _ := v.AsString()
		return quoteStringLiteral(s), nil
	case value.KindF64, value.KindJSDate:
		f, _ := v.AsF64()
		return fmt.Sprintf("%v", f), nil
	case value.KindI64:
		i, _ := v.AsI64()
		return fmt.Sprintf("%d", i), nil
	case value.KindBool:
		// Boolean columns are declared SMALLINT (Postgres) or INTEGER
		// (SQLite), so a boolean literal compares as 1/0.
		b, _ := v.AsBool()
		if b {
			return "1", nil
		}
		return "0", nil
	default:
		return "", fmt.Errorf("sqlrender: %s is not a valid filter literal type", v.Kind())
	}
}

func quoteStringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
