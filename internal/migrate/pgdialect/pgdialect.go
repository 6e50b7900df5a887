// Package pgdialect renders migration Steps as Postgres statements.
package pgdialect

import (
	"fmt"

	"chiselcore.dev/chiselcore/internal/layout"
	"chiselcore.dev/chiselcore/internal/migrate"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

// Dialect implements migrate.Dialect for Postgres, driven by jackc/pgx.
type Dialect struct{}

func New() Dialect { return Dialect{} }

func (Dialect) RenderAddTable(table string, idCol layout.IDColumn) []migrate.Statement {
	return []migrate.Statement{{
		SQL: fmt.Sprintf(`CREATE TABLE %s (%s TEXT PRIMARY KEY)`, quote(table), quote(idCol.Name)),
	}}
}

// RenderAddColumn uses ALTER TABLE ... ADD COLUMN ... DEFAULT $1 with the
// seed value bound as a parameter, the form Postgres actually supports.
func (Dialect) RenderAddColumn(step migrate.Step) []migrate.Statement {
	sqlType := columnType(step.Column)
	nullClause := "NOT NULL"
	if step.Column.Nullable {
		nullClause = "NULL"
	}
	if step.SeedValue == nil {
		return []migrate.Statement{{
			SQL: fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s %s`, quote(step.Table), quote(step.Column.Name), sqlType, nullClause),
		}}
	}
	arg, err := value.ToDriverArg(*step.SeedValue)
	if err != nil {
		arg = nil
	}
	return []migrate.Statement{{
		SQL:  fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s %s DEFAULT $1`, quote(step.Table), quote(step.Column.Name), sqlType, nullClause),
		Args: []any{arg},
	}}
}

// RenderUpdateColumn uses ALTER COLUMN ... SET|DROP NOT NULL, the only
// column-shape change the planner ever emits.
func (Dialect) RenderUpdateColumn(step migrate.Step) []migrate.Statement {
	action := "SET NOT NULL"
	if step.NewNullable != nil && *step.NewNullable {
		action = "DROP NOT NULL"
	}
	return []migrate.Statement{{
		SQL: fmt.Sprintf(`ALTER TABLE %s ALTER COLUMN %s %s`, quote(step.Table), quote(step.Column.Name), action),
	}}
}

func (Dialect) RenderRemoveColumn(step migrate.Step) []migrate.Statement {
	return []migrate.Statement{{
		SQL: fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, quote(step.Table), quote(step.Column.Name)),
	}}
}

func (Dialect) RenderRemoveTable(step migrate.Step) []migrate.Statement {
	return []migrate.Statement{{SQL: fmt.Sprintf(`DROP TABLE %s`, quote(step.Table))}}
}

func quote(ident string) string { return `"` + ident + `"` }

func columnType(col layout.FieldColumn) string {
	if col.Type.Tag == typesys.TagEntityRef {
		return "TEXT"
	}
	if col.Type.Tag == typesys.TagArray {
		return "TEXT"
	}
	switch col.Type.Primitive {
	case typesys.PrimString, typesys.PrimUUID:
		return "TEXT"
	case typesys.PrimNumber, typesys.PrimJSDate:
		return "DOUBLE PRECISION"
	case typesys.PrimBoolean:
		return "SMALLINT"
	case typesys.PrimArrayBuffer:
		return "BYTEA"
	default:
		return "TEXT"
	}
}
