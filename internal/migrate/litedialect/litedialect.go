// Package litedialect renders migration Steps as SQLite statements,
// working around two SQLite restrictions: ADD COLUMN cannot
// carry a DEFAULT expression with a bound parameter, and there is no
// ALTER COLUMN at all.
package litedialect

import (
	"fmt"

	"chiselcore.dev/chiselcore/internal/layout"
	"chiselcore.dev/chiselcore/internal/migrate"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

// Dialect implements migrate.Dialect for SQLite, driven by modernc.org/sqlite.
type Dialect struct{}

func New() Dialect { return Dialect{} }

func (Dialect) RenderAddTable(table string, idCol layout.IDColumn) []migrate.Statement {
	return []migrate.Statement{{
		SQL: fmt.Sprintf(`CREATE TABLE %s (%s TEXT PRIMARY KEY)`, quote(table), quote(idCol.Name)),
	}}
}

// RenderAddColumn omits DEFAULT entirely: SQLite accepts ADD COLUMN with
// only a small set of constant defaults, so the core instead seeds every
// existing row itself in the same transaction, then relies on
// internal/queryengine writing the declared default at insert time for
// rows created afterward. The UPDATE backfill here is what makes that
// invariant hold for the rows that already existed when the column was
// added.
func (Dialect) RenderAddColumn(step migrate.Step) []migrate.Statement {
	sqlType := columnType(step.Column)
	stmts := []migrate.Statement{{
		SQL: fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, quote(step.Table), quote(step.Column.Name), sqlType),
	}}
	if step.SeedValue != nil {
		arg, err := value.ToDriverArg(*step.SeedValue)
		if err == nil {
			stmts = append(stmts, migrate.Statement{
				SQL:  fmt.Sprintf(`UPDATE %s SET %s = ?`, quote(step.Table), quote(step.Column.Name)),
				Args: []any{arg},
			})
		}
	}
	return stmts
}

// RenderUpdateColumn performs the four-step shadow-column dance,
// since SQLite has no ALTER COLUMN: add a nullable shadow
// column, copy values across, drop the original, rename the shadow back
// to the original name.
func (Dialect) RenderUpdateColumn(step migrate.Step) []migrate.Statement {
	shadow := step.Column.Name + "__chisel_shadow"
	sqlType := columnType(step.Column)
	return []migrate.Statement{
		{SQL: fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, quote(step.Table), quote(shadow), sqlType)},
		{SQL: fmt.Sprintf(`UPDATE %s SET %s = %s`, quote(step.Table), quote(shadow), quote(step.Column.Name))},
		{SQL: fmt.Sprintf(`ALTER TABLE %s DROP COLUMN %s`, quote(step.Table), quote(step.Column.Name))},
		{SQL: fmt.Sprintf(`ALTER TABLE %s RENAME COLUMN %s TO %s`, quote(step.Table), quote(shadow), quote(step.Column.Name))},
	}
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
		return "REAL"
	case typesys.PrimBoolean:
		return "INTEGER"
	case typesys.PrimArrayBuffer:
		return "BLOB"
	default:
		return "TEXT"
	}
}
