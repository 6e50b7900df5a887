// Package metastore owns the reserved metadata tables (the type system,
// field labels, indexes, policy sources, module sources, and
// legacy sessions, all persisted alongside user-entity tables) and the
// versioned schema migrator that evolves those reserved tables forward
// across server builds without disturbing user data.
package metastore

import (
	"context"
	"database/sql"
	"fmt"

	"chiselcore.dev/chiselcore/internal/sqlrender"
)

// Execer runs one SQL statement inside the caller's transaction; the same
// minimal seam internal/migrate.Executor uses, so internal/queryengine's
// *Transaction satisfies both without metastore importing a driver.
type Execer interface {
	Exec(ctx context.Context, query string, args ...any) error
}

// Querier runs one query and returns its rows, used by the version-read
// path (it has no write-side counterpart in migrate).
type Querier interface {
	Query(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// boolType renders the column type used for a boolean column, matching
// the text-encoded-boolean convention internal/queryengine's decodeBool
// applies uniformly across the SQLite dialect.
func boolType(dialect sqlrender.Dialect) string {
	if dialect == sqlrender.SQLite {
		return "TEXT"
	}
	return "BOOLEAN"
}

// reservedTableDDL is keyed by reserved table name, so
// CreateReservedTables stays mechanically in sync with the list.
func reservedTableDDL(dialect sqlrender.Dialect) map[string]string {
	b := boolType(dialect)
	return map[string]string{
		"chisel_version": `CREATE TABLE IF NOT EXISTS chisel_version (
			id INTEGER PRIMARY KEY,
			schema_version TEXT NOT NULL
		)`,
		"types": `CREATE TABLE IF NOT EXISTS types (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL,
			name TEXT NOT NULL,
			owner TEXT NOT NULL,
			id_type TEXT NOT NULL
		)`,
		"type_names": `CREATE TABLE IF NOT EXISTS type_names (
			version_id TEXT NOT NULL,
			type_id TEXT NOT NULL,
			name TEXT NOT NULL,
			seq INTEGER NOT NULL
		)`,
		"fields": `CREATE TABLE IF NOT EXISTS fields (
			id TEXT PRIMARY KEY,
			type_id TEXT NOT NULL,
			name TEXT NOT NULL,
			type_enum TEXT NOT NULL,
			entity_ref TEXT,
			is_optional ` + b + ` NOT NULL,
			is_unique ` + b + ` NOT NULL,
			default_value TEXT,
			seq INTEGER NOT NULL
		)`,
		"field_names": `CREATE TABLE IF NOT EXISTS field_names (
			type_id TEXT NOT NULL,
			field_id TEXT NOT NULL,
			name TEXT NOT NULL,
			seq INTEGER NOT NULL
		)`,
		"field_labels": `CREATE TABLE IF NOT EXISTS field_labels (
			field_id TEXT NOT NULL,
			label TEXT NOT NULL
		)`,
		"indexes": `CREATE TABLE IF NOT EXISTS indexes (
			id INTEGER PRIMARY KEY,
			type_id TEXT NOT NULL,
			fields TEXT NOT NULL
		)`,
		"policies": `CREATE TABLE IF NOT EXISTS policies (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL,
			path TEXT NOT NULL,
			kind TEXT NOT NULL,
			config TEXT NOT NULL
		)`,
		"modules": `CREATE TABLE IF NOT EXISTS modules (
			id TEXT PRIMARY KEY,
			version_id TEXT NOT NULL,
			entity_name TEXT,
			source TEXT NOT NULL
		)`,
		"api_info": `CREATE TABLE IF NOT EXISTS api_info (
			version_id TEXT PRIMARY KEY,
			type_names_json TEXT NOT NULL,
			labels_json TEXT NOT NULL,
			endpoints_json TEXT NOT NULL
		)`,
		"sessions": `CREATE TABLE IF NOT EXISTS sessions (
			token_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			expires_at ` + numericType(dialect) + ` NOT NULL,
			created_at ` + numericType(dialect) + ` NOT NULL
		)`,
	}
}

func numericType(dialect sqlrender.Dialect) string {
	if dialect == sqlrender.SQLite {
		return "REAL"
	}
	return "DOUBLE PRECISION"
}

// tableOrder is the dependency-free creation order; every reserved table
// is independent DDL (no foreign keys, since id columns are plain text
// identifiers resolved in application code, matching how user-entity
// tables are addressed elsewhere in this codebase), so any order is safe,
// but a fixed order keeps bootstrap output deterministic.
var tableOrder = []string{
	"chisel_version", "types", "type_names", "fields", "field_names",
	"field_labels", "indexes", "policies", "modules", "api_info", "sessions",
}

// CreateReservedTables creates every reserved table, idempotently
// (CREATE TABLE IF NOT EXISTS), against exec inside the caller's
// transaction.
func CreateReservedTables(ctx context.Context, exec Execer, dialect sqlrender.Dialect) error {
	ddl := reservedTableDDL(dialect)
	for _, name := range tableOrder {
		if err := exec.Exec(ctx, ddl[name]); err != nil {
			return fmt.Errorf("metastore: creating table %s: %w", name, err)
		}
	}
	return nil
}
