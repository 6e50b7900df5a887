package metastore

import (
	"context"
	"fmt"

	"chiselcore.dev/chiselcore/internal/sqlrender"
)

// schemaVersions is the ordered evolution of the reserved tables:
// "empty" (no reserved tables yet) through "0.13" (the full set this
// codebase implements). Each entry's apply function is additive-only,
// matching the additive-evolution discipline internal/typesys.Delta
// enforces for user entities; the metastore's own tables degrade
// gracefully the same way.
type schemaVersion struct {
	name  string
	apply func(ctx context.Context, exec Execer, dialect sqlrender.Dialect) error
}

var schemaVersions = []schemaVersion{
	{name: "empty", apply: func(context.Context, Execer, sqlrender.Dialect) error { return nil }},
	{name: "0", apply: func(ctx context.Context, exec Execer, dialect sqlrender.Dialect) error {
		ddl := reservedTableDDL(dialect)
		for _, name := range []string{"chisel_version", "types", "type_names", "fields", "field_names", "policies", "modules", "api_info"} {
			if err := exec.Exec(ctx, ddl[name]); err != nil {
				return err
			}
		}
		return nil
	}},
	{name: "0.7", apply: func(ctx context.Context, exec Execer, dialect sqlrender.Dialect) error {
		return exec.Exec(ctx, reservedTableDDL(dialect)["field_labels"])
	}},
	{name: "0.12", apply: func(ctx context.Context, exec Execer, dialect sqlrender.Dialect) error {
		return exec.Exec(ctx, reservedTableDDL(dialect)["indexes"])
	}},
	{name: "0.13", apply: func(ctx context.Context, exec Execer, dialect sqlrender.Dialect) error {
		return exec.Exec(ctx, reservedTableDDL(dialect)["sessions"])
	}},
}

// CurrentSchemaVersion is the version this build's reserved-table layout
// corresponds to.
const CurrentSchemaVersion = "0.13"

// Migrate brings the reserved-table schema forward from whatever version
// it is currently at (including "empty", a brand-new database) up to
// CurrentSchemaVersion, applying each intermediate version's additive DDL
// in order and recording the new version after each successful step so a
// failure partway through leaves the database at a well-defined, already
//-migrated version rather than astride two.
func Migrate(ctx context.Context, exec Execer, query Querier, dialect sqlrender.Dialect) error {
	bootstrapDDL := `CREATE TABLE IF NOT EXISTS chisel_version (
		id INTEGER PRIMARY KEY,
		schema_version TEXT NOT NULL
	)`
	if err := exec.Exec(ctx, bootstrapDDL); err != nil {
		return fmt.Errorf("metastore: bootstrapping chisel_version: %w", err)
	}

	current, err := readSchemaVersion(ctx, query)
	if err != nil {
		return fmt.Errorf("metastore: reading schema version: %w", err)
	}

	applying := false
	for _, v := range schemaVersions {
		if !applying {
			if v.name == current {
				applying = true
			}
			continue
		}
		if err := v.apply(ctx, exec, dialect); err != nil {
			return fmt.Errorf("metastore: migrating to schema version %s: %w", v.name, err)
		}
		if err := writeSchemaVersion(ctx, exec, dialect, v.name); err != nil {
			return fmt.Errorf("metastore: recording schema version %s: %w", v.name, err)
		}
	}
	return nil
}

func readSchemaVersion(ctx context.Context, query Querier) (string, error) {
	rows, err := query.Query(ctx, `SELECT schema_version FROM chisel_version WHERE id = 1`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	if !rows.Next() {
		return "empty", rows.Err()
	}
	var v string
	if err := rows.Scan(&v); err != nil {
		return "", err
	}
	return v, nil
}

func writeSchemaVersion(ctx context.Context, exec Execer, dialect sqlrender.Dialect, version string) error {
	placeholder := "$1"
	if dialect == sqlrender.SQLite {
		placeholder = "?"
	}
	return exec.Exec(ctx,
		`INSERT INTO chisel_version (id, schema_version) VALUES (1, `+placeholder+`)
		 ON CONFLICT (id) DO UPDATE SET schema_version = excluded.schema_version`,
		version)
}
