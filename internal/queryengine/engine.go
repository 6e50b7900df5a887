// Package queryengine owns the SQL connection pool and transactions,
// executes reads as streams and writes as statements, and rehydrates flat
// rows into the nested value.Value shape a queryplan.QueryPlan describes.
// It is the one package that actually talks to a database
// driver; internal/migrate's planner and dialect packages only describe
// statements, this package runs them.
package queryengine

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"chiselcore.dev/chiselcore/internal/config"
	"chiselcore.dev/chiselcore/internal/layout"
	"chiselcore.dev/chiselcore/internal/migrate"
	"chiselcore.dev/chiselcore/internal/migrate/litedialect"
	"chiselcore.dev/chiselcore/internal/migrate/pgdialect"
	"chiselcore.dev/chiselcore/internal/sqlrender"
	"chiselcore.dev/chiselcore/internal/typesys"
)

// Engine owns the pooled *sql.DB and the dialect-specific renderers it was
// opened with. One Engine is shared across every Version's workers; the
// pool itself provides checkout/release concurrency for DB operations.
type Engine struct {
	db             *sql.DB
	renderDialect  sqlrender.Dialect
	migrateDialect migrate.Dialect
}

// Open connects to the dialect/DSN named by cfg. "postgres" uses pgx's
// database/sql shim (stdlib), "sqlite" uses the pure-Go modernc.org/sqlite
// driver, matching the two MigrationExecutor dialects.
func Open(cfg *config.Server) (*Engine, error) {
	switch cfg.Dialect {
	case config.DialectPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("queryengine: opening postgres: %w", err)
		}
		return &Engine{db: db, renderDialect: sqlrender.Postgres, migrateDialect: pgdialect.New()}, nil
	case config.DialectSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("queryengine: opening sqlite: %w", err)
		}
		// modernc.org/sqlite serializes writers internally; a single
		// connection avoids "database is locked" errors under concurrent
		// workers.
		db.SetMaxOpenConns(1)
		return &Engine{db: db, renderDialect: sqlrender.SQLite, migrateDialect: litedialect.New()}, nil
	default:
		return nil, fmt.Errorf("queryengine: unknown dialect %q", cfg.Dialect)
	}
}

func (e *Engine) Close() error { return e.db.Close() }

// Transaction wraps one *sql.Tx. A worker's job transaction is exactly
// one Transaction value, held for the lifetime of the job.
type Transaction struct {
	tx      *sql.Tx
	engine  *Engine
}

// Exec implements migrate.Executor so MigrationExecutor steps can run
// against this transaction without internal/migrate importing database/sql.
func (t *Transaction) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

func (e *Engine) BeginTransaction(ctx context.Context) (*Transaction, error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queryengine: begin transaction: %w", err)
	}
	return &Transaction{tx: tx, engine: e}, nil
}

// Query runs query against this transaction and returns its rows directly,
// the seam internal/metastore uses to read the reserved-table schema
// version without this package needing to know about metastore's schema.
func (t *Transaction) Query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Transaction) Commit() error { return t.tx.Commit() }

func (t *Transaction) Rollback() error { return t.tx.Rollback() }

// CreateTable emits the AddTable(+AddColumn per field) steps for a
// brand-new entity, inside txn.
func (e *Engine) CreateTable(ctx context.Context, txn *Transaction, entity *typesys.Entity, prefix string) error {
	idCol := layout.NewIDColumn(entity.IDType)
	table := layout.TableName(entity.Name, entity.Owner, prefix)
	plan := migrate.NewEntity(table, entity, idCol)
	return migrate.Apply(ctx, txn, e.migrateDialect, plan)
}

// DropTable emits a single RemoveTable step.
func (e *Engine) DropTable(ctx context.Context, txn *Transaction, entity *typesys.Entity, prefix string) error {
	table := layout.TableName(entity.Name, entity.Owner, prefix)
	return migrate.Apply(ctx, txn, e.migrateDialect, migrate.RemoveEntity(table))
}

// AlterTable delegates an already-computed ObjectDelta to the
// MigrationPlanner/MigrationExecutor pipeline.
func (e *Engine) AlterTable(ctx context.Context, txn *Transaction, entity *typesys.Entity, delta *typesys.ObjectDelta, prefix string) error {
	table := layout.TableName(entity.Name, entity.Owner, prefix)
	plan := migrate.ForEntity(table, delta)
	return migrate.Apply(ctx, txn, e.migrateDialect, plan)
}

// CreateIndexes and DropIndexes manage the additive index metadata.
// Index identity is the field-name set; an index never
// changes shape, only exists or not, so these are simple CREATE/DROP INDEX
// statements keyed by a deterministic generated name.
func (e *Engine) CreateIndexes(ctx context.Context, txn *Transaction, entity *typesys.Entity, prefix string, indexes []typesys.Index) error {
	table := layout.TableName(entity.Name, entity.Owner, prefix)
	for _, ix := range indexes {
		name := indexName(table, ix)
		cols := quoteIdentList(ix.Fields)
		sqlStr := fmt.Sprintf(`CREATE INDEX %s ON %s (%s)`, quoteIdent(name), quoteIdent(table), cols)
		if err := txn.Exec(ctx, sqlStr); err != nil {
			return fmt.Errorf("queryengine: create index %s: %w", name, err)
		}
	}
	return nil
}

func (e *Engine) DropIndexes(ctx context.Context, txn *Transaction, entity *typesys.Entity, prefix string, indexes []typesys.Index) error {
	table := layout.TableName(entity.Name, entity.Owner, prefix)
	for _, ix := range indexes {
		name := indexName(table, ix)
		if err := txn.Exec(ctx, fmt.Sprintf(`DROP INDEX %s`, quoteIdent(name))); err != nil {
			return fmt.Errorf("queryengine: drop index %s: %w", name, err)
		}
	}
	return nil
}

func indexName(table string, ix typesys.Index) string {
	name := "idx_" + table
	for _, f := range ix.Fields {
		name += "_" + f
	}
	return name
}

func quoteIdent(ident string) string { return `"` + ident + `"` }

func quoteIdentList(idents []string) string {
	out := ""
	for i, id := range idents {
		if i > 0 {
			out += ", "
		}
		out += quoteIdent(id)
	}
	return out
}

// Dialect exposes the renderer dialect this Engine was opened with, so
// callers (internal/sqlrender consumers, internal/crud) can render plans
// consistently with how this Engine will execute them.
func (e *Engine) Dialect() sqlrender.Dialect { return e.renderDialect }
