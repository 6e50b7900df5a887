package migrate

import (
	"context"
	"fmt"

	"chiselcore.dev/chiselcore/internal/layout"
)

// Statement is one rendered SQL statement ready to execute, with its
// positional arguments.
type Statement struct {
	SQL  string
	Args []any
}

// Dialect renders Steps into dialect-specific Statements. A single Step
// may render to more than one Statement: SQLite's nullable-column dance
// (internal/migrate/litedialect) needs four statements to do the work one
// Postgres ALTER COLUMN does in one.
type Dialect interface {
	RenderAddTable(table string, idCol layout.IDColumn) []Statement
	RenderAddColumn(step Step) []Statement
	RenderUpdateColumn(step Step) []Statement
	RenderRemoveColumn(step Step) []Statement
	RenderRemoveTable(step Step) []Statement
}

// Executor runs one rendered Statement. Implementations wrap a single SQL
// connection already inside the enclosing transaction; internal/queryengine
// supplies the concrete pgx/modernc.org-sqlite backed implementation so
// this package stays free of driver imports.
type Executor interface {
	Exec(ctx context.Context, sql string, args ...any) error
}

// Apply renders and executes every Step of plan in order, against one
// transaction-scoped Executor. A failure at any step aborts the whole
// apply; the caller is responsible for rolling back the enclosing
// transaction, matching the "single error aborts before any SQL runs [for
// later entities]" semantics at the per-statement level.
func Apply(ctx context.Context, exec Executor, dialect Dialect, plan *Plan) error {
	for _, step := range plan.Steps {
		var stmts []Statement
		switch step.Kind {
		case StepAddTable:
			stmts = dialect.RenderAddTable(step.Table, step.IDCol)
		case StepAddColumn:
			stmts = dialect.RenderAddColumn(step)
		case StepUpdateColumn:
			stmts = dialect.RenderUpdateColumn(step)
		case StepRemoveColumn:
			stmts = dialect.RenderRemoveColumn(step)
		case StepRemoveTable:
			stmts = dialect.RenderRemoveTable(step)
		default:
			return fmt.Errorf("migrate: unknown step kind %d", step.Kind)
		}
		for _, s := range stmts {
			if err := exec.Exec(ctx, s.SQL, s.Args...); err != nil {
				return fmt.Errorf("migrate: %s on %s: %w", stepVerb(step.Kind), step.Table, err)
			}
		}
	}
	return nil
}

func stepVerb(k StepKind) string {
	switch k {
	case StepAddTable:
		return "add table"
	case StepAddColumn:
		return "add column"
	case StepUpdateColumn:
		return "update column"
	case StepRemoveColumn:
		return "remove column"
	case StepRemoveTable:
		return "remove table"
	default:
		return "step"
	}
}
