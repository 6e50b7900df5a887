package pgdialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/layout"
	"chiselcore.dev/chiselcore/internal/migrate"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

func TestRenderAddColumnBindsSeedAsParameter(t *testing.T) {
	seed := value.F64(42)
	step := migrate.Step{
		Table:     "chisel_u_Person",
		Column:    layout.FieldColumn{Name: "age", Type: typesys.Primitive(typesys.PrimNumber)},
		SeedValue: &seed,
	}
	stmts := New().RenderAddColumn(step)
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0].SQL, "DEFAULT $1")
	assert.Equal(t, []any{float64(42)}, stmts[0].Args)
}

func TestColumnTypesMatchLayoutRepresentations(t *testing.T) {
	boolCol := layout.FieldColumn{Name: "active", Type: typesys.Primitive(typesys.PrimBoolean)}
	arrCol := layout.FieldColumn{Name: "tags", Type: typesys.ArrayOf(typesys.Primitive(typesys.PrimString))}
	assert.Equal(t, "SMALLINT", columnType(boolCol))
	assert.Equal(t, "TEXT", columnType(arrCol))
}

func TestRenderUpdateColumnSetsOrDropsNotNull(t *testing.T) {
	nullable := true
	stmts := New().RenderUpdateColumn(migrate.Step{
		Table:       "chisel_u_Person",
		Column:      layout.FieldColumn{Name: "nickname"},
		NewNullable: &nullable,
	})
	require.Len(t, stmts, 1)
	assert.Contains(t, stmts[0].SQL, "DROP NOT NULL")
}
