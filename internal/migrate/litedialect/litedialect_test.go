package litedialect

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/layout"
	"chiselcore.dev/chiselcore/internal/migrate"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

func TestRenderAddColumnOmitsDefaultAndBackfillsSeparately(t *testing.T) {
	seed := value.Bool(true)
	step := migrate.Step{
		Table:     "chisel_u_Person",
		Column:    layout.FieldColumn{Name: "active", Type: typesys.Primitive(typesys.PrimBoolean)},
		SeedValue: &seed,
	}
	stmts := New().RenderAddColumn(step)
	require.Len(t, stmts, 2)
	assert.NotContains(t, stmts[0].SQL, "DEFAULT")
	assert.Contains(t, stmts[0].SQL, "INTEGER")
	assert.Contains(t, stmts[1].SQL, "UPDATE")
	assert.Equal(t, []any{int64(1)}, stmts[1].Args)
}

func TestColumnTypesMatchLayoutRepresentations(t *testing.T) {
	boolCol := layout.FieldColumn{Name: "active", Type: typesys.Primitive(typesys.PrimBoolean)}
	arrCol := layout.FieldColumn{Name: "tags", Type: typesys.ArrayOf(typesys.Primitive(typesys.PrimString))}
	assert.Equal(t, "INTEGER", columnType(boolCol))
	assert.Equal(t, "TEXT", columnType(arrCol))
}

func TestRenderUpdateColumnIsFourStatementDance(t *testing.T) {
	nullable := true
	stmts := New().RenderUpdateColumn(migrate.Step{
		Table:       "chisel_u_Person",
		Column:      layout.FieldColumn{Name: "nickname"},
		NewNullable: &nullable,
	})
	require.Len(t, stmts, 4)
	assert.Contains(t, stmts[0].SQL, "ADD COLUMN")
	assert.Contains(t, stmts[1].SQL, "UPDATE")
	assert.Contains(t, stmts[2].SQL, "DROP COLUMN")
	assert.Contains(t, stmts[3].SQL, "RENAME COLUMN")
}
