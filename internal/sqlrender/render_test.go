package sqlrender

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

type noopPolicies struct{}

func (noopPolicies) ReadFilter(entityName string) (*queryplan.Expr, error) { return nil, nil }

func buildTypeSystem() *typesys.TypeSystem {
	ts := typesys.New()
	ts.Register(typesys.NewEntity("Author", typesys.OwnerUser, typesys.IDTypeUUID, []typesys.Field{
		{Name: "name", Type: typesys.Primitive(typesys.PrimString)},
	}, nil))
	ts.Register(typesys.NewEntity("Post", typesys.OwnerUser, typesys.IDTypeUUID, []typesys.Field{
		{Name: "title", Type: typesys.Primitive(typesys.PrimString)},
		{Name: "author", Type: typesys.EntityRef("Author")},
	}, nil))
	return ts
}

func planFor(t *testing.T, chain queryplan.Op) *queryplan.QueryPlan {
	t.Helper()
	plan, err := queryplan.Plan(buildTypeSystem(), noopPolicies{}, "chisel_", chain)
	require.NoError(t, err)
	return plan
}

func TestSelectAliasesEveryColumnAndJoinsReferences(t *testing.T) {
	sql, err := Select(planFor(t, queryplan.BaseEntity("Post")), Postgres)
	require.NoError(t, err)
	assert.Contains(t, sql, `FROM "chisel_u_Post" AS `)
	assert.Contains(t, sql, `LEFT JOIN "chisel_u_Author" AS `)
	assert.Contains(t, sql, ` AS `)
	assert.NotContains(t, sql, "WHERE")
}

func TestSelectSkipWithoutTakePerDialect(t *testing.T) {
	chain := queryplan.SkipOp(5, queryplan.BaseEntity("Post"))
	sql, err := Select(planFor(t, chain), SQLite)
	require.NoError(t, err)
	assert.Contains(t, sql, "LIMIT -1 OFFSET 5")

	sql, err = Select(planFor(t, chain), Postgres)
	require.NoError(t, err)
	assert.Contains(t, sql, " OFFSET 5")
	assert.NotContains(t, sql, "LIMIT")
}

func TestSelectNestsChainedTakeSkipAsSubquery(t *testing.T) {
	chain := queryplan.SkipOp(20, queryplan.SkipOp(5, queryplan.TakeOp(10, queryplan.BaseEntity("Post"))))
	sql, err := Select(planFor(t, chain), Postgres)
	require.NoError(t, err)
	assert.Contains(t, sql, "SELECT * FROM (SELECT ")
	assert.Contains(t, sql, `) AS sub`)
	assert.Contains(t, sql, "LIMIT 10 OFFSET 5")
	assert.Contains(t, sql, "OFFSET 20")
}

func TestSelectRendersFilterWithEscapedLiteral(t *testing.T) {
	filter := queryplan.Binary(queryplan.OpEq,
		queryplan.Prop(queryplan.Param(0), "title"),
		queryplan.Lit(value.String("O'Hara")))
	chain := queryplan.FilterOp(filter, queryplan.BaseEntity("Post"))
	sql, err := Select(planFor(t, chain), Postgres)
	require.NoError(t, err)
	assert.Contains(t, sql, "WHERE ")
	assert.Contains(t, sql, "'O''Hara'")
	assert.Contains(t, sql, `."title" = `)
}

func TestRenderLiteralBoolAsInteger(t *testing.T) {
	lit, err := renderLiteral(value.Bool(true), SQLite)
	require.NoError(t, err)
	assert.Equal(t, "1", lit)

	lit, err = renderLiteral(value.Bool(false), Postgres)
	require.NoError(t, err)
	assert.Equal(t, "0", lit)
}

func TestRenderLiteralRejectsNonScalar(t *testing.T) {
	_, err := renderLiteral(value.Array(nil), Postgres)
	assert.Error(t, err)
}

func TestSelectOrderByUsesSortDirection(t *testing.T) {
	chain := queryplan.SortByOp([]queryplan.SortKey{
		{FieldPath: "title", Descending: true},
	}, queryplan.BaseEntity("Post"))
	sql, err := Select(planFor(t, chain), Postgres)
	require.NoError(t, err)
	assert.Contains(t, sql, `ORDER BY `)
	assert.Contains(t, sql, `."title" DESC`)
}
