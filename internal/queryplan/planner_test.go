package queryplan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

type noopPolicies struct{}

func (noopPolicies) ReadFilter(entityName string) (*Expr, error) { return nil, nil }

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

func TestPlanAttachesJoinForReferenceField(t *testing.T) {
	ts := buildTypeSystem()
	plan, err := Plan(ts, noopPolicies{}, "chisel_", BaseEntity("Post"))
	require.NoError(t, err)
	require.Len(t, plan.Joins, 1)
	assert.Equal(t, "chisel_u_Author", plan.Joins[0].Table)
	assert.Equal(t, "author", plan.Joins[0].ParentColumn)
}

func TestPlanSplitsOnSecondTakeOrSkip(t *testing.T) {
	ts := buildTypeSystem()
	chain := SkipOp(5, TakeOp(10, BaseEntity("Post")))
	plan, err := Plan(ts, noopPolicies{}, "chisel_", chain)
	require.NoError(t, err)
	assert.Nil(t, plan.Inner)
	require.NotNil(t, plan.Skip)
	assert.Equal(t, 5, *plan.Skip)

	nested := SkipOp(20, SkipOp(5, TakeOp(10, BaseEntity("Post"))))
	plan, err = Plan(ts, noopPolicies{}, "chisel_", nested)
	require.NoError(t, err)
	require.NotNil(t, plan.Inner)
	require.NotNil(t, plan.Skip)
	assert.Equal(t, 20, *plan.Skip)
}

func TestAndAllSkipsNils(t *testing.T) {
	e1 := Lit(value.Bool(true))
	combined, ok := AndAll(&e1, nil)
	assert.True(t, ok)
	assert.Equal(t, ExprValueTag, combined.Tag)
}

func TestRebaseRewritesParam(t *testing.T) {
	e := Binary(OpEq, Prop(Param(0), "email"), Lit(value.String("x")))
	rebased := Rebase(e, []string{"author"})
	left := rebased.Left
	assert.Equal(t, "email", left.Property)
	assert.Equal(t, ExprPropTag, left.Object.Tag)
	assert.Equal(t, "author", left.Object.Property)
}
