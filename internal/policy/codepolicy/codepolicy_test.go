package codepolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/queryplan"
)

func TestAnalyzeRecognizesGuardChain(t *testing.T) {
	src := `
if (ssn != '') return Action.Deny;
if (ctx.userId == ownerId) return Action.Allow;
return Action.Skip;
`
	plan, ok := Analyze(src)
	require.True(t, ok)
	require.Len(t, plan.Rules, 2)
	assert.Equal(t, ActionDeny, plan.Rules[0].Action)
	assert.Equal(t, ActionAllow, plan.Rules[1].Action)
	assert.Equal(t, ActionSkip, plan.Default)
}

func TestAnalyzeFallsBackOnUnrecognizedBody(t *testing.T) {
	_, ok := Analyze(`console.log("hi"); return Action.Allow;`)
	assert.False(t, ok)
}

func TestAnalyzeRejectsEmptyInput(t *testing.T) {
	_, ok := Analyze("")
	assert.False(t, ok)
}

func TestWhereCondsNegatesSkipAndDenyGuards(t *testing.T) {
	src := `
if (age < 18) return Action.Skip;
if (banned == true) return Action.Deny;
return Action.Allow;
`
	plan, ok := Analyze(src)
	require.True(t, ok)
	expr, has := plan.WhereConds()
	require.True(t, has)
	require.Equal(t, queryplan.ExprBinaryTag, expr.Tag)
	require.Equal(t, queryplan.OpAnd, expr.Op)
	assert.Equal(t, queryplan.ExprNotTag, expr.Left.Tag)
	assert.Equal(t, queryplan.ExprNotTag, expr.Right.Tag)
}

func TestWhereCondsEmptyWhenOnlyAllowRules(t *testing.T) {
	plan, ok := Analyze(`if (x == 1) return Action.Allow; return Action.Allow;`)
	require.True(t, ok)
	_, has := plan.WhereConds()
	assert.False(t, has)
}

func TestAnalyzeHandlesNestedFieldPaths(t *testing.T) {
	plan, ok := Analyze(`if (owner.id == ctx.userId) return Action.Allow; return Action.Deny;`)
	require.True(t, ok)
	cond := plan.Rules[0].Cond
	require.Equal(t, queryplan.ExprBinaryTag, cond.Tag)
	require.Equal(t, queryplan.OpEq, cond.Op)
	require.Equal(t, queryplan.ExprPropTag, cond.Left.Tag)
	assert.Equal(t, "id", cond.Left.Property)
	require.Equal(t, queryplan.ExprPropTag, cond.Left.Object.Tag)
	assert.Equal(t, "owner", cond.Left.Object.Property)
}
