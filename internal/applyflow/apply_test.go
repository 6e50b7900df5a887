package applyflow_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/applyflow"
	"chiselcore.dev/chiselcore/internal/config"
	"chiselcore.dev/chiselcore/internal/policy"
	"chiselcore.dev/chiselcore/internal/queryengine"
	"chiselcore.dev/chiselcore/internal/trunk"
	"chiselcore.dev/chiselcore/internal/typesys"
)

type stubHandler struct{}

func (stubHandler) Handle(ctx context.Context, job *trunk.Job) trunk.JobResult {
	return trunk.JobResult{Value: job.Payload}
}

func newDeps(t *testing.T) applyflow.Deps {
	t.Helper()
	e, err := queryengine.Open(&config.Server{Dialect: config.DialectSQLite, DSN: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	tr := trunk.New()
	t.Cleanup(tr.Shutdown)

	return applyflow.Deps{
		Engine: e,
		Trunk:  tr,
		Prefix: "chisel_",
		NewHandler: func(ts *typesys.TypeSystem, pol *policy.Engine, modules map[string]string) trunk.Handler {
			return stubHandler{}
		},
		WorkerConfig: trunk.Config{Workers: 1, QueueDepth: 4},
	}
}

func personInput(versionID string) applyflow.Input {
	return applyflow.Input{
		VersionID: versionID,
		Types: []applyflow.TypeDef{
			{Name: "Person", Fields: []applyflow.FieldDef{
				{Name: "firstName", TypeEnum: "string"},
				{Name: "age", TypeEnum: "number"},
			}},
		},
	}
}

func TestApplyCreatesVersionAndEndpoints(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	out, err := applyflow.Apply(ctx, deps, personInput("dev"))
	require.NoError(t, err)
	assert.Equal(t, []string{"Person"}, out.TypeNamesInUserOrder)
	assert.Equal(t, []string{"/dev/person"}, out.Endpoints)

	_, ok := deps.Trunk.Lookup("dev")
	assert.True(t, ok)
}

func TestApplyTwiceEvolvesSafely(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	_, err := applyflow.Apply(ctx, deps, personInput("dev"))
	require.NoError(t, err)

	second := personInput("dev")
	second.Types[0].Fields = append(second.Types[0].Fields, applyflow.FieldDef{
		Name: "nickname", TypeEnum: "string", IsOptional: true,
	})
	_, err = applyflow.Apply(ctx, deps, second)
	require.NoError(t, err)
}

func TestApplyRejectsUnsafeFieldAddition(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	_, err := applyflow.Apply(ctx, deps, personInput("dev"))
	require.NoError(t, err)

	second := personInput("dev")
	second.Types[0].Fields = append(second.Types[0].Fields, applyflow.FieldDef{
		Name: "nickname", TypeEnum: "string",
	})
	_, err = applyflow.Apply(ctx, deps, second)
	require.Error(t, err)
}

func TestApplyRejectsTypeDeletionWithoutFlag(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	_, err := applyflow.Apply(ctx, deps, personInput("dev"))
	require.NoError(t, err)

	empty := applyflow.Input{VersionID: "dev"}
	_, err = applyflow.Apply(ctx, deps, empty)
	require.Error(t, err)

	empty.AllowTypeDeletion = true
	_, err = applyflow.Apply(ctx, deps, empty)
	require.NoError(t, err)
}

func TestApplyCompilesLabelPolicyIntoOutput(t *testing.T) {
	ctx := context.Background()
	deps := newDeps(t)

	in := personInput("dev")
	in.Types[0].Fields[0].Labels = []string{"L1"}
	in.Policies = []applyflow.PolicyInput{
		{Path: "policies/labels.yaml", PolicyConfig: "labels:\n  - name: L1\n    transform: anonymize\n"},
	}

	out, err := applyflow.Apply(ctx, deps, in)
	require.NoError(t, err)
	assert.Equal(t, []string{"L1"}, out.Labels)
}
