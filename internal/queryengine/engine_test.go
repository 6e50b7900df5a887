package queryengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/config"
	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

type noopPolicies struct{}

func (noopPolicies) ReadFilter(string) (*queryplan.Expr, error) { return nil, nil }

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := Open(&config.Server{Dialect: config.DialectSQLite, DSN: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestAddRowThenQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)

	ts := typesys.New()
	person := typesys.NewEntity("Person", typesys.OwnerUser, typesys.IDTypeUUID, []typesys.Field{
		{Name: "firstName", Type: typesys.Primitive(typesys.PrimString)},
		{Name: "age", Type: typesys.Primitive(typesys.PrimNumber)},
		{Name: "human", Type: typesys.Primitive(typesys.PrimBoolean)},
	}, nil)
	ts.Register(person)

	txn, err := e.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, e.CreateTable(ctx, txn, person, "chisel_"))

	row := value.NewMap()
	row.Set("firstName", value.String("Jan"))
	row.Set("age", value.F64(-666))
	row.Set("human", value.Bool(true))
	tree, err := e.AddRow(ctx, txn, ts, "chisel_", person, row)
	require.NoError(t, err)
	require.NotEmpty(t, tree.ID)
	require.NoError(t, txn.Commit())

	txn2, err := e.BeginTransaction(ctx)
	require.NoError(t, err)
	plan, err := queryplan.Plan(ts, noopPolicies{}, "chisel_", queryplan.BaseEntity("Person"))
	require.NoError(t, err)
	stream, err := e.Query(ctx, txn2, plan)
	require.NoError(t, err)
	defer stream.Close()

	v, ok, err := stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	m, err := v.AsMap()
	require.NoError(t, err)
	first, _ := m.Get("firstName")
	s, _ := first.AsString()
	require.Equal(t, "Jan", s)

	_, ok, err = stream.Next(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, txn2.Commit())
}

func TestAddRowRecursesIntoOwnedReference(t *testing.T) {
	ctx := context.Background()
	e := openTestEngine(t)

	ts := typesys.New()
	human := typesys.NewEntity("Human", typesys.OwnerUser, typesys.IDTypeUUID, []typesys.Field{
		{Name: "firstName", Type: typesys.Primitive(typesys.PrimString)},
		{Name: "lastName", Type: typesys.Primitive(typesys.PrimString)},
	}, nil)
	company := typesys.NewEntity("Company", typesys.OwnerUser, typesys.IDTypeUUID, []typesys.Field{
		{Name: "name", Type: typesys.Primitive(typesys.PrimString)},
		{Name: "ceo", Type: typesys.EntityRef("Human")},
	}, nil)
	ts.Register(human)
	ts.Register(company)

	txn, err := e.BeginTransaction(ctx)
	require.NoError(t, err)
	require.NoError(t, e.CreateTable(ctx, txn, human, "chisel_"))
	require.NoError(t, e.CreateTable(ctx, txn, company, "chisel_"))

	ceo := value.NewMap()
	ceo.Set("firstName", value.String("Glauber"))
	ceo.Set("lastName", value.String("Costa"))
	row := value.NewMap()
	row.Set("name", value.String("Chiselstrike"))
	row.Set("ceo", value.FromMap(ceo))

	tree, err := e.AddRow(ctx, txn, ts, "chisel_", company, row)
	require.NoError(t, err)
	require.NotNil(t, tree.Nested["ceo"])
	require.NoError(t, txn.Commit())

	txn2, err := e.BeginTransaction(ctx)
	require.NoError(t, err)
	plan, err := queryplan.Plan(ts, noopPolicies{}, "chisel_", queryplan.BaseEntity("Company"))
	require.NoError(t, err)
	stream, err := e.Query(ctx, txn2, plan)
	require.NoError(t, err)
	defer stream.Close()

	v, ok, err := stream.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	m, _ := v.AsMap()
	ceoVal, _ := m.Get("ceo")
	ceoMap, err := ceoVal.AsMap()
	require.NoError(t, err)
	fn, _ := ceoMap.Get("firstName")
	s, _ := fn.AsString()
	require.Equal(t, "Glauber", s)
	require.NoError(t, txn2.Commit())
}
