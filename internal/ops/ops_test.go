package ops_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/config"
	"chiselcore.dev/chiselcore/internal/ops"
	"chiselcore.dev/chiselcore/internal/policy"
	"chiselcore.dev/chiselcore/internal/queryengine"
	"chiselcore.dev/chiselcore/internal/queryplan"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

func newPersonContext(t *testing.T) (*ops.Context, *queryengine.Engine) {
	t.Helper()
	e, err := queryengine.Open(&config.Server{Dialect: config.DialectSQLite, DSN: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ts := typesys.New()
	person := typesys.NewEntity("Person", typesys.OwnerUser, typesys.IDTypeUUID, []typesys.Field{
		{Name: "firstName", Type: typesys.Primitive(typesys.PrimString)},
		{Name: "age", Type: typesys.Primitive(typesys.PrimNumber)},
	}, nil)
	ts.Register(person)

	setupTxn, err := e.BeginTransaction(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.CreateTable(context.Background(), setupTxn, person, ""))
	require.NoError(t, setupTxn.Commit())

	pol := policy.New(ts, nil)
	oc := ops.NewContext(e, ts, pol, "", ops.RequestContext{Method: "GET", Path: "/dev/persons", UserID: "u1"})
	return oc, e
}

func TestStoreThenQueryRoundTrip(t *testing.T) {
	ctx := context.Background()
	oc, _ := newPersonContext(t)

	require.NoError(t, oc.BeginTransaction(ctx))
	row := value.FromMap(value.NewMap().Set("firstName", value.String("Jan")).Set("age", value.F64(30)))
	tree, err := oc.Store(ctx, "Person", row)
	require.NoError(t, err)
	require.NotEmpty(t, tree.ID)

	rid, err := oc.RelationalQueryCreate(ctx, queryplan.BaseEntity("Person"))
	require.NoError(t, err)

	got, ok, err := oc.QueryNext(ctx, rid)
	require.NoError(t, err)
	require.True(t, ok)
	m, err := got.AsMap()
	require.NoError(t, err)
	name, _ := m.Get("firstName")
	s, _ := name.AsString()
	require.Equal(t, "Jan", s)

	_, ok, err = oc.QueryNext(ctx, rid)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, oc.CloseQuery(rid))
	require.NoError(t, oc.CommitTransaction())
}

func TestBeginTransactionTwiceRejected(t *testing.T) {
	ctx := context.Background()
	oc, _ := newPersonContext(t)
	require.NoError(t, oc.BeginTransaction(ctx))
	require.ErrorIs(t, oc.BeginTransaction(ctx), ops.ErrTransactionAlreadyOpen)
	require.NoError(t, oc.RollbackTransaction())
}

func TestStoreWithoutTransactionFails(t *testing.T) {
	ctx := context.Background()
	oc, _ := newPersonContext(t)
	row := value.FromMap(value.NewMap().Set("firstName", value.String("Jan")).Set("age", value.F64(30)))
	_, err := oc.Store(ctx, "Person", row)
	require.ErrorIs(t, err, ops.ErrNoTransaction)
}

func TestQueryNextOnUnknownResourceFails(t *testing.T) {
	ctx := context.Background()
	oc, _ := newPersonContext(t)
	require.NoError(t, oc.BeginTransaction(ctx))
	_, _, err := oc.QueryNext(ctx, 999)
	require.ErrorIs(t, err, ops.ErrUnknownResource)
	require.NoError(t, oc.RollbackTransaction())
}
