package crud_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/config"
	"chiselcore.dev/chiselcore/internal/crud"
	"chiselcore.dev/chiselcore/internal/ops"
	"chiselcore.dev/chiselcore/internal/policy"
	"chiselcore.dev/chiselcore/internal/queryengine"
	"chiselcore.dev/chiselcore/internal/typesys"
	"chiselcore.dev/chiselcore/internal/value"
)

func seedPeople(t *testing.T, names []string) (*ops.Context, *typesys.TypeSystem) {
	t.Helper()
	e, err := queryengine.Open(&config.Server{Dialect: config.DialectSQLite, DSN: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })

	ts := typesys.New()
	person := typesys.NewEntity("Person", typesys.OwnerUser, typesys.IDTypeUUID, []typesys.Field{
		{Name: "firstName", Type: typesys.Primitive(typesys.PrimString)},
	}, nil)
	ts.Register(person)

	setupTxn, err := e.BeginTransaction(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.CreateTable(context.Background(), setupTxn, person, ""))
	require.NoError(t, setupTxn.Commit())

	pol := policy.New(ts, nil)
	oc := ops.NewContext(e, ts, pol, "", ops.RequestContext{Method: "GET", Path: "/dev/people"})
	require.NoError(t, oc.BeginTransaction(context.Background()))
	for _, name := range names {
		row := value.FromMap(value.NewMap().Set("firstName", value.String(name)))
		_, err := oc.Store(context.Background(), "Person", row)
		require.NoError(t, err)
	}
	return oc, ts
}

func TestQueryPagesThroughAllResults(t *testing.T) {
	ctx := context.Background()
	oc, ts := seedPeople(t, []string{"Dejan", "Glauber", "Honza", "Jan", "Pekka"})

	page1, err := crud.Query(ctx, oc, ts, "Person", "/dev/people", "sort=firstName&page_size=2")
	require.NoError(t, err)
	require.Len(t, page1.Results, 2)
	require.NotEmpty(t, page1.NextPage)
	require.Empty(t, page1.PrevPage)

	page2, err := crud.Query(ctx, oc, ts, "Person", "/dev/people", queryOf(t, page1.NextPage))
	require.NoError(t, err)
	require.Len(t, page2.Results, 2)
	require.NotEmpty(t, page2.NextPage)
	require.NotEmpty(t, page2.PrevPage)

	page3, err := crud.Query(ctx, oc, ts, "Person", "/dev/people", queryOf(t, page2.NextPage))
	require.NoError(t, err)
	require.Len(t, page3.Results, 1)
	require.Empty(t, page3.NextPage)
	require.NotEmpty(t, page3.PrevPage)
}

func TestQueryRejectsUnknownFilterField(t *testing.T) {
	ctx := context.Background()
	oc, ts := seedPeople(t, []string{"Jan"})
	_, err := crud.Query(ctx, oc, ts, "Person", "/dev/people", "nope=x")
	require.Error(t, err)
}

func queryOf(t *testing.T, cursor string) string {
	t.Helper()
	for i := 0; i < len(cursor); i++ {
		if cursor[i] == '?' {
			return cursor[i+1:]
		}
	}
	t.Fatalf("cursor %q has no query string", cursor)
	return ""
}
