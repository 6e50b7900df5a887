package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chiselcore.dev/chiselcore/internal/auth"
	"chiselcore.dev/chiselcore/internal/config"
	"chiselcore.dev/chiselcore/internal/metastore"
	"chiselcore.dev/chiselcore/internal/queryengine"
	"chiselcore.dev/chiselcore/internal/sqlrender"
)

func openTxn(t *testing.T) *queryengine.Transaction {
	t.Helper()
	e, err := queryengine.Open(&config.Server{Dialect: config.DialectSQLite, DSN: "file:" + t.Name() + "?mode=memory&cache=shared"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	txn, err := e.BeginTransaction(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = txn.Rollback() })
	require.NoError(t, metastore.Migrate(context.Background(), txn, txn, sqlrender.SQLite))
	return txn
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	ctx := context.Background()
	txn := openTxn(t)
	svc := auth.NewTokenService("test-secret", time.Hour, sqlrender.SQLite)

	token, err := svc.Issue(ctx, txn, "user-1")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	claims, err := svc.Validate(ctx, txn, token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
}

func TestValidateRejectsTamperedToken(t *testing.T) {
	ctx := context.Background()
	txn := openTxn(t)
	svc := auth.NewTokenService("test-secret", time.Hour, sqlrender.SQLite)

	token, err := svc.Issue(ctx, txn, "user-1")
	require.NoError(t, err)

	_, err = svc.Validate(ctx, txn, token+"x")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	ctx := context.Background()
	txn := openTxn(t)
	svc := auth.NewTokenService("test-secret", -time.Hour, sqlrender.SQLite)

	token, err := svc.Issue(ctx, txn, "user-1")
	require.NoError(t, err)

	_, err = svc.Validate(ctx, txn, token)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)
}

func TestValidateRejectsRevokedToken(t *testing.T) {
	ctx := context.Background()
	txn := openTxn(t)
	svc := auth.NewTokenService("test-secret", time.Hour, sqlrender.SQLite)

	token, err := svc.Issue(ctx, txn, "user-1")
	require.NoError(t, err)

	claims, err := svc.Validate(ctx, txn, token)
	require.NoError(t, err)

	require.NoError(t, svc.Revoke(ctx, txn, claims.ID))

	_, err = svc.Validate(ctx, txn, token)
	assert.ErrorIs(t, err, auth.ErrNoSession)
}
