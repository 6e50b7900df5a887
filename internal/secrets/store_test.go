package secrets

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterLoadsCurrentValueImmediately(t *testing.T) {
	t.Setenv("CHISELCORE_SECRET_API_KEY", "first-value")

	s := New("CHISELCORE")
	s.Register("API_KEY")

	v, ok := s.Lookup("API_KEY")
	require.True(t, ok)
	assert.Equal(t, "first-value", v)
}

func TestLookupUnknownNameReportsNotFound(t *testing.T) {
	s := New("CHISELCORE")
	_, ok := s.Lookup("NEVER_REGISTERED")
	assert.False(t, ok)
}

func TestRunPicksUpRotatedValueOnNextTick(t *testing.T) {
	require.NoError(t, os.Setenv("CHISELCORE_SECRET_ROTATING", "old"))
	defer os.Unsetenv("CHISELCORE_SECRET_ROTATING")

	s := New("CHISELCORE")
	s.Register("ROTATING")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx, 5*time.Millisecond)

	require.NoError(t, os.Setenv("CHISELCORE_SECRET_ROTATING", "new"))

	require.Eventually(t, func() bool {
		v, _ := s.Lookup("ROTATING")
		return v == "new"
	}, time.Second, 5*time.Millisecond)
}

func TestRunDefaultsIntervalWhenNonPositive(t *testing.T) {
	s := New("CHISELCORE")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s.Run(ctx, 0) // returns immediately since ctx is already cancelled
}
