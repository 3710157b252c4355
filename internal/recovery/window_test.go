package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryWindowCountsPerKey(t *testing.T) {
	w := NewMemoryWindow(time.Hour)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	n, err := w.Add(ctx, "worker:w1:failed", base)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	n, err = w.Add(ctx, "worker:w1:failed", base.Add(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = w.Add(ctx, "worker:w2:failed", base.Add(10*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestMemoryWindowForgetsOldFailures(t *testing.T) {
	w := NewMemoryWindow(time.Hour)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := w.Add(ctx, "k", base)
	require.NoError(t, err)
	_, err = w.Add(ctx, "k", base.Add(30*time.Minute))
	require.NoError(t, err)

	// 61 minutes in, the first failure has aged out.
	n, err := w.Add(ctx, "k", base.Add(61*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	n, err = w.Count(ctx, "k", base.Add(3*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestMemoryWindowReset(t *testing.T) {
	w := NewMemoryWindow(time.Hour)
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := w.Add(ctx, "k", now)
	require.NoError(t, err)
	require.NoError(t, w.Reset(ctx, "k"))

	n, err := w.Count(ctx, "k", now)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}
