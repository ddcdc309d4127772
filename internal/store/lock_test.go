package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockDataDirIsExclusive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := LockDataDir(ctx, dir)
	require.NoError(t, err)

	_, err = LockDataDir(ctx, dir)
	assert.ErrorIs(t, err, ErrDataDirBusy)

	// Other directories are independent.
	other, err := LockDataDir(ctx, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, other.Release())

	require.NoError(t, first.Release())
	require.NoError(t, first.Release())

	again, err := LockDataDir(ctx, dir)
	require.NoError(t, err)
	assert.FileExists(t, again.Path())
	require.NoError(t, again.Release())
}
