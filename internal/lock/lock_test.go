package lock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireIsExclusive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	first, err := Acquire(dir)
	require.NoError(t, err)

	_, err = Acquire(dir)
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, first.Release())

	again, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, again.Release())
}
