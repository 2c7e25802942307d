package uuid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGeneratorNewID(t *testing.T) {
	t.Parallel()

	gen := New()
	first, err := gen.NewID()
	require.NoError(t, err)
	second, err := gen.NewID()
	require.NoError(t, err)

	require.NotEqual(t, first, second)
	require.True(t, Valid(first))
	require.True(t, Valid(second))
	require.Less(t, first, second)
}

func TestValid(t *testing.T) {
	t.Parallel()

	require.False(t, Valid(""))
	require.False(t, Valid("task-1"))
	require.True(t, Valid("0190d6c4-7a59-7c4e-9a1b-1f6c1c0e5f11"))
}
