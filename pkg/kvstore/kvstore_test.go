package kvstore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMemoryStore_PutGetDelete covers the basic contract.
func TestMemoryStore_PutGetDelete(t *testing.T) {
	s := NewMemoryStore()

	_, ok := s.Get("k")
	require.False(t, ok)

	require.NoError(t, s.Put("k", []byte("v")))
	v, ok := s.Get("k")
	require.True(t, ok)
	require.Equal(t, "v", string(v))
	require.Equal(t, 1, s.Len())

	require.NoError(t, s.Delete("k"))
	_, ok = s.Get("k")
	require.False(t, ok)
	require.Zero(t, s.Len())
}

// TestMemoryStore_CopiesValues verifies that callers cannot mutate stored
// state through returned or retained slices.
func TestMemoryStore_CopiesValues(t *testing.T) {
	s := NewMemoryStore()

	in := []byte("abc")
	require.NoError(t, s.Put("k", in))
	in[0] = 'x'

	out, ok := s.Get("k")
	require.True(t, ok)
	require.Equal(t, "abc", string(out))

	out[0] = 'y'
	again, _ := s.Get("k")
	require.Equal(t, "abc", string(again))
}
