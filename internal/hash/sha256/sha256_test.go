package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashMatchesSHA256(t *testing.T) {
	t.Parallel()

	got, err := New().Hash([]byte("hello world"))
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got)

	empty, err := New().Hash(nil)
	require.NoError(t, err)
	require.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", empty)
}

func TestNamespacedHasher(t *testing.T) {
	t.Parallel()

	plain, err := New().Hash([]byte("https://shop.example/p/1"))
	require.NoError(t, err)

	submissions := NewNamespaced("submission")
	first, err := submissions.Hash([]byte("https://shop.example/p/1"))
	require.NoError(t, err)
	second, err := submissions.Hash([]byte("https://shop.example/p/1"))
	require.NoError(t, err)
	require.Equal(t, first, second)
	require.NotEqual(t, plain, first)
	require.Len(t, first, 64)

	a, err := NewNamespaced("a").Hash([]byte("bc"))
	require.NoError(t, err)
	ab, err := NewNamespaced("ab").Hash([]byte("c"))
	require.NoError(t, err)
	require.NotEqual(t, a, ab, "namespace boundary is part of the digest")

	blank, err := NewNamespaced("").Hash([]byte("https://shop.example/p/1"))
	require.NoError(t, err)
	require.Equal(t, plain, blank)
}
