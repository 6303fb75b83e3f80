package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStoreKeepsPrivateCopies(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte("content")
	uri, err := store.PutObject(context.Background(), "/results/a.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://results/a.json", uri)
	require.Equal(t, "application/json", store.ContentType("results/a.json"))

	payload[0] = 'C'
	stored, ok := store.Object("results/a.json")
	require.True(t, ok)
	require.Equal(t, "content", string(stored))

	stored[0] = 'X'
	again, _ := store.Object("results/a.json")
	require.Equal(t, "content", string(again))

	_, ok = store.Object("missing")
	require.False(t, ok)
	require.Empty(t, store.ContentType("missing"))
}

func TestBlobStorePaths(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	for _, path := range []string{"results/b.json", "results/a/1.html", "other/x.json"} {
		_, err := store.PutObject(context.Background(), path, "", strings.NewReader("x"))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"results/a/1.html", "results/b.json"}, store.Paths("results/"))
	require.Len(t, store.Paths(""), 3)

	_, err := store.PutObject(context.Background(), "  ", "", strings.NewReader("x"))
	require.Error(t, err)
}
