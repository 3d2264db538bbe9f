package blob

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLocalStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	key := "files/alice/photo_20240101_120000.jpg"
	payload := []byte("jpeg bytes")

	require.NoError(t, store.Put(ctx, key, payload, "image/jpeg"), "Put error")

	data, err := store.Get(ctx, key)
	require.NoError(t, err, "Get error")
	require.Equal(t, payload, data, "payload round-trip")

	exists, err := store.Head(ctx, key)
	require.NoError(t, err, "Head error")
	require.True(t, exists, "expected key to exist after Put")
}

func TestLocalStoreGetMissing(t *testing.T) {
	t.Parallel()

	store := NewLocalStore(t.TempDir())

	_, err := store.Get(context.Background(), "files/nobody/missing.png")
	require.ErrorIs(t, err, ErrNotFound, "expected ErrNotFound for missing key")
}

func TestLocalStoreDeleteMissingIsNoop(t *testing.T) {
	t.Parallel()

	store := NewLocalStore(t.TempDir())

	require.NoError(t, store.Delete(context.Background(), "files/nobody/missing.png"), "deleting a missing key should succeed")
}

func TestLocalStoreCopy(t *testing.T) {
	t.Parallel()

	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	src := "files/alice/a.txt"
	dst := "files/alice/b.txt"
	require.NoError(t, store.Put(ctx, src, []byte("hello"), "text/plain"), "Put error")

	require.NoError(t, store.Copy(ctx, src, dst, "text/plain"), "Copy error")

	data, err := store.Get(ctx, dst)
	require.NoError(t, err, "Get copied object error")
	require.Equal(t, "hello", string(data), "copied payload")

	// Source must be untouched.
	data, err = store.Get(ctx, src)
	require.NoError(t, err, "Get source object error")
	require.Equal(t, "hello", string(data), "source payload")
}

func TestLocalStoreCopyMissingSource(t *testing.T) {
	t.Parallel()

	store := NewLocalStore(t.TempDir())

	err := store.Copy(context.Background(), "files/alice/missing.txt", "files/alice/dst.txt", "text/plain")
	require.ErrorIs(t, err, ErrNotFound, "expected ErrNotFound for missing copy source")
}

func TestLocalStoreRejectsTraversal(t *testing.T) {
	t.Parallel()

	store := NewLocalStore(t.TempDir())
	ctx := context.Background()

	_, err := store.Get(ctx, "../outside")
	require.Error(t, err, "expected error for traversal key")

	err = store.Put(ctx, "..", []byte("x"), "application/octet-stream")
	require.Error(t, err, "expected error for dot-dot key")
}
