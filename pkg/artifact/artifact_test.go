package artifact

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	ref1, err := store.Save(ctx, "task-1", "report.csv", []byte("a,b\n1,2\n"), "text/csv")
	require.NoError(t, err)
	assert.Equal(t, 1, ref1.Version)
	assert.Equal(t, int64(8), ref1.SizeBytes)

	ref2, err := store.Save(ctx, "task-1", "report.csv", []byte("a,b\n3,4\n"), "text/csv")
	require.NoError(t, err)
	assert.Equal(t, 2, ref2.Version)

	ref3, err := store.Save(ctx, "task-2", "notes.txt", []byte("hi"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, 1, ref3.Version)

	data, err := store.Load(ctx, "report.csv", 1)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(data))

	data, err = store.Load(ctx, "report.csv", 2)
	require.NoError(t, err)
	assert.Equal(t, "a,b\n3,4\n", string(data))

	_, err = store.Load(ctx, "report.csv", 3)
	var notFound *ErrNotFound
	assert.ErrorAs(t, err, &notFound)

	refs, err := store.List(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "report.csv", refs[0].Filename)
	assert.Equal(t, 1, refs[0].Version)
	assert.Equal(t, 2, refs[1].Version)

	refs, err = store.List(ctx, "task-404")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestLocalStore(t *testing.T) {
	store, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, store)
}

func TestMemoryStoreIsolatesCallerBuffer(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	buf := []byte("original")
	_, err := store.Save(ctx, "t", "f", buf, "")
	require.NoError(t, err)
	buf[0] = 'X'

	data, err := store.Load(ctx, "f", 1)
	require.NoError(t, err)
	assert.Equal(t, "original", string(data))
}
