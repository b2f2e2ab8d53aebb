package storage

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStorage(t *testing.T) Storage {
	t.Helper()
	db, err := New(&Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCounterLifecycle(t *testing.T) {
	db := newTestStorage(t)
	key := []byte("n:test:0")

	_, found, err := db.GetCounter(key)
	require.NoError(t, err)
	assert.False(t, found)

	v, err := db.IncCounter(key)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	require.NoError(t, db.SetCounter(key, -1))
	v, err = db.IncCounter(key)
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	got, found, err := db.GetCounter(key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(0), got)
}

func TestIncCounterIsAtomic(t *testing.T) {
	db := newTestStorage(t)
	key := []byte("n:concurrent:0")

	const workers = 50
	var wg sync.WaitGroup
	results := make(chan int64, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := db.IncCounter(key)
			assert.NoError(t, err)
			results <- v
		}()
	}
	wg.Wait()
	close(results)

	seen := map[int64]bool{}
	for v := range results {
		assert.False(t, seen[v], "duplicate counter value %d", v)
		seen[v] = true
	}
	for i := int64(1); i <= workers; i++ {
		assert.True(t, seen[i], "missing counter value %d", i)
	}
}

func TestPrefixQueries(t *testing.T) {
	db := newTestStorage(t)

	require.NoError(t, db.BatchWrite(map[string][]byte{
		"p:a": []byte("1"),
		"p:b": []byte("2"),
		"s:a": []byte("x"),
	}))

	keys, err := db.ListKeys("p:")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"p:a", "p:b"}, keys)

	items, err := db.GetByPrefix([]byte("s:"))
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "x", string(items[0].Value))

	ok, err := db.Exist([]byte("p:a"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, db.Delete([]byte("p:a")))
	ok, err = db.Exist([]byte("p:a"))
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = db.GetKey([]byte("p:a"))
	assert.ErrorIs(t, err, ErrNotFound)
}
