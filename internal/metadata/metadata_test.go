package metadata

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu sync.Mutex
	m  map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{m: make(map[string][]byte)}
}

func (s *memStore) Get(key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[key], nil
}

func (s *memStore) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

type failingStore struct {
	memStore
	getErr error
}

func (s *failingStore) Get(key string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}

	return s.memStore.Get(key)
}

func TestTableRoundTripsThroughTheStore(t *testing.T) {
	store := newMemStore()

	table, err := NewTable(store)
	require.NoError(t, err)

	require.NoError(t, table.Upsert(42, func(rec *Record) {
		rec.Title = "City Pack"
		rec.CreatedAt = 1700000000
		rec.ExpectedSize = 1 << 20
	}))
	require.NoError(t, table.Upsert(7, func(rec *Record) {
		rec.Title = "Road Mod"
		rec.LastError = "connection reset"
	}))

	// A fresh table over the same store sees everything, like a restart.
	reloaded, err := NewTable(store)
	require.NoError(t, err)

	rec, ok := reloaded.Get(42)
	require.True(t, ok)
	require.Equal(t, "City Pack", rec.Title)
	require.Equal(t, int64(1700000000), rec.CreatedAt)
	require.Equal(t, int64(1<<20), rec.ExpectedSize)
	require.Empty(t, rec.LastError)

	rec, ok = reloaded.Get(7)
	require.True(t, ok)
	require.Equal(t, "connection reset", rec.LastError)
}

func TestUpsertMutatesExistingRecord(t *testing.T) {
	table, err := NewTable(newMemStore())
	require.NoError(t, err)

	require.NoError(t, table.Upsert(1, func(rec *Record) {
		rec.Title = "Mod"
		rec.LastError = "timeout"
	}))
	require.NoError(t, table.Upsert(1, func(rec *Record) {
		rec.LastError = ""
	}))

	rec, ok := table.Get(1)
	require.True(t, ok)
	require.Equal(t, "Mod", rec.Title, "unrelated fields must survive an upsert")
	require.Empty(t, rec.LastError)
}

func TestDeleteRemovesRecordDurably(t *testing.T) {
	store := newMemStore()

	table, err := NewTable(store)
	require.NoError(t, err)

	require.NoError(t, table.Upsert(1, func(rec *Record) { rec.Title = "Mod" }))
	require.NoError(t, table.Delete(1))
	require.NoError(t, table.Delete(99), "deleting an unknown id is a no-op")

	_, ok := table.Get(1)
	require.False(t, ok)

	reloaded, err := NewTable(store)
	require.NoError(t, err)

	_, ok = reloaded.Get(1)
	require.False(t, ok)
}

func TestNewTableSkipsMalformedEntries(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Set(blobKey, []byte(`{"1":{"title":"Good"},"2":"not an object","x":{"title":"Bad key"}}`)))

	table, err := NewTable(store)
	require.NoError(t, err)

	rec, ok := table.Get(1)
	require.True(t, ok)
	require.Equal(t, "Good", rec.Title)

	_, ok = table.Get(2)
	require.False(t, ok)

	// Non-numeric keys load but are invisible to All.
	all := table.All()
	require.Len(t, all, 1)
	require.Contains(t, all, int64(1))
}

func TestNewTableToleratesCorruptBlob(t *testing.T) {
	store := newMemStore()
	require.NoError(t, store.Set(blobKey, []byte("{{{")))

	table, err := NewTable(store)
	require.NoError(t, err)
	require.Empty(t, table.All())
}

func TestNewTableFailsOnStoreError(t *testing.T) {
	store := &failingStore{getErr: errors.New("disk gone")}

	_, err := NewTable(store)
	require.Error(t, err)
}
