package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"trek-rest-api/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openSQLite(t *testing.T) *store.SQLStore {
	t.Helper()
	s, err := store.OpenSQLite(filepath.Join(t.TempDir(), "remote.db"), store.SQLOptions{
		MaxAttempts:  store.DefaultMaxAttempts,
		PollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteStore(t *testing.T) {
	testDocumentStore(t, func(t *testing.T) store.DocumentStore {
		return openSQLite(t)
	})
}

func TestSQLiteStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.db")
	ctx := context.Background()

	s, err := store.OpenSQLite(path, store.SQLOptions{})
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "users/u1/wallet/balance", map[string]interface{}{"coins": 1250}))
	require.NoError(t, s.Close())

	s, err = store.OpenSQLite(path, store.SQLOptions{})
	require.NoError(t, err)
	defer s.Close()

	doc, err := s.Get(ctx, "users/u1/wallet/balance")
	require.NoError(t, err)
	assert.Equal(t, int64(1250), doc.Int64("coins"))
	assert.Equal(t, int64(1), doc.Version)
	assert.False(t, doc.UpdateTime.IsZero())
}

func TestSQLiteStore_VersionIncrements(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "users/u1", map[string]interface{}{"email": "a"}))
	require.NoError(t, s.Merge(ctx, "users/u1", map[string]interface{}{"selected_item": "apple.PNG"}))

	doc, err := s.Get(ctx, "users/u1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), doc.Version)
	item, ok := doc.String("selected_item")
	assert.True(t, ok)
	assert.Equal(t, "apple.PNG", item)
}

func TestSQLiteStore_Stats(t *testing.T) {
	s := openSQLite(t)
	require.NoError(t, s.Set(context.Background(), "users/u1", map[string]interface{}{"email": "a"}))

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sqlite", stats["backend"])
	assert.Equal(t, int64(1), stats["total_documents"])
}
