package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sternrassler/customer-export/pkg/record"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "customers.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open("", zerolog.Nop())
	assert.Error(t, err)
}

func TestReadLast_Empty(t *testing.T) {
	store := newTestStore(t)

	last, err := store.ReadLast(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestAppendAndReadLast(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, []record.Record{
		{ID: "123", Name: "Quim Porta", Email: "test@the.email"},
		{ID: "456", Name: "Joaking Door", Email: "another@test.email"},
	}))

	last, err := store.ReadLast(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, record.Record{ID: "456", Name: "Joaking Door", Email: "another@test.email"}, *last)

	// Insertion order, not ID order, decides which record is last.
	require.NoError(t, store.Append(ctx, []record.Record{{ID: "001", Name: "Later", Email: "later@test.email"}}))

	last, err = store.ReadLast(ctx)
	require.NoError(t, err)
	assert.Equal(t, "001", last.ID)

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestAppend_EmptyBatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, nil))

	n, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppend_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "customers.db")
	ctx := context.Background()

	store, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Append(ctx, []record.Record{{ID: "cus_1", Name: "A", Email: "a@test.email"}}))
	require.NoError(t, store.Close())

	reopened, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	defer reopened.Close()

	last, err := reopened.ReadLast(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "cus_1", last.ID)
}

func TestAppend_ClosedDatabaseFails(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "customers.db"), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	err = store.Append(context.Background(), []record.Record{{ID: "cus_1"}})
	assert.Error(t, err)
}
