package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

type fixedClock struct {
	now time.Time
}

func (c fixedClock) Now() time.Time {
	return c.now
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface, time.Time) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	now := time.Unix(1700000000, 0).UTC()
	store, err := NewWithPool(mock, fixedClock{now: now})
	require.NoError(t, err)
	return store, mock, now
}

func TestStoreGetHit(t *testing.T) {
	t.Parallel()
	store, mock, now := newMockStore(t)

	expires := now.Add(time.Hour)
	mock.ExpectQuery("SELECT value, expires_at FROM kv_entries").
		WithArgs("cache:abc").
		WillReturnRows(pgxmock.NewRows([]string{"value", "expires_at"}).
			AddRow([]byte(`{"v":1}`), &expires))

	val, ok, err := store.Get(context.Background(), "cache:abc")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte(`{"v":1}`), val)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetExpiredRowIsAbsent(t *testing.T) {
	t.Parallel()
	store, mock, now := newMockStore(t)

	expired := now.Add(-time.Minute)
	mock.ExpectQuery("SELECT value, expires_at FROM kv_entries").
		WithArgs("cache:abc").
		WillReturnRows(pgxmock.NewRows([]string{"value", "expires_at"}).
			AddRow([]byte(`old`), &expired))

	_, ok, err := store.Get(context.Background(), "cache:abc")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreGetMiss(t *testing.T) {
	t.Parallel()
	store, mock, _ := newMockStore(t)

	mock.ExpectQuery("SELECT value, expires_at FROM kv_entries").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows([]string{"value", "expires_at"}))

	_, ok, err := store.Get(context.Background(), "missing")
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSetWithTTL(t *testing.T) {
	t.Parallel()
	store, mock, now := newMockStore(t)

	expires := now.Add(2 * time.Minute)
	mock.ExpectExec("INSERT INTO kv_entries").
		WithArgs("cache:abc", []byte("v"), &expires).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := store.Set(context.Background(), "cache:abc", []byte("v"), 2*time.Minute)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreDelete(t *testing.T) {
	t.Parallel()
	store, mock, _ := newMockStore(t)

	mock.ExpectExec("DELETE FROM kv_entries").
		WithArgs([]string{"a", "b"}).
		WillReturnResult(pgxmock.NewResult("DELETE", 2))

	require.NoError(t, store.Delete(context.Background(), "a", "b"))
	require.NoError(t, store.Delete(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreScan(t *testing.T) {
	t.Parallel()
	store, mock, now := newMockStore(t)

	mock.ExpectQuery("SELECT key FROM kv_entries").
		WithArgs(`cache:%`, now, 10).
		WillReturnRows(pgxmock.NewRows([]string{"key"}).
			AddRow("cache:a").
			AddRow("cache:b"))

	keys, err := store.Scan(context.Background(), "cache:", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"cache:a", "cache:b"}, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestLikePatternEscapesWildcards(t *testing.T) {
	t.Parallel()
	require.Equal(t, `cache:%`, likePattern("cache:"))
	require.Equal(t, `a\%b\_c%`, likePattern("a%b_c"))
}
