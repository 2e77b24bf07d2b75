package tableinfo

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestGetIntrospectsColumnsAndPK(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`CREATE TABLE notes (id BLOB PRIMARY KEY, Title TEXT, body TEXT)`)
	require.NoError(t, err)

	cache, err := NewCache(0, 0)
	require.NoError(t, err)

	info, err := cache.Get(db, "notes", "")
	require.NoError(t, err)

	require.Equal(t, "id", info.PKColumn)
	require.True(t, info.PKIsBlob)
	require.Equal(t, []string{"id", "title", "body"}, info.ColumnNames())
	require.Equal(t, []string{"id"}, info.BlobColumns())
}

func TestGetHonorsPKOverride(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`CREATE TABLE widgets (rowid_ignored INTEGER, widget_key TEXT)`)
	require.NoError(t, err)

	cache, err := NewCache(0, 0)
	require.NoError(t, err)

	info, err := cache.Get(db, "widgets", "widget_key")
	require.NoError(t, err)
	require.Equal(t, "widget_key", info.PKColumn)
	require.False(t, info.PKIsBlob)
}

func TestGetCachesPerDB(t *testing.T) {
	db1 := openTestDB(t)
	db2 := openTestDB(t)
	for _, db := range []*sql.DB{db1, db2} {
		_, err := db.Exec(`CREATE TABLE t (id TEXT PRIMARY KEY)`)
		require.NoError(t, err)
	}

	cache, err := NewCache(0, 0)
	require.NoError(t, err)

	info1a, err := cache.Get(db1, "t", "")
	require.NoError(t, err)
	info1b, err := cache.Get(db1, "t", "")
	require.NoError(t, err)
	require.Same(t, info1a, info1b)

	info2, err := cache.Get(db2, "t", "")
	require.NoError(t, err)
	require.NotSame(t, info1a, info2)
}

func TestInvalidateDropsAllEntriesForDB(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`CREATE TABLE t (id TEXT PRIMARY KEY)`)
	require.NoError(t, err)

	cache, err := NewCache(0, 0)
	require.NoError(t, err)

	before, err := cache.Get(db, "t", "")
	require.NoError(t, err)

	cache.Invalidate(db)

	after, err := cache.Get(db, "t", "")
	require.NoError(t, err)
	require.NotSame(t, before, after)
}

func TestGetUnknownTableErrors(t *testing.T) {
	db := openTestDB(t)
	cache, err := NewCache(0, 0)
	require.NoError(t, err)

	_, err = cache.Get(db, "nope", "")
	require.Error(t, err)
}
