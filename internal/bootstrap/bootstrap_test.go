package bootstrap

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/anthropics/oversqlite/internal/model"
	"github.com/anthropics/oversqlite/internal/tableinfo"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func setupNotes(t *testing.T, db *sql.DB) *Bootstrapper {
	t.Helper()
	_, err := db.Exec(`CREATE TABLE notes (id TEXT PRIMARY KEY, title TEXT)`)
	require.NoError(t, err)

	cache, err := tableinfo.NewCache(0, 0)
	require.NoError(t, err)
	b := New(db, cache)

	err = b.Run(context.Background(), "user-1", "src-1", []model.TableConfig{{TableName: "notes"}})
	require.NoError(t, err)
	return b
}

func TestBootstrapIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	b := setupNotes(t, db)

	var nextChangeIDBefore int64
	require.NoError(t, db.QueryRow(`SELECT next_change_id FROM sync_client_info`).Scan(&nextChangeIDBefore))

	err := b.Run(context.Background(), "user-1", "", []model.TableConfig{{TableName: "notes"}})
	require.NoError(t, err)

	var nextChangeIDAfter int64
	require.NoError(t, db.QueryRow(`SELECT next_change_id FROM sync_client_info`).Scan(&nextChangeIDAfter))
	require.Equal(t, nextChangeIDBefore, nextChangeIDAfter)

	var pendingCount int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sync_pending`).Scan(&pendingCount))
	require.Zero(t, pendingCount)
}

func TestInsertEnqueuesPendingInsert(t *testing.T) {
	db := newTestDB(t)
	setupNotes(t, db)

	_, err := db.Exec(`INSERT INTO notes (id, title) VALUES ('n1', 'hello')`)
	require.NoError(t, err)

	var op string
	require.NoError(t, db.QueryRow(`SELECT op FROM sync_pending WHERE table_name='notes' AND pk_uuid='n1'`).Scan(&op))
	require.Equal(t, "INSERT", op)
}

func TestInsertThenUpdateCoalescesToInsert(t *testing.T) {
	db := newTestDB(t)
	setupNotes(t, db)

	_, err := db.Exec(`INSERT INTO notes (id, title) VALUES ('n1', 'hello')`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE notes SET title='world' WHERE id='n1'`)
	require.NoError(t, err)

	var op, payload string
	require.NoError(t, db.QueryRow(`SELECT op, payload FROM sync_pending WHERE table_name='notes' AND pk_uuid='n1'`).Scan(&op, &payload))
	require.Equal(t, "INSERT", op)
	require.Contains(t, payload, "world")
}

func TestInsertThenDeleteLeavesNoPendingOrMeta(t *testing.T) {
	db := newTestDB(t)
	setupNotes(t, db)

	_, err := db.Exec(`INSERT INTO notes (id, title) VALUES ('n1', 'hello')`)
	require.NoError(t, err)
	_, err = db.Exec(`DELETE FROM notes WHERE id='n1'`)
	require.NoError(t, err)

	var pendingCount int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sync_pending WHERE table_name='notes' AND pk_uuid='n1'`).Scan(&pendingCount))
	require.Zero(t, pendingCount, "INSERT+DELETE should net to no pending row")

	var metaCount int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sync_row_meta WHERE table_name='notes' AND pk_uuid='n1'`).Scan(&metaCount))
	require.Zero(t, metaCount, "a never-synced row's meta should be removed once its pending entry is gone")
}

func TestDeleteOfSyncedRowQueuesDelete(t *testing.T) {
	db := newTestDB(t)
	setupNotes(t, db)

	_, err := db.Exec(`INSERT INTO notes (id, title) VALUES ('n1', 'hello')`)
	require.NoError(t, err)
	// Simulate the row having already been synced once.
	_, err = db.Exec(`DELETE FROM sync_pending WHERE table_name='notes' AND pk_uuid='n1'`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE sync_row_meta SET server_version=7 WHERE table_name='notes' AND pk_uuid='n1'`)
	require.NoError(t, err)

	_, err = db.Exec(`DELETE FROM notes WHERE id='n1'`)
	require.NoError(t, err)

	var op string
	var baseVersion int64
	require.NoError(t, db.QueryRow(`SELECT op, base_version FROM sync_pending WHERE table_name='notes' AND pk_uuid='n1'`).Scan(&op, &baseVersion))
	require.Equal(t, "DELETE", op)
	require.Equal(t, int64(7), baseVersion)

	var deleted bool
	require.NoError(t, db.QueryRow(`SELECT deleted FROM sync_row_meta WHERE table_name='notes' AND pk_uuid='n1'`).Scan(&deleted))
	require.True(t, deleted)
}

func TestReinsertClearsTombstone(t *testing.T) {
	db := newTestDB(t)
	setupNotes(t, db)

	// Simulate a row that was synced, deleted on the server, and later
	// reinserted locally — all while triggers are suppressed so only the
	// final INSERT exercises the AI trigger under test.
	_, err := db.Exec(`UPDATE sync_client_info SET apply_mode = 1`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO sync_row_meta (table_name, pk_uuid, server_version, deleted) VALUES ('notes', 'n1', 3, 1)`)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE sync_client_info SET apply_mode = 0`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO notes (id, title) VALUES ('n1', 'again')`)
	require.NoError(t, err)

	var deleted bool
	require.NoError(t, db.QueryRow(`SELECT deleted FROM sync_row_meta WHERE table_name='notes' AND pk_uuid='n1'`).Scan(&deleted))
	require.False(t, deleted)
}

func TestApplyModeSuppressesCaptureTriggers(t *testing.T) {
	db := newTestDB(t)
	setupNotes(t, db)

	_, err := db.Exec(`UPDATE sync_client_info SET apply_mode = 1`)
	require.NoError(t, err)

	_, err = db.Exec(`INSERT INTO notes (id, title) VALUES ('n1', 'hello')`)
	require.NoError(t, err)

	var pendingCount int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sync_pending`).Scan(&pendingCount))
	require.Zero(t, pendingCount, "writes under apply_mode=1 must not be captured")
}
