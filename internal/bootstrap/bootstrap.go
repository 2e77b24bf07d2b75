// Package bootstrap performs the one-shot setup: metadata tables, the
// client-info row, and per-table capture triggers.
package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/anthropics/oversqlite/internal/model"
	"github.com/anthropics/oversqlite/internal/tableinfo"
)

const metadataSchema = `
CREATE TABLE IF NOT EXISTS sync_client_info (
	user_id TEXT UNIQUE NOT NULL,
	source_id TEXT NOT NULL,
	next_change_id INTEGER NOT NULL DEFAULT 1,
	last_server_seq_seen INTEGER NOT NULL DEFAULT 0,
	apply_mode INTEGER NOT NULL DEFAULT 0,
	current_window_until INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sync_row_meta (
	table_name TEXT NOT NULL,
	pk_uuid TEXT NOT NULL,
	server_version INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
	PRIMARY KEY (table_name, pk_uuid)
);

CREATE TABLE IF NOT EXISTS sync_pending (
	table_name TEXT NOT NULL,
	pk_uuid TEXT NOT NULL,
	op TEXT NOT NULL,
	base_version INTEGER NOT NULL DEFAULT 0,
	payload TEXT,
	change_id INTEGER,
	queued_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now')),
	PRIMARY KEY (table_name, pk_uuid)
);

CREATE INDEX IF NOT EXISTS idx_sync_pending_queued_at ON sync_pending(queued_at ASC);
`

// Bootstrapper installs and maintains oversqlite's metadata tables and
// per-table capture triggers.
type Bootstrapper struct {
	db    *sql.DB
	cache *tableinfo.Cache
}

// New returns a Bootstrapper backed by db, invalidating cache entries for db
// on every Run (schemas may have changed between runs).
func New(db *sql.DB, cache *tableinfo.Cache) *Bootstrapper {
	return &Bootstrapper{db: db, cache: cache}
}

// Run performs the one-shot setup idempotently. Any partial run is safe to
// retry.
func (b *Bootstrapper) Run(ctx context.Context, userID, sourceID string, tables []model.TableConfig) error {
	if sourceID == "" {
		sourceID = uuid.NewString()
	}

	if _, err := b.db.ExecContext(ctx, metadataSchema); err != nil {
		return fmt.Errorf("create metadata tables: %w", err)
	}

	if err := b.upsertClientInfo(ctx, userID, sourceID); err != nil {
		return err
	}

	b.cache.Invalidate(b.db)

	for _, tc := range tables {
		if err := model.ValidateIdentifier("table", tc.TableName); err != nil {
			return err
		}
		info, err := b.cache.Get(b.db, tc.TableName, tc.SyncKeyColumn)
		if err != nil {
			return fmt.Errorf("bootstrap table %s: %w", tc.TableName, err)
		}
		if err := b.installTriggers(ctx, info); err != nil {
			return fmt.Errorf("install triggers for %s: %w", tc.TableName, err)
		}
	}

	return nil
}

func (b *Bootstrapper) upsertClientInfo(ctx context.Context, userID, sourceID string) error {
	var existingUser string
	err := b.db.QueryRowContext(ctx, `SELECT user_id FROM sync_client_info LIMIT 1`).Scan(&existingUser)
	switch {
	case err == sql.ErrNoRows:
		_, err := b.db.ExecContext(ctx, `
			INSERT INTO sync_client_info (user_id, source_id, next_change_id, last_server_seq_seen, apply_mode, current_window_until)
			VALUES (?, ?, 1, 0, 0, 0)
		`, userID, sourceID)
		if err != nil {
			return fmt.Errorf("insert client info: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("read client info: %w", err)
	default:
		// Recover from a previous abort: clear apply_mode so triggers aren't
		// left permanently inert.
		_, err := b.db.ExecContext(ctx, `UPDATE sync_client_info SET apply_mode = 0 WHERE user_id = ?`, existingUser)
		if err != nil {
			return fmt.Errorf("reset apply_mode: %w", err)
		}
		return nil
	}
}

// installTriggers drops and recreates the three AI/AU/AD triggers for a table.
func (b *Bootstrapper) installTriggers(ctx context.Context, info *tableinfo.Info) error {
	table := info.Table
	for _, suffix := range []string{"ai", "au", "ad"} {
		if _, err := b.db.ExecContext(ctx, fmt.Sprintf(`DROP TRIGGER IF EXISTS trg_%s_%s`, table, suffix)); err != nil {
			return fmt.Errorf("drop trigger trg_%s_%s: %w", table, suffix, err)
		}
	}

	jsonObject := buildJSONObject(info, "NEW")
	pkExprNew := pkCanonicalExpr(info, "NEW")
	pkExprOld := pkCanonicalExpr(info, "OLD")

	aiSQL := fmt.Sprintf(`
CREATE TRIGGER trg_%[1]s_ai AFTER INSERT ON %[1]s
WHEN (SELECT apply_mode FROM sync_client_info LIMIT 1) = 0
BEGIN
	INSERT INTO sync_row_meta (table_name, pk_uuid, server_version, deleted, updated_at)
	VALUES ('%[1]s', %[2]s, 0, 0, strftime('%%s','now'))
	ON CONFLICT(table_name, pk_uuid) DO UPDATE SET deleted = 0, updated_at = strftime('%%s','now');

	INSERT INTO sync_pending (table_name, pk_uuid, op, base_version, payload, queued_at)
	VALUES ('%[1]s', %[2]s, 'INSERT',
		(SELECT server_version FROM sync_row_meta WHERE table_name = '%[1]s' AND pk_uuid = %[2]s),
		%[3]s, strftime('%%s','now'))
	ON CONFLICT(table_name, pk_uuid) DO UPDATE SET
		op = 'INSERT',
		payload = excluded.payload,
		queued_at = excluded.queued_at;

	UPDATE sync_client_info SET next_change_id = next_change_id + 1;
END;`, table, pkExprNew, jsonObject)

	auSQL := fmt.Sprintf(`
CREATE TRIGGER trg_%[1]s_au AFTER UPDATE ON %[1]s
WHEN (SELECT apply_mode FROM sync_client_info LIMIT 1) = 0
BEGIN
	INSERT INTO sync_row_meta (table_name, pk_uuid, server_version, deleted, updated_at)
	VALUES ('%[1]s', %[2]s, 0, 0, strftime('%%s','now'))
	ON CONFLICT(table_name, pk_uuid) DO UPDATE SET deleted = 0, updated_at = strftime('%%s','now');

	INSERT INTO sync_pending (table_name, pk_uuid, op, base_version, payload, queued_at)
	VALUES ('%[1]s', %[2]s, 'UPDATE',
		(SELECT server_version FROM sync_row_meta WHERE table_name = '%[1]s' AND pk_uuid = %[2]s),
		%[3]s, strftime('%%s','now'))
	ON CONFLICT(table_name, pk_uuid) DO UPDATE SET
		op = CASE WHEN sync_pending.op = 'INSERT' THEN 'INSERT' ELSE 'UPDATE' END,
		payload = excluded.payload,
		queued_at = excluded.queued_at;

	UPDATE sync_client_info SET next_change_id = next_change_id + 1;
END;`, table, pkExprNew, jsonObject)

	adSQL := fmt.Sprintf(`
CREATE TRIGGER trg_%[1]s_ad AFTER DELETE ON %[1]s
WHEN (SELECT apply_mode FROM sync_client_info LIMIT 1) = 0
BEGIN
	INSERT INTO sync_row_meta (table_name, pk_uuid, server_version, deleted, updated_at)
	VALUES ('%[1]s', %[2]s, 0, 1, strftime('%%s','now'))
	ON CONFLICT(table_name, pk_uuid) DO UPDATE SET deleted = 1, updated_at = strftime('%%s','now');

	DELETE FROM sync_pending
	WHERE table_name = '%[1]s' AND pk_uuid = %[2]s AND op = 'INSERT';

	-- changes() reflects the DELETE above: 0 means there was nothing pending
	-- (or it was UPDATE/DELETE, not INSERT) and a DELETE entry should be
	-- queued/upserted; 1 means the prior pending was INSERT-coalesced away
	-- and must stay gone, net no-op for the server.
	INSERT INTO sync_pending (table_name, pk_uuid, op, base_version, payload, queued_at)
	SELECT '%[1]s', %[2]s, 'DELETE',
		(SELECT server_version FROM sync_row_meta WHERE table_name = '%[1]s' AND pk_uuid = %[2]s),
		NULL, strftime('%%s','now')
	WHERE changes() = 0
	ON CONFLICT(table_name, pk_uuid) DO UPDATE SET
		op = 'DELETE',
		payload = NULL,
		base_version = (SELECT server_version FROM sync_row_meta WHERE table_name = '%[1]s' AND pk_uuid = %[2]s),
		queued_at = strftime('%%s','now');

	DELETE FROM sync_row_meta
	WHERE table_name = '%[1]s' AND pk_uuid = %[2]s
	  AND server_version = 0
	  AND NOT EXISTS (SELECT 1 FROM sync_pending WHERE table_name = '%[1]s' AND pk_uuid = %[2]s);

	UPDATE sync_client_info SET next_change_id = next_change_id + 1;
END;`, table, pkExprOld)

	for _, stmt := range []string{aiSQL, auSQL, adSQL} {
		if _, err := b.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create trigger: %w\n%s", err, stmt)
		}
	}

	return nil
}

// pkCanonicalExpr returns the SQL expression that yields the canonical local
// pk_uuid text for the given row alias ("NEW"/"OLD"): lower(hex(...)) for
// BLOB PKs, the column verbatim otherwise.
func pkCanonicalExpr(info *tableinfo.Info, alias string) string {
	if info.PKIsBlob {
		return fmt.Sprintf("lower(hex(%s.%s))", alias, info.PKColumn)
	}
	return fmt.Sprintf("%s.%s", alias, info.PKColumn)
}

// buildJSONObject returns the json_object(...) SQL expression producing the
// row image for alias, with BLOB columns rendered as lowercase hex.
func buildJSONObject(info *tableinfo.Info, alias string) string {
	var b strings.Builder
	b.WriteString("json_object(")
	for i, col := range info.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "'%s', ", col.Name)
		if col.IsBlob {
			fmt.Fprintf(&b, "lower(hex(%s.%s))", alias, col.Name)
		} else {
			fmt.Fprintf(&b, "%s.%s", alias, col.Name)
		}
	}
	b.WriteString(")")
	return b.String()
}
