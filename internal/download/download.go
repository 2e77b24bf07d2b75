// Package download implements the downloader's three phases:
// prepare (DB), fetch (network), apply (DB, single transaction, triggers
// suppressed). It also implements the lookback-sequence collapse and the
// windowed initial-snapshot hydrate procedure.
package download

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	"github.com/anthropics/oversqlite/internal/codec"
	"github.com/anthropics/oversqlite/internal/model"
	"github.com/anthropics/oversqlite/internal/resolver"
	"github.com/anthropics/oversqlite/internal/tableinfo"
	"github.com/anthropics/oversqlite/internal/transport"
)

// Downloader applies paginated server changes atomically with triggers
// suppressed (apply_mode=1 for the duration of the transaction).
type Downloader struct {
	db       *sql.DB
	cache    *tableinfo.Cache
	tables   map[string]model.TableConfig
	schema   string
	client   *transport.Client
	resolver resolver.Resolver
	log      *slog.Logger
}

// New returns a Downloader.
func New(db *sql.DB, cache *tableinfo.Cache, schema string, tables map[string]model.TableConfig, client *transport.Client, res resolver.Resolver, log *slog.Logger) *Downloader {
	if res == nil {
		res = resolver.Default{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Downloader{db: db, cache: cache, tables: tables, schema: schema, client: client, resolver: res, log: log}
}

// Result is the outcome of one Run call.
type Result struct {
	Applied     int
	NextAfter   int64
	HasMore     bool
	WindowUntil int64
	Touched     map[string]bool
}

// Run executes prepare → fetch → apply for one page. isPostUploadLookback
// switches the collision ladder's last step from unconditional to
// version-guarded.
func (d *Downloader) Run(ctx context.Context, limit int, includeSelf bool, until int64, isPostUploadLookback bool) (*Result, error) {
	sourceID, cursor, err := d.prepare(ctx)
	if err != nil {
		return nil, err
	}

	page, err := d.client.Download(ctx, transport.DownloadParams{
		Schema:      d.schema,
		After:       cursor,
		Limit:       limit,
		IncludeSelf: includeSelf,
		Until:       until,
	})
	if err != nil {
		return nil, err
	}

	return d.apply(ctx, sourceID, cursor, page, includeSelf, isPostUploadLookback)
}

func (d *Downloader) prepare(ctx context.Context) (sourceID string, cursor int64, err error) {
	err = d.db.QueryRowContext(ctx, `SELECT source_id, last_server_seq_seen FROM sync_client_info LIMIT 1`).Scan(&sourceID, &cursor)
	if err == sql.ErrNoRows {
		return "", 0, &model.ErrLocalInconsistency{Reason: "missing sync_client_info row"}
	}
	if err != nil {
		return "", 0, fmt.Errorf("read cursor: %w", err)
	}
	return sourceID, cursor, nil
}

func (d *Downloader) apply(ctx context.Context, localSourceID string, cursorBefore int64, page *model.DownloadResponse, includeSelf, isPostUploadLookback bool) (*Result, error) {
	result := &Result{Touched: make(map[string]bool), HasMore: page.HasMore, WindowUntil: page.WindowUntil}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin apply tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
			// Best-effort: apply_mode is part of the same transaction that
			// failed, so it never actually flipped on disk. The explicit
			// reset here only guards against a driver that partially
			// persisted before the rollback landed.
			_, _ = d.db.ExecContext(ctx, `UPDATE sync_client_info SET apply_mode = 0`)
		}
	}()

	if _, err := tx.ExecContext(ctx, `UPDATE sync_client_info SET apply_mode = 1`); err != nil {
		return nil, fmt.Errorf("set apply_mode: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return nil, fmt.Errorf("defer foreign keys: %w", err)
	}

	if len(page.Changes) == 0 {
		if page.NextAfter >= cursorBefore {
			if _, err := tx.ExecContext(ctx, `UPDATE sync_client_info SET last_server_seq_seen = ?`, page.NextAfter); err != nil {
				return nil, fmt.Errorf("advance empty-page cursor: %w", err)
			}
			result.NextAfter = page.NextAfter
		} else {
			result.NextAfter = cursorBefore
		}
		if _, err := tx.ExecContext(ctx, `UPDATE sync_client_info SET apply_mode = 0`); err != nil {
			return nil, fmt.Errorf("reset apply_mode: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit empty page: %w", err)
		}
		committed = true
		return result, nil
	}

	ordered := changesToApply(page.Changes)

	for _, change := range ordered {
		result.Touched[change.Table] = true

		if !includeSelf && change.SourceID == localSourceID {
			continue
		}

		tc, ok := d.tables[change.Table]
		if !ok {
			continue
		}
		info, err := d.cache.Get(d.db, change.Table, tc.SyncKeyColumn)
		if err != nil {
			return nil, fmt.Errorf("tableinfo for %s: %w", change.Table, err)
		}

		localPK, err := codec.LocalPKFromWire(info, change.PK)
		if err != nil {
			return nil, fmt.Errorf("decode pk for %s: %w", change.Table, err)
		}

		applied, err := d.applyOne(ctx, tx, info, change, localPK, isPostUploadLookback)
		if err != nil {
			return nil, err
		}
		if applied {
			result.Applied++
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sync_client_info SET last_server_seq_seen = ?`, page.NextAfter); err != nil {
		return nil, fmt.Errorf("advance cursor: %w", err)
	}
	result.NextAfter = page.NextAfter

	if _, err := tx.ExecContext(ctx, `UPDATE sync_client_info SET apply_mode = 0`); err != nil {
		return nil, fmt.Errorf("reset apply_mode: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit apply tx: %w", err)
	}
	committed = true
	d.log.Debug("download applied", "count", result.Applied, "next_after", result.NextAfter)
	return result, nil
}

// changesToApply implements the lookback-sequence collapse:
// drop a DELETE if a later change for the same row in this page has a higher
// server_version; preserve non-DELETE ops; order the rest ascending by
// server_version.
func changesToApply(changes []model.DownloadChange) []model.DownloadChange {
	type key struct{ table, pk string }
	maxVersionAfter := make(map[key]int64)

	for i, c := range changes {
		k := key{c.Table, c.PK}
		for j := i + 1; j < len(changes); j++ {
			c2 := changes[j]
			if c2.Table == c.Table && c2.PK == c.PK && c2.ServerVersion > maxVersionAfter[k] {
				maxVersionAfter[k] = c2.ServerVersion
			}
		}
	}

	out := make([]model.DownloadChange, 0, len(changes))
	for _, c := range changes {
		if c.Op == model.OpDelete {
			k := key{c.Table, c.PK}
			if later, ok := maxVersionAfter[k]; ok && later > c.ServerVersion {
				continue
			}
		}
		out = append(out, c)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ServerVersion < out[j].ServerVersion
	})
	return out
}

// applyOne runs the collision ladder for a single change.
// Returns whether the change resulted in an applied mutation (for the
// returned count — a skipped-but-seen change still advances row-meta but
// does not count as "applied").
func (d *Downloader) applyOne(ctx context.Context, tx *sql.Tx, info *tableinfo.Info, change model.DownloadChange, localPK string, isPostUploadLookback bool) (bool, error) {
	table := change.Table

	if change.Op == model.OpDelete {
		if err := deleteBusinessRow(ctx, tx, info, localPK); err != nil {
			return false, fmt.Errorf("delete business row %s/%s: %w", table, localPK, err)
		}
		if err := upsertRowMeta(ctx, tx, table, localPK, change.ServerVersion, true); err != nil {
			return false, err
		}
		return true, nil
	}

	pending, err := loadPending(ctx, tx, table, localPK)
	if err != nil {
		return false, err
	}

	meta, err := loadMeta(ctx, tx, table, localPK)
	if err != nil {
		return false, err
	}

	// Step 1: local DELETE pending wins outright.
	if pending != nil && pending.Op == model.OpDelete {
		if err := upsertRowMeta(ctx, tx, table, localPK, change.ServerVersion, true); err != nil {
			return false, err
		}
		return false, nil
	}

	// Step 2: recently deleted locally and the server didn't move forward.
	if meta != nil && meta.Deleted && change.ServerVersion <= meta.ServerVersion {
		if err := upsertRowMeta(ctx, tx, table, localPK, change.ServerVersion, true); err != nil {
			return false, err
		}
		return false, nil
	}

	// Step 3: local INSERT/UPDATE pending — genuine concurrent-edit conflict.
	if pending != nil {
		result, err := d.resolve(table, localPK, info, change, pending.Payload)
		if err != nil {
			return false, err
		}

		if result.IsAcceptServer() {
			localPayload, err := codec.WireToLocalPayload(info, change.Payload)
			if err != nil {
				return false, fmt.Errorf("decode server payload: %w", err)
			}
			encoded, _ := json.Marshal(localPayload)
			if err := upsertBusinessRow(ctx, tx, info, encoded); err != nil {
				return false, err
			}
			if err := upsertRowMeta(ctx, tx, table, localPK, change.ServerVersion, false); err != nil {
				return false, err
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM sync_pending WHERE table_name = ? AND pk_uuid = ?`, table, localPK); err != nil {
				return false, fmt.Errorf("clear pending after accept-server: %w", err)
			}
			return true, nil
		}

		merged := result.Payload()
		if merged == nil {
			merged = pending.Payload
		}
		if err := upsertBusinessRow(ctx, tx, info, merged); err != nil {
			return false, err
		}
		if err := upsertRowMeta(ctx, tx, table, localPK, change.ServerVersion, false); err != nil {
			return false, err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_pending SET op = 'UPDATE', base_version = ?, payload = ?, queued_at = strftime('%s','now') WHERE table_name = ? AND pk_uuid = ?`,
			change.ServerVersion, merged, table, localPK); err != nil {
			return false, fmt.Errorf("requeue merged update: %w", err)
		}
		return true, nil
	}

	// Step 4: no local pending.
	if isPostUploadLookback {
		localSV := int64(0)
		if meta != nil {
			localSV = meta.ServerVersion
		}
		if change.ServerVersion <= localSV {
			if err := upsertRowMeta(ctx, tx, table, localPK, change.ServerVersion, change.Deleted); err != nil {
				return false, err
			}
			return false, nil
		}
	}

	localPayload, err := codec.WireToLocalPayload(info, change.Payload)
	if err != nil {
		return false, fmt.Errorf("decode payload: %w", err)
	}
	encoded, _ := json.Marshal(localPayload)
	if err := upsertBusinessRow(ctx, tx, info, encoded); err != nil {
		return false, err
	}
	if err := upsertRowMeta(ctx, tx, table, localPK, change.ServerVersion, false); err != nil {
		return false, err
	}
	return true, nil
}

// resolve applies the engine's local_payload == nil → AcceptServer guardrail
// ahead of the configured resolver (the server row is always built from the
// incoming change here, so it is never nil), and normalizes the incoming
// change's wire-form payload to local-form so the resolver always compares
// two payloads in the same encoding.
func (d *Downloader) resolve(table, localPK string, info *tableinfo.Info, change model.DownloadChange, localPayload []byte) (resolver.MergeResult, error) {
	if localPayload == nil {
		return resolver.AcceptServer(), nil
	}

	serverRow := &model.ServerRow{ServerVersion: change.ServerVersion, Deleted: false}
	localServerPayload, err := codec.WireToLocalPayload(info, change.Payload)
	if err != nil {
		return resolver.MergeResult{}, fmt.Errorf("normalize server payload for resolver: %w", err)
	}
	encoded, err := json.Marshal(localServerPayload)
	if err != nil {
		return resolver.MergeResult{}, fmt.Errorf("encode normalized server payload: %w", err)
	}
	serverRow.Payload = json.RawMessage(encoded)

	return d.resolver.Resolve(table, localPK, serverRow, localPayload), nil
}

type pendingLite struct {
	Op      model.Op
	Payload []byte
}

func loadPending(ctx context.Context, tx *sql.Tx, table, pk string) (*pendingLite, error) {
	var opStr string
	var payload sql.NullString
	err := tx.QueryRowContext(ctx, `SELECT op, payload FROM sync_pending WHERE table_name = ? AND pk_uuid = ?`, table, pk).Scan(&opStr, &payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read pending %s/%s: %w", table, pk, err)
	}
	p := &pendingLite{Op: model.Op(opStr)}
	if payload.Valid {
		p.Payload = []byte(payload.String)
	}
	return p, nil
}

type metaLite struct {
	ServerVersion int64
	Deleted       bool
}

func loadMeta(ctx context.Context, tx *sql.Tx, table, pk string) (*metaLite, error) {
	var sv int64
	var deleted bool
	err := tx.QueryRowContext(ctx, `SELECT server_version, deleted FROM sync_row_meta WHERE table_name = ? AND pk_uuid = ?`, table, pk).Scan(&sv, &deleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read row meta %s/%s: %w", table, pk, err)
	}
	return &metaLite{ServerVersion: sv, Deleted: deleted}, nil
}

func upsertRowMeta(ctx context.Context, tx *sql.Tx, table, pk string, serverVersion int64, deleted bool) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_row_meta (table_name, pk_uuid, server_version, deleted, updated_at)
		VALUES (?, ?, ?, ?, strftime('%s','now'))
		ON CONFLICT(table_name, pk_uuid) DO UPDATE SET
			server_version = excluded.server_version,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`, table, pk, serverVersion, deleted)
	if err != nil {
		return fmt.Errorf("upsert row meta for %s/%s: %w", table, pk, err)
	}
	return nil
}

func deleteBusinessRow(ctx context.Context, tx *sql.Tx, info *tableinfo.Info, localPK string) error {
	where := info.PKColumn + " = ?"
	arg := interface{}(localPK)
	if info.PKIsBlob {
		where = "lower(hex(" + info.PKColumn + ")) = ?"
	}
	_, err := tx.ExecContext(ctx, "DELETE FROM "+info.Table+" WHERE "+where, arg)
	return err
}

func upsertBusinessRow(ctx context.Context, tx *sql.Tx, info *tableinfo.Info, localPayload []byte) error {
	if localPayload == nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(localPayload, &m); err != nil {
		return fmt.Errorf("unmarshal local payload: %w", err)
	}
	values, err := codec.ColumnValuesFromPayload(info, m)
	if err != nil {
		return err
	}

	cols := make([]string, 0, len(values))
	placeholders := make([]string, 0, len(values))
	updates := make([]string, 0, len(values))
	args := make([]interface{}, 0, len(values))
	for _, c := range info.Columns {
		v, ok := values[c.Name]
		if !ok {
			continue
		}
		cols = append(cols, c.Name)
		placeholders = append(placeholders, "?")
		args = append(args, v)
		if c.Name != info.PKColumn {
			updates = append(updates, c.Name+" = excluded."+c.Name)
		}
	}

	query := "INSERT INTO " + info.Table + " (" + joinStrings(cols, ", ") + ") VALUES (" + joinStrings(placeholders, ", ") + ")"
	if len(updates) > 0 {
		query += " ON CONFLICT(" + info.PKColumn + ") DO UPDATE SET " + joinStrings(updates, ", ")
	} else {
		query += " ON CONFLICT(" + info.PKColumn + ") DO NOTHING"
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert business row into %s: %w", info.Table, err)
	}
	return nil
}

func joinStrings(ss []string, sep string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += sep
		}
		out += s
	}
	return out
}
