// Package upload implements the uploader's three phases:
// prepare (DB), perform (network), finalize (DB).
package upload

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/anthropics/oversqlite/internal/codec"
	"github.com/anthropics/oversqlite/internal/model"
	"github.com/anthropics/oversqlite/internal/resolver"
	"github.com/anthropics/oversqlite/internal/tableinfo"
	"github.com/anthropics/oversqlite/internal/transport"
)

// Uploader drains sync_pending into upload batches and applies server verdicts.
type Uploader struct {
	db       *sql.DB
	cache    *tableinfo.Cache
	tables   map[string]model.TableConfig
	schema   string
	client   *transport.Client
	resolver resolver.Resolver
	log      *slog.Logger
}

// New returns an Uploader. tables maps lowercased table name to its config.
func New(db *sql.DB, cache *tableinfo.Cache, schema string, tables map[string]model.TableConfig, client *transport.Client, res resolver.Resolver, log *slog.Logger) *Uploader {
	if res == nil {
		res = resolver.Default{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Uploader{db: db, cache: cache, tables: tables, schema: schema, client: client, resolver: res, log: log}
}

type preparedChange struct {
	pending   model.PendingRow
	info      *tableinfo.Info
	wire      model.WireChange
	localPK   string
}

// Run executes prepare → perform → finalize and returns the resulting summary
// plus the set of business tables touched.
func (u *Uploader) Run(ctx context.Context) (*model.UploadSummary, error) {
	prepared, lastSeen, err := u.prepare(ctx)
	if err != nil {
		return nil, err
	}

	summary := model.NewUploadSummary()
	if len(prepared) == 0 {
		// Skip the network call entirely for an empty batch.
		return summary, nil
	}

	changes := make([]model.WireChange, len(prepared))
	for i, p := range prepared {
		changes[i] = p.wire
	}

	resp, err := u.client.Upload(ctx, &model.UploadRequest{
		LastServerSeqSeen: lastSeen,
		Changes:           changes,
	})
	if err != nil {
		// Transport/protocol failure: prepare never committed, pending is
		// untouched, safe to retry.
		return nil, err
	}

	return u.finalize(ctx, prepared, resp)
}

// prepare reads pending rows, assigns change ids, and builds wire changes.
func (u *Uploader) prepare(ctx context.Context) ([]preparedChange, int64, error) {
	var lastSeen int64
	if err := u.db.QueryRowContext(ctx, `SELECT last_server_seq_seen FROM sync_client_info LIMIT 1`).Scan(&lastSeen); err != nil {
		if err == sql.ErrNoRows {
			return nil, 0, &model.ErrLocalInconsistency{Reason: "missing sync_client_info row"}
		}
		return nil, 0, fmt.Errorf("read last_server_seq_seen: %w", err)
	}

	rows, err := u.db.QueryContext(ctx, `
		SELECT table_name, pk_uuid, op, base_version, payload, change_id, queued_at
		FROM sync_pending ORDER BY queued_at ASC
	`)
	if err != nil {
		return nil, 0, fmt.Errorf("read pending: %w", err)
	}
	defer rows.Close()

	var pendings []model.PendingRow
	for rows.Next() {
		var p model.PendingRow
		var payload sql.NullString
		var changeID sql.NullInt64
		var opStr string
		if err := rows.Scan(&p.TableName, &p.PKUUID, &opStr, &p.BaseVersion, &payload, &changeID, &p.QueuedAt); err != nil {
			return nil, 0, fmt.Errorf("scan pending row: %w", err)
		}
		p.Op = model.Op(opStr)
		if payload.Valid {
			p.Payload = []byte(payload.String)
		}
		if changeID.Valid {
			v := changeID.Int64
			p.ChangeID = &v
		}
		pendings = append(pendings, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate pending: %w", err)
	}

	prepared := make([]preparedChange, 0, len(pendings))
	for _, p := range pendings {
		tc, ok := u.tables[p.TableName]
		if !ok {
			continue
		}
		info, err := u.cache.Get(u.db, p.TableName, tc.SyncKeyColumn)
		if err != nil {
			return nil, 0, fmt.Errorf("tableinfo for %s: %w", p.TableName, err)
		}

		if p.ChangeID == nil {
			id, err := u.assignChangeID(ctx, p.TableName, p.PKUUID)
			if err != nil {
				return nil, 0, err
			}
			p.ChangeID = &id
		}

		if p.Payload == nil && p.Op != model.OpDelete {
			payload, err := u.rebuildPayload(ctx, info, p.PKUUID)
			if err != nil {
				return nil, 0, fmt.Errorf("rebuild payload for %s/%s: %w", p.TableName, p.PKUUID, err)
			}
			p.Payload = payload
		}

		wirePK, err := codec.WirePK(info, p.PKUUID)
		if err != nil {
			return nil, 0, err
		}

		var wirePayload interface{}
		if p.Payload != nil {
			wp, err := codec.LocalToWirePayload(info, p.Payload)
			if err != nil {
				return nil, 0, err
			}
			wirePayload = wp
		}

		prepared = append(prepared, preparedChange{
			pending: p,
			info:    info,
			localPK: p.PKUUID,
			wire: model.WireChange{
				SourceChangeID: *p.ChangeID,
				Schema:         u.schema,
				Table:          p.TableName,
				Op:             p.Op,
				PK:             wirePK,
				ServerVersion:  p.BaseVersion,
				Payload:        wirePayload,
			},
		})
	}

	return prepared, lastSeen, nil
}

func (u *Uploader) assignChangeID(ctx context.Context, table, pk string) (int64, error) {
	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin assign-change-id tx: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT next_change_id FROM sync_client_info LIMIT 1`).Scan(&id); err != nil {
		return 0, fmt.Errorf("read next_change_id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sync_client_info SET next_change_id = next_change_id + 1`); err != nil {
		return 0, fmt.Errorf("bump next_change_id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE sync_pending SET change_id = ? WHERE table_name = ? AND pk_uuid = ?`, id, table, pk); err != nil {
		return 0, fmt.Errorf("persist change_id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit assign-change-id tx: %w", err)
	}
	return id, nil
}

// rebuildPayload reads the current business row (payload can be absent after
// a restart that lost the in-memory image).
func (u *Uploader) rebuildPayload(ctx context.Context, info *tableinfo.Info, localPK string) ([]byte, error) {
	colList := make([]string, len(info.Columns))
	for i, c := range info.Columns {
		colList[i] = c.Name
	}
	pkExpr := info.PKColumn
	args := []interface{}{}
	if info.PKIsBlob {
		pkExpr = "lower(hex(" + info.PKColumn + "))"
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", join(colList, ", "), info.Table, pkExpr)
	args = append(args, localPK)

	row := u.db.QueryRowContext(ctx, query, args...)
	values := make([]interface{}, len(colList))
	scanDest := make([]interface{}, len(colList))
	for i := range values {
		scanDest[i] = &values[i]
	}
	if err := row.Scan(scanDest...); err != nil {
		return nil, fmt.Errorf("read business row: %w", err)
	}

	rowMap := make(map[string]interface{}, len(colList))
	for i, name := range colList {
		rowMap[name] = values[i]
	}
	return codec.RowToPayload(info, rowMap)
}

func join(ss []string, sep string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += sep
		}
		out += s
	}
	return out
}

// finalize applies per-change verdicts inside a single transaction.
func (u *Uploader) finalize(ctx context.Context, prepared []preparedChange, resp *model.UploadResponse) (*model.UploadSummary, error) {
	summary := model.NewUploadSummary()
	summary.Total = len(prepared)

	tx, err := u.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin finalize tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `UPDATE sync_client_info SET apply_mode = 1`); err != nil {
		return nil, fmt.Errorf("set apply_mode: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sync_client_info SET last_server_seq_seen = ?`, resp.HighestServerSeq); err != nil {
		return nil, fmt.Errorf("update watermark: %w", err)
	}

	byChangeID := make(map[int64]preparedChange, len(prepared))
	for _, p := range prepared {
		byChangeID[*p.pending.ChangeID] = p
	}

	for _, status := range resp.Statuses {
		p, ok := byChangeID[status.SourceChangeID]
		if !ok {
			continue
		}
		summary.TouchedTables[p.pending.TableName] = true

		switch status.Status {
		case model.StatusApplied:
			if err := u.applyApplied(ctx, tx, p, status); err != nil {
				return nil, err
			}
			summary.Applied++
		case model.StatusConflict:
			if err := u.applyConflict(ctx, tx, p, status); err != nil {
				return nil, err
			}
			summary.Conflict++
		case model.StatusInvalid:
			reason := ""
			if status.Invalid != nil {
				reason = *status.Invalid
			}
			summary.Invalid++
			summary.InvalidReasons[reason]++
			if reason != model.InvalidFKMissing {
				if _, err := tx.ExecContext(ctx, `DELETE FROM sync_pending WHERE table_name = ? AND pk_uuid = ?`, p.pending.TableName, p.pending.PKUUID); err != nil {
					return nil, fmt.Errorf("drop invalid pending: %w", err)
				}
			}
		case model.StatusMaterializeError:
			summary.MaterializeError++
			if summary.FirstErrorMessage == "" && status.Message != nil {
				summary.FirstErrorMessage = *status.Message
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE sync_client_info SET apply_mode = 0`); err != nil {
		return nil, fmt.Errorf("reset apply_mode: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit finalize tx: %w", err)
	}
	committed = true
	u.log.Debug("upload finalized", "total", summary.Total, "applied", summary.Applied, "conflict", summary.Conflict, "invalid", summary.Invalid)
	return summary, nil
}

func (u *Uploader) applyApplied(ctx context.Context, tx *sql.Tx, p preparedChange, status model.UploadChangeResult) error {
	if p.pending.Op != model.OpDelete {
		if err := upsertBusinessRow(ctx, tx, p.info, p.pending.Payload); err != nil {
			return fmt.Errorf("reapply accepted row %s/%s: %w", p.pending.TableName, p.pending.PKUUID, err)
		}
	}

	newVersion := p.pending.BaseVersion + 1
	if status.NewServerVersion != nil {
		newVersion = *status.NewServerVersion
	}
	deleted := p.pending.Op == model.OpDelete

	if err := upsertRowMeta(ctx, tx, p.pending.TableName, p.pending.PKUUID, newVersion, deleted); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_pending WHERE table_name = ? AND pk_uuid = ?`, p.pending.TableName, p.pending.PKUUID); err != nil {
		return fmt.Errorf("clear applied pending: %w", err)
	}
	return nil
}

func (u *Uploader) applyConflict(ctx context.Context, tx *sql.Tx, p preparedChange, status model.UploadChangeResult) error {
	// Guardrail: a local DELETE always short-circuits to KeepLocal so it
	// re-uploads with the server's new base_version.
	if p.pending.Op == model.OpDelete {
		if status.ServerRow == nil {
			return nil
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+p.info.Table+` WHERE `+deleteWhere(p.info), deleteArg(p.info, p.pending.PKUUID)); err != nil {
			return fmt.Errorf("delete business row on conflict: %w", err)
		}
		if err := upsertRowMeta(ctx, tx, p.pending.TableName, p.pending.PKUUID, status.ServerRow.ServerVersion, true); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE sync_pending SET op = 'DELETE', payload = NULL, base_version = ?, queued_at = strftime('%s','now') WHERE table_name = ? AND pk_uuid = ?`,
			status.ServerRow.ServerVersion, p.pending.TableName, p.pending.PKUUID); err != nil {
			return fmt.Errorf("requeue delete after conflict: %w", err)
		}
		return nil
	}

	result, err := u.resolve(p.pending.TableName, p.pending.PKUUID, p.info, status.ServerRow, p.pending.Payload)
	if err != nil {
		return err
	}

	if result.IsAcceptServer() {
		if status.ServerRow == nil {
			return nil
		}
		if status.ServerRow.Deleted {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+p.info.Table+` WHERE `+deleteWhere(p.info), deleteArg(p.info, p.pending.PKUUID)); err != nil {
				return fmt.Errorf("delete business row on accept-server: %w", err)
			}
		} else {
			localPayload, err := codec.WireToLocalPayload(p.info, status.ServerRow.Payload)
			if err != nil {
				return fmt.Errorf("decode server payload: %w", err)
			}
			encoded, err := json.Marshal(localPayload)
			if err != nil {
				return fmt.Errorf("encode server payload: %w", err)
			}
			if err := upsertBusinessRow(ctx, tx, p.info, encoded); err != nil {
				return fmt.Errorf("materialize server row: %w", err)
			}
		}
		if err := upsertRowMeta(ctx, tx, p.pending.TableName, p.pending.PKUUID, status.ServerRow.ServerVersion, status.ServerRow.Deleted); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_pending WHERE table_name = ? AND pk_uuid = ?`, p.pending.TableName, p.pending.PKUUID); err != nil {
			return fmt.Errorf("clear pending on accept-server: %w", err)
		}
		return nil
	}

	merged := result.Payload()
	if merged == nil {
		merged = p.pending.Payload
	}
	if err := upsertBusinessRow(ctx, tx, p.info, merged); err != nil {
		return fmt.Errorf("apply merged row: %w", err)
	}
	serverVersion := p.pending.BaseVersion
	if status.ServerRow != nil {
		serverVersion = status.ServerRow.ServerVersion
	}
	if err := upsertRowMeta(ctx, tx, p.pending.TableName, p.pending.PKUUID, serverVersion, false); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sync_pending SET op = 'UPDATE', base_version = ?, payload = ?, queued_at = strftime('%s','now') WHERE table_name = ? AND pk_uuid = ?`,
		serverVersion, merged, p.pending.TableName, p.pending.PKUUID); err != nil {
		return fmt.Errorf("requeue merged update: %w", err)
	}
	return nil
}

// resolve applies the engine's guardrails (server_row == nil → KeepLocal,
// local_payload == nil → AcceptServer) ahead of the configured resolver, and
// normalizes the server's wire-form payload to local-form so the resolver
// always compares two payloads in the same encoding.
func (u *Uploader) resolve(table, pk string, info *tableinfo.Info, serverRow *model.ServerRow, localPayload []byte) (resolver.MergeResult, error) {
	if serverRow == nil {
		return resolver.KeepLocal(localPayload), nil
	}
	if localPayload == nil {
		return resolver.AcceptServer(), nil
	}

	normalized := *serverRow
	if !serverRow.Deleted {
		localServerPayload, err := codec.WireToLocalPayload(info, serverRow.Payload)
		if err != nil {
			return resolver.MergeResult{}, fmt.Errorf("normalize server payload for resolver: %w", err)
		}
		encoded, err := json.Marshal(localServerPayload)
		if err != nil {
			return resolver.MergeResult{}, fmt.Errorf("encode normalized server payload: %w", err)
		}
		normalized.Payload = json.RawMessage(encoded)
	}

	return u.resolver.Resolve(table, pk, &normalized, localPayload), nil
}

func deleteWhere(info *tableinfo.Info) string {
	if info.PKIsBlob {
		return "lower(hex(" + info.PKColumn + ")) = ?"
	}
	return info.PKColumn + " = ?"
}

func deleteArg(info *tableinfo.Info, localPK string) interface{} {
	return localPK
}

// upsertBusinessRow applies a local JSON row image to the business table as
// an idempotent upsert, used both when re-applying an accepted local change
// and when materializing a server-won conflict row.
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
			updates = append(updates, fmt.Sprintf("%s = excluded.%s", c.Name, c.Name))
		}
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		info.Table, join(cols, ", "), join(placeholders, ", "), info.PKColumn, join(updates, ", "))
	if len(updates) == 0 {
		query = fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO NOTHING",
			info.Table, join(cols, ", "), join(placeholders, ", "), info.PKColumn)
	}

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert business row into %s: %w", info.Table, err)
	}
	return nil
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
