// Package oversqlite is the client half of an offline-first, multi-device
// sync engine over an embedded SQLite database. Client exposes the
// orchestrator surface: bootstrap, upload_once, download_once, hydrate,
// pause/resume, and sync_once, serializing DB phases through a single-permit
// gate while network phases run unsynchronized.
package oversqlite

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/anthropics/oversqlite/internal/bootstrap"
	"github.com/anthropics/oversqlite/internal/core"
	"github.com/anthropics/oversqlite/internal/download"
	"github.com/anthropics/oversqlite/internal/gate"
	"github.com/anthropics/oversqlite/internal/model"
	"github.com/anthropics/oversqlite/internal/resolver"
	"github.com/anthropics/oversqlite/internal/tableinfo"
	"github.com/anthropics/oversqlite/internal/transport"
	"github.com/anthropics/oversqlite/internal/upload"
)

// Config configures a Client. Schema and SyncTables are required; everything
// else has a sensible default.
type Config struct {
	Schema     string
	SyncTables []model.TableConfig

	UploadLimit        int // default 200
	DownloadLimit      int // default 1000
	SyncWindowLookback int // default 100, reserved for heuristics
	LookbackMaxPasses  int // default 50

	UploadPath   string // default "/sync/upload"
	DownloadPath string // default "/sync/download"

	VerboseLogs bool

	Resolver         resolver.Resolver // default resolver.Default{}
	Logger           *slog.Logger      // default slog.Default()
	AuthorizeRequest func(*http.Request)
}

func (c *Config) withDefaults() {
	if c.UploadLimit <= 0 {
		c.UploadLimit = 200
	}
	if c.DownloadLimit <= 0 {
		c.DownloadLimit = 1000
	}
	if c.SyncWindowLookback <= 0 {
		c.SyncWindowLookback = 100
	}
	if c.LookbackMaxPasses <= 0 {
		c.LookbackMaxPasses = 50
	}
	if c.UploadPath == "" {
		c.UploadPath = "/sync/upload"
	}
	if c.DownloadPath == "" {
		c.DownloadPath = "/sync/download"
	}
	if c.Resolver == nil {
		c.Resolver = resolver.Default{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client is an oversqlite sync engine bound to one SQLite database and one
// server base URL.
type Client struct {
	cfg    Config
	db     *core.DB
	cache  *tableinfo.Cache
	gate   *gate.Gate
	client *transport.Client
	tables map[string]model.TableConfig

	uploadsPaused   atomic.Bool
	downloadsPaused atomic.Bool

	updates chan []string
}

// New opens (or creates) the SQLite database at dbPath and returns a Client
// ready for Bootstrap. baseURL is the sync server's origin, e.g.
// "https://sync.example.com".
func New(dbPath, baseURL string, cfg Config) (*Client, error) {
	cfg.withDefaults()

	if err := model.ValidateIdentifier("schema", cfg.Schema); err != nil {
		return nil, err
	}
	tables := make(map[string]model.TableConfig, len(cfg.SyncTables))
	for _, tc := range cfg.SyncTables {
		if err := model.ValidateIdentifier("table", tc.TableName); err != nil {
			return nil, err
		}
		tables[tc.TableName] = tc
	}

	db, err := core.Open(dbPath)
	if err != nil {
		return nil, err
	}

	cache, err := tableinfo.NewCache(8, 256)
	if err != nil {
		db.Close()
		return nil, err
	}

	httpClient := transport.New(baseURL, cfg.UploadPath, cfg.DownloadPath)
	httpClient.AuthorizeRequest = cfg.AuthorizeRequest

	return &Client{
		cfg:     cfg,
		db:      db,
		cache:   cache,
		gate:    gate.New(),
		client:  httpClient,
		tables:  tables,
		updates: make(chan []string, 16),
	}, nil
}

// Close releases the underlying database handle.
func (c *Client) Close() error {
	return c.db.Close()
}

// Updates delivers the set of business tables touched by each successful
// upload or download pass, an idiomatic channel-based substitute for a
// callback/event-bus "tables updated" notification.
func (c *Client) Updates() <-chan []string {
	return c.updates
}

func (c *Client) notify(touched map[string]bool) {
	if len(touched) == 0 {
		return
	}
	names := make([]string, 0, len(touched))
	for t := range touched {
		names = append(names, t)
	}
	select {
	case c.updates <- names:
	default:
		// Notification channel is a best-effort convenience; a slow or absent
		// consumer must never block the sync pipeline.
	}
}

// PauseUploads/ResumeUploads and PauseDownloads/ResumeDownloads set volatile
// flags read at the entry of the corresponding operation; they never abort an
// in-flight call.
func (c *Client) PauseUploads()    { c.uploadsPaused.Store(true) }
func (c *Client) ResumeUploads()   { c.uploadsPaused.Store(false) }
func (c *Client) PauseDownloads()  { c.downloadsPaused.Store(true) }
func (c *Client) ResumeDownloads() { c.downloadsPaused.Store(false) }

// Bootstrap performs the one-shot setup: metadata tables, the client-info
// row, and per-table capture triggers. Idempotent.
func (c *Client) Bootstrap(ctx context.Context, userID, sourceID string) error {
	if err := c.gate.Acquire(ctx); err != nil {
		return err
	}
	defer c.gate.Release()

	b := bootstrap.New(c.db.SQL(), c.cache)
	return b.Run(ctx, userID, sourceID, c.cfg.SyncTables)
}

func (c *Client) newUploader() *upload.Uploader {
	return upload.New(c.db.SQL(), c.cache, c.cfg.Schema, c.tables, c.client, c.cfg.Resolver, c.cfg.Logger)
}

func (c *Client) newDownloader() *download.Downloader {
	return download.New(c.db.SQL(), c.cache, c.cfg.Schema, c.tables, c.client, c.cfg.Resolver, c.cfg.Logger)
}

// UploadOnce drains sync_pending and applies server verdicts. On
// success it runs the post-upload lookback drain and emits a "tables
// updated" notification for the touched set.
func (c *Client) UploadOnce(ctx context.Context) (*model.UploadSummary, error) {
	if c.uploadsPaused.Load() {
		return model.NewUploadSummary(), nil
	}

	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	summary, err := c.newUploader().Run(ctx)
	c.gate.Release()
	if err != nil {
		return nil, err
	}

	if c.cfg.VerboseLogs {
		c.cfg.Logger.Info("upload_once complete",
			"total", humanize.Comma(int64(summary.Total)),
			"applied", humanize.Comma(int64(summary.Applied)),
			"conflict", humanize.Comma(int64(summary.Conflict)),
			"invalid", humanize.Comma(int64(summary.Invalid)))
	}

	touched := summary.TouchedTables

	if summary.Total > 0 {
		drainSummary, err := c.runLookbackDrain(ctx)
		if err != nil {
			// The upload itself succeeded; surface the drain error but keep
			// the upload summary the caller already has a right to.
			c.notify(touched)
			return summary, fmt.Errorf("post-upload lookback drain: %w", err)
		}
		for t := range drainSummary.touched {
			touched[t] = true
		}
	}

	c.notify(touched)

	return summary, nil
}

// DownloadResult is the outcome of one DownloadOnce call.
type DownloadResult struct {
	Applied   int
	NextAfter int64
	Touched   map[string]bool
}

// DownloadOnce fetches and applies one page of server changes.
func (c *Client) DownloadOnce(ctx context.Context, limit int, includeSelf bool, until int64) (*DownloadResult, error) {
	if c.downloadsPaused.Load() {
		return &DownloadResult{}, nil
	}
	if limit <= 0 {
		limit = c.cfg.DownloadLimit
	}

	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	res, err := c.newDownloader().Run(ctx, limit, includeSelf, until, false)
	c.gate.Release()
	if err != nil {
		return nil, err
	}

	c.notify(res.Touched)
	return &DownloadResult{Applied: res.Applied, NextAfter: res.NextAfter, Touched: res.Touched}, nil
}

// Hydrate performs the windowed initial-snapshot procedure: capture a window
// on the first page, then page until has_more is false.
func (c *Client) Hydrate(ctx context.Context, includeSelf bool, limit int, windowed bool) error {
	if limit <= 0 {
		limit = c.cfg.DownloadLimit
	}

	var windowUntil int64
	firstPage := true

	for {
		if err := c.gate.Acquire(ctx); err != nil {
			return err
		}

		var until int64
		if windowed {
			until = windowUntil
		}

		res, err := c.newDownloader().Run(ctx, limit, includeSelf, until, false)
		c.gate.Release()
		if err != nil {
			return err
		}

		if firstPage && windowed {
			windowUntil = res.WindowUntil
			if err := c.persistWindowUntil(ctx, windowUntil); err != nil {
				return err
			}
			firstPage = false
		}

		c.notify(res.Touched)

		if !res.HasMore {
			break
		}
	}

	return c.persistWindowUntil(ctx, 0)
}

func (c *Client) persistWindowUntil(ctx context.Context, windowUntil int64) error {
	_, err := c.db.SQL().ExecContext(ctx, `UPDATE sync_client_info SET current_window_until = ?`, windowUntil)
	if err != nil {
		return fmt.Errorf("persist current_window_until: %w", err)
	}
	return nil
}

type lookbackSummary struct {
	touched map[string]bool
}

// runLookbackDrain re-downloads a bounded window after an upload so that any
// rows this client just touched are reconciled against what the server now
// holds, catching collisions a bare upload response wouldn't surface.
func (c *Client) runLookbackDrain(ctx context.Context) (*lookbackSummary, error) {
	summary := &lookbackSummary{touched: make(map[string]bool)}

	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}
	var target int64
	err := c.db.SQL().QueryRowContext(ctx, `SELECT last_server_seq_seen FROM sync_client_info LIMIT 1`).Scan(&target)
	c.gate.Release()
	if err != nil {
		return nil, fmt.Errorf("read lookback target: %w", err)
	}

	lookback := int64(2 * c.cfg.DownloadLimit)
	if lookback < 1000 {
		lookback = 1000
	}
	cursor := target - lookback
	if cursor < 0 {
		cursor = 0
	}

	if err := c.setCursor(ctx, cursor); err != nil {
		return nil, err
	}

	prevCursor := int64(-1)
	for pass := 0; pass < c.cfg.LookbackMaxPasses; pass++ {
		if cursor >= target {
			break
		}

		if err := c.gate.Acquire(ctx); err != nil {
			return nil, err
		}
		res, err := c.newDownloader().Run(ctx, c.cfg.DownloadLimit, true, target, true)
		c.gate.Release()
		if err != nil {
			return nil, fmt.Errorf("lookback pass %d: %w", pass, err)
		}

		for t := range res.Touched {
			summary.touched[t] = true
		}

		if res.Applied == 0 {
			cursor = res.NextAfter
			break
		}
		if res.NextAfter == cursor {
			break
		}
		cursor = res.NextAfter
		if cursor == prevCursor {
			break
		}
		prevCursor = cursor
	}

	if cursor < target {
		if err := c.setCursor(ctx, target); err != nil {
			return nil, err
		}
	}

	return summary, nil
}

func (c *Client) setCursor(ctx context.Context, cursor int64) error {
	_, err := c.db.SQL().ExecContext(ctx, `UPDATE sync_client_info SET last_server_seq_seen = ?`, cursor)
	if err != nil {
		return fmt.Errorf("set cursor: %w", err)
	}
	return nil
}

// StatusSummary is a snapshot of the local sync state, useful for CLI/ops
// introspection; it does not mutate anything.
type StatusSummary struct {
	SourceID          string
	LastServerSeqSeen int64
	ApplyMode         int
	PendingCount      int
}

// PeekStatus reads sync_client_info and the pending queue depth without
// acquiring the gate's exclusive DB-phase slot; it is a best-effort read for
// diagnostics, not a synchronized operation.
func (c *Client) PeekStatus(ctx context.Context) (*StatusSummary, error) {
	var s StatusSummary
	err := c.db.SQL().QueryRowContext(ctx, `SELECT source_id, last_server_seq_seen, apply_mode FROM sync_client_info LIMIT 1`).
		Scan(&s.SourceID, &s.LastServerSeqSeen, &s.ApplyMode)
	if err != nil {
		return nil, fmt.Errorf("read client info: %w", err)
	}
	if err := c.db.SQL().QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_pending`).Scan(&s.PendingCount); err != nil {
		return nil, fmt.Errorf("count pending: %w", err)
	}
	return &s, nil
}

// SyncOnce uploads, then repeatedly downloads while each page applies a full
// `limit` worth of changes. The returned summary carries the upload counters;
// the download passes add only their touched tables to it, not their counts.
func (c *Client) SyncOnce(ctx context.Context, limit int, includeSelf bool) (*model.UploadSummary, error) {
	if limit <= 0 {
		limit = c.cfg.DownloadLimit
	}

	aggregate, err := c.UploadOnce(ctx)
	if err != nil {
		return nil, err
	}

	for {
		res, err := c.DownloadOnce(ctx, limit, includeSelf, 0)
		if err != nil {
			return aggregate, err
		}
		for t := range res.Touched {
			aggregate.TouchedTables[t] = true
		}
		if res.Applied < limit {
			break
		}
	}

	return aggregate, nil
}
