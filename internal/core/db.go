// Package core opens and manages the single SQLite connection oversqlite
// mutates through. It owns connection pragmas, graceful shutdown, and an
// optional filesystem watch on a config file path.
package core

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/fsnotify/fsnotify"
	_ "modernc.org/sqlite"
)

// DB wraps the single *sql.DB handle oversqlite operates on. Only one DB
// mutates a given SQLite file at a time; callers serialize DB phases through
// internal/gate, not through this type.
type DB struct {
	sql    *sql.DB
	path   string
	cancel context.CancelFunc
}

// Open opens (creating if necessary) the SQLite database at path with WAL
// mode, foreign keys enforced, and a busy timeout so concurrent readers don't
// immediately fail while a sync phase holds a write transaction.
func Open(path string) (*DB, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	// A single SQLite writer connection avoids SQLITE_BUSY storms across
	// goroutines; reads still benefit from WAL's concurrent-reader model.
	sqlDB.SetMaxOpenConns(1)

	_, cancel := context.WithCancel(context.Background())
	return &DB{sql: sqlDB, path: path, cancel: cancel}, nil
}

// SQL returns the underlying *sql.DB for packages that need direct access
// (tableinfo introspection, bootstrap DDL, upload/download DML).
func (d *DB) SQL() *sql.DB { return d.sql }

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close checkpoints the WAL and closes the connection.
func (d *DB) Close() error {
	d.cancel()
	_, _ = d.sql.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return d.sql.Close()
}

// WatchConfigFile watches path and invokes callback on every write or create
// event for it, until ctx is done. Neither the core sync engine nor the demo
// CLI calls this.
func (d *DB) WatchConfigFile(ctx context.Context, path string, callback func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch config file: %w", err)
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					callback()
				}
			case <-watcher.Errors:
				// Best-effort: a watch error doesn't interrupt the sync loop.
			}
		}
	}()

	return nil
}
