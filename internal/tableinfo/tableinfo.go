// Package tableinfo introspects registered business tables and caches the
// result per database handle.
package tableinfo

import (
	"database/sql"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Column describes one column of a registered table.
type Column struct {
	Name    string // lowercased
	Type    string // declared type, as-is from PRAGMA table_info
	IsBlob  bool   // declared type contains "blob" (case-insensitive)
	PK      bool   // part of the primary key
}

// Info is the introspected shape of one registered table.
type Info struct {
	Table      string
	Columns    []Column // ordered, lowercased names
	PKColumn   string   // lowercased PK column name
	PKIsBlob   bool     // PK's declared type contains "blob"
}

// ColumnNames returns the lowercased column names in declared order.
func (i *Info) ColumnNames() []string {
	names := make([]string, len(i.Columns))
	for idx, c := range i.Columns {
		names[idx] = c.Name
	}
	return names
}

// BlobColumns returns the lowercased names of columns whose declared type
// contains "blob", including the PK if it qualifies.
func (i *Info) BlobColumns() []string {
	var out []string
	for _, c := range i.Columns {
		if c.IsBlob {
			out = append(out, c.Name)
		}
	}
	return out
}

// Cache introspects and caches Info per (db handle, table name, pk override).
// It is keyed by the *sql.DB pointer so distinct database handles in the same
// process never cross-contaminate.
type Cache struct {
	byDB      *lru.Cache[*sql.DB, *lru.Cache[string, *Info]]
	maxTables int
}

// NewCache returns a cache bounded to maxDBs distinct database handles, each
// with its own bounded per-table cache of maxTables entries.
func NewCache(maxDBs, maxTables int) (*Cache, error) {
	if maxDBs <= 0 {
		maxDBs = 8
	}
	if maxTables <= 0 {
		maxTables = 256
	}
	outer, err := lru.New[*sql.DB, *lru.Cache[string, *Info]](maxDBs)
	if err != nil {
		return nil, fmt.Errorf("create tableinfo cache: %w", err)
	}
	return &Cache{byDB: outer, maxTables: maxTables}, nil
}

// Invalidate drops every cached Info for db. Called on every Bootstrap run
// since schemas may have changed between process runs.
func (c *Cache) Invalidate(db *sql.DB) {
	c.byDB.Remove(db)
}

// Get returns the cached Info for table on db, introspecting and caching it
// on first use. pkOverride, if non-empty, forces the primary-key column
// instead of auto-detection.
func (c *Cache) Get(db *sql.DB, table, pkOverride string) (*Info, error) {
	inner, ok := c.byDB.Get(db)
	if !ok {
		var err error
		inner, err = lru.New[string, *Info](c.maxTables)
		if err != nil {
			return nil, fmt.Errorf("create per-db tableinfo cache: %w", err)
		}
		c.byDB.Add(db, inner)
	}

	cacheKey := table + "\x00" + pkOverride
	if info, ok := inner.Get(cacheKey); ok {
		return info, nil
	}

	info, err := introspect(db, table, pkOverride)
	if err != nil {
		return nil, err
	}
	inner.Add(cacheKey, info)
	return info, nil
}

func introspect(db *sql.DB, table, pkOverride string) (*Info, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%q)`, table))
	if err != nil {
		return nil, fmt.Errorf("introspect table %s: %w", table, err)
	}
	defer rows.Close()

	info := &Info{Table: table}
	var autoPK string

	for rows.Next() {
		var (
			cid        int
			name       string
			ctype      string
			notNull    int
			dfltValue  sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table_info(%s): %w", table, err)
		}
		lname := strings.ToLower(name)
		isBlob := strings.Contains(strings.ToLower(ctype), "blob")
		info.Columns = append(info.Columns, Column{
			Name:   lname,
			Type:   ctype,
			IsBlob: isBlob,
			PK:     pk > 0,
		})
		if pk > 0 && autoPK == "" {
			autoPK = lname
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate table_info(%s): %w", table, err)
	}
	if len(info.Columns) == 0 {
		return nil, fmt.Errorf("table %q not found or has no columns", table)
	}

	switch {
	case pkOverride != "":
		info.PKColumn = strings.ToLower(pkOverride)
	case autoPK != "":
		info.PKColumn = autoPK
	default:
		info.PKColumn = "id"
	}

	for _, c := range info.Columns {
		if c.Name == info.PKColumn {
			info.PKIsBlob = c.IsBlob
			break
		}
	}

	return info, nil
}
