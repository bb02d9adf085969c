package integration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ha1tch/olumine/pkg/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// IDMapTable persists source ids mapped to destination ids
const IDMapTable = "id_mapping"

// DefaultIDMapSize bounds the in-memory part of the id map
const DefaultIDMapSize = 100000

type idKey struct {
	scope string
	from  int64
}

// IDMap records which destination object each source object was merged into.
// Mappings are scoped by main source name, since source ids are only unique
// within one source.
type IDMap struct {
	dialect storage.Dialect
	cache   *lru.Cache[idKey, int64]
}

// NewIDMap creates an id map with a bounded cache in front of the table
func NewIDMap(dialect storage.Dialect, size int) (*IDMap, error) {
	if size <= 0 {
		size = DefaultIDMapSize
	}
	c, err := lru.New[idKey, int64](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create id map cache: %w", err)
	}
	return &IDMap{dialect: dialect, cache: c}, nil
}

// CreateTables creates the id mapping table
func CreateTables(ctx context.Context, q storage.Querier) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + IDMapTable + ` (
			scope TEXT NOT NULL,
			fromid BIGINT NOT NULL,
			toid BIGINT NOT NULL,
			PRIMARY KEY (scope, fromid)
		)`,
		`CREATE INDEX IF NOT EXISTS ` + IDMapTable + `_toid ON ` + IDMapTable + ` (toid)`,
	}
	for _, s := range stmts {
		if _, err := q.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("failed to create id map table: %w", err)
		}
	}
	return nil
}

// Get returns the destination id of a source object
func (m *IDMap) Get(ctx context.Context, q storage.Querier, scope string, from int64) (int64, bool, error) {
	key := idKey{scope: scope, from: from}
	if to, ok := m.cache.Get(key); ok {
		return to, true, nil
	}
	var to int64
	err := q.QueryRowContext(ctx, m.dialect.Rebind(`SELECT toid FROM `+IDMapTable+` WHERE scope = ? AND fromid = ?`), scope, from).Scan(&to)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, fmt.Errorf("failed to read id mapping %s:%d: %w", scope, from, err)
	}
	m.cache.Add(key, to)
	return to, true, nil
}

// Assign maps a source object to a destination id
func (m *IDMap) Assign(ctx context.Context, q storage.Querier, scope string, from, to int64) error {
	key := idKey{scope: scope, from: from}
	if cur, ok := m.cache.Peek(key); ok && cur == to {
		return nil
	}
	_, err := q.ExecContext(ctx, m.dialect.Rebind(`INSERT INTO `+IDMapTable+` (scope, fromid, toid) VALUES (?, ?, ?)
		ON CONFLICT (scope, fromid) DO UPDATE SET toid = excluded.toid`), scope, from, to)
	if err != nil {
		return fmt.Errorf("failed to write id mapping %s:%d: %w", scope, from, err)
	}
	m.cache.Add(key, to)
	return nil
}

// Remap points every mapping onto a deleted object at its replacement
func (m *IDMap) Remap(ctx context.Context, q storage.Querier, oldTo, newTo int64) error {
	_, err := q.ExecContext(ctx, m.dialect.Rebind(`UPDATE `+IDMapTable+` SET toid = ? WHERE toid = ?`), newTo, oldTo)
	if err != nil {
		return fmt.Errorf("failed to remap %d to %d: %w", oldTo, newTo, err)
	}
	for _, key := range m.cache.Keys() {
		if to, ok := m.cache.Peek(key); ok && to == oldTo {
			m.cache.Add(key, newTo)
		}
	}
	return nil
}

// Discard forgets cached mappings, used when their transaction rolls back
func (m *IDMap) Discard() { m.cache.Purge() }

// Len returns the number of cached mappings
func (m *IDMap) Len() int { return m.cache.Len() }
