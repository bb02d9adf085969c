// Package datatracker records which source supplied each field of each
// stored object.
package datatracker

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/ha1tch/olumine/pkg/cache"
	"github.com/ha1tch/olumine/pkg/models"
	"github.com/ha1tch/olumine/pkg/storage"
	"github.com/rs/zerolog"
)

// Tracker tables and sequence
const (
	SourceTable    = "source"
	TrackerTable   = "tracker"
	SourceSequence = "sourceid"
)

// DefaultCommitSize bounds buffered writes when none is configured
const DefaultCommitSize = 10000

const cachePrefix = "tracker:"

// Tracker buffers provenance writes until Flush and serves reads from the
// buffer, a cache and the database in that order. Buffered writes go to the
// database inside the caller's transaction.
type Tracker struct {
	dialect    storage.Dialect
	cache      cache.Cache
	commitSize int
	logger     zerolog.Logger

	mu         sync.Mutex
	pending    map[int64]map[string]int64
	pendingLen int
	deleted    map[int64]bool
	fresh      map[int64]bool
	flushed    map[int64]bool // written since the last commit
	sources    map[string]*models.Source
	byID       map[int64]*models.Source
	newSources []*models.Source
}

// New creates a tracker. A nil cache disables read caching.
func New(dialect storage.Dialect, c cache.Cache, commitSize int, logger zerolog.Logger) *Tracker {
	if commitSize <= 0 {
		commitSize = DefaultCommitSize
	}
	if c == nil {
		c = cache.NewMemoryCache(1, 0)
	}
	t := &Tracker{
		dialect:    dialect,
		cache:      c,
		commitSize: commitSize,
		logger:     logger,
		sources:    make(map[string]*models.Source),
		byID:       make(map[int64]*models.Source),
	}
	t.reset()
	t.flushed = make(map[int64]bool)
	return t
}

func (t *Tracker) reset() {
	t.pending = make(map[int64]map[string]int64)
	t.pendingLen = 0
	t.deleted = make(map[int64]bool)
	t.fresh = make(map[int64]bool)
	t.newSources = nil
}

// CreateTables creates the source and tracker tables
func CreateTables(ctx context.Context, q storage.Querier) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + SourceTable + ` (
			id BIGINT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			skeleton BOOLEAN NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + TrackerTable + ` (
			objectid BIGINT NOT NULL,
			fieldname TEXT NOT NULL,
			sourceid BIGINT NOT NULL,
			PRIMARY KEY (objectid, fieldname)
		)`,
	}
	for _, s := range stmts {
		if _, err := q.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("failed to create tracker tables: %w", err)
		}
	}
	return nil
}

// StringToSource returns the source with the given name, creating it if it
// does not exist.
func (t *Tracker) StringToSource(ctx context.Context, q storage.Querier, name string, skeleton bool) (*models.Source, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.sources[name]; ok {
		return s, nil
	}

	s := &models.Source{Name: name}
	row := q.QueryRowContext(ctx, t.dialect.Rebind(`SELECT id, skeleton FROM `+SourceTable+` WHERE name = ?`), name)
	err := row.Scan(&s.ID, &s.Skeleton)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		id, err := t.dialect.NextVal(ctx, q, SourceSequence)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate source id: %w", err)
		}
		s.ID = id
		s.Skeleton = skeleton
		if _, err := q.ExecContext(ctx, t.dialect.Rebind(`INSERT INTO `+SourceTable+` (id, name, skeleton) VALUES (?, ?, ?)`), id, name, skeleton); err != nil {
			return nil, fmt.Errorf("failed to create source %s: %w", name, err)
		}
		t.newSources = append(t.newSources, s)
		t.logger.Debug().Str("source", name).Int64("id", id).Bool("skeleton", skeleton).Msg("Created source")
	case err != nil:
		return nil, fmt.Errorf("failed to read source %s: %w", name, err)
	}

	t.sources[name] = s
	t.byID[s.ID] = s
	return s, nil
}

func (t *Tracker) sourceByID(ctx context.Context, q storage.Querier, id int64) (*models.Source, error) {
	if s, ok := t.byID[id]; ok {
		return s, nil
	}
	s := &models.Source{ID: id}
	row := q.QueryRowContext(ctx, t.dialect.Rebind(`SELECT name, skeleton FROM `+SourceTable+` WHERE id = ?`), id)
	if err := row.Scan(&s.Name, &s.Skeleton); err != nil {
		return nil, fmt.Errorf("failed to read source %d: %w", id, err)
	}
	t.sources[s.Name] = s
	t.byID[id] = s
	return s, nil
}

// SetSource records the source of a field. The buffer is flushed through q
// when it reaches the commit size.
func (t *Tracker) SetSource(ctx context.Context, q storage.Querier, objectID int64, field string, src *models.Source) error {
	if src == nil {
		return fmt.Errorf("failed to track %d.%s: nil source", objectID, field)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	fields, ok := t.pending[objectID]
	if !ok {
		fields = make(map[string]int64)
		t.pending[objectID] = fields
	}
	if _, exists := fields[field]; !exists {
		t.pendingLen++
	}
	fields[field] = src.ID

	if t.pendingLen >= t.commitSize {
		return t.flush(ctx, q)
	}
	return nil
}

// GetSource returns the source of a field, or nil when it is not tracked.
func (t *Tracker) GetSource(ctx context.Context, q storage.Querier, objectID int64, field string) (*models.Source, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if id, ok := t.pending[objectID][field]; ok {
		return t.sourceByID(ctx, q, id)
	}
	if t.fresh[objectID] || t.deleted[objectID] {
		return nil, nil
	}

	fields, err := t.load(ctx, q, objectID)
	if err != nil {
		return nil, err
	}
	id, ok := fields[field]
	if !ok {
		return nil, nil
	}
	return t.sourceByID(ctx, q, id)
}

// load reads every tracked field of an object through the cache
func (t *Tracker) load(ctx context.Context, q storage.Querier, objectID int64) (map[string]int64, error) {
	key := cachePrefix + strconv.FormatInt(objectID, 10)
	if data, err := t.cache.Get(ctx, key); err == nil {
		fields := make(map[string]int64)
		if err := json.Unmarshal([]byte(data), &fields); err == nil {
			return fields, nil
		}
	} else if !errors.Is(err, cache.ErrNotFound) {
		t.logger.Warn().Err(err).Int64("object", objectID).Msg("Tracker cache read failed")
	}

	rows, err := q.QueryContext(ctx, t.dialect.Rebind(`SELECT fieldname, sourceid FROM `+TrackerTable+` WHERE objectid = ?`), objectID)
	if err != nil {
		return nil, fmt.Errorf("failed to read provenance of %d: %w", objectID, err)
	}
	defer rows.Close()

	fields := make(map[string]int64)
	for rows.Next() {
		var name string
		var src int64
		if err := rows.Scan(&name, &src); err != nil {
			return nil, err
		}
		fields[name] = src
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// uncommitted rows must not outlive a rollback in the cache
	if t.flushed[objectID] {
		return fields, nil
	}
	if data, err := json.Marshal(fields); err == nil {
		if err := t.cache.Set(ctx, key, string(data)); err != nil {
			t.logger.Warn().Err(err).Int64("object", objectID).Msg("Tracker cache write failed")
		}
	}
	return fields, nil
}

// ClearObj marks an id as newly allocated so reads never consult the database
func (t *Tracker) ClearObj(objectID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fresh[objectID] = true
}

// DeleteObj forgets the provenance of a deleted object
func (t *Tracker) DeleteObj(objectID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if fields, ok := t.pending[objectID]; ok {
		t.pendingLen -= len(fields)
		delete(t.pending, objectID)
	}
	t.deleted[objectID] = true
}

// Flush writes buffered provenance through q, normally the open transaction.
func (t *Tracker) Flush(ctx context.Context, q storage.Querier) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flush(ctx, q)
}

func (t *Tracker) flush(ctx context.Context, q storage.Querier) error {
	var keys []string
	for id := range t.deleted {
		if _, err := q.ExecContext(ctx, t.dialect.Rebind(`DELETE FROM `+TrackerTable+` WHERE objectid = ?`), id); err != nil {
			return fmt.Errorf("failed to delete provenance of %d: %w", id, err)
		}
		keys = append(keys, cachePrefix+strconv.FormatInt(id, 10))
		t.flushed[id] = true
	}

	ids := make([]int64, 0, len(t.pending))
	for id := range t.pending {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	upsert := t.dialect.Rebind(`INSERT INTO ` + TrackerTable + ` (objectid, fieldname, sourceid) VALUES (?, ?, ?)
		ON CONFLICT (objectid, fieldname) DO UPDATE SET sourceid = excluded.sourceid`)
	for _, id := range ids {
		for field, src := range t.pending[id] {
			if _, err := q.ExecContext(ctx, upsert, id, field, src); err != nil {
				return fmt.Errorf("failed to write provenance of %d.%s: %w", id, field, err)
			}
		}
		keys = append(keys, cachePrefix+strconv.FormatInt(id, 10))
		delete(t.fresh, id)
		t.flushed[id] = true
	}

	if err := t.cache.Delete(ctx, keys...); err != nil {
		t.logger.Warn().Err(err).Msg("Tracker cache invalidation failed")
	}
	if len(ids) > 0 || len(t.deleted) > 0 {
		t.logger.Debug().Int("objects", len(ids)).Int("deleted", len(t.deleted)).Int("fields", t.pendingLen).Msg("Flushed provenance")
	}

	t.pending = make(map[int64]map[string]int64)
	t.pendingLen = 0
	t.deleted = make(map[int64]bool)
	return nil
}

// Committed keeps the sources created in the transaction that just committed
func (t *Tracker) Committed() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.newSources = nil
	t.flushed = make(map[int64]bool)
}

// Discard drops buffered writes and sources created since the last commit,
// after the transaction they belonged to was rolled back. Cached provenance
// of objects flushed in that transaction is evicted.
func (t *Tracker) Discard() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, s := range t.newSources {
		delete(t.sources, s.Name)
		delete(t.byID, s.ID)
	}
	keys := make([]string, 0, len(t.flushed))
	for id := range t.flushed {
		keys = append(keys, cachePrefix+strconv.FormatInt(id, 10))
	}
	if len(keys) > 0 {
		if err := t.cache.Delete(context.Background(), keys...); err != nil {
			t.logger.Warn().Err(err).Msg("Tracker cache invalidation failed")
		}
	}
	t.flushed = make(map[int64]bool)
	t.reset()
}

// Pending returns the number of buffered field writes
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pendingLen
}

// Close releases the cache
func (t *Tracker) Close() error {
	return t.cache.Close()
}
