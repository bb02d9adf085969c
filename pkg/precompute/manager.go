package precompute

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ha1tch/olumine/pkg/sqlgen"
	"github.com/ha1tch/olumine/pkg/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// DefaultOffsetQueries bounds the number of queries with registered anchors
const DefaultOffsetQueries = 1000

// maxOffsetsPerQuery bounds the anchors kept for one query
const maxOffsetsPerQuery = 64

type offsetEntry struct {
	sequence int64
	offsets  map[int]interface{}
}

// Manager tracks the precomputed tables of one store and the pagination
// anchors of its executed queries.
type Manager struct {
	mu      sync.RWMutex
	tables  map[string]*Table
	byKey   map[string]*Table
	offsets *lru.Cache[string, *offsetEntry]
	logger  zerolog.Logger
}

// NewManager creates an empty manager
func NewManager(logger zerolog.Logger) *Manager {
	offsets, _ := lru.New[string, *offsetEntry](DefaultOffsetQueries)
	return &Manager{
		tables:  make(map[string]*Table),
		byKey:   make(map[string]*Table),
		offsets: offsets,
		logger:  logger,
	}
}

// Add creates the table in the database and registers it.
func (m *Manager) Add(ctx context.Context, db storage.Querier, t *Table) error {
	if _, err := db.ExecContext(ctx, t.GenerationSQL); err != nil {
		return fmt.Errorf("failed to create precomputed table %s: %w", t.Name, err)
	}
	if t.IndexSQL != "" {
		if _, err := db.ExecContext(ctx, t.IndexSQL); err != nil {
			return fmt.Errorf("failed to index precomputed table %s: %w", t.Name, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[t.Name] = t
	m.byKey[t.Key] = t

	m.logger.Info().Str("table", t.Name).Str("query", t.Query.String()).Msg("Precomputed table created")
	return nil
}

// Tables returns the registered tables ordered by name
func (m *Manager) Tables() []*Table {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Table, 0, len(m.tables))
	for _, t := range m.tables {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup finds the table materializing a statement
func (m *Manager) Lookup(stmt *sqlgen.Statement) (*Table, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byKey[stmt.Core()]
	return t, ok
}

// Optimise returns SQL reading the statement's rows from a precomputed table.
func (m *Manager) Optimise(stmt *sqlgen.Statement, dialect storage.Dialect) (string, bool) {
	t, ok := m.Lookup(stmt)
	if !ok {
		return "", false
	}
	return t.rewrite(stmt, dialect)
}

// DropEverything drops every precomputed table. Failures are logged and do
// not stop the remaining drops.
func (m *Manager) DropEverything(ctx context.Context, db storage.Querier) int {
	m.mu.Lock()
	tables := m.tables
	m.tables = make(map[string]*Table)
	m.byKey = make(map[string]*Table)
	m.mu.Unlock()

	dropped := 0
	for name := range tables {
		if _, err := db.ExecContext(ctx, "DROP TABLE IF EXISTS "+name); err != nil {
			m.logger.Warn().Err(err).Str("table", name).Msg("Failed to drop precomputed table")
			continue
		}
		dropped++
	}
	m.offsets.Purge()
	return dropped
}

// RegisterOffset records that rows from offset onwards have a first order
// value greater than value, for a query at a store sequence.
func (m *Manager) RegisterOffset(queryKey string, sequence int64, offset int, value interface{}) {
	if offset <= 0 || value == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.offsets.Get(queryKey)
	if !ok || entry.sequence != sequence {
		entry = &offsetEntry{sequence: sequence, offsets: make(map[int]interface{})}
		m.offsets.Add(queryKey, entry)
	}
	if _, exists := entry.offsets[offset]; !exists && len(entry.offsets) >= maxOffsetsPerQuery {
		return
	}
	entry.offsets[offset] = value
}

// LookupOffset returns the greatest registered offset not after start.
func (m *Manager) LookupOffset(queryKey string, sequence int64, start int) (int, interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.offsets.Get(queryKey)
	if !ok || entry.sequence != sequence {
		return 0, nil, false
	}
	best := -1
	for off := range entry.offsets {
		if off <= start && off > best {
			best = off
		}
	}
	if best <= 0 {
		return 0, nil, false
	}
	return best, entry.offsets[best], true
}

// ClearOffsets forgets every anchor
func (m *Manager) ClearOffsets() {
	m.offsets.Purge()
}
