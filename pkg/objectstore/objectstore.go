// Package objectstore executes object queries against a relational database.
//
// An ObjectStore owns the identity cache, the precomputed tables and the cost
// gate for one database configuration. Writers opened from a store share its
// schema and are reached by FlushObjectByID.
package objectstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ha1tch/olumine/pkg/dbschema"
	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/metrics"
	"github.com/ha1tch/olumine/pkg/models"
	"github.com/ha1tch/olumine/pkg/precompute"
	"github.com/ha1tch/olumine/pkg/query"
	"github.com/ha1tch/olumine/pkg/sqlgen"
	"github.com/ha1tch/olumine/pkg/storage"
	"github.com/ha1tch/olumine/pkg/validation"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// NoLimit requests every row after the start
const NoLimit = sqlgen.NoLimit

// AnySequence skips the freshness check of Execute
const AnySequence int64 = -1

// DefaultMaxTime is the default cost gate in estimated milliseconds
const DefaultMaxTime int64 = 100000000

// maxLoggedSQL truncates SQL in slow query logs
const maxLoggedSQL = 1000

const writerCacheSize = 10000

// Estimator predicts the cost of a statement without running it
type Estimator interface {
	Explain(ctx context.Context, q storage.Querier, sql string, args []interface{}) (storage.ExplainResult, error)
}

// Options configures a store
type Options struct {
	Schema       *dbschema.Schema
	MaxTime      int64
	CacheSize    int
	LogFile      string
	EverOptimise bool
	Estimator    Estimator // defaults to the database dialect
	Logger       zerolog.Logger
}

// ObjectStore runs queries for one database configuration.
type ObjectStore struct {
	db           *storage.DB
	schema       *dbschema.Schema
	model        *metadata.Model
	validator    *validation.Validator
	cache        *lru.Cache[int64, *models.Object]
	manager      *precompute.Manager
	estimator    Estimator
	maxTime      int64
	everOptimise bool
	sequence     atomic.Int64

	mu      sync.Mutex
	writers map[*Writer]struct{}

	execLog    *zerolog.Logger
	execCloser io.Closer
	logger     zerolog.Logger
}

// New creates a store over an open database.
func New(db *storage.DB, opts Options) (*ObjectStore, error) {
	if opts.Schema == nil {
		return nil, errors.New("failed to create object store: no schema")
	}
	if opts.MaxTime <= 0 {
		opts.MaxTime = DefaultMaxTime
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 10000
	}
	cache, err := lru.New[int64, *models.Object](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity cache: %w", err)
	}

	s := &ObjectStore{
		db:           db,
		schema:       opts.Schema,
		model:        opts.Schema.Model(),
		validator:    validation.New(opts.Schema.Model()),
		cache:        cache,
		manager:      precompute.NewManager(opts.Logger),
		estimator:    opts.Estimator,
		maxTime:      opts.MaxTime,
		everOptimise: opts.EverOptimise,
		writers:      make(map[*Writer]struct{}),
		logger:       opts.Logger,
	}
	if s.estimator == nil {
		s.estimator = db.Dialect
	}
	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open execute log: %w", err)
		}
		execLog := zerolog.New(f).With().Timestamp().Logger()
		s.execLog = &execLog
		s.execCloser = f
	}
	return s, nil
}

func (s *ObjectStore) DB() *storage.DB { return s.db }

func (s *ObjectStore) Schema() *dbschema.Schema { return s.schema }

func (s *ObjectStore) Model() *metadata.Model { return s.model }

func (s *ObjectStore) Manager() *precompute.Manager { return s.manager }

func (s *ObjectStore) Validator() *validation.Validator { return s.validator }

// Sequence returns the current freshness epoch. It changes on every commit
// and flush.
func (s *ObjectStore) Sequence() int64 { return s.sequence.Load() }

func (s *ObjectStore) bumpSequence() { s.sequence.Add(1) }

// conn checks a connection out of the pool
func (s *ObjectStore) conn(ctx context.Context) (*sql.Conn, error) {
	c, err := s.db.Conn(ctx)
	if err != nil {
		return nil, newError(CodeConnectivity, err, "failed to obtain a connection")
	}
	return c, nil
}

// Execute runs a query and returns rows start to start+limit. With explain
// set the estimated cost is checked against the configured maximum before
// the query runs. A sequence other than AnySequence must match Sequence().
func (s *ObjectStore) Execute(ctx context.Context, q *query.Query, start, limit int, optimise, explain bool, sequence int64) ([]models.ResultRow, error) {
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return s.execute(ctx, c, s.cache, q, start, limit, optimise, explain, sequence)
}

func (s *ObjectStore) checkSequence(sequence int64) error {
	if sequence != AnySequence && sequence != s.Sequence() {
		return newError(CodeSequence, nil, "sequence %d is stale, store is at %d", sequence, s.Sequence())
	}
	return nil
}

func (s *ObjectStore) translate(q *query.Query, start, limit int) (*sqlgen.Statement, error) {
	if err := s.validator.ValidateQuery(q); err != nil {
		return nil, newError(CodeTranslation, err, "invalid query")
	}
	stmt, err := sqlgen.Generate(q, start, limit, s.schema, s.db.Dialect)
	if err != nil {
		return nil, newError(CodeTranslation, err, "failed to translate query")
	}
	return stmt, nil
}

func (s *ObjectStore) execute(ctx context.Context, db storage.Querier, cache *lru.Cache[int64, *models.Object], q *query.Query, start, limit int, optimise, explain bool, sequence int64) ([]models.ResultRow, error) {
	if start < 0 || (limit < 0 && limit != NoLimit) {
		return nil, fmt.Errorf("%w: start %d, limit %d", ErrInvalidRange, start, limit)
	}
	if err := s.checkSequence(sequence); err != nil {
		return nil, err
	}

	began := time.Now()
	stmt, err := s.translate(q, start, limit)
	if err != nil {
		return nil, err
	}
	if stmt.Empty {
		s.logger.Debug().Str("query", q.String()).Msg("Query reads a missing table, returning no rows")
		return nil, nil
	}

	path := "direct"
	sqlText, args := "", []interface{}(nil)
	if optimise || s.everOptimise {
		if rewritten, ok := s.manager.Optimise(stmt, s.db.Dialect); ok {
			sqlText, path = rewritten, "precomputed"
		}
	}
	if sqlText == "" {
		if stmt.Anchorable() {
			if offset, value, ok := s.manager.LookupOffset(q.String(), s.Sequence(), start); ok && stmt.ApplyAnchor(offset, value) {
				path = "anchored"
			}
		}
		sqlText, args = stmt.SQL(), stmt.Args()
	}
	optimised := time.Now()

	var estimate storage.ExplainResult
	if explain {
		estimate, err = s.estimator.Explain(ctx, db, sqlText, args)
		if err != nil {
			return nil, fmt.Errorf("failed to estimate query: %w", err)
		}
		if estimate.Time > s.maxTime {
			metrics.QueriesTooExpensive.Inc()
			return nil, newError(CodeQueryTooExpensive, nil,
				"estimated time %d ms exceeds the maximum %d ms for %s", estimate.Time, s.maxTime, q.String())
		}
	}
	estimated := time.Now()

	rows, err := db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute %s: %w", sqlText, err)
	}
	defer rows.Close()
	executed := time.Now()

	results, err := convertRows(rows, stmt, len(q.Select), s.model, cache)
	if err != nil {
		return nil, err
	}
	converted := time.Now()

	if path != "precomputed" {
		s.registerOffset(q, stmt, start, results)
	}

	metrics.QueriesExecuted.WithLabelValues(path).Inc()
	metrics.QueryDuration.WithLabelValues(path).Observe(converted.Sub(began).Seconds())

	execMs := executed.Sub(estimated).Milliseconds() + converted.Sub(executed).Milliseconds()
	permitted := permittedTime(len(results), start, len(q.From()), len(sqlText))
	if execMs > permitted {
		metrics.SlowQueries.Inc()
		logged := sqlText
		if len(logged) > maxLoggedSQL {
			logged = logged[:maxLoggedSQL]
		}
		s.logger.Warn().
			Int64("took_ms", execMs).
			Int64("permitted_ms", permitted).
			Int("rows", len(results)).
			Str("sql", logged).
			Msg("Slow query")
	}

	if s.execLog != nil && (!explain || estimate.Time > 0) {
		s.execLog.Info().
			Bool("optimise", optimise).
			Str("path", path).
			Int64("estimated_ms", estimate.Time).
			Int64("optimise_ms", optimised.Sub(began).Milliseconds()).
			Int64("estimate_ms", estimated.Sub(optimised).Milliseconds()).
			Int64("execute_ms", executed.Sub(estimated).Milliseconds()).
			Int64("permitted_ms", permitted).
			Int64("convert_ms", converted.Sub(executed).Milliseconds()).
			Int("rows", len(results)).
			Str("query", q.String()).
			Str("sql", sqlText).
			Msg("EXECUTE")
	}
	return results, nil
}

// permittedTime is the execution time in milliseconds above which a query is
// logged as slow.
func permittedTime(rows, start, fromClasses, sqlLength int) int64 {
	return int64(rows*2 - 100 + start + 150*fromClasses + sqlLength/20)
}

// registerOffset scans the page backwards for the last change of the first
// order value and records it as an anchor for later pages.
func (s *ObjectStore) registerOffset(q *query.Query, stmt *sqlgen.Statement, start int, results []models.ResultRow) {
	if !stmt.Anchorable() || len(results) < 2 {
		return
	}
	first, ok := q.FirstOrderNode()
	if !ok {
		return
	}
	idx := q.SelectIndex(first.Node)
	if idx < 0 {
		return
	}
	value := func(row models.ResultRow) interface{} {
		if obj, ok := row[idx].(*models.Object); ok {
			return obj.ID
		}
		return row[idx]
	}
	for i := len(results) - 1; i > 0; i-- {
		cur, prev := value(results[i]), value(results[i-1])
		if cur != prev {
			s.manager.RegisterOffset(q.String(), s.Sequence(), start+i, prev)
			return
		}
	}
}

// Count returns the number of rows of a query
func (s *ObjectStore) Count(ctx context.Context, q *query.Query, sequence int64) (int64, error) {
	if err := s.checkSequence(sequence); err != nil {
		return 0, err
	}
	stmt, err := s.translate(q, 0, NoLimit)
	if err != nil {
		return 0, err
	}
	if stmt.Empty {
		return 0, nil
	}
	c, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer c.Close()

	var n int64
	if err := c.QueryRowContext(ctx, stmt.CountSQL(), stmt.CountArgs()...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", q.String(), err)
	}
	return n, nil
}

// Estimate returns the estimated size and cost of a query
func (s *ObjectStore) Estimate(ctx context.Context, q *query.Query) (models.ResultsInfo, error) {
	stmt, err := s.translate(q, 0, NoLimit)
	if err != nil {
		return models.ResultsInfo{}, err
	}
	if stmt.Empty {
		return models.ResultsInfo{}, nil
	}
	c, err := s.conn(ctx)
	if err != nil {
		return models.ResultsInfo{}, err
	}
	defer c.Close()

	sqlText, args := stmt.SQL(), stmt.Args()
	if rewritten, ok := s.manager.Optimise(stmt, s.db.Dialect); ok {
		sqlText, args = rewritten, nil
	}
	est, err := s.estimator.Explain(ctx, c, sqlText, args)
	if err != nil {
		return models.ResultsInfo{}, fmt.Errorf("failed to estimate query: %w", err)
	}
	return models.ResultsInfo{Rows: est.Rows, Time: est.Time}, nil
}

// GetObjectByID returns an object by id without cost estimation.
func (s *ObjectStore) GetObjectByID(ctx context.Context, id int64) (*models.Object, error) {
	if obj, ok := s.cache.Get(id); ok {
		metrics.CacheHit()
		return obj, nil
	}
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()
	return s.fetchObject(ctx, c, s.cache, id)
}

// fetchObject reads an object from the root table. More than one row for an
// id means the store is corrupt.
func (s *ObjectStore) fetchObject(ctx context.Context, db storage.Querier, cache *lru.Cache[int64, *models.Object], id int64) (*models.Object, error) {
	if s.schema.IsMissing(dbschema.RootTable) {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	rows, err := db.QueryContext(ctx, s.db.Dialect.Rebind(
		`SELECT `+dbschema.ObjectColumn+` FROM `+dbschema.RootTable+` WHERE `+dbschema.IDColumn+` = ?`), id)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %d: %w", id, err)
	}
	defer rows.Close()

	var data []byte
	n := 0
	for rows.Next() {
		n++
		if n > 1 {
			return nil, newError(CodeDataIntegrity, nil, "more than one object has id %d", id)
		}
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to read object %d: %w", id, err)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read object %d: %w", id, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	metrics.CacheMiss()
	obj, err := models.DecodeObject(s.model, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode object %d: %w", id, err)
	}
	cache.Add(id, obj)
	return obj, nil
}

// FlushObjectByID empties the identity cache of the store and of every open
// writer and drops every precomputed table.
func (s *ObjectStore) FlushObjectByID(ctx context.Context) error {
	s.cache.Purge()
	s.mu.Lock()
	for w := range s.writers {
		w.flushCache()
	}
	s.mu.Unlock()

	c, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	dropped := s.manager.DropEverything(ctx, c)
	metrics.PrecomputedTables.Set(0)
	s.bumpSequence()
	s.logger.Info().Int("dropped_tables", dropped).Msg("Flushed object cache")
	return nil
}

// Precompute materializes a query into a new table named pt_N, where N comes
// from a durable sequence.
func (s *ObjectStore) Precompute(ctx context.Context, q *query.Query) (*precompute.Table, error) {
	stmt, err := s.translate(q, 0, NoLimit)
	if err != nil {
		return nil, err
	}
	c, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	n, err := s.db.Dialect.NextVal(ctx, c, dbschema.PrecomputeSeq)
	if err != nil {
		return nil, newError(CodeConnectivity, err, "failed to allocate a precomputed table name")
	}
	name := "pt_" + strconv.FormatInt(n, 10)

	table, err := precompute.NewTable(ctx, q, stmt, name, c, s.db.Dialect, s.logger)
	if err != nil {
		return nil, err
	}
	if err := s.manager.Add(ctx, c, table); err != nil {
		return nil, err
	}
	metrics.PrecomputedTables.Set(float64(len(s.manager.Tables())))
	return table, nil
}

// NewWriter opens a writer sharing this store's schema
func (s *ObjectStore) NewWriter() (*Writer, error) {
	cache, err := lru.New[int64, *models.Object](writerCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create writer cache: %w", err)
	}
	w := &Writer{store: s, cache: cache, written: make(map[int64]struct{}), logger: s.logger.With().Str("component", "writer").Logger()}
	s.mu.Lock()
	s.writers[w] = struct{}{}
	s.mu.Unlock()
	return w, nil
}

func (s *ObjectStore) removeWriter(w *Writer) {
	s.mu.Lock()
	delete(s.writers, w)
	s.mu.Unlock()
}

// Close closes the execute log. The database is owned by the caller.
func (s *ObjectStore) Close() error {
	if s.execCloser != nil {
		return s.execCloser.Close()
	}
	return nil
}
