// Package dataloader copies every object of a source object store into the
// warehouse through an integration writer.
package dataloader

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ha1tch/olumine/pkg/integration"
	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/metrics"
	"github.com/ha1tch/olumine/pkg/models"
	"github.com/ha1tch/olumine/pkg/objectstore"
	"github.com/ha1tch/olumine/pkg/query"
	"github.com/rs/zerolog"
)

// DefaultBatchSize is the number of objects per page and per commit
const DefaultBatchSize = 1000

// ringSlots is the number of batches the moving average covers
const ringSlots = 20

// Options configures a loader
type Options struct {
	BatchSize int
	Logger    zerolog.Logger
}

// Stats summarises one run
type Stats struct {
	RunID    string
	Objects  int64
	Duration time.Duration
}

// Loader feeds source objects to an integration writer
type Loader struct {
	iw        *integration.Writer
	batchSize int
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a loader
func New(iw *integration.Writer, opts Options) *Loader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Loader{
		iw:        iw,
		batchSize: opts.BatchSize,
		logger:    opts.Logger.With().Str("component", "dataloader").Logger(),
		now:       time.Now,
	}
}

// throughput tracks batch timings for progress logs
type throughput struct {
	start time.Time
	last  time.Time
	ring  [ringSlots]time.Time
	slot  int
}

func (t *throughput) log(logger zerolog.Logger, now time.Time, count int64, batch int) {
	ms := func(d time.Duration) int64 {
		if d < time.Millisecond {
			return 1
		}
		return d.Milliseconds()
	}
	ev := logger.Info().Int64("objects", count).
		Int64("rate_per_min", int64(batch)*60000/ms(now.Sub(t.last))).
		Int64("avg_per_min", 60000*count/ms(now.Sub(t.start)))
	oldest := t.ring[t.slot]
	if !oldest.IsZero() {
		ev = ev.Int64("recent_avg_per_min", int64(ringSlots*batch)*60000/ms(now.Sub(oldest)))
	}
	ev.Msg("Loaded batch")
	t.ring[t.slot] = now
	t.slot = (t.slot + 1) % ringSlots
	t.last = now
}

// Process stores every object of src, in id order, as coming from source.
// The writer's transaction is committed after every batch and at the end.
func (l *Loader) Process(ctx context.Context, src *objectstore.ObjectStore, source, skel *models.Source) (Stats, error) {
	stats := Stats{RunID: uuid.New().String()}
	logger := l.logger.With().Str("run", stats.RunID).Str("source", source.Name).Logger()
	l.iw.SetLookup(src)

	qc := query.NewQueryClass(metadata.RootClass)
	q := query.New().AddFrom(qc).AddToSelect(qc).AddToOrderBy(qc)
	sequence := src.Sequence()

	start := l.now()
	tp := &throughput{start: start, last: start}
	logger.Info().Int("batch_size", l.batchSize).Msg("Starting load")

	if !l.iw.IsInTransaction() {
		if err := l.iw.BeginTransaction(ctx); err != nil {
			return stats, err
		}
	}
	fail := func(err error) (Stats, error) {
		if abortErr := l.iw.AbortTransaction(); abortErr != nil {
			logger.Error().Err(abortErr).Msg("Failed to roll back")
		}
		stats.Duration = l.now().Sub(start)
		return stats, err
	}

	for offset := 0; ; offset += l.batchSize {
		if err := ctx.Err(); err != nil {
			return fail(err)
		}
		rows, err := src.Execute(ctx, q, offset, l.batchSize, false, false, sequence)
		if err != nil {
			return fail(fmt.Errorf("failed to read source objects at %d: %w", offset, err))
		}
		for _, row := range rows {
			obj := row[0].(*models.Object)
			if _, err := l.iw.Store(ctx, obj, source, skel); err != nil {
				return fail(fmt.Errorf("failed to store %s: %w", obj, err))
			}
			stats.Objects++
			metrics.ObjectsLoaded.Inc()
			if stats.Objects%int64(l.batchSize) == 0 {
				tp.log(logger, l.now(), stats.Objects, l.batchSize)
				if err := l.iw.CommitTransaction(ctx); err != nil {
					return fail(err)
				}
				if err := l.iw.BeginTransaction(ctx); err != nil {
					return stats, err
				}
			}
		}
		if len(rows) < l.batchSize {
			break
		}
	}

	if err := l.iw.CommitTransaction(ctx); err != nil {
		return fail(err)
	}
	stats.Duration = l.now().Sub(start)
	logger.Info().Int64("objects", stats.Objects).Dur("elapsed", stats.Duration).
		Int64("avg_per_min", 60000*stats.Objects/max(stats.Duration.Milliseconds(), 1)).
		Msg("Finished load")
	return stats, nil
}
