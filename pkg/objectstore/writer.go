package objectstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ha1tch/olumine/pkg/dbschema"
	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/models"
	"github.com/ha1tch/olumine/pkg/query"
	"github.com/ha1tch/olumine/pkg/storage"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
)

// Writer stores and deletes objects, optionally inside an explicit
// transaction. A writer is used by one goroutine at a time.
type Writer struct {
	store   *ObjectStore
	tx      *sql.Tx
	cache   *lru.Cache[int64, *models.Object]
	written map[int64]struct{}
	logger  zerolog.Logger
}

// Store returns the store the writer belongs to
func (w *Writer) Store() *ObjectStore { return w.store }

// IsInTransaction reports whether a transaction is open
func (w *Writer) IsInTransaction() bool { return w.tx != nil }

// BeginTransaction opens a transaction; later reads and writes run inside it.
func (w *Writer) BeginTransaction(ctx context.Context) error {
	if w.tx != nil {
		return ErrInTransaction
	}
	tx, err := w.store.db.BeginTx(ctx, nil)
	if err != nil {
		return newError(CodeConnectivity, err, "failed to begin transaction")
	}
	w.tx = tx
	return nil
}

// CommitTransaction commits and advances the store sequence
func (w *Writer) CommitTransaction() error {
	if w.tx == nil {
		return ErrNoTransaction
	}
	err := w.tx.Commit()
	w.tx = nil
	if err != nil {
		w.forgetWritten(true)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	w.forgetWritten(false)
	w.store.bumpSequence()
	return nil
}

// AbortTransaction rolls back and forgets the objects written in it
func (w *Writer) AbortTransaction() error {
	if w.tx == nil {
		return ErrNoTransaction
	}
	err := w.tx.Rollback()
	w.tx = nil
	w.forgetWritten(true)
	if err != nil {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

// forgetWritten evicts written objects from the store cache, and from the
// writer's own cache when their rows were rolled back.
func (w *Writer) forgetWritten(rolledBack bool) {
	for id := range w.written {
		w.store.cache.Remove(id)
		if rolledBack {
			w.cache.Remove(id)
		}
	}
	w.written = make(map[int64]struct{})
}

func (w *Writer) flushCache() { w.cache.Purge() }

// Querier returns the open transaction, or the database outside one
func (w *Writer) Querier() storage.Querier {
	if w.tx != nil {
		return w.tx
	}
	return w.store.db
}

// Execute runs a query on the writer's transaction, seeing its uncommitted writes
func (w *Writer) Execute(ctx context.Context, q *query.Query, start, limit int, optimise, explain bool, sequence int64) ([]models.ResultRow, error) {
	return w.store.execute(ctx, w.Querier(), w.cache, q, start, limit, optimise, explain, sequence)
}

// GetObjectByID reads an object through the writer's cache and transaction
func (w *Writer) GetObjectByID(ctx context.Context, id int64) (*models.Object, error) {
	if obj, ok := w.cache.Get(id); ok {
		return obj, nil
	}
	return w.store.fetchObject(ctx, w.Querier(), w.cache, id)
}

// NewID allocates an object id
func (w *Writer) NewID(ctx context.Context) (int64, error) {
	id, err := w.store.db.Dialect.NextVal(ctx, w.Querier(), dbschema.ObjectSequence)
	if err != nil {
		return 0, newError(CodeConnectivity, err, "failed to allocate an object id")
	}
	return id, nil
}

func (w *Writer) inTx(ctx context.Context, fn func(q storage.Querier) error) error {
	if w.tx != nil {
		return fn(w.tx)
	}
	if err := w.BeginTransaction(ctx); err != nil {
		return err
	}
	if err := fn(w.tx); err != nil {
		if abortErr := w.AbortTransaction(); abortErr != nil {
			w.logger.Error().Err(abortErr).Msg("Failed to roll back")
		}
		return err
	}
	return w.CommitTransaction()
}

// StoreObject writes an object, replacing any stored object with its id. An
// object with id 0 is given a new id.
func (w *Writer) StoreObject(ctx context.Context, o *models.Object) error {
	if err := w.store.validator.NormalizeObject(o); err != nil {
		return err
	}
	err := w.inTx(ctx, func(q storage.Querier) error {
		if o.ID == 0 {
			id, err := w.NewID(ctx)
			if err != nil {
				return err
			}
			o.ID = id
		}
		if err := w.deleteRows(ctx, q, o.ID); err != nil {
			return err
		}
		return w.insertRows(ctx, q, o)
	})
	if err != nil {
		return err
	}
	w.cache.Add(o.ID, o)
	w.store.cache.Remove(o.ID)
	if w.tx != nil {
		w.written[o.ID] = struct{}{}
	}
	return nil
}

// Delete removes an object and its collection rows
func (w *Writer) Delete(ctx context.Context, id int64) error {
	err := w.inTx(ctx, func(q storage.Querier) error {
		return w.deleteRows(ctx, q, id)
	})
	if err != nil {
		return err
	}
	w.cache.Remove(id)
	w.store.cache.Remove(id)
	if w.tx != nil {
		w.written[id] = struct{}{}
	}
	return nil
}

func (w *Writer) insertRows(ctx context.Context, q storage.Querier, o *models.Object) error {
	s := w.store
	data, err := models.EncodeObject(o)
	if err != nil {
		return err
	}
	classes := dbschema.ClassesValue(s.model, o.Classes)

	for _, name := range s.schema.TablesFor(o.Classes) {
		if s.schema.IsMissing(name) {
			continue
		}
		table, ok := s.schema.Table(name)
		if !ok {
			continue
		}
		cols := make([]string, 0, len(table.Columns))
		vals := make([]interface{}, 0, len(table.Columns))
		for _, c := range table.Columns {
			cols = append(cols, c.Name)
			vals = append(vals, columnFor(c, o, data, classes))
		}
		stmt := `INSERT INTO ` + name + ` (` + strings.Join(cols, ", ") + `) VALUES (` +
			strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + `)`
		if _, err := q.ExecContext(ctx, s.db.Dialect.Rebind(stmt), vals...); err != nil {
			return fmt.Errorf("failed to write %s into %s: %w", o, name, err)
		}
	}

	fields := s.model.FieldsFor(o.Classes)
	names := make([]string, 0, len(fields))
	for name, fd := range fields {
		if fd.IsCollection() {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	insert := s.db.Dialect.Rebind(`INSERT INTO ` + dbschema.CollectionTable + ` (ownerid, field, memberid) VALUES (?, ?, ?)`)
	for _, name := range names {
		seen := make(map[int64]bool)
		for _, member := range o.Collection(name) {
			if seen[member.ID] {
				continue
			}
			seen[member.ID] = true
			if _, err := q.ExecContext(ctx, insert, o.ID, name, member.ID); err != nil {
				return fmt.Errorf("failed to write collection %s of %s: %w", name, o, err)
			}
		}
	}
	return nil
}

func columnFor(c dbschema.Column, o *models.Object, data []byte, classes string) interface{} {
	switch {
	case c.Field == nil && c.Name == dbschema.IDColumn:
		return o.ID
	case c.Field == nil && c.Name == dbschema.ObjectColumn:
		return string(data)
	case c.Field == nil && c.Name == dbschema.ClassesColumn:
		return classes
	case c.Field == nil:
		return nil
	case c.Field.IsReference():
		if ref := o.Ref(c.Field.Name); ref != nil {
			return ref.ID
		}
		return nil
	}
	return o.Attr(c.Field.Name)
}

// deleteRows removes the rows of an object from the tables of the classes it
// was stored with.
func (w *Writer) deleteRows(ctx context.Context, q storage.Querier, id int64) error {
	s := w.store
	var stored string
	err := q.QueryRowContext(ctx, s.db.Dialect.Rebind(
		`SELECT `+dbschema.ClassesColumn+` FROM `+dbschema.RootTable+` WHERE `+dbschema.IDColumn+` = ?`), id).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read classes of %d: %w", id, err)
	}

	classes := metadata.NewClassSet()
	for _, name := range strings.Fields(stored) {
		if s.model.HasClass(name) {
			classes.Add(name)
		}
	}
	for _, name := range s.schema.TablesFor(classes) {
		if s.schema.IsMissing(name) {
			continue
		}
		if _, err := q.ExecContext(ctx, s.db.Dialect.Rebind(`DELETE FROM `+name+` WHERE `+dbschema.IDColumn+` = ?`), id); err != nil {
			return fmt.Errorf("failed to delete %d from %s: %w", id, name, err)
		}
	}
	if _, err := q.ExecContext(ctx, s.db.Dialect.Rebind(`DELETE FROM `+dbschema.CollectionTable+` WHERE ownerid = ?`), id); err != nil {
		return fmt.Errorf("failed to delete collections of %d: %w", id, err)
	}
	return nil
}

// Close rolls back an open transaction and detaches the writer from its store
func (w *Writer) Close() error {
	var err error
	if w.tx != nil {
		err = w.AbortTransaction()
	}
	w.store.removeWriter(w)
	return err
}
