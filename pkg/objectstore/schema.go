package objectstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ha1tch/olumine/pkg/datatracker"
	"github.com/ha1tch/olumine/pkg/dbschema"
	"github.com/ha1tch/olumine/pkg/storage"
)

// CreateSchema creates the class tables, the collection table, the tracker
// tables and the object id sequence. Missing tables are not created.
func (s *ObjectStore) CreateSchema(ctx context.Context) error {
	return storage.WithTx(ctx, s.db.DB, func(tx *sql.Tx) error {
		for _, stmt := range s.schemaDDL() {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create schema: %w", err)
			}
		}
		if err := datatracker.CreateTables(ctx, tx); err != nil {
			return err
		}
		if err := s.db.Dialect.EnsureSequence(ctx, tx, dbschema.ObjectSequence); err != nil {
			return err
		}
		s.logger.Info().Int("tables", len(s.schema.Tables())).Msg("Schema created")
		return nil
	})
}

func (s *ObjectStore) schemaDDL() []string {
	d := s.db.Dialect
	var out []string
	for _, t := range s.schema.Tables() {
		if s.schema.IsMissing(t.Name) {
			continue
		}
		defs := make([]string, 0, len(t.Columns))
		var refs []string
		for _, c := range t.Columns {
			switch {
			case c.Name == dbschema.IDColumn && c.Field == nil:
				defs = append(defs, c.Name+" BIGINT PRIMARY KEY")
			case c.Field == nil:
				defs = append(defs, c.Name+" TEXT")
			case c.Field.IsReference():
				defs = append(defs, c.Name+" BIGINT")
				refs = append(refs, c.Name)
			default:
				defs = append(defs, c.Name+" "+d.ColumnType(c.Field.Type))
			}
		}
		out = append(out, fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", t.Name, strings.Join(defs, ", ")))
		for _, col := range refs {
			out = append(out, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_%s ON %s (%s)", t.Name, col, t.Name, col))
		}
	}
	out = append(out,
		"CREATE TABLE IF NOT EXISTS "+dbschema.CollectionTable+" (ownerid BIGINT NOT NULL, field TEXT NOT NULL, memberid BIGINT NOT NULL, PRIMARY KEY (ownerid, field, memberid))",
		"CREATE INDEX IF NOT EXISTS "+dbschema.CollectionTable+"_member ON "+dbschema.CollectionTable+" (memberid)",
	)
	return out
}
