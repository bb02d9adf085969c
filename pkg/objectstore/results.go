package objectstore

import (
	"database/sql"
	"fmt"

	"github.com/ha1tch/olumine/pkg/metadata"
	"github.com/ha1tch/olumine/pkg/metrics"
	"github.com/ha1tch/olumine/pkg/models"
	"github.com/ha1tch/olumine/pkg/sqlgen"
	lru "github.com/hashicorp/golang-lru/v2"
)

// convertRows turns result rows into select-list shaped rows. Objects are
// taken from the identity cache when present so that every appearance of an
// id shares one instance.
func convertRows(rows *sql.Rows, stmt *sqlgen.Statement, width int, model *metadata.Model, cache *lru.Cache[int64, *models.Object]) ([]models.ResultRow, error) {
	cols := stmt.Select
	raw := make([]interface{}, len(cols))
	ptrs := make([]interface{}, len(cols))
	for i := range raw {
		ptrs[i] = &raw[i]
	}

	var out []models.ResultRow
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		row := make(models.ResultRow, width)
		for i, col := range cols {
			switch col.Kind {
			case sqlgen.ObjectColumn:
				if i+1 >= len(cols) || cols[i+1].Kind != sqlgen.IDColumn {
					return nil, fmt.Errorf("object column %s has no id column", col.Alias)
				}
				id, err := models.CoerceAttribute(metadata.TypeBigInt, raw[i+1])
				if err != nil || id == nil {
					return nil, fmt.Errorf("failed to read id of %s: %v", col.Alias, err)
				}
				obj, err := objectFor(id.(int64), raw[i], model, cache)
				if err != nil {
					return nil, err
				}
				row[col.Node] = obj
			case sqlgen.ValueColumn:
				v, err := columnValue(col.Type, raw[i])
				if err != nil {
					return nil, fmt.Errorf("failed to read %s: %w", col.Alias, err)
				}
				row[col.Node] = v
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return out, nil
}

func objectFor(id int64, raw interface{}, model *metadata.Model, cache *lru.Cache[int64, *models.Object]) (*models.Object, error) {
	if obj, ok := cache.Get(id); ok {
		metrics.CacheHit()
		return obj, nil
	}
	metrics.CacheMiss()

	var data []byte
	switch v := raw.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return nil, fmt.Errorf("object %d has no stored document", id)
	}
	obj, err := models.DecodeObject(model, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode object %d: %w", id, err)
	}
	cache.Add(id, obj)
	return obj, nil
}

func columnValue(typ string, raw interface{}) (interface{}, error) {
	if typ == "" {
		if b, ok := raw.([]byte); ok {
			return string(b), nil
		}
		return raw, nil
	}
	return models.CoerceAttribute(typ, raw)
}
