package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
)

// Postgres is the dialect for PostgreSQL warehouses
type Postgres struct{}

func (Postgres) Name() string       { return "postgres" }
func (Postgres) DriverName() string { return "pgx" }
func (Postgres) NullsFirst() bool   { return false }

func (Postgres) DSN(cfg Config) string { return cfg.DSN }

// Rebind numbers ? placeholders as $1, $2... outside string literals.
func (Postgres) Rebind(query string) string {
	var sb strings.Builder
	n := 0
	inString := false
	for _, r := range query {
		switch {
		case r == '\'':
			inString = !inString
			sb.WriteRune(r)
		case r == '?' && !inString:
			n++
			sb.WriteString("$" + strconv.Itoa(n))
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func (Postgres) Literal(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteString(val)
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case []byte:
		return `'\x` + hex.EncodeToString(val) + `'::bytea`
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	default:
		return fmt.Sprintf("%v", val)
	}
}

func (Postgres) LimitOffset(limit, offset int) string {
	switch {
	case limit < 0 && offset <= 0:
		return ""
	case limit < 0:
		return fmt.Sprintf("OFFSET %d", offset)
	case offset <= 0:
		return fmt.Sprintf("LIMIT %d", limit)
	}
	return fmt.Sprintf("LIMIT %d OFFSET %d", limit, offset)
}

func (Postgres) ColumnType(attrType string) string {
	switch attrType {
	case "int":
		return "INTEGER"
	case "bigint":
		return "BIGINT"
	case "boolean":
		return "BOOLEAN"
	case "float":
		return "DOUBLE PRECISION"
	}
	return "TEXT"
}

func (Postgres) EnsureSequence(ctx context.Context, q Querier, sequence string) error {
	if _, err := q.ExecContext(ctx, "CREATE SEQUENCE IF NOT EXISTS "+sequence); err != nil {
		return fmt.Errorf("failed to create sequence %s: %w", sequence, err)
	}
	return nil
}

// NextVal creates the sequence and retries when it does not exist yet. The
// retry only works outside a transaction; sequences used inside transactions
// are created with the schema.
func (p Postgres) NextVal(ctx context.Context, q Querier, sequence string) (int64, error) {
	var next int64
	err := q.QueryRowContext(ctx, "SELECT nextval('"+sequence+"')").Scan(&next)
	if err != nil && strings.Contains(err.Error(), "does not exist") {
		if err := p.EnsureSequence(ctx, q, sequence); err != nil {
			return 0, err
		}
		err = q.QueryRowContext(ctx, "SELECT nextval('"+sequence+"')").Scan(&next)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get next value of %s: %w", sequence, err)
	}
	return next, nil
}

func (Postgres) Columns(ctx context.Context, q Querier, table, column string) ([]ColumnInfo, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT table_name, column_name, data_type FROM information_schema.columns
		 WHERE table_name = $1 AND column_name = $2`,
		strings.ToLower(table), strings.ToLower(column))
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	defer rows.Close()

	var out []ColumnInfo
	for rows.Next() {
		var info ColumnInfo
		if err := rows.Scan(&info.Table, &info.Column, &info.Type); err != nil {
			return nil, err
		}
		info.Type = strings.ToUpper(info.Type)
		out = append(out, info)
	}
	return out, rows.Err()
}

type pgPlan struct {
	Plan struct {
		TotalCost float64 `json:"Total Cost"`
		PlanRows  float64 `json:"Plan Rows"`
	} `json:"Plan"`
}

// Explain reads the planner's total cost and row estimate.
func (p Postgres) Explain(ctx context.Context, q Querier, query string, args []interface{}) (ExplainResult, error) {
	var raw []byte
	if err := q.QueryRowContext(ctx, "EXPLAIN (FORMAT JSON) "+p.Rebind(query), args...).Scan(&raw); err != nil {
		return ExplainResult{}, fmt.Errorf("failed to explain query: %w", err)
	}
	var plans []pgPlan
	if err := json.Unmarshal(raw, &plans); err != nil {
		return ExplainResult{}, fmt.Errorf("failed to parse plan: %w", err)
	}
	if len(plans) == 0 {
		return ExplainResult{}, fmt.Errorf("empty plan")
	}
	return ExplainResult{
		Rows: int64(plans[0].Plan.PlanRows),
		Time: int64(plans[0].Plan.TotalCost),
	}, nil
}

// CompositeOrderBy weights each expression by a power of 10^20 in numeric arithmetic.
func (Postgres) CompositeOrderBy(exprs []string) string {
	var sb strings.Builder
	n := len(exprs)
	for i, e := range exprs {
		blocks := n - 1 - i
		if blocks == 0 {
			fmt.Fprintf(&sb, "(%s::numeric)", e)
			continue
		}
		fmt.Fprintf(&sb, "((%s::numeric) * 1%s) + ", e, strings.Repeat("00000000000000000000", blocks))
	}
	return sb.String()
}

var _ Dialect = Postgres{}
