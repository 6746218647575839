package source

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/fleetpulse/fleetpulse/pkg/types"
)

// MySQL runs collector queries against MySQL-compatible instances. One
// connection pool is kept per instance DSN.
type MySQL struct {
	maxOpen int

	mu    sync.Mutex
	pools map[string]*sql.DB // key: DSN
}

// NewMySQL returns a MySQL adapter whose pools hold at most maxOpen
// connections each (0 = 2).
func NewMySQL(maxOpen int) *MySQL {
	if maxOpen <= 0 {
		maxOpen = 2
	}
	return &MySQL{maxOpen: maxOpen, pools: make(map[string]*sql.DB)}
}

// Fetch runs q.Text and decodes the result set. A single row of columns
// yields one metric per numeric column; a two-column name/value result
// (SHOW STATUS style) yields one metric per row.
func (m *MySQL) Fetch(ctx context.Context, inst types.InstanceRef, q types.VersionedQuery) (types.RawMetrics, error) {
	db, err := m.pool(ctx, inst)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, q.Text)
	if err != nil {
		return nil, classifyMySQL(inst.Name, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, classifyMySQL(inst.Name, err)
	}
	var table [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, classifyMySQL(inst.Name, err)
		}
		table = append(table, vals)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyMySQL(inst.Name, err)
	}

	metrics, first := decodeRows(cols, table)
	key := q.Metric
	if key == "" {
		key = first
	}
	return withPrimary(metrics, key, inst.Name)
}

// DetectVersion reads SELECT VERSION() and parses it.
func (m *MySQL) DetectVersion(ctx context.Context, inst types.InstanceRef) (int, error) {
	db, err := m.pool(ctx, inst)
	if err != nil {
		return 0, err
	}
	var raw string
	if err := db.QueryRowContext(ctx, "SELECT VERSION()").Scan(&raw); err != nil {
		return 0, classifyMySQL(inst.Name, err)
	}
	v, err := types.ParseVersion(raw)
	if err != nil {
		return 0, fetchErr(types.ErrQuery, inst.Name, err)
	}
	return v, nil
}

// Close closes every pool.
func (m *MySQL) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for dsn, db := range m.pools {
		errs = append(errs, db.Close())
		delete(m.pools, dsn)
	}
	return errors.Join(errs...)
}

func (m *MySQL) pool(ctx context.Context, inst types.InstanceRef) (*sql.DB, error) {
	dsn := inst.DSN()
	if dsn == "" {
		return nil, fetchErr(types.ErrConfiguration, inst.Name,
			fmt.Errorf("no DSN (env %q is unset or empty)", inst.DSNEnv))
	}

	m.mu.Lock()
	db, ok := m.pools[dsn]
	if !ok {
		cfg, err := mysql.ParseDSN(dsn)
		if err != nil {
			m.mu.Unlock()
			return nil, fetchErr(types.ErrConfiguration, inst.Name, fmt.Errorf("parse dsn: %w", err))
		}
		connector, err := mysql.NewConnector(cfg)
		if err != nil {
			m.mu.Unlock()
			return nil, fetchErr(types.ErrConfiguration, inst.Name, fmt.Errorf("build connector: %w", err))
		}
		db = sql.OpenDB(connector)
		db.SetMaxOpenConns(m.maxOpen)
		db.SetMaxIdleConns(m.maxOpen)
		db.SetConnMaxIdleTime(5 * time.Minute)
		m.pools[dsn] = db
	}
	m.mu.Unlock()

	if err := db.PingContext(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fetchErr(types.ErrTimeout, inst.Name, fmt.Errorf("connect: %w", err))
		}
		return nil, fetchErr(types.ErrUnreachable, inst.Name, fmt.Errorf("connect: %w", err))
	}
	return db, nil
}

// classifyMySQL wraps a driver error. Server-side errors are query errors;
// lost connections are unreachable.
func classifyMySQL(inst string, err error) *FetchError {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return fetchErr(types.ErrQuery, inst, err)
	}
	if errors.Is(err, mysql.ErrInvalidConn) {
		return fetchErr(types.ErrUnreachable, inst, err)
	}
	return fetchErr(Classify(err), inst, err)
}

// decodeRows turns a result set into metrics and returns the key of the
// first numeric value seen, which becomes the default primary.
func decodeRows(cols []string, table [][]any) (types.RawMetrics, string) {
	out := make(types.RawMetrics)
	var first string

	if len(cols) == 2 && isNameValue(cols) {
		for _, row := range table {
			name, ok := asText(row[0])
			if !ok {
				continue
			}
			if v, ok := toDecimal(row[1]); ok {
				out[name] = v
				if first == "" {
					first = name
				}
			}
		}
		return out, first
	}

	if len(table) == 0 {
		return out, ""
	}
	for i, col := range cols {
		if v, ok := toDecimal(table[0][i]); ok {
			out[col] = v
			if first == "" {
				first = col
			}
		}
	}
	return out, first
}

func isNameValue(cols []string) bool {
	a, b := strings.ToLower(cols[0]), strings.ToLower(cols[1])
	return (a == "name" || a == "variable_name" || a == "metric") && (b == "value" || b == "variable_value")
}

func asText(v any) (string, bool) {
	switch x := v.(type) {
	case []byte:
		return string(x), true
	case string:
		return x, true
	default:
		return "", false
	}
}
