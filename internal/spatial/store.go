// Package spatial is the boundary to the PostGIS spatial store. Table names
// are the pipeline's only persisted state across runs.
package spatial

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/openwind/constraintbuilder/internal/config"
	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/logfields"
)

// Store is the narrow set of operations the pipeline issues.
type Store interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryInt(ctx context.Context, query string, args ...any) (int64, error)
	QueryInts(ctx context.Context, query string, args ...any) ([]int64, error)
	TableExists(ctx context.Context, table string) (bool, error)
	DropTable(ctx context.Context, table string) error
	ListTables(ctx context.Context) ([]string, error)
}

// Quote returns a safely quoted identifier.
func Quote(name string) string { return pq.QuoteIdentifier(name) }

// querier is satisfied by both *sql.DB and *sql.Conn.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type store struct {
	q querier
}

func (s store) Exec(ctx context.Context, query string, args ...any) error {
	if _, err := s.q.ExecContext(ctx, query, args...); err != nil {
		return classify("exec", query, err)
	}
	return nil
}

func (s store) QueryInt(ctx context.Context, query string, args ...any) (int64, error) {
	var n sql.NullInt64
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, classify("query", query, err)
	}
	return n.Int64, nil
}

func (s store) QueryInts(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query", query, err)
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return nil, classify("query", query, err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("query", query, err)
	}
	return out, nil
}

func (s store) TableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_tables WHERE schemaname = current_schema() AND tablename = $1)`,
		table).Scan(&exists)
	if err != nil {
		return false, classify("table exists", table, err)
	}
	return exists, nil
}

func (s store) DropTable(ctx context.Context, table string) error {
	return s.Exec(ctx, "DROP TABLE IF EXISTS "+Quote(table))
}

func (s store) ListTables(ctx context.Context) ([]string, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT tablename FROM pg_tables WHERE schemaname = current_schema() ORDER BY tablename`)
	if err != nil {
		return nil, classify("list tables", "", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, classify("list tables", "", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list tables", "", err)
	}
	return out, nil
}

// classify maps server errors onto the pipeline taxonomy. Out-of-memory
// conditions reported by PostgreSQL carry the memory remediation.
func classify(op, detail string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "53200" {
		return cerrors.OutOfMemory("postgres "+op, err)
	}
	return cerrors.StoreError(op, err).WithContext("detail", truncate(detail, 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// DB is the pooled store used by the coordinating goroutine.
type DB struct {
	store
	db *sql.DB
}

// Open connects to PostGIS and makes sure the extension is present.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	d, err := OpenDSN(ctx, cfg.DSN())
	if err != nil {
		if pe, ok := cerrors.As(err); ok {
			pe.WithContext("host", cfg.Host).WithContext("database", cfg.Name)
		}
		return nil, err
	}
	slog.Debug("Connected to spatial store", slog.String("host", cfg.Host), slog.String("database", cfg.Name))
	return d, nil
}

// OpenDSN connects using a lib/pq connection string.
func OpenDSN(ctx context.Context, dsn string) (*DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, cerrors.StoreError("open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, cerrors.StoreError("connect", err)
	}
	d := &DB{store: store{q: db}, db: db}
	if err := d.Exec(ctx, "CREATE EXTENSION IF NOT EXISTS postgis"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return d, nil
}

// Conn hands out a dedicated connection. Each scheduler worker owns one for
// its lifetime so session state never crosses workers.
func (d *DB) Conn(ctx context.Context) (*Conn, error) {
	c, err := d.db.Conn(ctx)
	if err != nil {
		return nil, cerrors.StoreError("acquire connection", err)
	}
	return &Conn{store: store{q: c}, conn: c}, nil
}

// SetMaxOpenConns bounds the pool to the worker count plus the coordinator.
func (d *DB) SetMaxOpenConns(n int) { d.db.SetMaxOpenConns(n) }

// Close closes the pool.
func (d *DB) Close() error { return d.db.Close() }

// Conn is a single dedicated connection.
type Conn struct {
	store
	conn *sql.Conn
}

// Close returns the connection to the pool.
func (c *Conn) Close() error {
	if err := c.conn.Close(); err != nil {
		slog.Warn("Closing store connection failed", logfields.Error(err))
		return err
	}
	return nil
}

// RowCount returns the number of rows in table.
func RowCount(ctx context.Context, s Store, table string) (int64, error) {
	return s.QueryInt(ctx, fmt.Sprintf("SELECT count(*) FROM %s", Quote(table)))
}
