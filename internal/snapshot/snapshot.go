// Package snapshot records the per-run catalog structure and run history in
// a SQLite file beside the build directory, for the admin collaborator and
// for post-mortems.
package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openwind/constraintbuilder/internal/catalog"
	"github.com/openwind/constraintbuilder/internal/graph"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStopped   = "stopped"
)

// Store persists structure snapshots and run history.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open creates or opens the snapshot database. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS nodes (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		parent INTEGER,
		dependent INTEGER NOT NULL,
		output_table TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS datasets (
		name TEXT PRIMARY KEY,
		title TEXT,
		group_name TEXT NOT NULL,
		parent_name TEXT,
		format TEXT NOT NULL,
		url TEXT NOT NULL,
		layer TEXT,
		buffer_formula TEXT,
		buffer REAL NOT NULL,
		boundary_buffer INTEGER NOT NULL,
		dependent INTEGER NOT NULL,
		style TEXT
	);
	CREATE TABLE IF NOT EXISTS runs (
		run_id TEXT PRIMARY KEY,
		parameters TEXT NOT NULL,
		prefix TEXT NOT NULL,
		bucket TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		error TEXT
	);
	CREATE TABLE IF NOT EXISTS run_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		payload BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// WriteStructure replaces the stored structure with s.
func (s *Store) WriteStructure(ctx context.Context, st *catalog.Structure) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM nodes; DELETE FROM datasets;"); err != nil {
		return fmt.Errorf("clear structure: %w", err)
	}
	g := st.Graph
	for i := 0; i < g.Len(); i++ {
		n := g.Node(graph.NodeID(i))
		var parent any
		if n.Parent != graph.None {
			parent = int(n.Parent)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO nodes (id, name, kind, parent, dependent, output_table) VALUES (?, ?, ?, ?, ?, ?)",
			int(n.ID), n.Name, n.Kind.String(), parent, g.Dependent(n.ID), st.OutputKey(n.ID).Table(),
		); err != nil {
			return fmt.Errorf("insert node %s: %w", n.Name, err)
		}
	}
	for _, ds := range st.Leaves() {
		style, err := json.Marshal(ds.Style)
		if err != nil {
			return fmt.Errorf("marshal style: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO datasets (name, title, group_name, parent_name, format, url, layer, buffer_formula, buffer, boundary_buffer, dependent, style)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			ds.ID, ds.Title, ds.Group, ds.Parent, ds.Source.Format.String(), ds.Source.URL, ds.Source.Layer,
			ds.Entry.Buffer.Source, ds.Buffer, ds.BoundaryBuffer, ds.Dependent, string(style),
		); err != nil {
			return fmt.Errorf("insert dataset %s: %w", ds.ID, err)
		}
	}
	return tx.Commit()
}

// DatasetRow is a stored dataset.
type DatasetRow struct {
	Name      string
	Group     string
	Parent    string
	Format    string
	Buffer    float64
	Dependent bool
}

// Datasets returns the stored datasets ordered by name.
func (s *Store) Datasets(ctx context.Context) ([]DatasetRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT name, group_name, COALESCE(parent_name, ''), format, buffer, dependent FROM datasets ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query datasets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DatasetRow
	for rows.Next() {
		var d DatasetRow
		if err := rows.Scan(&d.Name, &d.Group, &d.Parent, &d.Format, &d.Buffer, &d.Dependent); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Run is one row of run history.
type Run struct {
	ID         string
	Parameters string
	Prefix     string
	Bucket     string
	Status     string
	StartedAt  time.Time
	FinishedAt time.Time
	Error      string
}

// StartRun records a running build.
func (s *Store) StartRun(ctx context.Context, runID, parameters, prefix, bucket string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO runs (run_id, parameters, prefix, bucket, status, started_at) VALUES (?, ?, ?, ?, ?, ?)",
		runID, parameters, prefix, bucket, StatusRunning, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun stores the final status of a run.
func (s *Store) FinishRun(ctx context.Context, runID, status string, runErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var msg any
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.db.ExecContext(ctx,
		"UPDATE runs SET status = ?, finished_at = ?, error = ? WHERE run_id = ?",
		status, time.Now().Unix(), msg, runID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s not found", runID)
	}
	return nil
}

// AppendEvent records a run event.
func (s *Store) AppendEvent(ctx context.Context, runID, eventType string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO run_events (run_id, event_type, timestamp, payload) VALUES (?, ?, ?, ?)",
		runID, eventType, time.Now().Unix(), payload)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventTypes returns the event types recorded for a run in order.
func (s *Store) EventTypes(ctx context.Context, runID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, err := s.db.QueryContext(ctx, "SELECT event_type FROM run_events WHERE run_id = ? ORDER BY id", runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Runs returns run history, newest first.
func (s *Store) Runs(ctx context.Context) ([]Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, parameters, prefix, bucket, status, started_at, COALESCE(finished_at, 0), COALESCE(error, '')
		FROM runs ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var r Run
		var started, finished int64
		if err := rows.Scan(&r.ID, &r.Parameters, &r.Prefix, &r.Bucket, &r.Status, &started, &finished, &r.Error); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.Unix(started, 0)
		if finished > 0 {
			r.FinishedAt = time.Unix(finished, 0)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
