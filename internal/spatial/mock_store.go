package spatial

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// MockStore is an in-memory Store for tests. It tracks table existence from
// the CREATE/DROP statements it sees and records every statement.
type MockStore struct {
	mu         sync.Mutex
	tables     map[string]bool
	statements []string
	calls      MockCalls

	// QueryIntFunc answers QueryInt; nil answers 0.
	QueryIntFunc func(query string, args ...any) (int64, error)
	// QueryIntsFunc answers QueryInts; nil answers an empty list.
	QueryIntsFunc func(query string, args ...any) ([]int64, error)
	// FailOn makes Exec fail for statements containing the substring.
	FailOn string
}

// MockCalls tracks method invocations for test verification.
type MockCalls struct {
	Exec        int
	QueryInt    int
	QueryInts   int
	TableExists int
	DropTable   int
	ListTables  int
}

// NewMockStore creates an empty mock store holding the given tables.
func NewMockStore(tables ...string) *MockStore {
	m := &MockStore{tables: map[string]bool{}}
	for _, t := range tables {
		m.tables[t] = true
	}
	return m
}

var (
	createRe = regexp.MustCompile(`(?i)^\s*CREATE\s+(?:UNLOGGED\s+)?TABLE\s+(?:IF\s+NOT\s+EXISTS\s+)?("(?:[^"]|"")+"|[a-z0-9_]+)`)
	dropRe   = regexp.MustCompile(`(?i)^\s*DROP\s+TABLE\s+(?:IF\s+EXISTS\s+)?("(?:[^"]|"")+"|[a-z0-9_]+)`)
)

func unquote(id string) string {
	if strings.HasPrefix(id, `"`) {
		return strings.ReplaceAll(id[1:len(id)-1], `""`, `"`)
	}
	return id
}

func (m *MockStore) Exec(_ context.Context, query string, _ ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.Exec++
	m.statements = append(m.statements, query)
	if m.FailOn != "" && strings.Contains(query, m.FailOn) {
		return fmt.Errorf("mock failure on %q", m.FailOn)
	}
	if g := createRe.FindStringSubmatch(query); g != nil {
		m.tables[unquote(g[1])] = true
	} else if g := dropRe.FindStringSubmatch(query); g != nil {
		delete(m.tables, unquote(g[1]))
	}
	return nil
}

func (m *MockStore) QueryInt(_ context.Context, query string, args ...any) (int64, error) {
	m.mu.Lock()
	m.calls.QueryInt++
	m.statements = append(m.statements, query)
	fn := m.QueryIntFunc
	m.mu.Unlock()
	if fn == nil {
		return 0, nil
	}
	return fn(query, args...)
}

func (m *MockStore) QueryInts(_ context.Context, query string, args ...any) ([]int64, error) {
	m.mu.Lock()
	m.calls.QueryInts++
	m.statements = append(m.statements, query)
	fn := m.QueryIntsFunc
	m.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(query, args...)
}

func (m *MockStore) TableExists(_ context.Context, table string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.TableExists++
	return m.tables[table], nil
}

func (m *MockStore) DropTable(ctx context.Context, table string) error {
	m.mu.Lock()
	m.calls.DropTable++
	m.mu.Unlock()
	return m.Exec(ctx, "DROP TABLE IF EXISTS "+Quote(table))
}

func (m *MockStore) ListTables(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls.ListTables++
	out := make([]string, 0, len(m.tables))
	for t := range m.tables {
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

// AddTable marks a table as existing.
func (m *MockStore) AddTable(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[name] = true
}

// Has reports whether a table exists.
func (m *MockStore) Has(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tables[name]
}

// Statements returns a copy of every recorded statement.
func (m *MockStore) Statements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.statements...)
}

// Calls returns the invocation counters.
func (m *MockStore) Calls() MockCalls {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Reset forgets recorded statements and counters, keeping tables.
func (m *MockStore) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statements = nil
	m.calls = MockCalls{}
}
