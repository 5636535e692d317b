package snapshot

import (
	"errors"
	"testing"

	"github.com/openwind/constraintbuilder/internal/catalog"
	"github.com/openwind/constraintbuilder/internal/params"
)

func testStructure(t *testing.T) *catalog.Structure {
	t.Helper()
	formula, err := catalog.ParseFormula("0.5 * height-to-tip")
	if err != nil {
		t.Fatalf("parse formula: %v", err)
	}
	cat := &catalog.Catalog{
		Groups: []catalog.Group{{Name: "ecology", Title: "Ecology"}},
		Entries: []catalog.Entry{
			{ID: "ramsar-sites", Group: "ecology", Source: catalog.Source{Format: catalog.FormatGPKG, URL: "https://example.org/ramsar.gpkg"}},
			{ID: "site-of-special-scientific-interest", Group: "ecology", Buffer: formula,
				Source: catalog.Source{Format: catalog.FormatWFS, URL: "https://example.org/wfs", Layer: "sssi"}},
		},
	}
	s, err := catalog.Build(cat, params.BuildParameters{TipHeight: 120, BladeRadius: 40})
	if err != nil {
		t.Fatalf("build structure: %v", err)
	}
	return s
}

func TestWriteStructure(t *testing.T) {
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer func() { _ = store.Close() }()
	ctx := t.Context()

	// written twice to check the replace semantics
	for range 2 {
		if err := store.WriteStructure(ctx, testStructure(t)); err != nil {
			t.Fatalf("write structure: %v", err)
		}
	}

	rows, err := store.Datasets(ctx)
	if err != nil {
		t.Fatalf("datasets: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 datasets, got %d", len(rows))
	}
	if rows[0].Name != "ramsar-sites" || rows[0].Dependent || rows[0].Buffer != 0 {
		t.Errorf("unexpected ramsar row: %+v", rows[0])
	}
	if rows[1].Format != "wfs" || !rows[1].Dependent || rows[1].Buffer != 60 {
		t.Errorf("unexpected sssi row: %+v", rows[1])
	}
}

func TestRunHistory(t *testing.T) {
	store, err := Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	defer func() { _ = store.Close() }()
	ctx := t.Context()

	if err := store.StartRun(ctx, "run-1", "tip=120 blade=40", "", "th120_br40"); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := store.AppendEvent(ctx, "run-1", "build.started", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendEvent(ctx, "run-1", "build.failed", []byte(`{"error":"boom"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.FinishRun(ctx, "run-1", StatusFailed, errors.New("boom")); err != nil {
		t.Fatalf("finish run: %v", err)
	}
	if err := store.FinishRun(ctx, "missing", StatusCompleted, nil); err == nil {
		t.Error("expected error finishing unknown run")
	}

	runs, err := store.Runs(ctx)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	r := runs[0]
	if r.Status != StatusFailed || r.Error != "boom" || r.Bucket != "th120_br40" || r.FinishedAt.IsZero() {
		t.Errorf("unexpected run: %+v", r)
	}

	types, err := store.EventTypes(ctx, "run-1")
	if err != nil {
		t.Fatalf("event types: %v", err)
	}
	if len(types) != 2 || types[0] != "build.started" || types[1] != "build.failed" {
		t.Errorf("unexpected events: %v", types)
	}
}
