// Package cache answers "is this artifact already built" and removes stale
// artifacts. Existence of the canonical table name is the only signal.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/openwind/constraintbuilder/internal/catalog"
	"github.com/openwind/constraintbuilder/internal/graph"
	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/metrics"
	"github.com/openwind/constraintbuilder/internal/naming"
	"github.com/openwind/constraintbuilder/internal/spatial"
)

// Cache inspects and prunes artifacts in the spatial store and the output
// directory.
type Cache struct {
	st        spatial.Store
	fs        afero.Fs
	outputDir string
	recorder  metrics.Recorder
}

// New returns a Cache. fs holds exported files below outputDir.
func New(st spatial.Store, fs afero.Fs, outputDir string, rec metrics.Recorder) *Cache {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Cache{st: st, fs: fs, outputDir: outputDir, recorder: rec}
}

// Exists reports whether key's table has been built.
func (c *Cache) Exists(ctx context.Context, stage string, key naming.ArtifactKey) (bool, error) {
	ok, err := c.st.TableExists(ctx, key.Table())
	if err != nil {
		return false, err
	}
	c.recorder.IncCacheResult(stage, ok)
	return ok, nil
}

// Removed lists what an invalidation or purge deleted.
type Removed struct {
	Tables []string
	Files  []string
}

func (r *Removed) merge(o Removed) {
	r.Tables = append(r.Tables, o.Tables...)
	r.Files = append(r.Files, o.Files...)
}

// Invalidate deletes every artifact, in every bucket and under every
// prefix, of the nodes on the path from id to the root, together with their
// exported files. Naming a parent or group invalidates each leaf beneath it.
func (c *Cache) Invalidate(ctx context.Context, g *graph.Graph, id graph.NodeID) (Removed, error) {
	cores := map[string]bool{}
	leaves := g.Leaves(id)
	if len(leaves) == 0 {
		leaves = []graph.NodeID{id}
	}
	for _, leaf := range leaves {
		for _, n := range g.PathToRoot(leaf) {
			cores[naming.NormalizeCore(g.Node(n).Name)] = true
		}
	}
	return c.remove(ctx,
		func(k naming.ArtifactKey) bool {
			for full := range cores {
				if naming.SameCore(k.Core, full) {
					return true
				}
			}
			return false
		},
		func(core string) bool { return cores[core] })
}

// Drop deletes the table of key and its exported files, leaving the latest
// aliases in place for the next publish to replace.
func (c *Cache) Drop(ctx context.Context, key naming.ArtifactKey) (Removed, error) {
	var r Removed
	table := key.Table()
	ok, err := c.st.TableExists(ctx, table)
	if err != nil {
		return r, err
	}
	if ok {
		if err := c.st.DropTable(ctx, table); err != nil {
			return r, err
		}
		r.Tables = append(r.Tables, table)
	}
	base := strings.TrimSuffix(key.File("x"), ".x")
	entries, err := afero.ReadDir(c.fs, c.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return r, err
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.TrimSuffix(name, filepath.Ext(name)) != base {
			continue
		}
		if err := c.fs.Remove(filepath.Join(c.outputDir, name)); err != nil {
			return r, err
		}
		r.Files = append(r.Files, name)
	}
	return r, nil
}

// InvalidateName resolves name against the structure and invalidates it.
func (c *Cache) InvalidateName(ctx context.Context, s *catalog.Structure, name string) (Removed, error) {
	ids := s.Graph.Lookup(name)
	if len(ids) == 0 {
		return Removed{}, fmt.Errorf("cache: %q is not a dataset, parent or group of this build", name)
	}
	var all Removed
	for _, id := range ids {
		r, err := c.Invalidate(ctx, s.Graph, id)
		all.merge(r)
		if err != nil {
			return all, err
		}
	}
	return all, nil
}

// remove drops matching artifact tables and exported files.
func (c *Cache) remove(ctx context.Context, table func(naming.ArtifactKey) bool, file func(core string) bool) (Removed, error) {
	var r Removed
	if table != nil {
		tables, err := c.st.ListTables(ctx)
		if err != nil {
			return r, err
		}
		for _, t := range tables {
			k, err := naming.Parse(t)
			if err != nil || !table(k) {
				continue
			}
			if err := c.st.DropTable(ctx, t); err != nil {
				return r, err
			}
			r.Tables = append(r.Tables, t)
		}
	}
	if file != nil {
		files, err := c.removeFiles(file)
		r.Files = files
		if err != nil {
			return r, err
		}
	}
	sort.Strings(r.Tables)
	sort.Strings(r.Files)
	if len(r.Tables)+len(r.Files) > 0 {
		slog.Info("Removed stale artifacts", slog.Int("tables", len(r.Tables)), slog.Int("files", len(r.Files)))
	}
	return r, nil
}

func (c *Cache) removeFiles(match func(core string) bool) ([]string, error) {
	entries, err := afero.ReadDir(c.fs, c.outputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var removed []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		core, ok := naming.FileCore(e.Name())
		if !ok || !match(core) {
			continue
		}
		path := filepath.Join(c.outputDir, e.Name())
		if err := c.fs.Remove(path); err != nil {
			return removed, err
		}
		slog.Debug("Removed exported file", logfields.Path(path))
		removed = append(removed, e.Name())
	}
	return removed, nil
}
