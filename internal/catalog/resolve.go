package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/openwind/constraintbuilder/internal/config"
	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/graph"
	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/naming"
	"github.com/openwind/constraintbuilder/internal/params"
)

// Extras keys recognised on catalog packages.
const (
	ExtraBuffer            = "buffer"
	ExtraBoundaryBuffer    = "boundary-buffer"
	ExtraLayer             = "layer"
	ExtraAutomationExclude = "automation-exclude"
	extraStylePrefix       = "style-"
)

// Catalog is the fetched, format-selected catalog before parameters apply.
type Catalog struct {
	Groups  []Group
	Entries []Entry
}

// Fetch reads every group and its packages. Packages without a usable
// resource or flagged automation-exclude are skipped with a log line; a bad
// buffer formula is fatal and names the dataset.
func Fetch(ctx context.Context, c *Client) (*Catalog, error) {
	groups, err := c.Groups(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })

	cat := &Catalog{Groups: groups}
	seen := map[string]bool{}
	for _, g := range groups {
		pkgs, err := c.Packages(ctx, g.Name)
		if err != nil {
			return nil, err
		}
		for _, p := range pkgs {
			if seen[p.Name] {
				// a package listed in two groups belongs to the first one
				slog.Warn("Dataset listed in more than one group", logfields.Dataset(p.Name), slog.String("group", g.Name))
				continue
			}
			e, ok, err := entryFromPackage(g.Name, p)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
			seen[p.Name] = true
			cat.Entries = append(cat.Entries, e)
		}
	}
	sort.Slice(cat.Entries, func(i, j int) bool { return cat.Entries[i].ID < cat.Entries[j].ID })
	return cat, nil
}

func entryFromPackage(group string, p Package) (Entry, bool, error) {
	extras := map[string]string{}
	for _, x := range p.Extras {
		extras[strings.ToLower(strings.TrimSpace(x.Key))] = strings.TrimSpace(x.Value)
	}
	if truthy(extras[ExtraAutomationExclude]) {
		slog.Info("Dataset excluded from automation", logfields.Dataset(p.Name))
		return Entry{}, false, nil
	}
	src, ok := bestSource(p.Resources, extras[ExtraLayer])
	if !ok {
		slog.Warn("Dataset has no supported resource format", logfields.Dataset(p.Name))
		return Entry{}, false, nil
	}
	formula, err := ParseFormula(extras[ExtraBuffer])
	if err != nil {
		return Entry{}, false, cerrors.BufferExpression(p.Name, extras[ExtraBuffer], err)
	}
	e := Entry{
		ID:             p.Name,
		Title:          p.Title,
		Group:          group,
		Parent:         ParentOf(p.Name),
		Source:         src,
		Buffer:         formula,
		BoundaryBuffer: truthy(extras[ExtraBoundaryBuffer]),
	}
	for k, v := range extras {
		if strings.HasPrefix(k, extraStylePrefix) {
			if e.Style == nil {
				e.Style = map[string]string{}
			}
			e.Style[strings.TrimPrefix(k, extraStylePrefix)] = v
		}
	}
	return e, true, nil
}

func truthy(v string) bool {
	b, err := strconv.ParseBool(strings.ToLower(v))
	return err == nil && b || strings.EqualFold(v, "yes")
}

// Dataset is a catalog entry with its buffer resolved for one run.
type Dataset struct {
	Entry
	Node      graph.NodeID
	Buffer    float64
	Dependent bool // own buffer references turbine geometry
}

// Structure is the per-run dependency model.
type Structure struct {
	Graph    *graph.Graph
	Datasets map[graph.NodeID]*Dataset
	ctx      naming.BuildContext
}

// Build applies the run parameters and custom overrides to a catalog and
// returns the dependency graph with resolved buffers.
func Build(cat *Catalog, p params.BuildParameters) (*Structure, error) {
	custom := p.Custom
	g := graph.New(naming.Overall)
	resolved := map[string]*Dataset{}

	for _, e := range cat.Entries {
		if !custom.SelectsDataset(e.Group, e.ID) {
			continue
		}
		ds := &Dataset{Entry: e}
		if override, ok := customBuffer(custom, e.ID); ok {
			ds.Buffer = override
		} else {
			v, err := e.Buffer.Eval(p.TipHeight, p.BladeRadius)
			if err != nil {
				return nil, cerrors.BufferExpression(e.ID, e.Buffer.Source, err)
			}
			ds.Buffer = v
			ds.Dependent = e.Buffer.Dependent()
		}

		under := g.AddGroup(e.Group)
		if e.Parent != "" {
			var err error
			if under, err = g.AddParent(under, e.Parent); err != nil {
				return nil, err
			}
		}
		id, err := g.AddDataset(under, e.ID, ds.Dependent)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		ds.Node = id
		resolved[e.ID] = ds
	}

	pruned := g.Prune()
	s := &Structure{Graph: pruned, Datasets: map[graph.NodeID]*Dataset{}, ctx: p.Context()}
	for name, ds := range resolved {
		id, ok := pruned.Dataset(name)
		if !ok {
			continue
		}
		ds.Node = id
		s.Datasets[id] = ds
	}
	return s, nil
}

func customBuffer(c *config.CustomConfig, dataset string) (float64, bool) {
	if c == nil {
		return 0, false
	}
	for name, v := range c.Buffers {
		if strings.EqualFold(name, dataset) {
			return v, true
		}
	}
	return 0, false
}

// Context returns the naming context the structure was built with.
func (s *Structure) Context() naming.BuildContext { return s.ctx }

// Dependent reports turbine dependence of any node.
func (s *Structure) Dependent(id graph.NodeID) bool { return s.Graph.Dependent(id) }

// Leaves returns the datasets in node order.
func (s *Structure) Leaves() []*Dataset {
	ids := s.Graph.ByKind(graph.KindDataset)
	out := make([]*Dataset, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.Datasets[id])
	}
	return out
}

// OutputKey is the artifact a node publishes: the processed table for a
// dataset and the final table for everything above.
func (s *Structure) OutputKey(id graph.NodeID) naming.ArtifactKey {
	n := s.Graph.Node(id)
	if n.Kind == graph.KindDataset {
		ds := s.Datasets[id]
		return s.ctx.Processed(n.Name, ds.Buffer, ds.Dependent)
	}
	return s.ctx.Final(n.Name, s.Graph.Dependent(id))
}

// Keys lists every table a node owns in this run, in pipeline order.
func (s *Structure) Keys(id graph.NodeID) []naming.ArtifactKey {
	n := s.Graph.Node(id)
	if n.Kind != graph.KindDataset {
		return []naming.ArtifactKey{s.OutputKey(id)}
	}
	ds := s.Datasets[id]
	keys := []naming.ArtifactKey{s.ctx.Raw(n.Name)}
	if ds.Buffer > 0 {
		keys = append(keys, s.ctx.Buffered(n.Name, ds.Buffer, ds.Dependent))
	}
	return append(keys, s.OutputKey(id))
}
