package pipeline

import (
	"context"
	"log/slog"

	"github.com/openwind/constraintbuilder/internal/cache"
	"github.com/openwind/constraintbuilder/internal/catalog"
	"github.com/openwind/constraintbuilder/internal/graph"
	"github.com/openwind/constraintbuilder/internal/naming"
	"github.com/openwind/constraintbuilder/internal/observability"
	"github.com/openwind/constraintbuilder/internal/scheduler"
)

// artifacts answers whether an artifact has already been built and drops
// one that has gone stale.
type artifacts interface {
	Exists(ctx context.Context, stage string, key naming.ArtifactKey) (bool, error)
	Drop(ctx context.Context, key naming.ArtifactKey) (cache.Removed, error)
}

// planner turns the structure into per-stage job lists, skipping every job
// whose output table already exists. Nodes planned from the buffer stage on
// are recorded in rebuilt; a node with a rebuilt child is rebuilt too.
type planner struct {
	s       *catalog.Structure
	cache   artifacts
	size    func(ds *catalog.Dataset) int64
	rebuilt map[graph.NodeID]bool
}

func (p *planner) skip(ctx context.Context, stage StageName, key naming.ArtifactKey) (bool, error) {
	return p.cache.Exists(ctx, string(stage), key)
}

// stale plans key for rebuilding when id was marked dirty, dropping the
// existing table and exports first. Otherwise it defers to skip.
func (p *planner) stale(ctx context.Context, stage StageName, id graph.NodeID, key naming.ArtifactKey) (bool, error) {
	if !p.rebuilt[id] {
		done, err := p.skip(ctx, stage, key)
		return !done, err
	}
	removed, err := p.cache.Drop(ctx, key)
	if err != nil {
		return false, err
	}
	if len(removed.Tables) > 0 {
		observability.InfoContext(ctx, "Dropped artifact with rebuilt inputs",
			slog.String("table", key.Table()), slog.Int("files", len(removed.Files)))
	}
	return true, nil
}

func (p *planner) mark(id graph.NodeID) {
	if p.rebuilt == nil {
		p.rebuilt = map[graph.NodeID]bool{}
	}
	p.rebuilt[id] = true
}

func (p *planner) imports(ctx context.Context) ([]scheduler.Job, JobCounts, error) {
	var jobs []scheduler.Job
	var counts JobCounts
	c := p.s.Context()
	for _, ds := range p.s.Leaves() {
		key := c.Raw(ds.ID)
		done, err := p.skip(ctx, StageImport, key)
		if err != nil {
			return nil, counts, err
		}
		if done {
			counts.Cached++
			continue
		}
		jobs = append(jobs, scheduler.ImportJob{Dataset: ds, Table: key.Table(), Size: p.size(ds)})
	}
	counts.Run = len(jobs)
	return jobs, counts, nil
}

func (p *planner) buffers(ctx context.Context) ([]scheduler.Job, JobCounts, error) {
	var jobs []scheduler.Job
	var counts JobCounts
	c := p.s.Context()
	for _, ds := range p.s.Leaves() {
		if ds.Buffer <= 0 {
			continue
		}
		key := c.Buffered(ds.ID, ds.Buffer, ds.Dependent)
		done, err := p.skip(ctx, StageBuffer, key)
		if err != nil {
			return nil, counts, err
		}
		if done {
			counts.Cached++
			continue
		}
		p.mark(ds.Node)
		jobs = append(jobs, scheduler.BufferJob{
			Dataset:  ds,
			Input:    c.Raw(ds.ID).Table(),
			Table:    key.Table(),
			Distance: ds.Buffer,
			Boundary: ds.BoundaryBuffer,
			Size:     p.size(ds),
		})
	}
	counts.Run = len(jobs)
	return jobs, counts, nil
}

func (p *planner) processes(ctx context.Context) ([]scheduler.Job, JobCounts, error) {
	var jobs []scheduler.Job
	var counts JobCounts
	c := p.s.Context()
	for _, ds := range p.s.Leaves() {
		key := p.s.OutputKey(ds.Node)
		build, err := p.stale(ctx, StageProcess, ds.Node, key)
		if err != nil {
			return nil, counts, err
		}
		if !build {
			counts.Cached++
			continue
		}
		p.mark(ds.Node)
		input := c.Raw(ds.ID)
		if ds.Buffer > 0 {
			input = c.Buffered(ds.ID, ds.Buffer, ds.Dependent)
		}
		jobs = append(jobs, scheduler.ProcessJob{Dataset: ds, Input: input.Table(), Table: key.Table(), Size: p.size(ds)})
	}
	counts.Run = len(jobs)
	return jobs, counts, nil
}

// amalgamations plans one level of the hierarchy. Inputs are the outputs of
// the node's direct children, so a level may only run after the one below.
func (p *planner) amalgamations(ctx context.Context, stage StageName, kind graph.Kind) ([]scheduler.Job, JobCounts, error) {
	var jobs []scheduler.Job
	var counts JobCounts
	g := p.s.Graph
	for _, id := range g.ByKind(kind) {
		n := g.Node(id)
		if len(n.Children) == 0 {
			continue
		}
		for _, child := range n.Children {
			if p.rebuilt[child] {
				p.mark(id)
			}
		}
		key := p.s.OutputKey(id)
		build, err := p.stale(ctx, stage, id, key)
		if err != nil {
			return nil, counts, err
		}
		if !build {
			counts.Cached++
			continue
		}
		p.mark(id)
		inputs := make([]string, 0, len(n.Children))
		for _, child := range n.Children {
			inputs = append(inputs, p.s.OutputKey(child).Table())
		}
		var size int64
		for _, leaf := range g.Leaves(id) {
			size += p.size(p.s.Datasets[leaf])
		}
		jobs = append(jobs, scheduler.AmalgamateJob{Node: n.Name, Inputs: inputs, Table: key.Table(), Size: size})
	}
	counts.Run = len(jobs)
	return jobs, counts, nil
}

// finalKeys lists the artifact of every node, datasets first and overall last.
func finalKeys(s *catalog.Structure) []naming.ArtifactKey {
	var keys []naming.ArtifactKey
	for _, kind := range []graph.Kind{graph.KindDataset, graph.KindParent, graph.KindGroup, graph.KindOverall} {
		for _, id := range s.Graph.ByKind(kind) {
			keys = append(keys, s.OutputKey(id))
		}
	}
	return keys
}
