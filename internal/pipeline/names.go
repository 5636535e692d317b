package pipeline

import (
	"context"

	"github.com/openwind/constraintbuilder/internal/catalog"
	"github.com/openwind/constraintbuilder/internal/graph"
	"github.com/openwind/constraintbuilder/internal/materialize"
	"github.com/openwind/constraintbuilder/internal/naming"
	"github.com/openwind/constraintbuilder/internal/params"
)

// Name is one artifact a run with the given parameters would own.
type Name struct {
	Node  string
	Kind  string
	Stage naming.Stage
	Table string
	Files []string // exported files, processed and final artifacts only
}

// Names resolves parameters and the catalog and lists the canonical names of
// every artifact, without touching the spatial store.
func (p *Pipeline) Names(ctx context.Context, opts Options) (params.BuildParameters, []Name, error) {
	bp, _, err := p.Resolve(opts)
	if err != nil {
		return bp, nil, err
	}
	s, err := p.structure(ctx, bp)
	if err != nil {
		return bp, nil, err
	}
	return bp, names(s), nil
}

func names(s *catalog.Structure) []Name {
	var out []Name
	for id := range s.Graph.Len() {
		n := s.Graph.Node(graph.NodeID(id))
		for _, key := range s.Keys(n.ID) {
			name := Name{Node: n.Name, Kind: n.Kind.String(), Stage: key.Stage, Table: key.Table()}
			if key.Stage == naming.StageProcessed || key.Stage == naming.StageFinal {
				for _, ext := range materialize.Formats {
					name.Files = append(name.Files, key.File(ext))
				}
			}
			out = append(out, name)
		}
	}
	return out
}
