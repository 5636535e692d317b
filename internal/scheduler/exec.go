package scheduler

import (
	"context"

	"github.com/openwind/constraintbuilder/internal/amalgamate"
	"github.com/openwind/constraintbuilder/internal/catalog"
	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/spatial"
)

// Importer loads a dataset file into a table.
type Importer interface {
	Import(ctx context.Context, dsn string, ds *catalog.Dataset, table string) error
}

// StageExecutor dispatches the job variants to the acquisition importer and
// the amalgamation engine.
type StageExecutor struct {
	Importer Importer
	Engine   *amalgamate.Engine
	DSN      string
}

// Execute implements Executor.
func (x *StageExecutor) Execute(ctx context.Context, st spatial.Store, job Job) error {
	switch j := job.(type) {
	case ImportJob:
		return x.Importer.Import(ctx, x.DSN, j.Dataset, j.Table)
	case BufferJob:
		return x.Engine.Buffer(ctx, st, amalgamate.BufferSpec{
			JobID:    j.ID(),
			Input:    j.Input,
			Output:   j.Table,
			Distance: j.Distance,
			Boundary: j.Boundary,
		})
	case ProcessJob:
		return x.Engine.Amalgamate(ctx, st, amalgamate.Spec{
			JobID:    j.ID(),
			Inputs:   []string{j.Input},
			Output:   j.Table,
			Expected: 1,
		})
	case AmalgamateJob:
		return x.Engine.Amalgamate(ctx, st, amalgamate.Spec{
			JobID:    j.ID(),
			Inputs:   j.Inputs,
			Output:   j.Table,
			Expected: len(j.Inputs),
		})
	default:
		return cerrors.InternalError("unknown job variant", nil).WithContext("job", job.ID())
	}
}
