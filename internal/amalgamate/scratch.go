package amalgamate

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/openwind/constraintbuilder/internal/logfields"
	"github.com/openwind/constraintbuilder/internal/naming"
	"github.com/openwind/constraintbuilder/internal/spatial"
)

// scratch owns the per-job table namespace scratch_<n>_<jobid>.
type scratch struct {
	jobID string
	used  []string
}

func newScratch(jobID string) *scratch {
	id := naming.NormalizeCore(jobID)
	// scratch_NN_ plus id must fit an identifier
	if len(id) > naming.MaxTableLen-len("scratch_00_") {
		sum := sha1.Sum([]byte(jobID))
		id = hex.EncodeToString(sum[:])[:16]
	}
	return &scratch{jobID: id}
}

// table returns the name of scratch table n and remembers it for cleanup.
func (s *scratch) table(n int) string {
	name := fmt.Sprintf("scratch_%d_%s", n, s.jobID)
	s.used = append(s.used, name)
	return name
}

// drop removes every scratch table the job created. It runs on a fresh
// context so cleanup still happens after cancellation.
func (s *scratch) drop(st spatial.Store) {
	ctx := context.Background()
	for _, t := range s.used {
		if err := st.DropTable(ctx, t); err != nil {
			slog.Warn("Dropping scratch table failed", logfields.Table(t), logfields.Error(err))
		}
	}
	s.used = nil
}
