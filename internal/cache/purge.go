package cache

import (
	"context"
	"fmt"
	"strings"

	"github.com/openwind/constraintbuilder/internal/naming"
)

// Level selects what Purge removes.
type Level string

const (
	PurgeAll         Level = "all"         // every table and exported file
	PurgeDB          Level = "db"          // every table, files untouched
	PurgeDerived     Level = "derived"     // everything after import
	PurgeAmalgamated Level = "amalgamated" // parent, group and overall layers
)

// ParseLevel validates a purge level name.
func ParseLevel(s string) (Level, error) {
	switch l := Level(strings.ToLower(strings.TrimSpace(s))); l {
	case PurgeAll, PurgeDB, PurgeDerived, PurgeAmalgamated:
		return l, nil
	default:
		return "", fmt.Errorf("cache: unknown purge level %q (want all, db, derived or amalgamated)", s)
	}
}

// Purge removes artifacts by level. Clip and processing grid tables go with
// the all and db levels.
func (c *Cache) Purge(ctx context.Context, level Level) (Removed, error) {
	anyFile := func(string) bool { return true }
	switch level {
	case PurgeAll:
		r, err := c.remove(ctx, func(naming.ArtifactKey) bool { return true }, anyFile)
		if err != nil {
			return r, err
		}
		return r, c.dropSupport(ctx, &r)
	case PurgeDB:
		r, err := c.remove(ctx, func(naming.ArtifactKey) bool { return true }, nil)
		if err != nil {
			return r, err
		}
		return r, c.dropSupport(ctx, &r)
	case PurgeDerived:
		return c.remove(ctx, func(k naming.ArtifactKey) bool { return k.Stage != naming.StageRaw }, anyFile)
	case PurgeAmalgamated:
		finals := map[string]bool{}
		r, err := c.remove(ctx, func(k naming.ArtifactKey) bool {
			if k.Stage == naming.StageFinal {
				finals[k.Core] = true
				return true
			}
			return false
		}, nil)
		if err != nil {
			return r, err
		}
		files, err := c.removeFiles(func(core string) bool { return finals[core] })
		r.Files = files
		return r, err
	default:
		return Removed{}, fmt.Errorf("cache: unknown purge level %q", level)
	}
}

// dropSupport removes clip boundary, processing grid and leftover scratch tables.
func (c *Cache) dropSupport(ctx context.Context, r *Removed) error {
	tables, err := c.st.ListTables(ctx)
	if err != nil {
		return err
	}
	for _, t := range tables {
		if !strings.HasPrefix(t, "clip_area_") && !strings.HasPrefix(t, "processing_grid_") && !strings.HasPrefix(t, "scratch_") {
			continue
		}
		if err := c.st.DropTable(ctx, t); err != nil {
			return err
		}
		r.Tables = append(r.Tables, t)
	}
	return nil
}
