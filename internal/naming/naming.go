// Package naming maps artifact identities to the canonical table and file
// names shared by the pipeline and its downstream consumers. Existence of a
// name in the spatial store (or on disk) is the build cache.
package naming

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Stage is the processing stage encoded in an artifact name, in pipeline order.
type Stage string

const (
	StageRaw       Stage = "raw" // imported source
	StageBuffered  Stage = "buf" // buffered, only when the resolved buffer is > 0
	StageProcessed Stage = "pro" // clipped and dissolved single dataset
	StageFinal     Stage = "fin" // amalgamated parent, group or overall
)

// BucketAny is the bucket of artifacts that do not depend on turbine geometry.
const BucketAny = "any"

// Overall is the core name of the root amalgamation.
const Overall = "overall"

// MaxTableLen is PostgreSQL's identifier limit (NAMEDATALEN - 1).
const MaxTableLen = 63

const sep = "__"

// ArtifactKey identifies one artifact. Buffer is nil when the stage carries no buffer.
type ArtifactKey struct {
	Prefix string
	Core   string
	Stage  Stage
	Buffer *float64
	Bucket string
}

// FormatNumber rounds to one decimal place and strips a trailing ".0", so
// equivalent parameters always produce the same names.
func FormatNumber(v float64) string {
	// nudge halves up so 47.55 (stored as 47.5499...) rounds like its decimal form
	r := math.Round(v*10+math.Copysign(1e-9, v)) / 10
	if r == 0 {
		r = 0 // normalise -0
	}
	return strconv.FormatFloat(r, 'f', -1, 64)
}

func tableNumber(v float64) string {
	return strings.ReplaceAll(FormatNumber(v), ".", "p")
}

var stripMarks = runes.Remove(runes.In(unicode.Mn))

// NormalizeCore folds a dataset or group name into the table-safe
// [a-z0-9_] alphabet without double underscores.
func NormalizeCore(name string) string {
	t := transform.Chain(norm.NFD, stripMarks, norm.NFC)
	folded, _, err := transform.String(t, name)
	if err != nil {
		folded = name
	}
	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(folded) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// Table returns the spatial-store table name for the key.
func (k ArtifactKey) Table() string {
	bucket := k.Bucket
	if bucket == "" {
		bucket = BucketAny
	}
	tail := sep + string(k.Stage)
	if k.Buffer != nil {
		tail += sep + "b" + tableNumber(*k.Buffer)
	}
	tail += sep + bucket

	head := ""
	if k.Prefix != "" {
		head = k.Prefix + sep
	}
	core := k.Core
	if over := len(head) + len(core) + len(tail) - MaxTableLen; over > 0 {
		core = shortenCore(core, len(core)-over)
	}
	return head + core + tail
}

func coreHash(core string) string {
	sum := sha1.Sum([]byte(core))
	return hex.EncodeToString(sum[:])[:8]
}

// shortenCore keeps a readable stem plus an 8 character hash of the full core.
func shortenCore(core string, budget int) string {
	h := coreHash(core)
	keep := budget - len(h) - 1
	if keep < 1 {
		return h
	}
	stem := strings.TrimRight(core[:keep], "_")
	return stem + "_" + h
}

// SameCore reports whether core, as parsed from a table name, belongs to the
// normalized core full. Shortened cores match on stem and hash.
func SameCore(core, full string) bool {
	if core == full {
		return true
	}
	h := coreHash(full)
	if core == h {
		return true
	}
	stem, ok := strings.CutSuffix(core, "_"+h)
	return ok && stem != "" && strings.HasPrefix(full, stem)
}

// Parse inverts Table. Keys whose core was shortened parse to the shortened core.
func Parse(table string) (ArtifactKey, error) {
	parts := strings.Split(table, sep)
	stageIdx := -1
	for i, p := range parts {
		switch Stage(p) {
		case StageRaw, StageBuffered, StageProcessed, StageFinal:
			if i > 0 {
				stageIdx = i
			}
		}
		if stageIdx >= 0 {
			break
		}
	}
	if stageIdx < 0 || stageIdx > 2 {
		return ArtifactKey{}, fmt.Errorf("naming: %q is not an artifact table", table)
	}

	k := ArtifactKey{Stage: Stage(parts[stageIdx]), Core: parts[stageIdx-1]}
	if stageIdx == 2 {
		k.Prefix = parts[0]
	}
	rest := parts[stageIdx+1:]
	if len(rest) == 2 && strings.HasPrefix(rest[0], "b") {
		v, err := strconv.ParseFloat(strings.ReplaceAll(rest[0][1:], "p", "."), 64)
		if err != nil {
			return ArtifactKey{}, fmt.Errorf("naming: bad buffer in %q: %w", table, err)
		}
		k.Buffer = &v
		rest = rest[1:]
	}
	if len(rest) != 1 || rest[0] == "" {
		return ArtifactKey{}, fmt.Errorf("naming: %q has no bucket", table)
	}
	k.Bucket = rest[0]
	return k, nil
}

// IsArtifactTable reports whether table follows the artifact convention.
func IsArtifactTable(table string) bool {
	_, err := Parse(table)
	return err == nil
}

// Dependent reports whether the key carries a turbine-parameter bucket.
func (k ArtifactKey) Dependent() bool {
	return k.Bucket != "" && k.Bucket != BucketAny
}

func (k ArtifactKey) String() string { return k.Table() }
