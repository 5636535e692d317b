package naming

import (
	"strings"
)

// FileStem is the parameter-free part of an exported file name.
func (k ArtifactKey) FileStem() string {
	stem := strings.ReplaceAll(k.Core, "_", "-")
	if k.Prefix != "" {
		stem = strings.ReplaceAll(k.Prefix, "_", "-") + "--" + stem
	}
	return stem
}

// File returns the exported file name, e.g.
// "ecology--tip-height-120--blade-radius-40.geojson" or "ramsar-sites.gpkg".
func (k ArtifactKey) File(ext string) string {
	name := k.FileStem()
	if k.Dependent() {
		if tip, blade, ok := SplitBucket(k.Bucket); ok {
			name += "--tip-height-" + tip + "--blade-radius-" + blade
		} else {
			name += "--" + strings.ReplaceAll(k.Bucket, "_", "-")
		}
	}
	return name + "." + strings.TrimPrefix(ext, ".")
}

// LatestFile returns the parameter-independent alias of the key's export.
func (k ArtifactKey) LatestFile(ext string) string {
	return "latest--" + k.FileStem() + "." + strings.TrimPrefix(ext, ".")
}

// Bucket encodes a turbine geometry as "th<tip>_br<blade>".
func Bucket(tipHeight, bladeRadius float64) string {
	return "th" + tableNumber(tipHeight) + "_br" + tableNumber(bladeRadius)
}

// SplitBucket returns the display numbers of a bucket made by Bucket.
func SplitBucket(bucket string) (tip, blade string, ok bool) {
	th, br, found := strings.Cut(bucket, "_")
	if !found || !strings.HasPrefix(th, "th") || !strings.HasPrefix(br, "br") {
		return "", "", false
	}
	tip = strings.ReplaceAll(th[2:], "p", ".")
	blade = strings.ReplaceAll(br[2:], "p", ".")
	return tip, blade, tip != "" && blade != ""
}

// FileCore returns the core of an exported or latest file name made by File
// or LatestFile. It reports false for names outside the convention.
func FileCore(name string) (string, bool) {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		name = name[:i]
	}
	name = strings.TrimPrefix(name, "latest--")
	parts := strings.Split(name, "--")
	for len(parts) > 1 {
		last := parts[len(parts)-1]
		if !strings.HasPrefix(last, "tip-height-") && !strings.HasPrefix(last, "blade-radius-") {
			break
		}
		parts = parts[:len(parts)-1]
	}
	if len(parts) > 2 || parts[len(parts)-1] == "" {
		return "", false
	}
	return strings.ReplaceAll(parts[len(parts)-1], "-", "_"), true
}
