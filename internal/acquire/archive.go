package acquire

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/openwind/constraintbuilder/internal/catalog"
	"github.com/openwind/constraintbuilder/internal/ogr"
)

// directAdapter downloads a single file as-is.
type directAdapter struct {
	f *fetcher
}

func (a *directAdapter) fetch(ctx context.Context, src catalog.Source, dst string) error {
	return a.f.download(ctx, src.Format.String(), src.URL, dst)
}

// convertAdapter downloads a file ogr2ogr can read and normalizes it to GPKG.
type convertAdapter struct {
	f    *fetcher
	conv ogr.Converter
	ext  string
}

func (a *convertAdapter) fetch(ctx context.Context, src catalog.Source, dst string) error {
	work, err := os.MkdirTemp(filepath.Dir(dst), ".work-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(work) }()

	raw := filepath.Join(work, "source"+a.ext)
	if err := a.f.download(ctx, src.Format.String(), src.URL, raw); err != nil {
		return err
	}
	return normalize(ctx, a.conv, raw, src.Layer, dst)
}

// archiveAdapter downloads a zip, extracts it and normalizes the first member
// with the wanted extension to GPKG.
type archiveAdapter struct {
	f    *fetcher
	conv ogr.Converter
	ext  string
}

func (a *archiveAdapter) fetch(ctx context.Context, src catalog.Source, dst string) error {
	work, err := os.MkdirTemp(filepath.Dir(dst), ".work-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.RemoveAll(work) }()

	archive := filepath.Join(work, "source.zip")
	if err := a.f.download(ctx, src.Format.String(), src.URL, archive); err != nil {
		return err
	}
	member, err := extract(archive, filepath.Join(work, "x"), a.ext)
	if err != nil {
		return err
	}
	return normalize(ctx, a.conv, member, "", dst)
}

// extract unpacks every member of archive below dir and returns the first
// file, in name order, whose extension matches ext.
func extract(archive, dir, ext string) (string, error) {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return "", err
	}
	defer func() { _ = zr.Close() }()

	var matches []string
	for _, zf := range zr.File {
		name := filepath.Clean(filepath.FromSlash(zf.Name))
		if filepath.IsAbs(name) || name == ".." || strings.HasPrefix(name, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("archive member escapes extraction dir: %s", zf.Name)
		}
		target := filepath.Join(dir, name)
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", err
			}
			continue
		}
		if err := extractFile(zf, target); err != nil {
			return "", err
		}
		if strings.EqualFold(filepath.Ext(name), ext) && !strings.HasPrefix(filepath.Base(name), ".") {
			matches = append(matches, target)
		}
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("archive contains no %s file", ext)
	}
	sort.Strings(matches)
	return matches[0], nil
}

func extractFile(zf *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	out, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// normalize converts src to a GPKG at dst through a temporary sibling.
func normalize(ctx context.Context, conv ogr.Converter, src, layer, dst string) error {
	tmp := filepath.Join(filepath.Dir(dst), ".tmp-"+filepath.Base(dst))
	_ = os.Remove(tmp)
	err := conv.Convert(ctx, ogr.Request{
		Driver:   ogr.DriverGPKG,
		Dst:      tmp,
		Src:      src,
		SrcLayer: layer,
		DstSRS:   ogr.EPSG4326,
		Options:  []string{"-nlt", "PROMOTE_TO_MULTI"},
	})
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}
