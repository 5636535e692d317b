package materialize

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/spf13/afero"

	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/logfields"
)

// FontInstaller unpacks the tile server's glyph archive once.
type FontInstaller struct {
	fs   afero.Fs
	http *retryablehttp.Client
}

// NewFontInstaller returns an installer writing to fs.
func NewFontInstaller(fs afero.Fs, client *retryablehttp.Client) *FontInstaller {
	if client == nil {
		client = retryablehttp.NewClient()
		client.Logger = slog.Default()
	}
	return &FontInstaller{fs: fs, http: client}
}

// Install extracts the zip at archiveURL into dir/fonts unless that
// directory already exists.
func (f *FontInstaller) Install(ctx context.Context, archiveURL, dir string) error {
	target := filepath.Join(dir, "fonts")
	if ok, _ := afero.DirExists(f.fs, target); ok {
		slog.Debug("Fonts already installed", logfields.Path(target))
		return nil
	}
	if archiveURL == "" {
		return cerrors.ConfigInvalid("tileserver.fonts_url", "required unless fonts are skipped")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, archiveURL, nil)
	if err != nil {
		return err
	}
	resp, err := f.http.Do(req)
	if err != nil {
		return cerrors.NetworkError(archiveURL, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return cerrors.NetworkError(archiveURL, fmt.Errorf("status %d", resp.StatusCode))
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return cerrors.NetworkError(archiveURL, err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return cerrors.CorruptDownload(archiveURL, err)
	}
	for _, zf := range zr.File {
		name := path.Clean(zf.Name)
		if zf.FileInfo().IsDir() || strings.HasPrefix(name, "../") || strings.HasPrefix(name, "/") || name == ".." {
			continue
		}
		// a partial directory would count as installed on the next run
		if err := f.extract(zf, filepath.Join(target, filepath.FromSlash(name))); err != nil {
			_ = f.fs.RemoveAll(target)
			return err
		}
	}
	slog.Info("Installed fonts", logfields.Path(target), slog.String("size", humanize.Bytes(uint64(len(data)))))
	return nil
}

func (f *FontInstaller) extract(zf *zip.File, dst string) error {
	if err := f.fs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	out, err := f.fs.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
