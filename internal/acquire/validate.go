package acquire

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulmach/orb/geojson"
	_ "modernc.org/sqlite"

	cerrors "github.com/openwind/constraintbuilder/internal/errors"
)

// Validate checks a downloaded file. It returns a CorruptDownload error for
// files that cannot be read back.
func Validate(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() == 0 {
		return cerrors.CorruptDownload(path, errors.New("empty file"))
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".geojson", ".json":
		err = validateGeoJSON(path)
	case ".gpkg":
		err = validateGPKG(ctx, path)
	}
	if err != nil {
		return cerrors.CorruptDownload(path, err)
	}
	return nil
}

func validateGeoJSON(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = geojson.UnmarshalFeatureCollection(data)
	return err
}

func validateGPKG(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	var status string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("integrity check: %s", status)
	}
	var n int
	if err := db.QueryRowContext(ctx,
		"SELECT count(*) FROM sqlite_master WHERE type = 'table' AND name = 'gpkg_contents'").Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return errors.New("missing gpkg_contents table")
	}
	return nil
}
