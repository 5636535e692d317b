package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyRunID      = "run_id"
	KeyJobID      = "job_id"
	KeyJobKind    = "job_kind"
	KeyStage      = "stage"
	KeyDataset    = "dataset"
	KeyTable      = "table"
	KeyPath       = "path"
	KeyURL        = "url"
	KeyWorker     = "worker"
	KeyAttempt    = "attempt"
	KeyDurationMS = "duration_ms"
	KeyBytes      = "bytes"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func RunID(id string) slog.Attr       { return slog.String(KeyRunID, id) }
func JobID(id string) slog.Attr       { return slog.String(KeyJobID, id) }
func JobKind(k string) slog.Attr      { return slog.String(KeyJobKind, k) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Dataset(name string) slog.Attr   { return slog.String(KeyDataset, name) }
func Table(name string) slog.Attr     { return slog.String(KeyTable, name) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func Worker(id int) slog.Attr         { return slog.Int(KeyWorker, id) }
func Attempt(n int) slog.Attr         { return slog.Int(KeyAttempt, n) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func Bytes(n int64) slog.Attr         { return slog.Int64(KeyBytes, n) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
