// Package ogr wraps the ogr2ogr geometry conversion subprocess. Every call
// uses the same argument shape; a non-zero exit is always fatal.
package ogr

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"syscall"

	cerrors "github.com/openwind/constraintbuilder/internal/errors"
	"github.com/openwind/constraintbuilder/internal/logfields"
)

// Drivers used by the pipeline.
const (
	DriverGPKG       = "GPKG"
	DriverGeoJSON    = "GeoJSON"
	DriverPostgreSQL = "PostgreSQL"
)

// Spatial references used by the pipeline.
const (
	EPSG4326 = "EPSG:4326"
	EPSG3857 = "EPSG:3857"
)

// Request is one conversion.
type Request struct {
	Driver    string // output driver (-f)
	Dst       string // destination datasource
	Src       string // source datasource
	SrcLayer  string // optional source layer name
	SrcSRS    string // optional -s_srs
	DstSRS    string // -t_srs
	SQL       string // optional -sql filter
	TableName string // optional -nln
	Options   []string
}

// Args returns the ogr2ogr argument list for the request.
func (r Request) Args() []string {
	args := []string{"-f", r.Driver, r.Dst, r.Src}
	if r.SrcLayer != "" && r.SQL == "" {
		args = append(args, r.SrcLayer)
	}
	args = append(args, "-overwrite")
	if r.SrcSRS != "" {
		args = append(args, "-s_srs", r.SrcSRS)
	}
	if r.DstSRS != "" {
		args = append(args, "-t_srs", r.DstSRS)
	}
	if r.SQL != "" {
		args = append(args, "-sql", r.SQL)
	}
	if r.TableName != "" {
		args = append(args, "-nln", r.TableName)
	}
	return append(args, r.Options...)
}

// Converter runs conversions. BinaryConverter is the production
// implementation; tests substitute fakes.
type Converter interface {
	Convert(ctx context.Context, req Request) error
}

// ExecFunc runs a command and returns its combined output.
type ExecFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

func execCombined(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.Bytes(), err
}

// BinaryConverter invokes ogr2ogr from PATH or a configured location.
type BinaryConverter struct {
	Binary string
	Exec   ExecFunc
}

// NewBinaryConverter returns a converter for the given binary.
func NewBinaryConverter(binary string) *BinaryConverter {
	if binary == "" {
		binary = "ogr2ogr"
	}
	return &BinaryConverter{Binary: binary, Exec: execCombined}
}

// Available reports whether the binary can be found.
func (b *BinaryConverter) Available() bool {
	_, err := exec.LookPath(b.Binary)
	return err == nil
}

// Convert runs one conversion.
func (b *BinaryConverter) Convert(ctx context.Context, req Request) error {
	args := req.Args()
	slog.Debug("Running ogr2ogr", logfields.Path(req.Dst), slog.String("driver", req.Driver))

	out, err := b.Exec(ctx, b.Binary, args...)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return Classify(b.Binary, out, err)
}

// Classify turns a failed run into a pipeline error. A process killed by a
// signal, or one that exits without printing an ERROR line, is treated as
// having run out of memory.
func Classify(binary string, output []byte, err error) error {
	cause := lastErrorLine(output)

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() && ws.Signal() == syscall.SIGKILL {
			return cerrors.OutOfMemory(binary, err)
		}
		if cause == "" {
			return cerrors.OutOfMemory(binary, err)
		}
		return cerrors.SubprocessFailed(binary, exitErr.ExitCode(), fmt.Errorf("%s", cause))
	}
	// binary missing or not executable
	return cerrors.SubprocessFailed(binary, -1, err)
}

func lastErrorLine(output []byte) string {
	var last string
	sc := bufio.NewScanner(bytes.NewReader(output))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "ERROR") || strings.HasPrefix(line, "FAILURE") {
			last = line
		}
	}
	return last
}
