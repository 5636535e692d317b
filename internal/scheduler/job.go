// Package scheduler runs a stage's jobs on a fixed pool of workers, each
// owning one dedicated spatial store connection.
package scheduler

import (
	"fmt"

	"github.com/openwind/constraintbuilder/internal/catalog"
)

// Kind names a job variant.
type Kind string

const (
	KindImport     Kind = "import"
	KindBuffer     Kind = "buffer"
	KindProcess    Kind = "process"
	KindAmalgamate Kind = "amalgamate"
)

// Job is one unit of stage work. The set of variants is closed.
type Job interface {
	ID() string
	Kind() Kind
	// Cost is a relative size proxy used to order work.
	Cost() int64
	// Output is the table the job publishes.
	Output() string
	isJob()
}

// ImportJob loads a downloaded file into its raw table.
type ImportJob struct {
	Dataset *catalog.Dataset
	Table   string
	Size    int64 // bytes on disk
}

// BufferJob buffers a raw table into its buffered table.
type BufferJob struct {
	Dataset  *catalog.Dataset
	Input    string
	Table    string
	Distance float64
	Boundary bool
	Size     int64
}

// ProcessJob clips and dissolves one dataset into its processed table.
type ProcessJob struct {
	Dataset *catalog.Dataset
	Input   string
	Table   string
	Size    int64
}

// AmalgamateJob dissolves the outputs of a node's children into its final table.
type AmalgamateJob struct {
	Node   string
	Inputs []string
	Table  string
	Size   int64
}

func (j ImportJob) ID() string     { return fmt.Sprintf("import-%s", j.Dataset.ID) }
func (j ImportJob) Kind() Kind     { return KindImport }
func (j ImportJob) Cost() int64    { return j.Size }
func (j ImportJob) Output() string { return j.Table }
func (ImportJob) isJob()           {}

func (j BufferJob) ID() string     { return fmt.Sprintf("buffer-%s", j.Dataset.ID) }
func (j BufferJob) Kind() Kind     { return KindBuffer }
func (j BufferJob) Cost() int64    { return j.Size }
func (j BufferJob) Output() string { return j.Table }
func (BufferJob) isJob()           {}

func (j ProcessJob) ID() string     { return fmt.Sprintf("process-%s", j.Dataset.ID) }
func (j ProcessJob) Kind() Kind     { return KindProcess }
func (j ProcessJob) Cost() int64    { return j.Size }
func (j ProcessJob) Output() string { return j.Table }
func (ProcessJob) isJob()           {}

func (j AmalgamateJob) ID() string     { return fmt.Sprintf("amalgamate-%s", j.Node) }
func (j AmalgamateJob) Kind() Kind     { return KindAmalgamate }
func (j AmalgamateJob) Cost() int64    { return j.Size }
func (j AmalgamateJob) Output() string { return j.Table }
func (AmalgamateJob) isJob()           {}
