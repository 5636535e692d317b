// Package workspace owns the build directory layout: run markers read by the
// admin collaborator and the STOP file an operator drops to halt a run
// between stages.
package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/openwind/constraintbuilder/internal/logfields"
)

// Marker and control file names in the build directory.
const (
	MarkerProcessing = "PROCESSING"
	MarkerComplete   = "COMPLETE"
	StopFile         = "STOP"
)

// State is the marker state of the build directory.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateComplete   State = "complete"
)

// Manager handles the persistent build directory.
type Manager struct {
	buildDir string
	subdirs  []string
}

// NewManager returns a manager for buildDir. Extra directories (downloads,
// outputs) are created alongside it by Create.
func NewManager(buildDir string, subdirs ...string) *Manager {
	return &Manager{buildDir: buildDir, subdirs: subdirs}
}

// Create ensures the build directory and its subdirectories exist.
func (m *Manager) Create() error {
	for _, dir := range append([]string{m.buildDir}, m.subdirs...) {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create build directory: %w", err)
		}
	}
	slog.Debug("Using build directory", logfields.Path(m.buildDir))
	return nil
}

// GetPath returns the build directory.
func (m *Manager) GetPath() string { return m.buildDir }

func (m *Manager) path(name string) string { return filepath.Join(m.buildDir, name) }

// MarkProcessing records that a run has started. A previous COMPLETE marker
// is removed so consumers never see both.
func (m *Manager) MarkProcessing(runID string) error {
	if err := remove(m.path(MarkerComplete)); err != nil {
		return err
	}
	body := fmt.Sprintf("%s %s\n", runID, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(m.path(MarkerProcessing), []byte(body), 0o640); err != nil {
		return fmt.Errorf("failed to write %s marker: %w", MarkerProcessing, err)
	}
	return nil
}

// MarkComplete replaces the PROCESSING marker with COMPLETE.
func (m *Manager) MarkComplete(runID string) error {
	body := fmt.Sprintf("%s %s\n", runID, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(m.path(MarkerComplete), []byte(body), 0o640); err != nil {
		return fmt.Errorf("failed to write %s marker: %w", MarkerComplete, err)
	}
	return remove(m.path(MarkerProcessing))
}

// ClearProcessing removes the PROCESSING marker of a run that did not complete.
func (m *Manager) ClearProcessing() error {
	return remove(m.path(MarkerProcessing))
}

// State reports the current marker state.
func (m *Manager) State() State {
	if exists(m.path(MarkerProcessing)) {
		return StateProcessing
	}
	if exists(m.path(MarkerComplete)) {
		return StateComplete
	}
	return StateIdle
}

// StopRequested reports whether the STOP file is present.
func (m *Manager) StopRequested() bool {
	return exists(m.path(StopFile))
}

// ClearStop removes a STOP file left by a previous run.
func (m *Manager) ClearStop() error {
	return remove(m.path(StopFile))
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", filepath.Base(path), err)
	}
	return nil
}
