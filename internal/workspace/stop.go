package workspace

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/openwind/constraintbuilder/internal/logfields"
)

// StopWatcher latches a stop request from the STOP file or from SIGINT and
// SIGTERM. The pipeline polls it between stages; a second signal cancels the
// context returned by Watch so an operator can still abort a long stage.
type StopWatcher struct {
	m       *Manager
	stopped atomic.Bool
	reason  atomic.Value
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Watch starts watching. Close releases the watcher and signal handlers.
func (m *Manager) Watch(ctx context.Context) (*StopWatcher, context.Context, error) {
	w := &StopWatcher{m: m, done: make(chan struct{})}
	if m.StopRequested() {
		w.latch("stop file present")
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := fw.Add(m.buildDir); err != nil {
		_ = fw.Close()
		return nil, nil, err
	}
	w.watcher = fw

	ctx, cancel := context.WithCancel(ctx)
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		defer cancel()
		defer signal.Stop(sigs)
		for {
			select {
			case <-w.done:
				return
			case <-ctx.Done():
				return
			case sig := <-sigs:
				if w.stopped.Load() {
					slog.Warn("Second stop signal, cancelling running stage", slog.String("signal", sig.String()))
					cancel()
					continue
				}
				w.latch("signal " + sig.String())
			case ev, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) == StopFile && ev.Has(fsnotify.Create) {
					w.latch("stop file created")
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				slog.Warn("Stop file watcher error", logfields.Error(err))
			}
		}
	}()
	return w, ctx, nil
}

func (w *StopWatcher) latch(reason string) {
	if w.stopped.CompareAndSwap(false, true) {
		w.reason.Store(reason)
		slog.Warn("Stop requested, finishing current stage", slog.String("reason", reason), logfields.Path(w.m.buildDir))
	}
}

// Stopped reports whether a stop has been requested. The STOP file is also
// checked directly so a missed filesystem event cannot lose a request.
func (w *StopWatcher) Stopped() bool {
	if !w.stopped.Load() && w.m.StopRequested() {
		w.latch("stop file present")
	}
	return w.stopped.Load()
}

// Reason describes what requested the stop.
func (w *StopWatcher) Reason() string {
	if r, ok := w.reason.Load().(string); ok {
		return r
	}
	return ""
}

// Close stops watching.
func (w *StopWatcher) Close() error {
	select {
	case <-w.done:
		return nil
	default:
		close(w.done)
	}
	return w.watcher.Close()
}
