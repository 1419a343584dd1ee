// Package filewatch provides an event-driven probe recording file system
// activity under a set of paths.
package filewatch

import (
	"context"
	"sync"

	"codeberg.org/mutker/sensusd/internal/datum"
	"codeberg.org/mutker/sensusd/internal/errors"
	"codeberg.org/mutker/sensusd/internal/logger"
	"codeberg.org/mutker/sensusd/internal/probe"
	"github.com/fsnotify/fsnotify"
)

// Type is the registry name of the file watch probe.
const Type = "filewatch"

const (
	ErrNoPaths     = errors.ErrorCode("filewatch_no_paths")
	ErrWatchFailed = errors.ErrorCode("filewatch_watch_failed")
	ErrNotOpen     = errors.ErrorCode("filewatch_not_open")
)

// Watcher implements probe.Listener, probe.Opener and probe.Closer over an
// fsnotify watcher.
type Watcher struct {
	paths []string
	log   logger.Logger

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func NewWatcher(paths []string, log logger.Logger) *Watcher {
	if log == nil {
		log = logger.Default()
	}
	return &Watcher{paths: paths, log: log.With("filewatch")}
}

// Open starts watching every configured path. Any path that cannot be
// watched fails the open.
func (w *Watcher) Open(context.Context) error {
	errFactory := errors.New()

	if len(w.paths) == 0 {
		return errFactory.New(ErrNoPaths)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errFactory.Wrap(ErrWatchFailed, err)
	}

	for _, path := range w.paths {
		if err := watcher.Add(path); err != nil {
			_ = watcher.Close()
			return errFactory.Wrap(ErrWatchFailed, err).WithMessage("failed to watch " + path)
		}
		w.log.Debug().Str("path", path).Msg("Watching path")
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	return nil
}

// Listen emits one record per file system event until ctx is done or the
// watcher is closed.
func (w *Watcher) Listen(ctx context.Context, emit probe.Emitter) error {
	w.mu.Lock()
	watcher := w.watcher
	w.mu.Unlock()

	if watcher == nil {
		return errors.New().New(ErrNotOpen)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			d := datum.New("", map[string]any{
				"path": event.Name,
				"op":   event.Op.String(),
			})
			if err := emit.Emit(ctx, d); err != nil {
				w.log.Debug().Err(err).Str("path", event.Name).Msg("Event not stored")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("Watcher error")
		}
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	watcher := w.watcher
	w.watcher = nil
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	return watcher.Close()
}

// Register adds the file watch probe to r. The "paths" option lists the
// watched paths; "path" is accepted for a single one.
func Register(r *probe.Registry, log logger.Logger) error {
	if log == nil {
		log = logger.Default()
	}

	return r.Register(Type, func(spec probe.Spec) (*probe.Probe, error) {
		paths, err := optionPaths(spec.Options)
		if err != nil {
			return nil, err
		}
		return probe.NewListening(spec.Name, NewWatcher(paths, log), probe.WithLogger(log.With("probe"))), nil
	})
}

func optionPaths(options map[string]any) ([]string, error) {
	var paths []string

	if p, ok := options["path"].(string); ok && p != "" {
		paths = append(paths, p)
	}

	switch v := options["paths"].(type) {
	case nil:
	case []string:
		paths = append(paths, v...)
	case []any:
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, errors.New().WithData(ErrNoPaths, item)
			}
			paths = append(paths, s)
		}
	default:
		return nil, errors.New().WithData(ErrNoPaths, v)
	}

	return paths, nil
}
