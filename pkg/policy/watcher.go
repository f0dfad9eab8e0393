package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Syncer applies a freshly loaded policy file.
type Syncer interface {
	Sync(ctx context.Context, f *File) error
}

// Watcher hot-reloads a policy file when it changes on disk.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	syncer   Syncer
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a watcher for path.
func NewWatcher(path string, syncer Syncer) (*Watcher, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("policy file %q: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %q: %w", path, err)
	}
	return &Watcher{
		watcher:  fw,
		path:     path,
		syncer:   syncer,
		debounce: 500 * time.Millisecond,
		logger:   slog.Default().With("component", "policy_watcher"),
	}, nil
}

// Reload loads the file and hands it to the syncer.
func (w *Watcher) Reload(ctx context.Context) error {
	f, err := LoadFile(w.path)
	if err != nil {
		return err
	}
	return w.syncer.Sync(ctx, f)
}

// Run watches for changes and reloads. Blocks until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var debounce *time.Timer
	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(w.debounce, func() {
				if err := w.Reload(ctx); err != nil && !errors.Is(err, context.Canceled) {
					w.logger.WarnContext(ctx, "policy hot-reload failed", "path", w.path, "error", err)
					return
				}
				w.logger.InfoContext(ctx, "policy reloaded", "path", w.path)
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WarnContext(ctx, "file watcher error", "error", err)
		}
	}
}
