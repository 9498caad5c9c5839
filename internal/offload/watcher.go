// SPDX-License-Identifier: MIT

package offload

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/fieldrig/fieldrig/internal/log"
)

// Watcher wakes the worker when a manifest lands under the recordings root.
// The recorder also wakes the worker directly after finalization; the watcher
// is the recovery path for manifests written while the worker was down or by
// an operator copying files in by hand.
type Watcher struct {
	root   string
	worker *Worker
	fs     *fsnotify.Watcher
}

// NewWatcher builds a watcher over the recordings root. fsnotify does not
// recurse, so session and node directories are added as they appear.
func NewWatcher(root string, worker *Worker) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{root: root, worker: worker, fs: fs}
	if err := w.addTree(root); err != nil {
		_ = fs.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return w.fs.Add(path)
	})
}

// Run dispatches filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	logger := log.WithComponent("offload.watcher")
	defer func() { _ = w.fs.Close() }()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if ev.Op.Has(fsnotify.Create) {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					_ = w.addTree(ev.Name)
					continue
				}
			}
			if strings.HasSuffix(ev.Name, ".json") && (ev.Op.Has(fsnotify.Create) || ev.Op.Has(fsnotify.Write) || ev.Op.Has(fsnotify.Rename)) {
				logger.Debug().Str(log.FieldPath, ev.Name).Msg("manifest activity")
				w.worker.Wake()
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("watch error")
		}
	}
}
