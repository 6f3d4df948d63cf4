// Package watcher reports new and modified documents under a directory tree,
// grouped into batches once the tree has been quiet for a debounce interval.
package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fabfab/docbase-rag/logging"
)

const DefaultDebounce = 2 * time.Second

// BatchFunc receives the absolute paths changed since the previous batch.
type BatchFunc func(ctx context.Context, paths []string)

type Watcher struct {
	extensions map[string]struct{}
	debounce   time.Duration
	logger     *zap.Logger
}

func New(extensions []string, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	exts := make(map[string]struct{}, len(extensions))
	for _, ext := range extensions {
		exts[strings.ToLower(ext)] = struct{}{}
	}
	return &Watcher{
		extensions: exts,
		debounce:   debounce,
		logger:     logging.OrNop(logger).Named("watcher"),
	}
}

// Run watches dir recursively until ctx is cancelled. Batches are delivered
// sequentially on the calling goroutine.
func (w *Watcher) Run(ctx context.Context, dir string, fn BatchFunc) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fsw.Close()

	if err := w.addTree(fsw, dir); err != nil {
		return err
	}
	w.logger.Info("watching", zap.String("dir", dir), zap.Duration("debounce", w.debounce))

	pending := map[string]struct{}{}
	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if hidden(event.Name) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(fsw, event.Name); err != nil {
						w.logger.Warn("watch new directory", zap.String("dir", event.Name), zap.Error(err))
					}
					continue
				}
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 || !w.accepts(event.Name) {
				continue
			}
			pending[event.Name] = struct{}{}
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]string, 0, len(pending))
			for path := range pending {
				batch = append(batch, path)
			}
			sort.Strings(batch)
			pending = map[string]struct{}{}

			w.logger.Info("changes detected", zap.Int("files", len(batch)))
			fn(ctx, batch)
		}
	}
}

func (w *Watcher) accepts(path string) bool {
	if len(w.extensions) == 0 {
		return true
	}
	_, ok := w.extensions[strings.ToLower(filepath.Ext(path))]
	return ok
}

func (w *Watcher) addTree(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && hidden(path) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func hidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
