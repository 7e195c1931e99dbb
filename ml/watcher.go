package ml

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ModelWatcher holds the currently loaded forest and hot-reloads it when a
// training run replaces the artifact on disk. Scoring callers always see
// either the previous or the new fully loaded model, never a partial one.
type ModelWatcher struct {
	path   string
	logger *zap.Logger

	mu     sync.RWMutex
	forest *RandomForest

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewModelWatcher loads the artifact once. The initial load must succeed;
// a process without a model cannot serve predictions at all.
func NewModelWatcher(path string, logger *zap.Logger) (*ModelWatcher, error) {
	forest, err := LoadForest(path)
	if err != nil {
		return nil, err
	}
	return &ModelWatcher{
		path:   path,
		logger: logger,
		forest: forest,
		done:   make(chan struct{}),
	}, nil
}

// Model returns the current forest.
func (w *ModelWatcher) Model() *RandomForest {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.forest
}

// Predict proxies to the loaded forest, so the watcher itself satisfies the
// Predictor interface.
func (w *ModelWatcher) Predict(features []float64) (int, float64, error) {
	return w.Model().Predict(features)
}

// Watch starts reloading on filesystem changes. The artifact is written via
// rename, so watching the directory catches the create event.
func (w *ModelWatcher) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		watcher.Close()
		return err
	}
	w.watcher = watcher

	go func() {
		var pending <-chan time.Time
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.path) {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				// Debounce: rename after temp-write fires multiple events.
				pending = time.After(200 * time.Millisecond)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("model watcher error", zap.Error(err))
			case <-pending:
				pending = nil
				w.reload()
			case <-w.done:
				return
			}
		}
	}()
	return nil
}

// Reload forces a reload, used after an in-process retrain.
func (w *ModelWatcher) Reload() error {
	forest, err := LoadForest(w.path)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.forest = forest
	w.mu.Unlock()
	return nil
}

func (w *ModelWatcher) reload() {
	if err := w.Reload(); err != nil {
		w.logger.Error("model reload failed, keeping previous model",
			zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("model reloaded",
		zap.String("path", w.path),
		zap.Time("trained_at", w.Model().TrainedAt),
		zap.Int("trees", len(w.Model().Trees)))
}

// Close stops the watch goroutine.
func (w *ModelWatcher) Close() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
