package stress

import (
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/benz9527/xmap/lib/infra"
	"github.com/benz9527/xmap/xlog"
)

// ConfigWatcher reloads the config file on change and hands the
// validated result to the callbacks. Invalid reloads are logged and
// dropped.
type ConfigWatcher struct {
	watcher   *fsnotify.Watcher
	loader    *Loader
	logger    xlog.XLogger
	lock      sync.RWMutex
	callbacks []func(cfg *Config)
	done      chan struct{}
	stopOnce  sync.Once
}

func NewConfigWatcher(loader *Loader, logger xlog.XLogger) (*ConfigWatcher, error) {
	if loader == nil || loader.FilePath() == "" {
		return nil, infra.WrapErrorStackWithMessage(ErrStressInvalidConfig, "watcher without config file")
	}
	if logger == nil {
		return nil, infra.WrapErrorStackWithMessage(ErrStressInvalidConfig, "watcher without logger")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, infra.WrapErrorStack(err)
	}
	return &ConfigWatcher{
		watcher:   w,
		loader:    loader,
		logger:    logger,
		callbacks: make([]func(cfg *Config), 0, 4),
		done:      make(chan struct{}),
	}, nil
}

func (w *ConfigWatcher) OnChange(fn func(cfg *Config)) {
	if fn == nil {
		return
	}
	w.lock.Lock()
	defer w.lock.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start watches the directory of the file, editors replace files by
// rename.
func (w *ConfigWatcher) Start() error {
	dir := filepath.Dir(w.loader.FilePath())
	if err := w.watcher.Add(dir); err != nil {
		return infra.WrapErrorStackWithMessage(err, "watch "+dir)
	}
	go w.loop()
	w.logger.Debug("config watcher started", zap.String("file", w.loader.FilePath()))
	return nil
}

func (w *ConfigWatcher) loop() {
	target := filepath.Clean(w.loader.FilePath())
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target ||
				!(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			cfg, err := w.loader.Load()
			if err != nil {
				w.logger.ErrorStack(err, "config reload failed", zap.String("file", target))
				continue
			}
			w.logger.Info("config reloaded", zap.String("file", target), zap.String("op", event.Op.String()))
			w.notify(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error(err, "config watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *ConfigWatcher) notify(cfg *Config) {
	w.lock.RLock()
	defer w.lock.RUnlock()
	for _, fn := range w.callbacks {
		fn(cfg)
	}
}

// Stop is idempotent.
func (w *ConfigWatcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.watcher.Close()
	})
	return err
}
