package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	zlog "github.com/semihalev/zlog/v2"
)

// Watcher reloads the config file when it changes on disk, so a running
// chat session picks up resolver or allowlist edits without a restart.
type Watcher struct {
	mu sync.Mutex

	path     string
	version  string
	watcher  *fsnotify.Watcher
	onReload func(*Config)
	stop     chan struct{}
}

// NewWatcher watches cfgfile and calls onReload with the freshly loaded
// config after each change.
func NewWatcher(cfgfile, version string, onReload func(*Config)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// watch the directory, editors often replace the file atomically
	if err := fsw.Add(filepath.Dir(cfgfile)); err != nil {
		fsw.Close()
		return nil, err
	}

	w := &Watcher{
		path:     cfgfile,
		version:  version,
		watcher:  fsw,
		onReload: onReload,
		stop:     make(chan struct{}),
	}

	go w.loop()

	return w, nil
}

func (w *Watcher) loop() {
	// debounce: editors fire several events per save
	var timer *time.Timer

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			zlog.Debug("Config file event", "event", event.String())

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(250*time.Millisecond, w.reload)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			zlog.Error("Config watcher error", "error", err.Error())
		case <-w.stop:
			return
		}
	}
}

func (w *Watcher) reload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	cfg, err := Load(w.path, w.version)
	if err != nil {
		zlog.Error("Config reload failed", "path", w.path, "error", err.Error())
		return
	}

	zlog.Info("Config file changed, reloading", "path", w.path)
	w.onReload(cfg)
}

// Stop stops watching.
func (w *Watcher) Stop() {
	close(w.stop)
	w.watcher.Close()
}
