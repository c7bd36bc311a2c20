// Copyright 2026 The Synaptiq Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// ReloadFunc receives the freshly loaded configuration on file change.
type ReloadFunc func(*Config)

// Watcher hot-reloads the configuration file. Only changes that survive
// LoadConfig's validation reach the callback; a broken edit keeps the
// previous configuration in effect.
type Watcher struct {
	path     string
	onReload ReloadFunc

	watcher *fsnotify.Watcher
	stop    chan struct{}
	once    sync.Once
}

// NewWatcher creates a watcher for the given config file.
func NewWatcher(path string, onReload ReloadFunc) *Watcher {
	return &Watcher{path: path, onReload: onReload, stop: make(chan struct{})}
}

// Start begins watching in the background.
func (w *Watcher) Start() error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fw.Add(w.path); err != nil {
		_ = fw.Close()
		return err
	}
	w.watcher = fw

	go w.loop()
	log.WithField("path", w.path).Info("Config watcher started")
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			// Editors often write in bursts; let the file settle.
			time.Sleep(100 * time.Millisecond)

			// Save-via-rename replaces the inode and silently drops the
			// watch; re-arm it so the next save is still seen.
			if event.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				if err := w.rearm(); err != nil {
					log.Errorf("Config watch re-add failed, hot reload disabled: %v", err)
					continue
				}
			}
			cfg, err := LoadConfig(w.path)
			if err != nil {
				log.Errorf("Config reload failed, keeping previous config: %v", err)
				continue
			}
			log.WithField("path", w.path).Info("Config reloaded")
			w.onReload(cfg)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warnf("Config watcher error: %v", err)
		case <-w.stop:
			return
		}
	}
}

// rearm re-adds the watch path. The replacement file may not exist yet
// when the rename event arrives, so adding is retried briefly.
func (w *Watcher) rearm() error {
	_ = w.watcher.Remove(w.path)

	var err error
	for i := 0; i < 10; i++ {
		if err = w.watcher.Add(w.path); err == nil {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return err
}

// Stop ends the watch. Safe to call more than once.
func (w *Watcher) Stop() {
	w.once.Do(func() {
		close(w.stop)
		if w.watcher != nil {
			_ = w.watcher.Close()
		}
	})
}
