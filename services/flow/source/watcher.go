// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package source

import (
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports writes to watched source files so stale cache
// entries can be invalidated without waiting for a fingerprint miss.
//
// Watching is best-effort: platforms or paths that cannot be watched
// simply fall back to fingerprint validation on the next lookup.
type Watcher struct {
	fw       *fsnotify.Watcher
	onChange func(path string)
	logger   *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// NewWatcher starts a watcher delivering changed paths to onChange.
//
// Inputs:
//
//	onChange - Called from the watcher goroutine for every write,
//	create, or rename event. Must not block.
//	logger - Logger for watch diagnostics. Nil uses slog.Default.
func NewWatcher(onChange func(path string), logger *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		fw:       fw,
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Add registers one file or directory for watching. Failures are
// logged and ignored.
func (w *Watcher) Add(path string) {
	if err := w.fw.Add(path); err != nil {
		w.logger.Debug("watch add failed", "path", path, "error", err)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.fw.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				w.logger.Debug("source changed", "path", event.Name, "op", event.Op.String())
				if w.onChange != nil {
					w.onChange(event.Name)
				}
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Debug("watch error", "error", err)
		}
	}
}
