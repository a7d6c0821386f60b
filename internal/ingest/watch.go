// Copyright 2024 The draw-client Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingest

import (
	"context"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-kit/log/level"

	"github.com/draw-rt/draw-client/internal/catalog"
)

// watchDebounce batches filesystem event bursts into a single early pass.
const watchDebounce = 2 * time.Second

// Run scans at every interval and additionally wakes early when fsnotify
// reports changes under the ingest root. getConfig is consulted at the start
// of each pass so configuration edits take effect without a restart. Watch
// registration failures degrade to pure interval scanning.
func (s *Scanner) Run(ctx context.Context, interval time.Duration, getConfig func(context.Context) (*catalog.SystemConfiguration, error)) error {
	if interval > 0 {
		// Stability promotion requires two matching observations at least
		// one scan interval apart, however the pass was triggered.
		s.mu.Lock()
		s.settleAfter = interval
		s.mu.Unlock()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		level.Warn(s.logger).Log("msg", "fsnotify unavailable, falling back to interval scans", "err", err)
		watcher = nil
	}
	if watcher != nil {
		defer watcher.Close()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var debounce <-chan time.Time

	for {
		cfg, err := getConfig(ctx)
		if err != nil {
			level.Error(s.logger).Log("msg", "loading system configuration", "err", err)
		} else {
			if watcher != nil {
				s.addWatches(watcher, cfg.IngestRoot)
			}
			if _, err := s.Scan(ctx, cfg); err != nil && ctx.Err() == nil {
				level.Error(s.logger).Log("msg", "ingest pass failed", "err", err)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-debounce:
			debounce = nil
		case ev := <-watcherEvents(watcher):
			level.Debug(s.logger).Log("msg", "filesystem change", "op", ev.Op.String(), "path", ev.Name)
			if debounce == nil {
				debounce = time.After(watchDebounce)
			}
			// Wait out the debounce window before rescanning.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			case <-debounce:
				debounce = nil
			}
		}
	}
}

// addWatches registers the root and every directory below it. fsnotify
// watches are not recursive; newly created directories get picked up on the
// following pass.
func (s *Scanner) addWatches(w *fsnotify.Watcher, root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if err := w.Add(path); err != nil {
			level.Debug(s.logger).Log("msg", "watch add failed", "path", path, "err", err)
		}
		return nil
	})
}

func watcherEvents(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}
