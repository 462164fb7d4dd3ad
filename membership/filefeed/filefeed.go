// Copyright 2024-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package filefeed provides a membership feed backed by a YAML roster
// file on disk:
//
//	backends:
//	  - hostPort: 10.0.0.1:5432
//	    labels:
//	      zone: us-east-1a
//	  - hostPort: 10.0.0.2:5432
//	    status: draining
//
// The feed re-reads the roster whenever the file changes, so rosters
// managed by configuration management or mounted from a Kubernetes
// ConfigMap propagate without a restart. Entries without a status are
// considered alive.
package filefeed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/bufbuild/connlb/membership"
)

const defaultDebounceDelay = 100 * time.Millisecond

// An Option applies configuration to a feed.
type Option interface {
	apply(*feed)
}

// WithLogger configures the feed to report skipped entries and watch
// errors to the given logger. The default discards all output.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(f *feed) {
		f.logger = logger
	})
}

// WithDebounceDelay configures how long the feed waits after a file
// change before re-reading the roster, coalescing bursts of writes. The
// default is 100 milliseconds.
func WithDebounceDelay(delay time.Duration) Option {
	return optionFunc(func(f *feed) {
		f.debounceDelay = delay
	})
}

type optionFunc func(*feed)

func (fn optionFunc) apply(f *feed) {
	fn(f)
}

// New creates a feed that reads backends from the roster file at the
// given path.
func New(path string, options ...Option) membership.Feed {
	newFeed := &feed{
		path:          path,
		logger:        zap.NewNop(),
		debounceDelay: defaultDebounceDelay,
	}
	for _, option := range options {
		option.apply(newFeed)
	}
	return newFeed
}

type feed struct {
	path          string
	logger        *zap.Logger
	debounceDelay time.Duration
}

func (f *feed) Watch(ctx context.Context, receiver membership.Receiver) (io.Closer, error) {
	path, err := filepath.Abs(f.path)
	if err != nil {
		return nil, err
	}
	// A missing or malformed roster fails the Watch call; once watching,
	// the same problems surface as receiver errors and the last good
	// roster stays in effect.
	records, err := f.load(path)
	if err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory rather than the file itself: editors and
	// ConfigMap mounts replace the file by rename, which would silently
	// detach a watch on the old inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return nil, err
	}
	receiver.OnMembership(records)
	watchCtx, cancel := context.WithCancel(ctx)
	task := &watchTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
		watcher:    watcher,
	}
	go task.run(watchCtx, f, path, receiver)
	return task, nil
}

func (f *feed) load(path string) ([]membership.Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var document rosterDocument
	if err := yaml.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("parsing roster %s: %w", path, err)
	}
	records := make([]membership.Record, 0, len(document.Backends))
	for i, entry := range document.Backends {
		if entry.HostPort == "" {
			f.logger.Warn("skipping roster entry without hostPort",
				zap.String("path", path),
				zap.Int("index", i))
			continue
		}
		record := membership.Record{
			HostPort: entry.HostPort,
			Status:   membership.StatusAlive,
			Labels:   entry.Labels,
		}
		if entry.Status != "" {
			record.Status = membership.ParseStatus(entry.Status)
		}
		records = append(records, record)
	}
	return records, nil
}

type rosterDocument struct {
	Backends []rosterEntry `yaml:"backends"`
}

type rosterEntry struct {
	HostPort string            `yaml:"hostPort"`
	Status   string            `yaml:"status,omitempty"`
	Labels   map[string]string `yaml:"labels,omitempty"`
}

type watchTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
	watcher    *fsnotify.Watcher
}

func (t *watchTask) run(ctx context.Context, feed *feed, path string, receiver membership.Receiver) {
	defer close(t.doneSignal)
	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			feed.logger.Debug("roster file changed",
				zap.String("path", path),
				zap.String("op", event.Op.String()))
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.NewTimer(feed.debounceDelay)
			debounceCh = debounceTimer.C
		case <-debounceCh:
			debounceCh = nil
			records, err := feed.load(path)
			if err != nil {
				receiver.OnMembershipError(err)
				continue
			}
			receiver.OnMembership(records)
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			receiver.OnMembershipError(fmt.Errorf("watching roster: %w", err))
		}
	}
}

func (t *watchTask) Close() error {
	t.cancel()
	<-t.doneSignal
	err := t.watcher.Close()
	if err != nil && errors.Is(err, fsnotify.ErrClosed) {
		return nil
	}
	return err
}
