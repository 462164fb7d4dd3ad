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

package membership

import (
	"context"
	"io"
	"sync"
)

// StaticFeed is a feed with an explicitly managed roster. Watch delivers the
// current roster immediately; Update replaces it and redelivers to every
// active watcher. It is intended for fixed fleets and for tests.
type StaticFeed struct {
	mu       sync.Mutex
	records  []Record
	watchers map[*staticWatch]struct{}
}

var _ Feed = (*StaticFeed)(nil)

// NewStaticFeed creates a feed whose initial roster is the given records,
// all reported alive. Use NewStaticFeedRecords for full control over the
// record contents.
func NewStaticFeed(hostPorts ...string) *StaticFeed {
	records := make([]Record, len(hostPorts))
	for i, hostPort := range hostPorts {
		records[i] = Record{HostPort: hostPort, Status: StatusAlive}
	}
	return NewStaticFeedRecords(records)
}

// NewStaticFeedRecords creates a feed whose initial roster is the given
// records.
func NewStaticFeedRecords(records []Record) *StaticFeed {
	return &StaticFeed{
		records:  records,
		watchers: map[*staticWatch]struct{}{},
	}
}

// Watch implements Feed. The receiver is called with the current roster
// before Watch returns.
func (f *StaticFeed) Watch(_ context.Context, receiver Receiver) (io.Closer, error) {
	watch := &staticWatch{feed: f, receiver: receiver}
	f.mu.Lock()
	f.watchers[watch] = struct{}{}
	records := f.snapshotLocked()
	f.mu.Unlock()
	receiver.OnMembership(records)
	return watch, nil
}

// Update replaces the roster and delivers it to every active watcher.
func (f *StaticFeed) Update(records []Record) {
	f.mu.Lock()
	f.records = records
	watchers := make([]*staticWatch, 0, len(f.watchers))
	for watch := range f.watchers {
		watchers = append(watchers, watch)
	}
	snapshot := f.snapshotLocked()
	f.mu.Unlock()
	for _, watch := range watchers {
		watch.receiver.OnMembership(snapshot)
	}
}

// +checklocks:f.mu
func (f *StaticFeed) snapshotLocked() []Record {
	records := make([]Record, len(f.records))
	copy(records, f.records)
	return records
}

type staticWatch struct {
	feed     *StaticFeed
	receiver Receiver
}

func (w *staticWatch) Close() error {
	w.feed.mu.Lock()
	delete(w.feed.watchers, w)
	w.feed.mu.Unlock()
	return nil
}
