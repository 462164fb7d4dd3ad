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

// Package etcdfeed provides a membership feed backed by etcd.
//
// Each backend is one key under a common prefix, with the final path
// segment holding the backend's host:port:
//
//	{prefix}/{host:port}
//
// The value may be empty, in which case the backend is considered
// alive, or a JSON document advertising a status and labels:
//
//	{"status": "draining", "labels": {"zone": "us-east-1b"}}
//
// Backends typically register themselves with a TTL lease so that
// crashed processes disappear from the feed when their lease expires.
// This package lives in its own subpackage so that programs not using
// etcd do not link the etcd client.
package etcdfeed

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/bufbuild/connlb/membership"
)

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

type optionFunc func(*feed)

func (fn optionFunc) apply(f *feed) {
	fn(f)
}

// New creates a feed that lists the backends registered under the given
// key prefix. The client is borrowed, not owned: closing the feed's
// watches does not close the client.
func New(client *clientv3.Client, prefix string, options ...Option) membership.Feed {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	newFeed := &feed{
		client: client,
		prefix: prefix,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		option.apply(newFeed)
	}
	return newFeed
}

type feed struct {
	client *clientv3.Client
	prefix string
	logger *zap.Logger
}

func (f *feed) Watch(ctx context.Context, receiver membership.Receiver) (io.Closer, error) {
	// The initial list is synchronous so that a misconfigured client or
	// prefix fails the Watch call instead of surfacing later as a
	// receiver error.
	records, revision, err := f.list(ctx)
	if err != nil {
		return nil, err
	}
	receiver.OnMembership(records)
	watchCtx, cancel := context.WithCancel(ctx)
	task := &watchTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
		feed:       f,
	}
	go task.run(watchCtx, receiver, revision)
	return task, nil
}

// list fetches the full membership under the prefix. It returns the
// store revision of the read so that a subsequent watch can resume
// exactly where the snapshot left off.
func (f *feed) list(ctx context.Context) ([]membership.Record, int64, error) {
	response, err := f.client.Get(ctx, f.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	records := make([]membership.Record, 0, len(response.Kvs))
	for _, keyValue := range response.Kvs {
		record, err := f.decode(keyValue.Key, keyValue.Value)
		if err != nil {
			f.logger.Warn("skipping malformed membership entry",
				zap.ByteString("key", keyValue.Key),
				zap.Error(err))
			continue
		}
		records = append(records, record)
	}
	return records, response.Header.Revision, nil
}

// recordDocument is the JSON shape of a registration value.
type recordDocument struct {
	Status string            `json:"status,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

func (f *feed) decode(key, value []byte) (membership.Record, error) {
	hostPort := strings.TrimPrefix(string(key), f.prefix)
	if hostPort == "" || strings.Contains(hostPort, "/") {
		return membership.Record{}, errors.New("key does not name a host:port under the prefix")
	}
	record := membership.Record{
		HostPort: hostPort,
		Status:   membership.StatusAlive,
	}
	if len(value) == 0 {
		return record, nil
	}
	var document recordDocument
	if err := json.Unmarshal(value, &document); err != nil {
		return membership.Record{}, err
	}
	if document.Status != "" {
		record.Status = membership.ParseStatus(document.Status)
	}
	record.Labels = document.Labels
	return record, nil
}

type watchTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
	feed       *feed
}

func (t *watchTask) run(ctx context.Context, receiver membership.Receiver, revision int64) {
	defer close(t.doneSignal)
	// Resume one revision past the initial snapshot so that no change
	// between the list and the watch is missed.
	watchChan := t.feed.client.Watch(ctx, t.feed.prefix,
		clientv3.WithPrefix(), clientv3.WithRev(revision+1))
	for response := range watchChan {
		if err := response.Err(); err != nil {
			if ctx.Err() != nil {
				return
			}
			receiver.OnMembershipError(err)
			continue
		}
		// Any change triggers a full re-list. Parsing individual events
		// would save a round trip, but the full list is authoritative
		// and keeps deletions and lease expirations on one code path.
		records, _, err := t.feed.list(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			receiver.OnMembershipError(err)
			continue
		}
		receiver.OnMembership(records)
	}
}

func (t *watchTask) Close() error {
	t.cancel()
	<-t.doneSignal
	return nil
}
