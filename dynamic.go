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

package connlb

import (
	"context"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bufbuild/connlb/balancer"
	"github.com/bufbuild/connlb/conn"
	"github.com/bufbuild/connlb/membership"
)

// PoolFactory creates the per-endpoint pool for a newly discovered
// backend. Implementations typically call [NewEndpointPool] with a
// factory that dials the given endpoint.
type PoolFactory func(endpoint membership.Endpoint) Pool

// DynamicPool keeps a [BalancedPool]'s backend set in sync with a
// membership feed. Backends that join the feed get pools created by the
// pool factory; backends that leave have their pools closed once the
// new set is installed, so that no Get can pick them first.
//
// Snapshots are applied serially. Until the first usable snapshot
// arrives, Get fails with ErrPoolExhausted.
type DynamicPool struct {
	aggregate *BalancedPool
	factory   PoolFactory
	mapper    func(membership.Record) membership.Endpoint
	liveness  func(membership.Record) bool
	logger    *zap.Logger

	watchTask io.Closer
	ready     chan struct{}
	readyOnce sync.Once

	mu sync.Mutex
	// +checklocks:mu
	known map[membership.Endpoint]Pool
	// +checklocks:mu
	closed bool

	closeDone chan struct{}
	// closeErr is written once, before closeDone is closed.
	closeErr error
}

// NewDynamicPool creates a pool whose backend set follows the given
// feed. The ctx bounds the feed subscription: canceling it stops
// membership updates but does not close the pool. All options apply;
// [WithRecordMapper] and [WithLiveness] control how feed records become
// backends.
func NewDynamicPool(ctx context.Context, feed membership.Feed, factory PoolFactory, options ...Option) (*DynamicPool, error) {
	var opts poolOptions
	for _, option := range options {
		option.apply(&opts)
	}
	opts.applyDefaults()
	pool := &DynamicPool{
		aggregate: NewBalancedPool(options...),
		factory:   factory,
		mapper:    opts.mapper,
		liveness:  opts.liveness,
		logger:    opts.logger,
		ready:     make(chan struct{}),
		known:     map[membership.Endpoint]Pool{},
		closeDone: make(chan struct{}),
	}
	// Watch may deliver the first snapshot synchronously, so the
	// receiver must be fully usable before this call.
	task, err := feed.Watch(ctx, (*dynamicReceiver)(pool))
	if err != nil {
		_ = pool.aggregate.Close()
		return nil, err
	}
	pool.watchTask = task
	return pool, nil
}

func (d *DynamicPool) Get(ctx context.Context) (conn.Conn, error) {
	return d.aggregate.Get(ctx)
}

func (d *DynamicPool) Release(connection conn.Conn) {
	d.aggregate.Release(connection)
}

func (d *DynamicPool) Remove(connection conn.Conn) {
	d.aggregate.Remove(connection)
}

// ReportRequest records the outcome of one application-level request
// carried on a leased connection.
func (d *DynamicPool) ReportRequest(connection conn.Conn, result balancer.Result, latency time.Duration) {
	d.aggregate.ReportRequest(connection, result, latency)
}

// Prewarm waits for the first usable membership snapshot and then warms
// every backend, one connection each.
func (d *DynamicPool) Prewarm(ctx context.Context) error {
	select {
	case <-d.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.aggregate.Prewarm(ctx)
}

// Close stops the membership subscription and then closes all backend
// pools. Subsequent calls wait for the first to finish and return its
// result.
func (d *DynamicPool) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		<-d.closeDone
		return d.closeErr
	}
	d.closed = true
	d.mu.Unlock()

	// The feed goes first so that no snapshot can resurrect pools
	// mid-close.
	err := d.watchTask.Close()
	if aggErr := d.aggregate.Close(); err == nil {
		err = aggErr
	}
	d.closeErr = err
	close(d.closeDone)
	return err
}

func (d *DynamicPool) applySnapshot(records []membership.Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	live := make(map[membership.Endpoint]struct{}, len(records))
	for _, record := range records {
		if !d.liveness(record) {
			continue
		}
		live[d.mapper(record)] = struct{}{}
	}
	if len(live) == 0 {
		// An empty set is more likely a discovery hiccup than a real
		// full outage. Keep the last known backends.
		d.logger.Warn("ignoring membership snapshot with no usable backends",
			zap.Int("records", len(records)))
		return
	}
	next := make(map[membership.Endpoint]Pool, len(live))
	var added int
	for endpoint := range live {
		if pool, ok := d.known[endpoint]; ok {
			next[endpoint] = pool
			continue
		}
		next[endpoint] = d.factory(endpoint)
		added++
	}
	d.aggregate.SetBackends(next)
	var removed int
	for endpoint, pool := range d.known {
		if _, ok := live[endpoint]; ok {
			continue
		}
		removed++
		// Closed only after the swap, so no new Get can pick this pool.
		// Connections still leased from it drain back and are destroyed
		// on release.
		if err := pool.Close(); err != nil {
			d.logger.Warn("closing removed backend pool failed",
				zap.String("endpoint", endpoint.HostPort),
				zap.Error(err))
		}
	}
	d.known = next
	if added > 0 || removed > 0 {
		d.logger.Info("backend set updated",
			zap.Int("backends", len(next)),
			zap.Int("added", added),
			zap.Int("removed", removed))
	}
	d.readyOnce.Do(func() {
		close(d.ready)
	})
}

// dynamicReceiver adapts DynamicPool to [membership.Receiver] without
// exposing the callback methods on the pool's public API.
type dynamicReceiver DynamicPool

func (d *dynamicReceiver) OnMembership(records []membership.Record) {
	(*DynamicPool)(d).applySnapshot(records)
}

func (d *dynamicReceiver) OnMembershipError(err error) {
	d.logger.Warn("membership feed error", zap.Error(err))
}
