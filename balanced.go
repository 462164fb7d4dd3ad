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
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bufbuild/connlb/balancer"
	"github.com/bufbuild/connlb/conn"
	"github.com/bufbuild/connlb/internal"
	"github.com/bufbuild/connlb/membership"
)

// BalancedPool spreads Get calls across a set of per-endpoint pools,
// picking a backend per call via a [balancer.Strategy]. Connect and
// request outcomes are fed back to the strategy so that it can steer
// traffic away from slow or failing backends.
//
// The pool does not own backend lifecycles: [SetBackends] installs
// pools but never closes the ones it displaces. [NewDynamicPool] layers
// lifecycle management on top for feed-driven membership.
type BalancedPool struct {
	lb                  *balancer.LoadBalancer
	logger              *zap.Logger
	clock               internal.Clock
	restoreInterval     time.Duration
	restoreProbeTimeout time.Duration

	restorerStop chan struct{}
	restorerDone chan struct{}

	mu sync.RWMutex
	// +checklocks:mu
	table map[membership.Endpoint]Pool
	// +checklocks:mu
	closed bool

	closeDone chan struct{}
	// closeErr is written once, by the Close call that wins the race,
	// before closeDone is closed.
	closeErr error
}

// NewBalancedPool creates an aggregate pool with an initially empty
// backend set. Get fails with ErrPoolExhausted until [SetBackends]
// installs at least one backend.
func NewBalancedPool(options ...Option) *BalancedPool {
	pool := newBalancedPool(options...)
	pool.start()
	return pool
}

func newBalancedPool(options ...Option) *BalancedPool {
	var opts poolOptions
	for _, option := range options {
		option.apply(&opts)
	}
	opts.applyDefaults()
	strategy := opts.strategy
	if strategy == nil {
		strategy = balancer.NewRoundRobin()
	}
	pool := &BalancedPool{
		lb:                  balancer.NewLoadBalancer(strategy),
		logger:              opts.logger,
		clock:               internal.NewRealClock(),
		restoreInterval:     opts.restoreInterval,
		restoreProbeTimeout: opts.restoreProbeTimeout,
		table:               map[membership.Endpoint]Pool{},
		closeDone:           make(chan struct{}),
	}
	if pool.restoreInterval > 0 {
		pool.restorerStop = make(chan struct{})
		pool.restorerDone = make(chan struct{})
	}
	return pool
}

func (b *BalancedPool) start() {
	if b.restoreInterval > 0 {
		go b.restoreLoop()
	}
}

func (b *BalancedPool) Get(ctx context.Context) (conn.Conn, error) {
	start := b.clock.Now()
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, fmt.Errorf("balanced pool: %w", ErrPoolClosed)
	}
	endpoint, err := b.lb.NextBackend()
	if err != nil {
		b.mu.RUnlock()
		return nil, fmt.Errorf("%w: %w", ErrPoolExhausted, err)
	}
	pool, ok := b.table[endpoint]
	b.mu.RUnlock()
	if !ok {
		// The strategy's view can briefly trail the table while the
		// backend set changes.
		b.lb.AddConnectResult(endpoint, balancer.ResultFailed, b.clock.Since(start))
		return nil, fmt.Errorf("backend %s: %w: not in current backend set", endpoint, ErrPoolExhausted)
	}
	connection, err := pool.Get(ctx)
	latency := b.clock.Since(start)
	if err != nil {
		b.lb.AddConnectResult(endpoint, classifyError(err), latency)
		return nil, err
	}
	b.lb.AddConnectResult(endpoint, balancer.ResultSuccess, latency)
	return &managedConn{Conn: connection, pool: pool}, nil
}

// Release returns a connection obtained from Get to its endpoint pool
// and notifies the strategy. It panics if the connection did not come
// from this pool.
func (b *BalancedPool) Release(connection conn.Conn) {
	managed := mustManaged(connection)
	managed.pool.Release(managed.Conn)
	b.lb.ConnectionReturned(managed.Endpoint())
}

// Remove is like Release but destroys the connection unconditionally.
func (b *BalancedPool) Remove(connection conn.Conn) {
	managed := mustManaged(connection)
	managed.pool.Remove(managed.Conn)
	b.lb.ConnectionReturned(managed.Endpoint())
}

// ReportRequest records the outcome of one application-level request
// carried on a leased connection. Strategies that track backend health
// weigh these alongside connect outcomes.
func (b *BalancedPool) ReportRequest(connection conn.Conn, result balancer.Result, latency time.Duration) {
	managed := mustManaged(connection)
	b.lb.AddRequestResult(managed.Endpoint(), result, latency)
}

// SetBackends replaces the backend set wholesale. The map is copied;
// the caller may reuse it. Pools displaced by the new set are not
// closed, since the caller owns pool lifecycles. In-flight connections
// from displaced pools release back to them normally.
func (b *BalancedPool) SetBackends(pools map[membership.Endpoint]Pool) {
	table := make(map[membership.Endpoint]Pool, len(pools))
	endpoints := make([]membership.Endpoint, 0, len(pools))
	for endpoint, pool := range pools {
		table[endpoint] = pool
		endpoints = append(endpoints, endpoint)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.table = table
	b.lb.OfferBackends(endpoints)
}

// Prewarm establishes one connection per backend, in parallel, feeding
// the outcomes to the strategy. Individual backend failures are logged
// and reported to the strategy but do not fail the warmup; the returned
// error reflects only ctx expiry.
func (b *BalancedPool) Prewarm(ctx context.Context) error {
	snapshot := b.snapshotTable()
	group, groupCtx := errgroup.WithContext(ctx)
	for endpoint, pool := range snapshot {
		group.Go(func() error {
			b.probeBackend(groupCtx, endpoint, pool)
			return groupCtx.Err()
		})
	}
	return group.Wait()
}

func (b *BalancedPool) snapshotTable() map[membership.Endpoint]Pool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	snapshot := make(map[membership.Endpoint]Pool, len(b.table))
	for endpoint, pool := range b.table {
		snapshot[endpoint] = pool
	}
	return snapshot
}

// probeBackend leases one connection and immediately returns it. The
// outcome flows through the normal strategy feedback path, which is
// what lets quarantined backends eventually prove themselves healthy.
func (b *BalancedPool) probeBackend(ctx context.Context, endpoint membership.Endpoint, pool Pool) {
	start := b.clock.Now()
	connection, err := pool.Get(ctx)
	latency := b.clock.Since(start)
	if err != nil {
		if errors.Is(err, ErrPoolClosed) {
			// Backend was removed mid-pass.
			return
		}
		b.lb.AddConnectResult(endpoint, classifyError(err), latency)
		b.logger.Debug("backend probe failed",
			zap.String("endpoint", endpoint.HostPort),
			zap.Error(err))
		return
	}
	b.lb.AddConnectResult(endpoint, balancer.ResultSuccess, latency)
	pool.Release(connection)
	b.lb.ConnectionReturned(endpoint)
}

// restoreLoop periodically touches every backend with a short-lived
// lease. Without it, a backend quarantined by the strategy would see no
// traffic and so could never produce the successes needed to rejoin the
// rotation. The delay is measured from the end of one pass to the start
// of the next.
func (b *BalancedPool) restoreLoop() {
	defer close(b.restorerDone)
	timer := b.clock.NewTimer(b.restoreInterval)
	for {
		select {
		case <-b.restorerStop:
			timer.Stop()
			return
		case <-timer.Chan():
		}
		b.restorePass()
		timer.Reset(b.restoreInterval)
	}
}

func (b *BalancedPool) restorePass() {
	for endpoint, pool := range b.snapshotTable() {
		probeCtx, cancel := context.WithTimeout(context.Background(), b.restoreProbeTimeout)
		b.probeBackend(probeCtx, endpoint, pool)
		cancel()
	}
}

// Close stops the restorer and closes every pool in the current backend
// set, in parallel. It returns the first pool close error, if any.
// Subsequent calls wait for the first to finish and return its result.
func (b *BalancedPool) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.closeDone
		return b.closeErr
	}
	b.closed = true
	table := b.table
	b.table = map[membership.Endpoint]Pool{}
	b.mu.Unlock()

	if b.restorerStop != nil {
		close(b.restorerStop)
		<-b.restorerDone
	}
	group, _ := errgroup.WithContext(context.Background())
	var firstErr atomic.Pointer[error]
	doClose := func(closer io.Closer) func() error {
		return func() error {
			if err := closer.Close(); err != nil {
				firstErr.CompareAndSwap(nil, &err)
			}
			return nil
		}
	}
	for _, pool := range table {
		group.Go(doClose(pool))
	}
	_ = group.Wait()
	if errPtr := firstErr.Load(); errPtr != nil {
		b.closeErr = *errPtr
	}
	close(b.closeDone)
	return b.closeErr
}

func classifyError(err error) balancer.Result {
	if errors.Is(err, ErrGetTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return balancer.ResultTimeout
	}
	return balancer.ResultFailed
}

// managedConn tags a leased connection with the endpoint pool it came
// from so that Release and Remove can route it home.
type managedConn struct {
	conn.Conn
	pool Pool
}

func mustManaged(connection conn.Conn) *managedConn {
	managed, ok := connection.(*managedConn)
	if !ok {
		panic("connlb: connection was not obtained from this pool")
	}
	return managed
}
