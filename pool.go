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
	"sync"

	"go.uber.org/zap"

	"github.com/bufbuild/connlb/conn"
	"github.com/bufbuild/connlb/membership"
)

// Pool is the lease-oriented interface implemented by all pool flavors
// in this package. Connections obtained from Get are owned exclusively
// by the caller until passed to Release or Remove.
type Pool interface {
	// Get returns a connection for the caller's exclusive use, blocking
	// until one is available, one is created, or ctx expires.
	Get(ctx context.Context) (conn.Conn, error)
	// Release returns a leased connection to the pool. Connections that
	// report themselves invalid are destroyed; valid ones become
	// available to other callers. Release panics if the connection is
	// not currently leased from this pool.
	Release(connection conn.Conn)
	// Remove returns a leased connection and destroys it regardless of
	// validity. Like Release, it panics on foreign connections.
	Remove(connection conn.Conn)
	// Close destroys idle connections and fails waiting callers with
	// ErrPoolClosed. Connections leased at the time of the call are
	// destroyed as they are returned. Close is idempotent.
	Close() error
}

var errNilConn = errors.New("factory returned no connection and no error")

// EndpointPool pools connections to a single backend. The zero value is
// not usable; construct instances with [NewEndpointPool].
//
// The pool itself holds no size limit: capacity is governed entirely by
// the factory. A factory whose CanCreate reports false makes Get block
// until another caller returns a connection.
type EndpointPool struct {
	endpoint membership.Endpoint
	factory  conn.Factory
	logger   *zap.Logger
	metrics  Metrics

	mu sync.Mutex
	// +checklocks:mu
	available []conn.Conn
	// +checklocks:mu
	leased map[conn.Conn]struct{}
	// Waiting Gets, oldest first. Each channel has capacity one and
	// receives exactly one connection or is closed by Close.
	// +checklocks:mu
	waiters []chan conn.Conn
	// In-flight creation attempts, synchronous and background alike.
	// +checklocks:mu
	pending int
	// +checklocks:mu
	closed bool
}

// NewEndpointPool creates a pool that uses the given factory to make
// connections to the given endpoint. Only [WithLogger] and
// [WithMetrics] options apply.
func NewEndpointPool(endpoint membership.Endpoint, factory conn.Factory, options ...Option) *EndpointPool {
	var opts poolOptions
	for _, option := range options {
		option.apply(&opts)
	}
	opts.applyDefaults()
	return &EndpointPool{
		endpoint: endpoint,
		factory:  factory,
		logger:   opts.logger,
		metrics:  opts.metrics,
		leased:   map[conn.Conn]struct{}{},
	}
}

// Endpoint returns the backend this pool connects to.
func (p *EndpointPool) Endpoint() membership.Endpoint {
	return p.endpoint
}

func (p *EndpointPool) Get(ctx context.Context) (conn.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("backend %s: %w", p.endpoint, ErrPoolClosed)
	}
	if connection := p.takeIdleLocked(); connection != nil {
		p.mu.Unlock()
		return connection, nil
	}
	if len(p.leased) == 0 && p.pending == 0 {
		return p.getCold(ctx)
	}
	// Something is leased or being created. Try to grow in the
	// background and wait for whichever connection shows up first.
	// CanCreate is called with the lock held, so factories must not
	// call back into the pool.
	if p.factory.CanCreate() {
		p.pending++
		go p.createInBackground(context.WithoutCancel(ctx))
	}
	waiter := make(chan conn.Conn, 1)
	p.waiters = append(p.waiters, waiter)
	p.mu.Unlock()

	select {
	case connection, ok := <-waiter:
		if !ok {
			return nil, fmt.Errorf("backend %s: %w", p.endpoint, ErrPoolClosed)
		}
		return connection, nil
	case <-ctx.Done():
		return nil, p.withdraw(waiter, ctx.Err())
	}
}

// getCold creates a connection synchronously, within the caller's own
// deadline budget. Used when the pool is completely empty, where a
// background attempt would have nothing to race against. Called with
// p.mu held; returns with it released.
func (p *EndpointPool) getCold(ctx context.Context) (conn.Conn, error) {
	p.pending++
	p.mu.Unlock()
	connection, err := p.factory.New(ctx)
	if err == nil && connection == nil {
		err = errNilConn
	}
	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("backend %s: %w: %w", p.endpoint, ErrGetTimeout, err)
		}
		return nil, fmt.Errorf("backend %s: %w: %w", p.endpoint, ErrPoolExhausted, err)
	}
	if p.closed {
		p.mu.Unlock()
		_ = p.destroy(connection)
		return nil, fmt.Errorf("backend %s: %w", p.endpoint, ErrPoolClosed)
	}
	p.metrics.ConnCreated(p.endpoint)
	p.leased[connection] = struct{}{}
	p.reportSizeLocked()
	p.mu.Unlock()
	return connection, nil
}

// withdraw removes the waiter after its context expired. If a released
// or freshly created connection raced in first, it is handed to the
// next waiter or returned to the idle set.
func (p *EndpointPool) withdraw(waiter chan conn.Conn, cause error) error {
	p.mu.Lock()
	for i, other := range p.waiters {
		if other == waiter {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return fmt.Errorf("backend %s: %w: %w", p.endpoint, ErrGetTimeout, cause)
		}
	}
	// Not queued anymore: a hand-off put a connection in the channel, or
	// Close closed it. Either way the channel is resolved and the
	// receive below cannot block.
	connection, ok := <-waiter
	if ok {
		delete(p.leased, connection)
		if p.closed || !connection.IsValid() {
			p.reportSizeLocked()
			p.mu.Unlock()
			_ = p.destroy(connection)
			return fmt.Errorf("backend %s: %w: %w", p.endpoint, ErrGetTimeout, cause)
		}
		p.handOffLocked(connection)
		p.reportSizeLocked()
	}
	p.mu.Unlock()
	return fmt.Errorf("backend %s: %w: %w", p.endpoint, ErrGetTimeout, cause)
}

func (p *EndpointPool) createInBackground(ctx context.Context) {
	connection, err := p.factory.New(ctx)
	if err == nil && connection == nil {
		err = errNilConn
	}
	p.mu.Lock()
	p.pending--
	if err != nil {
		p.mu.Unlock()
		// Waiters are not failed on creation errors; their own contexts
		// bound how long they wait.
		p.logger.Warn("background connection create failed",
			zap.String("endpoint", p.endpoint.HostPort),
			zap.Error(err))
		return
	}
	if p.closed {
		p.mu.Unlock()
		_ = p.destroy(connection)
		return
	}
	p.metrics.ConnCreated(p.endpoint)
	p.handOffLocked(connection)
	p.reportSizeLocked()
	p.mu.Unlock()
}

func (p *EndpointPool) Release(connection conn.Conn) {
	p.put(connection, false)
}

func (p *EndpointPool) Remove(connection conn.Conn) {
	p.put(connection, true)
}

func (p *EndpointPool) put(connection conn.Conn, destroy bool) {
	p.mu.Lock()
	if _, ok := p.leased[connection]; !ok {
		p.mu.Unlock()
		panic(fmt.Sprintf("connlb: connection to %s returned that was never leased", p.endpoint))
	}
	delete(p.leased, connection)
	p.metrics.ConnReturned(p.endpoint)
	if destroy || p.closed || !connection.IsValid() {
		p.maybeReplaceLocked()
		p.reportSizeLocked()
		p.mu.Unlock()
		_ = p.destroy(connection)
		return
	}
	p.handOffLocked(connection)
	p.reportSizeLocked()
	p.mu.Unlock()
}

// takeIdleLocked pops an idle connection, most recently used first.
// Idle order is not part of the contract.
//
// +checklocks:p.mu
func (p *EndpointPool) takeIdleLocked() conn.Conn {
	if len(p.available) == 0 {
		return nil
	}
	connection := p.available[len(p.available)-1]
	p.available = p.available[:len(p.available)-1]
	p.leased[connection] = struct{}{}
	p.reportSizeLocked()
	return connection
}

// handOffLocked gives the connection to the oldest waiter, or parks it
// in the idle set when nobody is waiting. Handed-off connections are
// leased before the send so that they are never in two states at once.
//
// +checklocks:p.mu
func (p *EndpointPool) handOffLocked(connection conn.Conn) {
	if len(p.waiters) > 0 {
		waiter := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.leased[connection] = struct{}{}
		waiter <- connection
		return
	}
	p.available = append(p.available, connection)
}

// maybeReplaceLocked starts one background creation attempt when a
// destroyed connection leaves waiters behind with freed capacity.
//
// +checklocks:p.mu
func (p *EndpointPool) maybeReplaceLocked() {
	if p.closed || len(p.waiters) == 0 || !p.factory.CanCreate() {
		return
	}
	p.pending++
	go p.createInBackground(context.Background())
}

// +checklocks:p.mu
func (p *EndpointPool) reportSizeLocked() {
	p.metrics.SetPoolSize(p.endpoint, len(p.available), len(p.leased))
}

func (p *EndpointPool) destroy(connection conn.Conn) error {
	err := p.factory.Destroy(connection)
	if err != nil {
		p.logger.Warn("destroying connection failed",
			zap.String("endpoint", p.endpoint.HostPort),
			zap.Error(err))
	}
	p.metrics.ConnDestroyed(p.endpoint)
	return err
}

func (p *EndpointPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.available
	p.available = nil
	for _, waiter := range p.waiters {
		close(waiter)
	}
	p.waiters = nil
	p.mu.Unlock()

	var closeErr error
	for _, connection := range idle {
		if err := p.destroy(connection); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	p.metrics.PoolClosed(p.endpoint)
	return closeErr
}
