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

// Package pooltesting provides helper types for testing pools, balancing
// strategies, and membership plumbing: fake connections and factories
// with awaitable lifecycle events, scripted health deciders, a manually
// driven membership feed, and a recording metrics sink.
package pooltesting

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bufbuild/connlb/conn"
	"github.com/bufbuild/connlb/health"
	"github.com/bufbuild/connlb/membership"
)

// FakeConn is an implementation of conn.Conn for tests. It carries no
// transport; it only tracks validity and closure.
//
// To create new instances of FakeConn, use a FakeFactory.
type FakeConn struct {
	// Index identifies the connection within its factory: the first
	// connection created has Index 1, the second 2, and so on.
	Index int

	endpoint membership.Endpoint
	invalid  atomic.Bool
	closed   atomic.Bool
}

// Endpoint implements the conn.Conn interface.
func (c *FakeConn) Endpoint() membership.Endpoint {
	return c.endpoint
}

// IsValid implements the conn.Conn interface. Connections start valid
// and stay so until SetValid(false) or Close.
func (c *FakeConn) IsValid() bool {
	return !c.invalid.Load() && !c.closed.Load()
}

// SetValid changes what IsValid reports, simulating a connection that
// went bad while idle or leased.
func (c *FakeConn) SetValid(valid bool) {
	c.invalid.Store(!valid)
}

// Close implements the conn.Conn interface.
func (c *FakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

// Closed reports whether the connection was closed by its factory.
func (c *FakeConn) Closed() bool {
	return c.closed.Load()
}

// FakeFactory is an implementation of conn.Factory for tests. It marks
// the connections it creates with sequential indexes, tracks which of
// them are still live, and panics when asked to destroy a connection it
// does not own, so that a misbehaving pool fails the test loudly.
//
// See NewFakeFactory.
type FakeFactory struct {
	// NewHook, if set, runs at the start of every New call, before any
	// bookkeeping. It can block to simulate slow dials or return an
	// error to fail the attempt. Set it immediately after the factory
	// is created, before any connections are made, to avoid races.
	NewHook func(ctx context.Context) error

	update chan struct{}

	mu sync.Mutex
	// +checklocks:mu
	endpoint membership.Endpoint
	// +checklocks:mu
	index int
	// +checklocks:mu
	outstanding map[*FakeConn]struct{}
	// +checklocks:mu
	created int
	// +checklocks:mu
	destroyed int
	// +checklocks:mu
	limit int
	// +checklocks:mu
	newErr error
	// +checklocks:mu
	destroyErr error
}

// NewFakeFactory constructs a factory for the given endpoint with no
// size limit.
func NewFakeFactory(endpoint membership.Endpoint) *FakeFactory {
	return &FakeFactory{
		endpoint:    endpoint,
		update:      make(chan struct{}, 1),
		outstanding: map[*FakeConn]struct{}{},
	}
}

// SetLimit caps how many connections may be live at once; CanCreate
// reports false at or above the cap. Zero means unlimited.
func (f *FakeFactory) SetLimit(limit int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.limit = limit
}

// SetNewError makes subsequent New calls fail with the given error.
// Pass nil to restore normal operation.
func (f *FakeFactory) SetNewError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.newErr = err
}

// SetDestroyError makes subsequent Destroy calls return the given error.
// The connection is still closed and untracked.
func (f *FakeFactory) SetDestroyError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyErr = err
}

// New implements the conn.Factory interface.
func (f *FakeFactory) New(ctx context.Context) (conn.Conn, error) {
	if hook := f.NewHook; hook != nil {
		if err := hook(ctx); err != nil {
			return nil, err
		}
	}
	f.mu.Lock()
	if f.newErr != nil {
		err := f.newErr
		f.mu.Unlock()
		return nil, err
	}
	f.index++
	connection := &FakeConn{Index: f.index, endpoint: f.endpoint}
	f.outstanding[connection] = struct{}{}
	f.created++
	f.mu.Unlock()
	f.signalUpdate()
	return connection, nil
}

// Destroy implements the conn.Factory interface.
func (f *FakeFactory) Destroy(connection conn.Conn) error {
	fake, ok := connection.(*FakeConn)
	if !ok {
		panic("pooltesting: destroyed a connection of foreign type") //nolint:forbidigo
	}
	f.mu.Lock()
	if _, exists := f.outstanding[fake]; !exists {
		f.mu.Unlock()
		// A well-behaved pool destroys each connection exactly once. Fail
		// the test loudly instead of quietly tolerating a double free.
		panic("pooltesting: destroyed a connection it did not create, or destroyed it twice") //nolint:forbidigo
	}
	delete(f.outstanding, fake)
	f.destroyed++
	err := f.destroyErr
	f.mu.Unlock()
	_ = fake.Close()
	f.signalUpdate()
	return err
}

// CanCreate implements the conn.Factory interface.
func (f *FakeFactory) CanCreate() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.limit == 0 || len(f.outstanding) < f.limit
}

// Counts returns how many connections the factory has created and
// destroyed so far.
func (f *FakeFactory) Counts() (created, destroyed int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.destroyed
}

// Outstanding returns how many created connections have not been
// destroyed yet.
func (f *FakeFactory) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.outstanding)
}

// AwaitConnUpdate waits for a concurrent create or destroy. It may
// return immediately if an unacknowledged update already happened. It
// returns an error if ctx expires first.
func (f *FakeFactory) AwaitConnUpdate(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-f.update:
		return nil
	}
}

func (f *FakeFactory) signalUpdate() {
	select {
	case f.update <- struct{}{}:
	default:
	}
}

// FakeDecider is a health.Decider whose verdicts are scripted by the
// test rather than derived from outcomes. It still counts the outcomes
// it receives.
type FakeDecider struct {
	mu sync.Mutex
	// +checklocks:mu
	healthy bool
	// +checklocks:mu
	probe bool
	// +checklocks:mu
	successes int
	// +checklocks:mu
	failures int
}

// NewFakeDecider creates a decider that reports healthy.
func NewFakeDecider() *FakeDecider {
	return &FakeDecider{healthy: true}
}

// SetHealthy scripts what Healthy reports.
func (d *FakeDecider) SetHealthy(healthy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.healthy = healthy
}

// SetProbe scripts what ShouldProbe reports.
func (d *FakeDecider) SetProbe(probe bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.probe = probe
}

// Outcomes returns how many successes and failures were recorded.
func (d *FakeDecider) Outcomes() (successes, failures int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.successes, d.failures
}

func (d *FakeDecider) RecordSuccess(time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.successes++
}

func (d *FakeDecider) RecordFailure(time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures++
}

func (d *FakeDecider) Healthy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.healthy
}

func (d *FakeDecider) ShouldProbe() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.probe
}

// FakeDeciderSet hands out one FakeDecider per endpoint and remembers
// them so the test can script each backend's health independently.
type FakeDeciderSet struct {
	mu sync.Mutex
	// +checklocks:mu
	deciders map[membership.Endpoint]*FakeDecider
}

// NewFakeDeciderSet creates an empty set.
func NewFakeDeciderSet() *FakeDeciderSet {
	return &FakeDeciderSet{deciders: map[membership.Endpoint]*FakeDecider{}}
}

// Factory is a health.Factory that returns the endpoint's decider,
// creating it on first use.
func (s *FakeDeciderSet) Factory(endpoint membership.Endpoint) health.Decider {
	return s.Decider(endpoint)
}

// Decider returns the endpoint's decider, creating it on first use.
// New deciders report healthy.
func (s *FakeDeciderSet) Decider(endpoint membership.Endpoint) *FakeDecider {
	s.mu.Lock()
	defer s.mu.Unlock()
	decider, ok := s.deciders[endpoint]
	if !ok {
		decider = NewFakeDecider()
		s.deciders[endpoint] = decider
	}
	return decider
}

// FakeFeed is a membership.Feed driven manually by the test. Watch
// registers the receiver and synchronously delivers the initial records,
// if any were given.
type FakeFeed struct {
	mu sync.Mutex
	// +checklocks:mu
	receiver membership.Receiver
	// +checklocks:mu
	initial []membership.Record
	// +checklocks:mu
	watchErr error
	// +checklocks:mu
	closed bool
}

// NewFakeFeed creates a feed that delivers the given records as its
// initial snapshot.
func NewFakeFeed(initial ...membership.Record) *FakeFeed {
	return &FakeFeed{initial: initial}
}

// SetWatchError makes the next Watch call fail with the given error.
func (f *FakeFeed) SetWatchError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watchErr = err
}

// Watch implements the membership.Feed interface.
func (f *FakeFeed) Watch(_ context.Context, receiver membership.Receiver) (io.Closer, error) {
	f.mu.Lock()
	if f.watchErr != nil {
		err := f.watchErr
		f.mu.Unlock()
		return nil, err
	}
	f.receiver = receiver
	initial := f.initial
	f.mu.Unlock()
	if initial != nil {
		receiver.OnMembership(initial)
	}
	return closerFunc(func() error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.closed = true
		f.receiver = nil
		return nil
	}), nil
}

// Deliver sends a snapshot to the watching receiver. It is a no-op when
// nothing is watching.
func (f *FakeFeed) Deliver(records []membership.Record) {
	f.mu.Lock()
	receiver := f.receiver
	f.mu.Unlock()
	if receiver != nil {
		receiver.OnMembership(records)
	}
}

// Fail sends an error to the watching receiver. It is a no-op when
// nothing is watching.
func (f *FakeFeed) Fail(err error) {
	f.mu.Lock()
	receiver := f.receiver
	f.mu.Unlock()
	if receiver != nil {
		receiver.OnMembershipError(err)
	}
}

// Closed reports whether the watch returned by Watch was closed.
func (f *FakeFeed) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Alive builds an all-alive snapshot from host:port pairs.
func Alive(hostPorts ...string) []membership.Record {
	records := make([]membership.Record, len(hostPorts))
	for i, hostPort := range hostPorts {
		records[i] = membership.Record{HostPort: hostPort, Status: membership.StatusAlive}
	}
	return records
}

// FakeMetrics records pool lifecycle events per endpoint so tests can
// assert on them. It implements the root package's Metrics interface.
type FakeMetrics struct {
	mu sync.Mutex
	// +checklocks:mu
	created map[membership.Endpoint]int
	// +checklocks:mu
	destroyed map[membership.Endpoint]int
	// +checklocks:mu
	returned map[membership.Endpoint]int
	// +checklocks:mu
	available map[membership.Endpoint]int
	// +checklocks:mu
	leased map[membership.Endpoint]int
	// +checklocks:mu
	poolsClosed map[membership.Endpoint]int
}

// NewFakeMetrics creates an empty recorder.
func NewFakeMetrics() *FakeMetrics {
	return &FakeMetrics{
		created:     map[membership.Endpoint]int{},
		destroyed:   map[membership.Endpoint]int{},
		returned:    map[membership.Endpoint]int{},
		available:   map[membership.Endpoint]int{},
		leased:      map[membership.Endpoint]int{},
		poolsClosed: map[membership.Endpoint]int{},
	}
}

func (m *FakeMetrics) ConnCreated(endpoint membership.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created[endpoint]++
}

func (m *FakeMetrics) ConnDestroyed(endpoint membership.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.destroyed[endpoint]++
}

func (m *FakeMetrics) ConnReturned(endpoint membership.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returned[endpoint]++
}

func (m *FakeMetrics) SetPoolSize(endpoint membership.Endpoint, available, leased int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available[endpoint] = available
	m.leased[endpoint] = leased
}

func (m *FakeMetrics) PoolClosed(endpoint membership.Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poolsClosed[endpoint]++
}

// Created returns how many creations were reported for the endpoint.
func (m *FakeMetrics) Created(endpoint membership.Endpoint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.created[endpoint]
}

// Destroyed returns how many destructions were reported for the endpoint.
func (m *FakeMetrics) Destroyed(endpoint membership.Endpoint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.destroyed[endpoint]
}

// Returned returns how many returns were reported for the endpoint.
func (m *FakeMetrics) Returned(endpoint membership.Endpoint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.returned[endpoint]
}

// PoolSize returns the endpoint's last reported idle and leased sizes.
func (m *FakeMetrics) PoolSize(endpoint membership.Endpoint) (available, leased int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available[endpoint], m.leased[endpoint]
}

// PoolClosedCount returns how many times PoolClosed was reported for the
// endpoint.
func (m *FakeMetrics) PoolClosedCount(endpoint membership.Endpoint) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.poolsClosed[endpoint]
}

type closerFunc func() error

func (f closerFunc) Close() error {
	return f()
}
