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

package connlb_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bufbuild/connlb"
	"github.com/bufbuild/connlb/internal/pooltesting"
	"github.com/bufbuild/connlb/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// poolTracker builds endpoint pools for a DynamicPool under test and
// records, per endpoint, how many pools were built and how many times
// each was closed.
type poolTracker struct {
	mu        sync.Mutex
	factories map[membership.Endpoint]*pooltesting.FakeFactory
	built     map[membership.Endpoint]int
	closes    map[membership.Endpoint]int
}

func newPoolTracker() *poolTracker {
	return &poolTracker{
		factories: map[membership.Endpoint]*pooltesting.FakeFactory{},
		built:     map[membership.Endpoint]int{},
		closes:    map[membership.Endpoint]int{},
	}
}

func (pt *poolTracker) newPool(ep membership.Endpoint) connlb.Pool {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	factory := pooltesting.NewFakeFactory(ep)
	pt.factories[ep] = factory
	pt.built[ep]++
	return &closeCountingPool{
		Pool:    connlb.NewEndpointPool(ep, factory),
		tracker: pt,
		ep:      ep,
	}
}

func (pt *poolTracker) builds(ep membership.Endpoint) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.built[ep]
}

func (pt *poolTracker) closeCount(ep membership.Endpoint) int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.closes[ep]
}

type closeCountingPool struct {
	connlb.Pool
	tracker *poolTracker
	ep      membership.Endpoint
}

func (p *closeCountingPool) Close() error {
	p.tracker.mu.Lock()
	p.tracker.closes[p.ep]++
	p.tracker.mu.Unlock()
	return p.Pool.Close()
}

func dynamicOptions(extra ...connlb.Option) []connlb.Option {
	return append([]connlb.Option{connlb.WithRestoreInterval(0)}, extra...)
}

func TestDynamicPoolUsesInitialSnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tracker := newPoolTracker()
	feed := pooltesting.NewFakeFeed(pooltesting.Alive("1.2.3.4:100", "1.2.3.4:101")...)
	pool, err := connlb.NewDynamicPool(ctx, feed, tracker.newPool, dynamicOptions()...)
	require.NoError(t, err)
	defer pool.Close()

	seen := map[membership.Endpoint]struct{}{}
	for i := 0; i < 2; i++ {
		connection, err := pool.Get(ctx)
		require.NoError(t, err)
		seen[connection.Endpoint()] = struct{}{}
		pool.Release(connection)
	}
	assert.Len(t, seen, 2)
}

func TestDynamicPoolMembershipTransition(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tracker := newPoolTracker()
	feed := pooltesting.NewFakeFeed(pooltesting.Alive("1.2.3.4:100")...)
	pool, err := connlb.NewDynamicPool(ctx, feed, tracker.newPool, dynamicOptions()...)
	require.NoError(t, err)
	defer pool.Close()

	feed.Deliver(pooltesting.Alive("1.2.3.4:101"))

	// The removed backend's pool was closed exactly once; the new
	// backend's pool serves all traffic.
	assert.Equal(t, 1, tracker.closeCount(endpoint("1.2.3.4:100")))
	assert.Equal(t, 0, tracker.closeCount(endpoint("1.2.3.4:101")))
	connection, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, endpoint("1.2.3.4:101"), connection.Endpoint())
	pool.Release(connection)
}

func TestDynamicPoolKeepsSurvivingPools(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tracker := newPoolTracker()
	feed := pooltesting.NewFakeFeed(pooltesting.Alive("1.2.3.4:100", "1.2.3.4:101")...)
	pool, err := connlb.NewDynamicPool(ctx, feed, tracker.newPool, dynamicOptions()...)
	require.NoError(t, err)
	defer pool.Close()

	feed.Deliver(pooltesting.Alive("1.2.3.4:100", "1.2.3.4:102"))

	// The surviving backend kept its pool: no rebuild, no close.
	assert.Equal(t, 1, tracker.builds(endpoint("1.2.3.4:100")))
	assert.Equal(t, 0, tracker.closeCount(endpoint("1.2.3.4:100")))
	assert.Equal(t, 1, tracker.closeCount(endpoint("1.2.3.4:101")))
	assert.Equal(t, 1, tracker.builds(endpoint("1.2.3.4:102")))
}

func TestDynamicPoolIgnoresEmptySnapshots(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tracker := newPoolTracker()
	feed := pooltesting.NewFakeFeed(pooltesting.Alive("1.2.3.4:100")...)
	pool, err := connlb.NewDynamicPool(ctx, feed, tracker.newPool, dynamicOptions()...)
	require.NoError(t, err)
	defer pool.Close()

	feed.Deliver(nil)
	feed.Deliver([]membership.Record{
		{HostPort: "1.2.3.4:101", Status: membership.StatusDead},
	})

	// Both snapshots had no usable backends, so the previous set stays.
	assert.Equal(t, 0, tracker.closeCount(endpoint("1.2.3.4:100")))
	connection, err := pool.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, endpoint("1.2.3.4:100"), connection.Endpoint())
	pool.Release(connection)
}

func TestDynamicPoolAppliesLivenessPredicate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tracker := newPoolTracker()
	feed := pooltesting.NewFakeFeed(
		membership.Record{HostPort: "1.2.3.4:100", Status: membership.StatusAlive},
		membership.Record{HostPort: "1.2.3.4:101", Status: membership.StatusDraining},
		membership.Record{HostPort: "1.2.3.4:102", Status: membership.StatusDead},
	)
	pool, err := connlb.NewDynamicPool(ctx, feed, tracker.newPool, dynamicOptions()...)
	require.NoError(t, err)
	defer pool.Close()

	// Default liveness admits only alive records.
	assert.Equal(t, 1, tracker.builds(endpoint("1.2.3.4:100")))
	assert.Equal(t, 0, tracker.builds(endpoint("1.2.3.4:101")))
	assert.Equal(t, 0, tracker.builds(endpoint("1.2.3.4:102")))
}

func TestDynamicPoolCustomMapperAndLiveness(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tracker := newPoolTracker()
	feed := pooltesting.NewFakeFeed(
		membership.Record{HostPort: "1.2.3.4:100", Status: membership.StatusDraining,
			Labels: map[string]string{"proxy": "10.0.0.1:7000"}},
	)
	pool, err := connlb.NewDynamicPool(ctx, feed, tracker.newPool, dynamicOptions(
		// Keep draining backends and dial them through their proxy.
		connlb.WithLiveness(func(r membership.Record) bool {
			return r.Status == membership.StatusAlive || r.Status == membership.StatusDraining
		}),
		connlb.WithRecordMapper(func(r membership.Record) membership.Endpoint {
			if proxy, ok := r.Labels["proxy"]; ok {
				return membership.Endpoint{HostPort: proxy}
			}
			return r.Endpoint()
		}),
	)...)
	require.NoError(t, err)
	defer pool.Close()

	assert.Equal(t, 1, tracker.builds(endpoint("10.0.0.1:7000")))
	assert.Equal(t, 0, tracker.builds(endpoint("1.2.3.4:100")))
}

func TestDynamicPoolWatchFailure(t *testing.T) {
	t.Parallel()
	tracker := newPoolTracker()
	feed := pooltesting.NewFakeFeed()
	watchErr := errors.New("discovery unavailable")
	feed.SetWatchError(watchErr)

	_, err := connlb.NewDynamicPool(context.Background(), feed, tracker.newPool, dynamicOptions()...)
	assert.ErrorIs(t, err, watchErr)
}

func TestDynamicPoolPrewarmWaitsForFirstSnapshot(t *testing.T) {
	t.Parallel()
	tracker := newPoolTracker()
	feed := pooltesting.NewFakeFeed() // no initial snapshot
	pool, err := connlb.NewDynamicPool(context.Background(), feed, tracker.newPool, dynamicOptions()...)
	require.NoError(t, err)
	defer pool.Close()

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, pool.Prewarm(shortCtx), context.DeadlineExceeded)

	feed.Deliver(pooltesting.Alive("1.2.3.4:100"))
	require.NoError(t, pool.Prewarm(context.Background()))
	created, _ := tracker.factories[endpoint("1.2.3.4:100")].Counts()
	assert.Equal(t, 1, created)
}

func TestDynamicPoolClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tracker := newPoolTracker()
	feed := pooltesting.NewFakeFeed(pooltesting.Alive("1.2.3.4:100")...)
	pool, err := connlb.NewDynamicPool(ctx, feed, tracker.newPool, dynamicOptions()...)
	require.NoError(t, err)

	require.NoError(t, pool.Close())
	assert.True(t, feed.Closed(), "the feed subscription stops first")
	assert.Equal(t, 1, tracker.closeCount(endpoint("1.2.3.4:100")))

	_, err = pool.Get(ctx)
	assert.ErrorIs(t, err, connlb.ErrPoolClosed)
	assert.NoError(t, pool.Close(), "Close is idempotent")

	// Snapshots after Close are ignored.
	feed.Deliver(pooltesting.Alive("1.2.3.4:101"))
	assert.Equal(t, 0, tracker.builds(endpoint("1.2.3.4:101")))
}
