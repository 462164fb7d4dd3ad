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

// Package connlb provides client-side connection pooling and load
// balancing for connection-oriented protocols, like RPC framings or
// database wire protocols. It is transport-agnostic: callers supply a
// [conn.Factory] that dials, validates, and tears down whatever
// connection type their protocol needs, and the pools handle leasing,
// reuse, backend selection, and failure handling around it.
//
// Three pool flavors build on each other:
//
//  1. [EndpointPool] pools connections to a single backend. Get blocks
//     until a connection is idle, freshly created, or the caller's
//     context expires. Capacity is whatever the factory permits.
//
//  2. [BalancedPool] spreads Gets across many endpoint pools, picking a
//     backend per call through a pluggable [balancer.Strategy] and
//     feeding connect and request outcomes back to it. A periodic
//     restoration pass keeps probing every backend so that backends
//     quarantined by the strategy can recover.
//
//  3. [DynamicPool] keeps a BalancedPool's backend set in sync with a
//     [membership.Feed], creating pools for backends that join and
//     closing pools for backends that leave.
//
// Strategies compose. A typical production setup subsets a large
// backend fleet, tracks load within the subset, and quarantines
// backends that keep failing:
//
//	strategy, err := balancer.NewSubset(balancer.NewLeastConnected(), 20)
//	if err != nil {
//		return err
//	}
//	pool, err := connlb.NewDynamicPool(ctx, feed, newBackendPool,
//		connlb.WithStrategy(balancer.NewMarkDead(strategy)),
//		connlb.WithLogger(logger),
//	)
//
// All pools have a notion of "closing", via their Close method. Closing
// destroys idle connections, fails waiting Gets, stops background
// goroutines, and arranges for connections still leased to be destroyed
// as they are returned. A pool cannot be used after it has been closed.
//
// Errors returned by Get wrap one of three sentinels: [ErrPoolExhausted]
// when no connection could be produced, [ErrGetTimeout] when the
// caller's context expired first, and [ErrPoolClosed] when the pool was
// shut down. Test for them with errors.Is.
package connlb
