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

package balancer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bufbuild/connlb/internal/endpoints"
	"github.com/bufbuild/connlb/membership"
)

// ErrNoBackends is returned by NextBackend when the strategy has no usable
// backend to offer.
var ErrNoBackends = errors.New("no usable backends")

// Result classifies the outcome of a connect attempt or a request.
type Result int

const (
	// ResultSuccess means the operation completed normally.
	ResultSuccess Result = iota
	// ResultFailed means the operation failed for a reason other than the
	// caller's time budget elapsing.
	ResultFailed
	// ResultTimeout means the caller's time budget elapsed before the
	// operation completed.
	ResultTimeout
)

// String returns a human-readable name for the result.
func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultFailed:
		return "failed"
	case ResultTimeout:
		return "timeout"
	default:
		return fmt.Sprintf("Result(%d)", int(r))
	}
}

// Strategy chooses which backend the next connection should go to. A
// strategy is offered the known backends and then asked, one call at a
// time, to name the next one; outcome feedback lets it adapt its choices.
//
// Strategies are not required to be safe for concurrent use. The
// [LoadBalancer] facade serializes all access, and it is the only caller
// in this module.
type Strategy interface {
	// OfferBackends replaces the set of backends the strategy may return.
	// Before returning, it must synchronously invoke onChosen with the
	// subset it actually activated. For leaf strategies that is all of
	// offered; a bounding decorator may activate a proper subset. A
	// decorator that changes its active subset later, outside any
	// OfferBackends call, invokes the same callback again with the new
	// subset.
	//
	// Strategies must not retain the offered slice.
	OfferBackends(offered []membership.Endpoint, onChosen func([]membership.Endpoint))

	// NextBackend returns the backend the next connection should go to, or
	// ErrNoBackends if nothing usable is activated.
	NextBackend() (membership.Endpoint, error)

	// AddConnectResult reports the outcome of one connect attempt against
	// the given backend. Feedback for a backend the strategy does not know
	// is accepted and ignored; topology changes race with in-flight
	// traffic.
	AddConnectResult(endpoint membership.Endpoint, result Result, latency time.Duration)

	// ConnectionReturned reports that a connection obtained after an
	// AddConnectResult call has been given back.
	ConnectionReturned(endpoint membership.Endpoint)

	// AddRequestResult reports the outcome of one application-level
	// request, for strategies that key health off requests rather than
	// connects. Strategies with no use for it ignore it.
	AddRequestResult(endpoint membership.Endpoint, result Result, latency time.Duration)
}

// LoadBalancer is the point of contact between a pool and a strategy. It
// serializes all strategy access behind one mutex, remembers which backends
// the strategy chain activated most recently, and silently drops feedback
// that references anything else, so stale references from torn-down
// backends never reach the strategy.
type LoadBalancer struct {
	mu sync.Mutex
	// +checklocks:mu
	strategy Strategy
	// +checklocks:mu
	chosen endpoints.Set
}

// NewLoadBalancer wraps the given strategy. The strategy must not be used
// directly afterward.
func NewLoadBalancer(strategy Strategy) *LoadBalancer {
	return &LoadBalancer{strategy: strategy, chosen: endpoints.Set{}}
}

// OfferBackends replaces the set of backends the strategy may choose from.
func (lb *LoadBalancer) OfferBackends(offered []membership.Endpoint) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	// The callback also fires when a decorator changes its active subset
	// from inside a feedback call. Both paths already hold lb.mu.
	lb.strategy.OfferBackends(offered, func(chosen []membership.Endpoint) {
		lb.chosen = endpoints.FromSlice(chosen)
	})
}

// NextBackend returns the backend the next connection should go to, or
// ErrNoBackends.
func (lb *LoadBalancer) NextBackend() (membership.Endpoint, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	return lb.strategy.NextBackend()
}

// AddConnectResult reports a connect attempt's outcome. Outcomes for
// backends outside the currently chosen set are dropped.
func (lb *LoadBalancer) AddConnectResult(endpoint membership.Endpoint, result Result, latency time.Duration) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if !lb.chosen.Contains(endpoint) {
		return
	}
	lb.strategy.AddConnectResult(endpoint, result, latency)
}

// ConnectionReturned reports that a previously obtained connection has been
// given back. Returns for backends outside the currently chosen set are
// dropped.
func (lb *LoadBalancer) ConnectionReturned(endpoint membership.Endpoint) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if !lb.chosen.Contains(endpoint) {
		return
	}
	lb.strategy.ConnectionReturned(endpoint)
}

// AddRequestResult reports a request's outcome. Outcomes for backends
// outside the currently chosen set are dropped.
func (lb *LoadBalancer) AddRequestResult(endpoint membership.Endpoint, result Result, latency time.Duration) {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	if !lb.chosen.Contains(endpoint) {
		return
	}
	lb.strategy.AddRequestResult(endpoint, result, latency)
}
