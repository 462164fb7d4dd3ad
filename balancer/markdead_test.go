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

package balancer_test

import (
	"testing"
	"time"

	"github.com/bufbuild/connlb/balancer"
	"github.com/bufbuild/connlb/internal/pooltesting"
	"github.com/bufbuild/connlb/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkDeadQuarantinesUnhealthyBackend(t *testing.T) {
	t.Parallel()
	wrapped := &recordingStrategy{}
	deciders := pooltesting.NewFakeDeciderSet()
	strategy := balancer.NewMarkDead(wrapped, balancer.WithDeciderFactory(deciders.Factory))

	eps := backends("1.2.3.4:100", "1.2.3.4:101", "1.2.3.4:102")
	strategy.OfferBackends(eps, func([]membership.Endpoint) {})
	assert.ElementsMatch(t, eps, wrapped.offered)

	// The decider flips on the failure being recorded.
	deciders.Decider(eps[0]).SetHealthy(false)
	strategy.AddConnectResult(eps[0], balancer.ResultFailed, time.Millisecond)
	assert.ElementsMatch(t, eps[1:], wrapped.offered)

	// The failure itself still reached both the decider and the wrapped
	// strategy.
	_, failures := deciders.Decider(eps[0]).Outcomes()
	assert.Equal(t, 1, failures)
	require.Len(t, wrapped.connects, 1)
	assert.Equal(t, eps[0], wrapped.connects[0].endpoint)
}

func TestMarkDeadRequestOutcomesFeedDeciders(t *testing.T) {
	t.Parallel()
	wrapped := &recordingStrategy{}
	deciders := pooltesting.NewFakeDeciderSet()
	strategy := balancer.NewMarkDead(wrapped, balancer.WithDeciderFactory(deciders.Factory))

	eps := backends("1.2.3.4:100", "1.2.3.4:101")
	strategy.OfferBackends(eps, func([]membership.Endpoint) {})

	strategy.AddRequestResult(eps[0], balancer.ResultFailed, time.Millisecond)
	strategy.AddRequestResult(eps[0], balancer.ResultSuccess, time.Millisecond)
	successes, failures := deciders.Decider(eps[0]).Outcomes()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, failures)

	// Quarantine driven purely by request outcomes.
	deciders.Decider(eps[0]).SetHealthy(false)
	strategy.AddRequestResult(eps[0], balancer.ResultFailed, time.Millisecond)
	assert.ElementsMatch(t, eps[1:], wrapped.offered)
}

func TestMarkDeadRecoveryThroughProbe(t *testing.T) {
	t.Parallel()
	wrapped := &recordingStrategy{}
	deciders := pooltesting.NewFakeDeciderSet()
	strategy := balancer.NewMarkDead(wrapped, balancer.WithDeciderFactory(deciders.Factory))

	eps := backends("1.2.3.4:100", "1.2.3.4:101")
	strategy.OfferBackends(eps, func([]membership.Endpoint) {})
	deciders.Decider(eps[0]).SetHealthy(false)
	strategy.AddConnectResult(eps[0], balancer.ResultFailed, time.Millisecond)
	require.ElementsMatch(t, eps[1:], wrapped.offered)

	// The backoff elapsing makes the decider probe-eligible. The next
	// feedback of any kind revisits liveness and re-offers.
	deciders.Decider(eps[0]).SetProbe(true)
	strategy.AddConnectResult(eps[1], balancer.ResultSuccess, time.Millisecond)
	assert.ElementsMatch(t, eps, wrapped.offered)
}

func TestMarkDeadHostCheckGatesRejoin(t *testing.T) {
	t.Parallel()
	wrapped := &recordingStrategy{}
	deciders := pooltesting.NewFakeDeciderSet()
	var hostUp bool
	strategy := balancer.NewMarkDead(wrapped,
		balancer.WithDeciderFactory(deciders.Factory),
		balancer.WithHostCheck(func(membership.Endpoint) bool { return hostUp }),
	)

	eps := backends("1.2.3.4:100", "1.2.3.4:101")
	strategy.OfferBackends(eps, func([]membership.Endpoint) {})
	deciders.Decider(eps[0]).SetHealthy(false)
	deciders.Decider(eps[0]).SetProbe(true)
	strategy.AddConnectResult(eps[0], balancer.ResultFailed, time.Millisecond)
	// Probe-eligible, but the host check says no.
	assert.ElementsMatch(t, eps[1:], wrapped.offered)

	hostUp = true
	strategy.ConnectionReturned(eps[1])
	assert.ElementsMatch(t, eps, wrapped.offered)
}

func TestMarkDeadForcedLiveMode(t *testing.T) {
	t.Parallel()
	wrapped := &recordingStrategy{}
	deciders := pooltesting.NewFakeDeciderSet()
	strategy := balancer.NewMarkDead(wrapped, balancer.WithDeciderFactory(deciders.Factory))

	eps := backends("1.2.3.4:100", "1.2.3.4:101", "1.2.3.4:102")
	strategy.OfferBackends(eps, func([]membership.Endpoint) {})
	for _, endpoint := range eps {
		deciders.Decider(endpoint).SetHealthy(false)
	}
	strategy.AddConnectResult(eps[0], balancer.ResultFailed, time.Millisecond)
	strategy.AddConnectResult(eps[1], balancer.ResultFailed, time.Millisecond)
	// Two of three dead: normal quarantine.
	assert.ElementsMatch(t, eps[2:], wrapped.offered)

	// All dead: rather than wedging with nothing, everything is offered.
	strategy.AddConnectResult(eps[2], balancer.ResultFailed, time.Millisecond)
	assert.ElementsMatch(t, eps, wrapped.offered)

	// One recovery ends forced live mode; quarantine resumes for the rest.
	deciders.Decider(eps[1]).SetHealthy(true)
	strategy.AddConnectResult(eps[1], balancer.ResultSuccess, time.Millisecond)
	assert.ElementsMatch(t, eps[1:2], wrapped.offered)
}

func TestMarkDeadIgnoresUnknownBackends(t *testing.T) {
	t.Parallel()
	wrapped := &recordingStrategy{}
	deciders := pooltesting.NewFakeDeciderSet()
	strategy := balancer.NewMarkDead(wrapped, balancer.WithDeciderFactory(deciders.Factory))

	eps := backends("1.2.3.4:100", "1.2.3.4:101")
	strategy.OfferBackends(eps[:1], func([]membership.Endpoint) {})

	strategy.AddConnectResult(eps[1], balancer.ResultFailed, time.Millisecond)
	strategy.ConnectionReturned(eps[1])
	strategy.AddRequestResult(eps[1], balancer.ResultFailed, time.Millisecond)
	assert.Empty(t, wrapped.connects)
	assert.Empty(t, wrapped.returned)
	assert.Empty(t, wrapped.requests)
	successes, failures := deciders.Decider(eps[1]).Outcomes()
	assert.Zero(t, successes)
	assert.Zero(t, failures)
}

func TestMarkDeadPrunesStateOnReoffer(t *testing.T) {
	t.Parallel()
	wrapped := &recordingStrategy{}
	deciders := pooltesting.NewFakeDeciderSet()
	strategy := balancer.NewMarkDead(wrapped, balancer.WithDeciderFactory(deciders.Factory))

	eps := backends("1.2.3.4:100", "1.2.3.4:101")
	strategy.OfferBackends(eps, func([]membership.Endpoint) {})
	deciders.Decider(eps[0]).SetHealthy(false)
	strategy.AddConnectResult(eps[0], balancer.ResultFailed, time.Millisecond)
	require.ElementsMatch(t, eps[1:], wrapped.offered)

	// Remove the quarantined backend, then bring it back. Its decider
	// state was discarded with the removal, so it rejoins as a fresh,
	// healthy backend even though the old decider still says unhealthy.
	strategy.OfferBackends(eps[1:], func([]membership.Endpoint) {})
	strategy.OfferBackends(eps, func([]membership.Endpoint) {})
	assert.ElementsMatch(t, eps, wrapped.offered)
}

func TestMarkDeadPropagatesChosenCallback(t *testing.T) {
	t.Parallel()
	// The wrapped strategy narrows the offer to one backend, the way a
	// subsetting decorator under the dead-marker would. The caller's
	// callback must see that narrowing on health-driven re-offers too.
	wrapped := &recordingStrategy{chooseN: 1}
	deciders := pooltesting.NewFakeDeciderSet()
	strategy := balancer.NewMarkDead(wrapped, balancer.WithDeciderFactory(deciders.Factory))

	eps := backends("1.2.3.4:100", "1.2.3.4:101", "1.2.3.4:102")
	var chosen []membership.Endpoint
	strategy.OfferBackends(eps, func(active []membership.Endpoint) { chosen = active })
	require.Len(t, chosen, 1)

	quarantined := chosen[0]
	deciders.Decider(quarantined).SetHealthy(false)
	strategy.AddConnectResult(quarantined, balancer.ResultFailed, time.Millisecond)
	require.Len(t, chosen, 1, "health re-offer must reuse the remembered callback")
	assert.NotContains(t, wrapped.offered, quarantined)
}
