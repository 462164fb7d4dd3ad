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
	"time"

	"github.com/bufbuild/connlb/health"
	"github.com/bufbuild/connlb/internal/endpoints"
	"github.com/bufbuild/connlb/membership"
	"go.uber.org/zap"
)

// MarkDeadOption configures a dead-marking strategy.
type MarkDeadOption func(*markDead)

// WithDeciderFactory sets the factory for the per-backend health deciders.
// The default is health.NewBreakerFactory with its defaults.
func WithDeciderFactory(factory health.Factory) MarkDeadOption {
	return func(m *markDead) {
		m.factory = factory
	}
}

// WithHostCheck gates recovery probing on an explicit check: a quarantined
// backend whose decider wants to probe rejoins the rotation only once check
// confirms it. The check must be fast and must not block; it is called
// while strategy state is locked.
func WithHostCheck(check func(membership.Endpoint) bool) MarkDeadOption {
	return func(m *markDead) {
		m.hostCheck = check
	}
}

// WithLogger sets the logger for quarantine transitions. The default is a
// no-op logger.
func WithLogger(logger *zap.Logger) MarkDeadOption {
	return func(m *markDead) {
		m.logger = logger
	}
}

// NewMarkDead wraps another strategy and keeps unhealthy backends out of
// its rotation. Each backend gets a health decider from the injected
// factory, fed by the connect and request outcomes reported for it. While
// a decider reports its backend healthy, or wants to probe it for
// recovery, the backend stays in the wrapped strategy's offer; otherwise
// it is withheld until the decider allows probing again.
//
// If withholding would leave the wrapped strategy with nothing, all
// backends are forced back into the offer, unhealthy or not, so the
// strategy never wedges with zero usable backends. True quarantining
// resumes as soon as some backend is usable again.
func NewMarkDead(wrapped Strategy, opts ...MarkDeadOption) Strategy {
	m := &markDead{
		wrapped:  wrapped,
		deciders: map[membership.Endpoint]health.Decider{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.factory == nil {
		m.factory = health.NewBreakerFactory()
	}
	return m
}

type markDead struct {
	wrapped   Strategy
	factory   health.Factory
	hostCheck func(membership.Endpoint) bool
	logger    *zap.Logger

	deciders map[membership.Endpoint]health.Decider
	offered  endpoints.Set
	// onChosen is the callback from the most recent offer. Health-driven
	// re-offers reuse it so the subset chosen by the wrapped strategy keeps
	// propagating to the caller.
	onChosen   func([]membership.Endpoint)
	live       endpoints.Set
	forcedLive bool
}

func (m *markDead) OfferBackends(offered []membership.Endpoint, onChosen func([]membership.Endpoint)) {
	m.offered = endpoints.FromSlice(offered)
	m.onChosen = onChosen
	for endpoint := range m.deciders {
		if !m.offered.Contains(endpoint) {
			delete(m.deciders, endpoint)
		}
	}
	m.offerLive(m.computeLive())
}

func (m *markDead) NextBackend() (membership.Endpoint, error) {
	return m.wrapped.NextBackend()
}

func (m *markDead) AddConnectResult(endpoint membership.Endpoint, result Result, latency time.Duration) {
	if !m.offered.Contains(endpoint) {
		return
	}
	m.record(endpoint, result, latency)
	m.wrapped.AddConnectResult(endpoint, result, latency)
	m.reofferIfChanged()
}

func (m *markDead) ConnectionReturned(endpoint membership.Endpoint) {
	if !m.offered.Contains(endpoint) {
		return
	}
	m.wrapped.ConnectionReturned(endpoint)
	// No outcome to record, but deciders flip with time, so recovery is
	// revisited here too.
	m.reofferIfChanged()
}

func (m *markDead) AddRequestResult(endpoint membership.Endpoint, result Result, latency time.Duration) {
	if !m.offered.Contains(endpoint) {
		return
	}
	m.record(endpoint, result, latency)
	m.wrapped.AddRequestResult(endpoint, result, latency)
	m.reofferIfChanged()
}

func (m *markDead) record(endpoint membership.Endpoint, result Result, latency time.Duration) {
	decider, ok := m.deciders[endpoint]
	if !ok {
		decider = m.factory(endpoint)
		m.deciders[endpoint] = decider
	}
	if result == ResultSuccess {
		decider.RecordSuccess(latency)
	} else {
		decider.RecordFailure(latency)
	}
}

// computeLive returns the usable backends: the healthy ones plus the
// quarantined ones whose decider wants a recovery probe (subject to the
// host check). An empty result with a non-empty offer engages forced-live
// mode instead.
func (m *markDead) computeLive() endpoints.Set {
	live := make(endpoints.Set, len(m.offered))
	for endpoint := range m.offered {
		if m.isLive(endpoint) {
			live[endpoint] = struct{}{}
		}
	}
	if len(live) == 0 && len(m.offered) > 0 {
		if !m.forcedLive {
			m.logger.Warn("no usable backends, forcing full rotation",
				zap.Int("backends", len(m.offered)))
		}
		m.forcedLive = true
		return m.offeredClone()
	}
	if m.forcedLive {
		m.logger.Info("usable backends available again, leaving forced rotation",
			zap.Int("usable", len(live)))
	}
	m.forcedLive = false
	return live
}

func (m *markDead) isLive(endpoint membership.Endpoint) bool {
	decider, ok := m.deciders[endpoint]
	if !ok {
		// No outcomes recorded yet; new backends start healthy.
		return true
	}
	if decider.Healthy() {
		return true
	}
	if !decider.ShouldProbe() {
		return false
	}
	return m.hostCheck == nil || m.hostCheck(endpoint)
}

func (m *markDead) reofferIfChanged() {
	live := m.computeLive()
	if live.Equals(m.live) {
		return
	}
	for endpoint := range m.live {
		if !live.Contains(endpoint) {
			m.logger.Info("backend quarantined", zap.String("endpoint", endpoint.String()))
		}
	}
	for endpoint := range live {
		if !m.live.Contains(endpoint) {
			m.logger.Info("backend back in rotation", zap.String("endpoint", endpoint.String()))
		}
	}
	m.offerLive(live)
}

func (m *markDead) offerLive(live endpoints.Set) {
	m.live = live
	m.wrapped.OfferBackends(live.Slice(), m.onChosen)
}

func (m *markDead) offeredClone() endpoints.Set {
	clone := make(endpoints.Set, len(m.offered))
	for endpoint := range m.offered {
		clone[endpoint] = struct{}{}
	}
	return clone
}
