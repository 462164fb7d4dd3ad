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
	"github.com/prometheus/client_golang/prometheus"

	"github.com/bufbuild/connlb/membership"
)

// Metrics receives pool lifecycle events. Implementations must be safe
// for concurrent use. Use [WithMetrics] to install one; pools default
// to [NopMetrics].
type Metrics interface {
	// ConnCreated is called after the factory successfully creates a
	// new connection for the given endpoint.
	ConnCreated(endpoint membership.Endpoint)
	// ConnDestroyed is called after a connection for the given endpoint
	// is handed to the factory for destruction.
	ConnDestroyed(endpoint membership.Endpoint)
	// ConnReturned is called when a leased connection is returned to
	// the pool, whether it is then re-pooled or destroyed.
	ConnReturned(endpoint membership.Endpoint)
	// SetPoolSize reports the current number of idle and leased
	// connections for the given endpoint.
	SetPoolSize(endpoint membership.Endpoint, available, leased int)
	// PoolClosed is called once when the pool for the given endpoint
	// is closed.
	PoolClosed(endpoint membership.Endpoint)
}

// NopMetrics discards all events. It is the default when no
// [WithMetrics] option is given.
//
//nolint:gochecknoglobals
var NopMetrics Metrics = nopMetrics{}

type nopMetrics struct{}

func (nopMetrics) ConnCreated(membership.Endpoint)          {}
func (nopMetrics) ConnDestroyed(membership.Endpoint)        {}
func (nopMetrics) ConnReturned(membership.Endpoint)         {}
func (nopMetrics) SetPoolSize(membership.Endpoint, int, int) {}
func (nopMetrics) PoolClosed(membership.Endpoint)           {}

// PrometheusMetrics exports pool activity as Prometheus collectors,
// labeled by endpoint.
type PrometheusMetrics struct {
	created   *prometheus.CounterVec
	destroyed *prometheus.CounterVec
	returned  *prometheus.CounterVec
	available *prometheus.GaugeVec
	leased    *prometheus.GaugeVec
}

// NewPrometheusMetrics creates a [Metrics] implementation that registers
// its collectors with the given registerer. The namespace prefixes all
// metric names and defaults to "connlb" when empty.
func NewPrometheusMetrics(registerer prometheus.Registerer, namespace string) (*PrometheusMetrics, error) {
	if namespace == "" {
		namespace = "connlb"
	}
	labels := []string{"endpoint"}
	metrics := &PrometheusMetrics{
		created: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_created_total",
				Help:      "Total number of connections created per endpoint.",
			},
			labels,
		),
		destroyed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_destroyed_total",
				Help:      "Total number of connections destroyed per endpoint.",
			},
			labels,
		),
		returned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_returned_total",
				Help:      "Total number of leased connections returned per endpoint.",
			},
			labels,
		),
		available: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_available",
				Help:      "Number of idle connections per endpoint.",
			},
			labels,
		),
		leased: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "connections_leased",
				Help:      "Number of leased connections per endpoint.",
			},
			labels,
		),
	}
	for _, collector := range []prometheus.Collector{
		metrics.created, metrics.destroyed, metrics.returned,
		metrics.available, metrics.leased,
	} {
		if err := registerer.Register(collector); err != nil {
			return nil, err
		}
	}
	return metrics, nil
}

func (m *PrometheusMetrics) ConnCreated(endpoint membership.Endpoint) {
	m.created.WithLabelValues(endpoint.HostPort).Inc()
}

func (m *PrometheusMetrics) ConnDestroyed(endpoint membership.Endpoint) {
	m.destroyed.WithLabelValues(endpoint.HostPort).Inc()
}

func (m *PrometheusMetrics) ConnReturned(endpoint membership.Endpoint) {
	m.returned.WithLabelValues(endpoint.HostPort).Inc()
}

func (m *PrometheusMetrics) SetPoolSize(endpoint membership.Endpoint, available, leased int) {
	m.available.WithLabelValues(endpoint.HostPort).Set(float64(available))
	m.leased.WithLabelValues(endpoint.HostPort).Set(float64(leased))
}

// PoolClosed drops the gauge series for the endpoint so that closed
// pools do not linger as stale zero-valued series. Counters are kept.
func (m *PrometheusMetrics) PoolClosed(endpoint membership.Endpoint) {
	m.available.DeleteLabelValues(endpoint.HostPort)
	m.leased.DeleteLabelValues(endpoint.HostPort)
}
