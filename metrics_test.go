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
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bufbuild/connlb"
	"github.com/bufbuild/connlb/internal/pooltesting"
)

func TestPrometheusMetricsCountersAndGauges(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	metrics, err := connlb.NewPrometheusMetrics(registry, "")
	require.NoError(t, err)

	ep := endpoint("1.2.3.4:100")
	metrics.ConnCreated(ep)
	metrics.ConnCreated(ep)
	metrics.ConnDestroyed(ep)
	metrics.ConnReturned(ep)
	metrics.SetPoolSize(ep, 3, 2)

	expected := `
# HELP connlb_connections_created_total Total number of connections created per endpoint.
# TYPE connlb_connections_created_total counter
connlb_connections_created_total{endpoint="1.2.3.4:100"} 2
# HELP connlb_connections_destroyed_total Total number of connections destroyed per endpoint.
# TYPE connlb_connections_destroyed_total counter
connlb_connections_destroyed_total{endpoint="1.2.3.4:100"} 1
# HELP connlb_connections_returned_total Total number of leased connections returned per endpoint.
# TYPE connlb_connections_returned_total counter
connlb_connections_returned_total{endpoint="1.2.3.4:100"} 1
# HELP connlb_connections_available Number of idle connections per endpoint.
# TYPE connlb_connections_available gauge
connlb_connections_available{endpoint="1.2.3.4:100"} 3
# HELP connlb_connections_leased Number of leased connections per endpoint.
# TYPE connlb_connections_leased gauge
connlb_connections_leased{endpoint="1.2.3.4:100"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"connlb_connections_created_total",
		"connlb_connections_destroyed_total",
		"connlb_connections_returned_total",
		"connlb_connections_available",
		"connlb_connections_leased",
	))
}

func TestPrometheusMetricsPoolClosedDropsGauges(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	metrics, err := connlb.NewPrometheusMetrics(registry, "")
	require.NoError(t, err)

	ep := endpoint("1.2.3.4:100")
	metrics.ConnCreated(ep)
	metrics.SetPoolSize(ep, 1, 0)
	metrics.PoolClosed(ep)

	count, err := testutil.GatherAndCount(registry,
		"connlb_connections_available", "connlb_connections_leased")
	require.NoError(t, err)
	assert.Zero(t, count, "gauge series should be dropped on pool close")

	// Counters for the endpoint survive.
	count, err = testutil.GatherAndCount(registry, "connlb_connections_created_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusMetricsCustomNamespace(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	metrics, err := connlb.NewPrometheusMetrics(registry, "mypool")
	require.NoError(t, err)

	metrics.ConnCreated(endpoint("1.2.3.4:100"))
	count, err := testutil.GatherAndCount(registry, "mypool_connections_created_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusMetricsDuplicateRegistration(t *testing.T) {
	t.Parallel()
	registry := prometheus.NewRegistry()
	_, err := connlb.NewPrometheusMetrics(registry, "")
	require.NoError(t, err)
	_, err = connlb.NewPrometheusMetrics(registry, "")
	assert.Error(t, err)
}

func TestPoolReportsThroughMetricsSink(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	registry := prometheus.NewRegistry()
	metrics, err := connlb.NewPrometheusMetrics(registry, "")
	require.NoError(t, err)

	ep := endpoint("1.2.3.4:100")
	factory := pooltesting.NewFakeFactory(ep)
	pool := connlb.NewEndpointPool(ep, factory, connlb.WithMetrics(metrics))
	connection, err := pool.Get(ctx)
	require.NoError(t, err)
	pool.Release(connection)
	require.NoError(t, pool.Close())

	expected := `
# HELP connlb_connections_created_total Total number of connections created per endpoint.
# TYPE connlb_connections_created_total counter
connlb_connections_created_total{endpoint="1.2.3.4:100"} 1
# HELP connlb_connections_destroyed_total Total number of connections destroyed per endpoint.
# TYPE connlb_connections_destroyed_total counter
connlb_connections_destroyed_total{endpoint="1.2.3.4:100"} 1
# HELP connlb_connections_returned_total Total number of leased connections returned per endpoint.
# TYPE connlb_connections_returned_total counter
connlb_connections_returned_total{endpoint="1.2.3.4:100"} 1
`
	assert.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected),
		"connlb_connections_created_total",
		"connlb_connections_destroyed_total",
		"connlb_connections_returned_total",
	))
}
