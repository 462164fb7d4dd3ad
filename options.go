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
	"time"

	"go.uber.org/zap"

	"github.com/bufbuild/connlb/balancer"
	"github.com/bufbuild/connlb/membership"
)

const (
	defaultRestoreInterval     = 5 * time.Second
	defaultRestoreProbeTimeout = time.Second
)

// An Option applies configuration to a pool. All constructors in this
// package accept the same option type; options that do not apply to a
// particular pool flavor are ignored by it (for example,
// [WithRecordMapper] only affects [NewDynamicPool]).
type Option interface {
	apply(*poolOptions)
}

// WithLogger configures the pool to emit diagnostics to the given
// logger. The default discards all output.
func WithLogger(logger *zap.Logger) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.logger = logger
	})
}

// WithMetrics configures the pool to report lifecycle events to the
// given sink. The default is [NopMetrics].
func WithMetrics(metrics Metrics) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.metrics = metrics
	})
}

// WithStrategy configures the balancing strategy used to pick a backend
// per Get. The strategy instance must not be shared with another pool.
// The default is [balancer.NewRoundRobin]. Wrap the strategy with
// [balancer.NewMarkDead] to quarantine failing backends.
func WithStrategy(strategy balancer.Strategy) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.strategy = strategy
	})
}

// WithRestoreInterval configures the delay between periodic restoration
// passes, during which the pool leases and immediately returns one
// connection per backend so that quarantined backends keep producing
// feedback and can recover. The interval is measured from the end of
// one pass to the start of the next. The default is 5 seconds; zero or
// a negative value disables restoration entirely.
func WithRestoreInterval(interval time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		if interval <= 0 {
			opts.restoreInterval = -1
			return
		}
		opts.restoreInterval = interval
	})
}

// WithRestoreProbeTimeout bounds how long a single restoration probe may
// spend acquiring a connection from one backend. The default is one
// second.
func WithRestoreProbeTimeout(timeout time.Duration) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.restoreProbeTimeout = timeout
	})
}

// WithRecordMapper configures how [NewDynamicPool] derives a pool
// endpoint from a membership record. The default uses the record's
// host:port unchanged.
func WithRecordMapper(mapper func(membership.Record) membership.Endpoint) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.mapper = mapper
	})
}

// WithLiveness configures which membership records [NewDynamicPool]
// considers usable. Records rejected by the predicate get no pool. The
// default accepts records whose status is [membership.StatusAlive].
func WithLiveness(liveness func(membership.Record) bool) Option {
	return optionFunc(func(opts *poolOptions) {
		opts.liveness = liveness
	})
}

type optionFunc func(*poolOptions)

func (f optionFunc) apply(opts *poolOptions) {
	f(opts)
}

type poolOptions struct {
	logger              *zap.Logger
	metrics             Metrics
	strategy            balancer.Strategy
	restoreInterval     time.Duration
	restoreProbeTimeout time.Duration
	mapper              func(membership.Record) membership.Endpoint
	liveness            func(membership.Record) bool
}

func (opts *poolOptions) applyDefaults() {
	if opts.logger == nil {
		opts.logger = zap.NewNop()
	}
	if opts.metrics == nil {
		opts.metrics = NopMetrics
	}
	// The strategy default is applied by NewBalancedPool, which needs a
	// fresh instance per pool.
	if opts.restoreInterval == 0 {
		opts.restoreInterval = defaultRestoreInterval
	}
	if opts.restoreProbeTimeout <= 0 {
		opts.restoreProbeTimeout = defaultRestoreProbeTimeout
	}
	if opts.mapper == nil {
		opts.mapper = func(record membership.Record) membership.Endpoint {
			return record.Endpoint()
		}
	}
	if opts.liveness == nil {
		opts.liveness = func(record membership.Record) bool {
			return record.Status == membership.StatusAlive
		}
	}
}
