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

package health

import (
	"time"

	"github.com/bufbuild/connlb/membership"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultFailureThreshold = 5
	defaultBackoff          = 30 * time.Second
	defaultProbeBudget      = 1
)

// BreakerOption configures the deciders produced by NewBreakerFactory.
type BreakerOption func(*breakerOptions)

// WithFailureThreshold sets how many consecutive failures quarantine a
// backend. The default is 5. It is ignored if WithFailureRatio is also
// given.
func WithFailureThreshold(count uint32) BreakerOption {
	return func(o *breakerOptions) {
		o.threshold = count
	}
}

// WithFailureRatio quarantines a backend when at least minSamples outcomes
// have been recorded in the current counting cycle and the failed fraction
// of them is at least ratio. This replaces the consecutive-failure rule.
func WithFailureRatio(ratio float64, minSamples uint32) BreakerOption {
	return func(o *breakerOptions) {
		o.ratio = ratio
		o.minSamples = minSamples
	}
}

// WithBackoff sets how long a backend stays quarantined before probing for
// recovery begins. The default is 30 seconds.
func WithBackoff(backoff time.Duration) BreakerOption {
	return func(o *breakerOptions) {
		o.backoff = backoff
	}
}

// WithProbeBudget sets how many outcomes may be recorded while probing; the
// backend becomes healthy after that many consecutive successes, and any
// failure quarantines it again. The default is 1.
func WithProbeBudget(budget uint32) BreakerOption {
	return func(o *breakerOptions) {
		o.probeBudget = budget
	}
}

// WithBreakerLogger sets a logger for state transitions, which are logged
// at debug level. The default is a no-op logger.
func WithBreakerLogger(logger *zap.Logger) BreakerOption {
	return func(o *breakerOptions) {
		o.logger = logger
	}
}

type breakerOptions struct {
	threshold   uint32
	ratio       float64
	minSamples  uint32
	backoff     time.Duration
	probeBudget uint32
	logger      *zap.Logger
}

// NewBreakerFactory returns a factory of circuit-breaker deciders, one
// breaker per endpoint. A closed breaker is a healthy backend; an open
// breaker is a quarantined one; a half-open breaker is a backend being
// probed for recovery.
//
// Outcomes recorded while the breaker is fully open are discarded, so
// failures observed during quarantine do not extend the backoff.
func NewBreakerFactory(opts ...BreakerOption) Factory {
	options := breakerOptions{
		threshold:   defaultFailureThreshold,
		backoff:     defaultBackoff,
		probeBudget: defaultProbeBudget,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	readyToTrip := func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= options.threshold
	}
	if options.ratio > 0 {
		readyToTrip = func(counts gobreaker.Counts) bool {
			if counts.Requests < options.minSamples {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= options.ratio
		}
	}
	return func(endpoint membership.Endpoint) Decider {
		settings := gobreaker.Settings{
			Name:        endpoint.String(),
			MaxRequests: options.probeBudget,
			Timeout:     options.backoff,
			ReadyToTrip: readyToTrip,
			OnStateChange: func(name string, from, to gobreaker.State) {
				options.logger.Debug("backend health state change",
					zap.String("endpoint", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()),
				)
			},
		}
		return &breakerDecider{breaker: gobreaker.NewTwoStepCircuitBreaker(settings)}
	}
}

// breakerDecider adapts a gobreaker.TwoStepCircuitBreaker to the Decider
// interface. Latencies are accepted for interface compatibility but do not
// influence the breaker.
type breakerDecider struct {
	breaker *gobreaker.TwoStepCircuitBreaker
}

func (d *breakerDecider) RecordSuccess(time.Duration) {
	d.record(true)
}

func (d *breakerDecider) RecordFailure(time.Duration) {
	d.record(false)
}

func (d *breakerDecider) Healthy() bool {
	return d.breaker.State() == gobreaker.StateClosed
}

func (d *breakerDecider) ShouldProbe() bool {
	return d.breaker.State() == gobreaker.StateHalfOpen
}

func (d *breakerDecider) record(success bool) {
	done, err := d.breaker.Allow()
	if err != nil {
		// Fully open, or over the probe budget. The outcome is dropped.
		return
	}
	done(success)
}
