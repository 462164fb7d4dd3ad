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
)

//nolint:gochecknoglobals
var (
	// AlwaysHealthy is a decider implementation that does nothing. It
	// considers a backend healthy no matter what outcomes are recorded.
	AlwaysHealthy Decider = alwaysHealthy{}

	// AlwaysHealthyFactory returns AlwaysHealthy for every endpoint. It can
	// be used to disable quarantining.
	AlwaysHealthyFactory Factory = func(membership.Endpoint) Decider {
		return AlwaysHealthy
	}
)

// Decider accumulates the outcomes observed for one backend and decides
// whether the backend should keep receiving traffic.
//
// A backend is in one of three effective states: healthy (Healthy reports
// true), quarantined (both methods report false), or probing (Healthy
// reports false but ShouldProbe reports true, meaning the decider wants a
// limited amount of traffic to find out whether the backend recovered).
//
// Implementations must be safe for concurrent use. The recording methods
// may be called from many goroutines; the query methods may be called
// concurrently with recording.
type Decider interface {
	// RecordSuccess records one successful outcome and its latency.
	RecordSuccess(latency time.Duration)
	// RecordFailure records one failed outcome and its latency.
	RecordFailure(latency time.Duration)
	// Healthy reports whether the backend should receive normal traffic.
	Healthy() bool
	// ShouldProbe reports whether a backend that is not healthy should
	// nevertheless receive some traffic to test for recovery.
	ShouldProbe() bool
}

// Factory creates the decider for a given endpoint. Deciders are always
// per-backend; the factory is how a policy (thresholds, backoff) is shared
// across a fleet while the accumulated state is not.
type Factory func(membership.Endpoint) Decider

type alwaysHealthy struct{}

func (alwaysHealthy) RecordSuccess(time.Duration) {}
func (alwaysHealthy) RecordFailure(time.Duration) {}
func (alwaysHealthy) Healthy() bool               { return true }
func (alwaysHealthy) ShouldProbe() bool           { return false }
