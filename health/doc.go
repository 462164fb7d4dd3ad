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

// Package health decides whether backends should receive traffic, based on
// the outcomes observed for them.
//
// The core interface is [Decider]: a per-backend accumulator of successes
// and failures that answers two questions, "is this backend healthy?" and
// "if not, should we probe it anyway?". Deciders are purely passive; they
// never generate traffic of their own. They are fed by whatever component
// observes outcomes (see the balancer package's dead-marking strategy) and
// consulted when backends are being chosen.
//
// The default implementation wraps a circuit breaker from the
// github.com/sony/gobreaker package: consecutive failures (or a failure
// ratio) quarantine a backend, a fixed backoff later it becomes eligible
// for probing, and probe successes restore it. Custom implementations can
// encode any other policy, such as windowed failure rates or external
// health signals.
package health
