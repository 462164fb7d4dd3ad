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

import "github.com/bufbuild/connlb/internal"

// NewBalancedPoolWithClock is only present in tests. It lets the test
// package drive the restoration loop and latency measurement with a fake
// clock.
func NewBalancedPoolWithClock(clock internal.Clock, options ...Option) *BalancedPool {
	pool := newBalancedPool(options...)
	pool.clock = clock
	pool.start()
	return pool
}
