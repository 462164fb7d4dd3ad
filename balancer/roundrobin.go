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
	"sort"
	"time"

	"github.com/bufbuild/connlb/internal/endpoints"
	"github.com/bufbuild/connlb/membership"
)

// NewRoundRobin creates a strategy that rotates through the activated
// backends in a fixed order. The order is derived by sorting the offer, so
// two strategies offered the same backends in different orders rotate
// identically, and a full cycle uses every backend exactly once.
func NewRoundRobin() Strategy {
	return &roundRobin{}
}

type roundRobin struct {
	ordered []membership.Endpoint
	next    int
}

func (r *roundRobin) OfferBackends(offered []membership.Endpoint, onChosen func([]membership.Endpoint)) {
	r.ordered = sortedUnique(offered)
	r.next = 0
	onChosen(r.ordered)
}

func (r *roundRobin) NextBackend() (membership.Endpoint, error) {
	if len(r.ordered) == 0 {
		return membership.Endpoint{}, ErrNoBackends
	}
	endpoint := r.ordered[r.next]
	r.next = (r.next + 1) % len(r.ordered)
	return endpoint, nil
}

func (r *roundRobin) AddConnectResult(membership.Endpoint, Result, time.Duration) {}

func (r *roundRobin) ConnectionReturned(membership.Endpoint) {}

func (r *roundRobin) AddRequestResult(membership.Endpoint, Result, time.Duration) {}

// sortedUnique returns the offer deduplicated and in ascending host:port
// order.
func sortedUnique(offered []membership.Endpoint) []membership.Endpoint {
	unique := endpoints.FromSlice(offered).Slice()
	sort.Slice(unique, func(i, j int) bool {
		return unique[i].HostPort < unique[j].HostPort
	})
	return unique
}
