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
	"math/rand/v2"
	"time"

	"github.com/bufbuild/connlb/internal/endpoints"
	"github.com/bufbuild/connlb/membership"
)

// NewRandom creates a strategy that picks a backend uniformly at random
// from the activated set on every call.
func NewRandom() Strategy {
	return &random{}
}

type random struct {
	backends []membership.Endpoint
}

func (r *random) OfferBackends(offered []membership.Endpoint, onChosen func([]membership.Endpoint)) {
	r.backends = endpoints.FromSlice(offered).Slice()
	onChosen(r.backends)
}

func (r *random) NextBackend() (membership.Endpoint, error) {
	if len(r.backends) == 0 {
		return membership.Endpoint{}, ErrNoBackends
	}
	return r.backends[rand.IntN(len(r.backends))], nil //nolint:gosec // does not need to be cryptographically secure
}

func (r *random) AddConnectResult(membership.Endpoint, Result, time.Duration) {}

func (r *random) ConnectionReturned(membership.Endpoint) {}

func (r *random) AddRequestResult(membership.Endpoint, Result, time.Duration) {}
