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
	"math/rand"
	"time"

	"github.com/bufbuild/connlb/internal"
	"github.com/bufbuild/connlb/membership"
)

// NewPowerOfTwo creates a strategy that samples two backends at random and
// names the one with fewer outstanding connections. This takes advantage of
// the [power of two random choices], which provides substantial benefits
// over plain random selection without maintaining a heap the way the
// least-connected strategy does. Counting follows the same rules as
// least-connected: every connect attempt raises a backend's count and
// ConnectionReturned lowers it, floored at zero.
//
// [power of two random choices]: http://www.eecs.harvard.edu/~michaelm/postscripts/handbook2001.pdf
func NewPowerOfTwo() Strategy {
	return &powerOfTwo{
		items: map[membership.Endpoint]*powerOfTwoItem{},
		rng:   internal.NewRand(),
	}
}

type powerOfTwo struct {
	items    map[membership.Endpoint]*powerOfTwoItem
	backends []membership.Endpoint
	rng      *rand.Rand
}

type powerOfTwoItem struct {
	active uint64
}

func (p *powerOfTwo) OfferBackends(offered []membership.Endpoint, onChosen func([]membership.Endpoint)) {
	items := make(map[membership.Endpoint]*powerOfTwoItem, len(offered))
	backends := make([]membership.Endpoint, 0, len(offered))
	for _, endpoint := range offered {
		if _, ok := items[endpoint]; ok {
			continue
		}
		item, ok := p.items[endpoint]
		if !ok {
			item = &powerOfTwoItem{}
		}
		items[endpoint] = item
		backends = append(backends, endpoint)
	}
	p.items = items
	p.backends = backends
	onChosen(backends)
}

func (p *powerOfTwo) NextBackend() (membership.Endpoint, error) {
	if len(p.backends) == 0 {
		return membership.Endpoint{}, ErrNoBackends
	}
	first := p.backends[p.rng.Intn(len(p.backends))]
	second := p.backends[p.rng.Intn(len(p.backends))]
	if p.items[second].active < p.items[first].active {
		return second, nil
	}
	return first, nil
}

func (p *powerOfTwo) AddConnectResult(endpoint membership.Endpoint, _ Result, _ time.Duration) {
	if item, ok := p.items[endpoint]; ok {
		item.active++
	}
}

func (p *powerOfTwo) ConnectionReturned(endpoint membership.Endpoint) {
	if item, ok := p.items[endpoint]; ok && item.active > 0 {
		item.active--
	}
}

func (p *powerOfTwo) AddRequestResult(membership.Endpoint, Result, time.Duration) {}
