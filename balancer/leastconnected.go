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
	"container/heap"
	"time"

	"github.com/bufbuild/connlb/membership"
)

// NewLeastConnected creates a strategy that names the backend with the
// fewest outstanding connections. Every connect attempt against a backend,
// successful or not, raises its count by one; ConnectionReturned lowers it
// again, but never below zero. Failed attempts are therefore never
// decremented, which deprioritizes a failing backend until the others have
// accumulated as much load, at which point it is retried.
//
// Ties are broken by the total number of connect attempts ever made, so a
// backend that has never been used wins over one that has, and then by
// host:port order.
//
// Counts survive re-offers for backends that remain present and are
// discarded for backends that leave the offer.
func NewLeastConnected() Strategy {
	return &leastConnected{items: map[membership.Endpoint]*leastConnectedItem{}}
}

type leastConnected struct {
	items map[membership.Endpoint]*leastConnectedItem
	heap  leastConnectedHeap
}

type leastConnectedItem struct {
	endpoint membership.Endpoint
	active   uint64
	total    uint64
	index    int
}

func (l *leastConnected) OfferBackends(offered []membership.Endpoint, onChosen func([]membership.Endpoint)) {
	items := make(map[membership.Endpoint]*leastConnectedItem, len(offered))
	newHeap := make(leastConnectedHeap, 0, len(offered))
	for _, endpoint := range offered {
		if _, ok := items[endpoint]; ok {
			continue
		}
		item, ok := l.items[endpoint]
		if !ok {
			item = &leastConnectedItem{endpoint: endpoint}
		}
		item.index = len(newHeap)
		items[endpoint] = item
		newHeap = append(newHeap, item)
	}
	l.items = items
	l.heap = newHeap
	heap.Init(&l.heap)

	chosen := make([]membership.Endpoint, len(newHeap))
	for i, item := range newHeap {
		chosen[i] = item.endpoint
	}
	onChosen(chosen)
}

func (l *leastConnected) NextBackend() (membership.Endpoint, error) {
	if len(l.heap) == 0 {
		return membership.Endpoint{}, ErrNoBackends
	}
	return l.heap[0].endpoint, nil
}

func (l *leastConnected) AddConnectResult(endpoint membership.Endpoint, _ Result, _ time.Duration) {
	item, ok := l.items[endpoint]
	if !ok {
		return
	}
	item.active++
	item.total++
	heap.Fix(&l.heap, item.index)
}

func (l *leastConnected) ConnectionReturned(endpoint membership.Endpoint) {
	item, ok := l.items[endpoint]
	if !ok || item.active == 0 {
		return
	}
	item.active--
	heap.Fix(&l.heap, item.index)
}

func (l *leastConnected) AddRequestResult(membership.Endpoint, Result, time.Duration) {}

type leastConnectedHeap []*leastConnectedItem

func (h leastConnectedHeap) Len() int {
	return len(h)
}

func (h leastConnectedHeap) Less(i, j int) bool {
	if h[i].active != h[j].active {
		return h[i].active < h[j].active
	}
	if h[i].total != h[j].total {
		return h[i].total < h[j].total
	}
	return h[i].endpoint.HostPort < h[j].endpoint.HostPort
}

func (h leastConnectedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *leastConnectedHeap) Push(x any) {
	item := x.(*leastConnectedItem) //nolint:forcetypeassert // only our own items are pushed
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *leastConnectedHeap) Pop() any {
	old := *h
	item := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return item
}
