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
	"encoding/hex"
	"errors"
	"hash"
	"hash/fnv"
	"math/rand"
	"time"

	"github.com/bufbuild/connlb/internal"
	"github.com/bufbuild/connlb/internal/endpoints"
	"github.com/bufbuild/connlb/membership"
)

// SubsetOption configures a subsetting strategy.
type SubsetOption func(*subset)

// WithSelectionKey switches member selection from random to rendezvous
// hashing: given the same key and size, the same offer always yields the
// same members, and removing a member redistributes only its share. The
// key should be unique per program instance, for example the machine host
// name. An empty key means a process-random one.
func WithSelectionKey(key string) SubsetOption {
	return func(s *subset) {
		s.key = []byte(key)
		s.rendezvous = true
	}
}

// WithSelectionHash sets the hash used for rendezvous ranking. The default
// is 32-bit FNV-1a.
func WithSelectionHash(hash hash.Hash32) SubsetOption {
	return func(s *subset) {
		s.hash = hash
	}
}

// NewSubset wraps another strategy and bounds the number of backends it is
// offered to size, so a large fleet does not end up with a connection from
// every client to every backend. Members are chosen at random from each
// offer unless WithSelectionKey is given. Feedback for backends outside the
// current members is dropped without forwarding to the wrapped strategy.
//
// An offer no larger than size is passed through whole.
func NewSubset(wrapped Strategy, size int, opts ...SubsetOption) (Strategy, error) {
	if size < 1 {
		return nil, errors.New("subset size must be at least 1")
	}
	sub := &subset{
		wrapped: wrapped,
		size:    size,
		hash:    fnv.New32a(),
		rng:     internal.NewRand(),
		members: endpoints.Set{},
	}
	for _, opt := range opts {
		opt(sub)
	}
	if sub.rendezvous && len(sub.key) == 0 {
		sub.key = randomSelectionKey(sub.rng)
	}
	return sub, nil
}

type subset struct {
	wrapped    Strategy
	size       int
	rendezvous bool
	key        []byte
	hash       hash.Hash32
	rng        *rand.Rand
	members    endpoints.Set
}

func (s *subset) OfferBackends(offered []membership.Endpoint, onChosen func([]membership.Endpoint)) {
	members := s.computeMembers(endpoints.FromSlice(offered).Slice())
	s.members = endpoints.FromSlice(members)
	s.wrapped.OfferBackends(members, onChosen)
}

func (s *subset) NextBackend() (membership.Endpoint, error) {
	return s.wrapped.NextBackend()
}

func (s *subset) AddConnectResult(endpoint membership.Endpoint, result Result, latency time.Duration) {
	if !s.members.Contains(endpoint) {
		return
	}
	s.wrapped.AddConnectResult(endpoint, result, latency)
}

func (s *subset) ConnectionReturned(endpoint membership.Endpoint) {
	if !s.members.Contains(endpoint) {
		return
	}
	s.wrapped.ConnectionReturned(endpoint)
}

func (s *subset) AddRequestResult(endpoint membership.Endpoint, result Result, latency time.Duration) {
	if !s.members.Contains(endpoint) {
		return
	}
	s.wrapped.AddRequestResult(endpoint, result, latency)
}

func (s *subset) computeMembers(offered []membership.Endpoint) []membership.Endpoint {
	if len(offered) <= s.size {
		return offered
	}
	if !s.rendezvous {
		s.rng.Shuffle(len(offered), func(i, j int) {
			offered[i], offered[j] = offered[j], offered[i]
		})
		return offered[:s.size]
	}
	// Keep the size members with the highest ranks, tracking the current
	// minimum at the root of a min-heap.
	memberHeap := newRankHeap(offered[:s.size], s.key, s.hash)
	for _, endpoint := range offered[s.size:] {
		rank := memberHeap.rank(endpoint)
		if rank > memberHeap.ranks[0] {
			memberHeap.members[0] = endpoint
			memberHeap.ranks[0] = rank
			heap.Fix(memberHeap, 0)
		}
	}
	return memberHeap.members
}

type rankHeap struct {
	members []membership.Endpoint
	ranks   []uint32
	key     []byte
	hash    hash.Hash32
}

func newRankHeap(members []membership.Endpoint, key []byte, hash hash.Hash32) *rankHeap {
	memberHeap := &rankHeap{
		members: members,
		ranks:   make([]uint32, len(members)),
		key:     key,
		hash:    hash,
	}
	for i := range memberHeap.ranks {
		memberHeap.ranks[i] = memberHeap.rank(memberHeap.members[i])
	}
	heap.Init(memberHeap)
	return memberHeap
}

func (h *rankHeap) rank(endpoint membership.Endpoint) uint32 {
	h.hash.Reset()
	_, _ = h.hash.Write(h.key)
	_, _ = h.hash.Write([]byte(endpoint.HostPort))
	return h.hash.Sum32()
}

func (h *rankHeap) Len() int { return len(h.members) }

func (h *rankHeap) Less(i, j int) bool {
	return h.ranks[i] < h.ranks[j]
}

func (h *rankHeap) Swap(i, j int) {
	h.members[i], h.members[j] = h.members[j], h.members[i]
	h.ranks[i], h.ranks[j] = h.ranks[j], h.ranks[i]
}

func (h *rankHeap) Push(any) { panic("Push should not be called") } //nolint:forbidigo // inaccessible code
func (h *rankHeap) Pop() any { panic("Pop should not be called") }  //nolint:forbidigo // inaccessible code

func randomSelectionKey(rng *rand.Rand) []byte {
	data := make([]byte, 16)
	for i := range data {
		data[i] = byte(rng.Intn(256))
	}
	return []byte(hex.EncodeToString(data))
}
