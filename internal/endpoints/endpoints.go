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

// Package endpoints contains internal helpers relating to sets of
// membership.Endpoint values.
package endpoints

import "github.com/bufbuild/connlb/membership"

// Set is a set of endpoints. Since endpoints are map keys in the underlying
// type, they are unique. Standard map iteration is used to enumerate the
// contents of the set.
type Set map[membership.Endpoint]struct{}

// Contains returns true if the set contains the given endpoint.
func (s Set) Contains(e membership.Endpoint) bool {
	_, ok := s[e]
	return ok
}

// Equals returns true if s has the same endpoints as other.
func (s Set) Equals(other Set) bool {
	if len(s) != len(other) {
		return false
	}
	for e := range s {
		_, ok := other[e]
		if !ok {
			return false
		}
	}
	return true
}

// Slice returns the set's contents as a slice, in map iteration order.
func (s Set) Slice() []membership.Endpoint {
	slice := make([]membership.Endpoint, 0, len(s))
	for e := range s {
		slice = append(slice, e)
	}
	return slice
}

// FromSlice converts a []membership.Endpoint into a Set, discarding
// duplicates.
func FromSlice(slice []membership.Endpoint) Set {
	set := make(Set, len(slice))
	for _, e := range slice {
		set[e] = struct{}{}
	}
	return set
}
