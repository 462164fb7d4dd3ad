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

package membership

import (
	"context"
	"io"
)

// Endpoint identifies a single backend. It is a small comparable value, so
// it can be used directly as a map key. Two endpoints are the same backend
// if and only if they are equal.
type Endpoint struct {
	// HostPort is the backend's address as a host:port pair.
	HostPort string
}

// String returns the endpoint's host:port pair.
func (e Endpoint) String() string {
	return e.HostPort
}

// Status describes the advertised state of a backend in a membership record.
type Status int

const (
	// StatusUnknown is the zero value, for sources that do not advertise a
	// status. Whether unknown backends are usable is up to the liveness
	// predicate of the consumer.
	StatusUnknown Status = iota

	// StatusAlive means the backend is advertised as serving.
	StatusAlive

	// StatusDraining means the backend is shutting down and should not
	// receive new connections.
	StatusDraining

	// StatusDead means the backend is advertised as not serving.
	StatusDead
)

// String returns a human-readable name for the status.
func (s Status) String() string {
	switch s {
	case StatusAlive:
		return "alive"
	case StatusDraining:
		return "draining"
	case StatusDead:
		return "dead"
	case StatusUnknown:
		return "unknown"
	default:
		return "invalid"
	}
}

// ParseStatus maps a status name, as produced by [Status.String], back
// to its value. Unrecognized names map to [StatusUnknown], so that new
// states introduced by a membership source degrade gracefully rather
// than failing the whole record.
func ParseStatus(name string) Status {
	switch name {
	case "alive":
		return StatusAlive
	case "draining":
		return StatusDraining
	case "dead":
		return StatusDead
	default:
		return StatusUnknown
	}
}

// Record is one backend's entry in a membership snapshot.
type Record struct {
	// HostPort is the backend's address as a host:port pair.
	HostPort string

	// Status is the backend's advertised state.
	Status Status

	// Labels carries arbitrary source-specific metadata, such as shard or
	// zone assignments. It may be nil.
	Labels map[string]string
}

// Endpoint returns the endpoint this record describes.
func (r Record) Endpoint() Endpoint {
	return Endpoint{HostPort: r.HostPort}
}

// Feed is a source of continuous membership information for a set of
// backends.
type Feed interface {
	// Watch starts delivering membership snapshots to the given receiver.
	//
	// Every delivery is a complete snapshot of the known membership, never
	// a delta. As membership changes over time the receiver may be called
	// repeatedly. The feed may report errors in addition to or instead of
	// snapshots, but it should keep watching, even in the face of errors,
	// until it is closed or the given context is cancelled.
	//
	// The Close method on the return value stops all goroutines and frees
	// any resources before returning. After Close returns there are no
	// subsequent calls to the receiver.
	Watch(ctx context.Context, receiver Receiver) (io.Closer, error)
}

// Receiver is a client of a feed and receives membership snapshots.
type Receiver interface {
	// OnMembership is called with the full set of known records (no
	// deltas). It may be called repeatedly as membership changes over
	// time. Implementations should not retain the slice.
	OnMembership([]Record)
	// OnMembershipError is called when the feed encounters an error. This
	// can happen at any time, including after membership was initially
	// delivered. The errors may be ignored after the initial delivery.
	OnMembershipError(error)
}
