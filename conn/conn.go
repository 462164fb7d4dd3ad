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

// Package conn provides the representation of a logical connection.
// A connection is the primitive that is pooled and leased by the
// [github.com/bufbuild/connlb] package. What a connection actually wraps
// (a socket, an RPC channel, a session) is up to the [Factory] that
// created it; the pool only cares about its endpoint, its validity, and
// its lifecycle.
package conn

import (
	"context"

	"github.com/bufbuild/connlb/membership"
)

// Conn represents a connection to a single backend. It is a *logical*
// connection. It may actually be represented by zero or more physical
// connections (i.e. sockets).
type Conn interface {
	// Endpoint is the backend to which this value is connected.
	Endpoint() membership.Endpoint
	// IsValid reports whether the connection is still usable. Pools consult
	// it when a connection is returned: an invalid connection is destroyed
	// instead of being made available for the next lease.
	IsValid() bool
	// Close releases the underlying resources. It is called by the factory
	// that created the connection, not by pools directly.
	Close() error
}

// Factory creates and destroys connections to a single backend. A factory
// instance is bound to one endpoint; the pool for that endpoint owns the
// factory and calls it whenever it needs to grow or shrink.
//
// Implementations must be safe for concurrent use.
type Factory interface {
	// New establishes a new connection. It should respect cancellation and
	// deadlines on the given context. Returning a nil connection with a nil
	// error is treated the same as an error.
	New(ctx context.Context) (Conn, error)
	// Destroy tears down a connection previously returned by New. The
	// connection is never used again after Destroy is called.
	Destroy(Conn) error
	// CanCreate reports whether the factory is willing to establish another
	// connection right now. It is advisory: a pool uses it to decide
	// whether to grow or to wait for a connection to be returned, but a
	// subsequent New may still fail.
	CanCreate() bool
}
