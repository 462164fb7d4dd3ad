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

package conn

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrAtCapacity is returned by LimitedFactory.New when the factory's
// active-connection limit has been reached.
var ErrAtCapacity = errors.New("connection factory at capacity")

// LimitedFactory decorates another factory with a growth policy: an upper
// bound on live connections and, optionally, a token-bucket limit on how
// fast new connections may be established. It is how an application caps a
// pool at N connections without the pool itself knowing about limits.
type LimitedFactory struct {
	factory   Factory
	limiter   *rate.Limiter
	maxActive int

	mu     sync.Mutex
	active int // +checklocks:mu
}

var _ Factory = (*LimitedFactory)(nil)

// NewLimitedFactory wraps factory with the given limits. A maxActive of zero
// or less means no bound on live connections. A nil limiter means no bound
// on creation rate; otherwise each New waits for one token, honoring the
// context it was given.
func NewLimitedFactory(factory Factory, maxActive int, limiter *rate.Limiter) *LimitedFactory {
	return &LimitedFactory{
		factory:   factory,
		limiter:   limiter,
		maxActive: maxActive,
	}
}

// New implements Factory. The active-connection slot is reserved before the
// underlying dial so that concurrent calls cannot overshoot the limit.
func (f *LimitedFactory) New(ctx context.Context) (Conn, error) {
	if !f.reserve() {
		return nil, ErrAtCapacity
	}
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			f.unreserve()
			return nil, err
		}
	}
	connection, err := f.factory.New(ctx)
	if err != nil || connection == nil {
		f.unreserve()
		return nil, err
	}
	return connection, nil
}

// Destroy implements Factory.
func (f *LimitedFactory) Destroy(connection Conn) error {
	f.unreserve()
	return f.factory.Destroy(connection)
}

// CanCreate implements Factory. Like the underlying method it is advisory:
// it can report true and a racing New can still consume the last slot or
// token.
func (f *LimitedFactory) CanCreate() bool {
	f.mu.Lock()
	atCapacity := f.maxActive > 0 && f.active >= f.maxActive
	f.mu.Unlock()
	if atCapacity {
		return false
	}
	if f.limiter != nil && f.limiter.Tokens() < 1 {
		return false
	}
	return f.factory.CanCreate()
}

func (f *LimitedFactory) reserve() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.maxActive > 0 && f.active >= f.maxActive {
		return false
	}
	f.active++
	return true
}

func (f *LimitedFactory) unreserve() {
	f.mu.Lock()
	if f.active > 0 {
		f.active--
	}
	f.mu.Unlock()
}
