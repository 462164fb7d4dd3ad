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

package conn_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bufbuild/connlb/conn"
	"github.com/bufbuild/connlb/membership"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type stubConn struct {
	endpoint membership.Endpoint
}

func (c *stubConn) Endpoint() membership.Endpoint { return c.endpoint }
func (c *stubConn) IsValid() bool                 { return true }
func (c *stubConn) Close() error                  { return nil }

type stubFactory struct {
	endpoint  membership.Endpoint
	newErr    error
	canCreate bool
	created   int
}

func (f *stubFactory) New(context.Context) (conn.Conn, error) {
	if f.newErr != nil {
		return nil, f.newErr
	}
	f.created++
	return &stubConn{endpoint: f.endpoint}, nil
}

func (f *stubFactory) Destroy(conn.Conn) error { return nil }
func (f *stubFactory) CanCreate() bool         { return f.canCreate }

func TestLimitedFactoryCapsActiveConnections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := &stubFactory{endpoint: membership.Endpoint{HostPort: "1.2.3.4:100"}, canCreate: true}
	factory := conn.NewLimitedFactory(inner, 2, nil)

	first, err := factory.New(ctx)
	require.NoError(t, err)
	_, err = factory.New(ctx)
	require.NoError(t, err)
	assert.False(t, factory.CanCreate())

	_, err = factory.New(ctx)
	assert.ErrorIs(t, err, conn.ErrAtCapacity)

	// Destroying one frees its slot.
	require.NoError(t, factory.Destroy(first))
	assert.True(t, factory.CanCreate())
	_, err = factory.New(ctx)
	assert.NoError(t, err)
}

func TestLimitedFactoryReleasesSlotOnDialFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	inner := &stubFactory{endpoint: membership.Endpoint{HostPort: "1.2.3.4:100"}, canCreate: true}
	factory := conn.NewLimitedFactory(inner, 1, nil)

	dialErr := errors.New("connection refused")
	inner.newErr = dialErr
	_, err := factory.New(ctx)
	require.ErrorIs(t, err, dialErr)

	// The failed attempt did not leak its slot.
	inner.newErr = nil
	assert.True(t, factory.CanCreate())
	_, err = factory.New(ctx)
	assert.NoError(t, err)
}

func TestLimitedFactoryRateLimitsCreation(t *testing.T) {
	t.Parallel()
	inner := &stubFactory{endpoint: membership.Endpoint{HostPort: "1.2.3.4:100"}, canCreate: true}
	// One initial token, then effectively no refill.
	factory := conn.NewLimitedFactory(inner, 0, rate.NewLimiter(rate.Every(time.Hour), 1))

	_, err := factory.New(context.Background())
	require.NoError(t, err)

	// No token left: CanCreate declines and New fails once the caller's
	// budget runs out.
	assert.False(t, factory.CanCreate())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = factory.New(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, inner.created)
}

func TestLimitedFactoryDefersToWrappedCanCreate(t *testing.T) {
	t.Parallel()
	inner := &stubFactory{endpoint: membership.Endpoint{HostPort: "1.2.3.4:100"}}
	factory := conn.NewLimitedFactory(inner, 0, nil)

	assert.False(t, factory.CanCreate(), "wrapped factory declines")
	inner.canCreate = true
	assert.True(t, factory.CanCreate())
}
