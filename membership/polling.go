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
	"net"
	"time"

	"github.com/bufbuild/connlb/internal"
)

// Prober is an interface for types that provide single-shot membership
// lookups.
type Prober interface {
	// ProbeOnce performs one lookup and returns the full set of records it
	// found. The second return value specifies how long the result may be
	// considered fresh, or 0 if the prober has no notion of freshness.
	ProbeOnce(ctx context.Context) (records []Record, ttl time.Duration, err error)
}

// NewPollingFeed creates a feed that polls an underlying single-shot prober
// whenever the result-set TTL expires. If the prober does not return a TTL
// with the result set, defaultTTL is used.
func NewPollingFeed(prober Prober, defaultTTL time.Duration) Feed {
	return &pollingFeed{
		prober:     prober,
		defaultTTL: defaultTTL,
		clock:      internal.NewRealClock(),
	}
}

// NewDNSFeed creates a feed that periodically resolves a DNS name and
// reports every resolved address as an alive backend. The hostPort target
// must include a port; it is attached verbatim to each resolved address.
// The network parameter restricts which kind of IP addresses are resolved
// and must be one of "ip", "ip4" or "ip6". Because net.Resolver does not
// expose record TTLs, results are refreshed on the fixed ttl given here.
// A nil resolver means net.DefaultResolver.
func NewDNSFeed(resolver *net.Resolver, network, hostPort string, ttl time.Duration) Feed {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return NewPollingFeed(
		&dnsProber{
			resolver: resolver,
			network:  network,
			hostPort: hostPort,
		},
		ttl,
	)
}

type dnsProber struct {
	resolver *net.Resolver
	network  string
	hostPort string
}

func (p *dnsProber) ProbeOnce(ctx context.Context) ([]Record, time.Duration, error) {
	host, port, err := net.SplitHostPort(p.hostPort)
	if err != nil {
		return nil, 0, err
	}
	addresses, err := p.resolver.LookupNetIP(ctx, p.network, host)
	if err != nil {
		return nil, 0, err
	}
	records := make([]Record, len(addresses))
	for i, address := range addresses {
		records[i] = Record{
			HostPort: net.JoinHostPort(address.Unmap().String(), port),
			Status:   StatusAlive,
		}
	}
	return records, 0, nil
}

type pollingFeed struct {
	prober     Prober
	defaultTTL time.Duration
	clock      internal.Clock
}

func (f *pollingFeed) Watch(ctx context.Context, receiver Receiver) (io.Closer, error) {
	ctx, cancel := context.WithCancel(ctx)
	task := &pollingFeedTask{
		cancel:     cancel,
		doneSignal: make(chan struct{}),
		feed:       f,
	}
	go task.run(ctx, receiver)
	return task, nil
}

type pollingFeedTask struct {
	cancel     context.CancelFunc
	doneSignal chan struct{}
	feed       *pollingFeed
}

func (task *pollingFeedTask) Close() error {
	task.cancel()
	<-task.doneSignal
	return nil
}

func (task *pollingFeedTask) run(ctx context.Context, receiver Receiver) {
	defer close(task.doneSignal)
	defer task.cancel()

	var timer internal.Timer
	for {
		records, ttl, err := task.feed.prober.ProbeOnce(ctx)
		if err != nil {
			receiver.OnMembershipError(err)
		} else {
			receiver.OnMembership(records)
		}

		if ttl == 0 {
			ttl = task.feed.defaultTTL
		}
		// The timer is created lazily, after the first probe, so that it is
		// always expired and drained when Reset is called.
		if timer == nil {
			timer = task.feed.clock.NewTimer(ttl)
		} else {
			timer.Reset(ttl)
		}

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.Chan():
			// Continue.
		}
	}
}
