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

// Package balancer provides functionality for choosing a backend. This is
// used by a connlb.BalancedPool to decide which backend's pool the next
// connection should be leased from.
//
// This package defines the core interface, [Strategy], which is offered
// the known backends, names one backend per call, and receives feedback
// about connect and request outcomes so it can adapt.
//
// The leaf implementations are round-robin, random, least-connected and
// power-of-two selection, all in the form of functions whose names start
// with "New". Two decorators compose with any of them: NewSubset bounds
// how many backends the wrapped strategy sees, and NewMarkDead keeps
// unhealthy backends out of the wrapped strategy's rotation until they
// recover. [LoadBalancer] is the facade a pool talks to; it serializes
// access to the strategy chain and filters out feedback referencing
// backends the chain no longer knows.
//
// A typical chain for a large fleet:
//
//	strategy, err := balancer.NewSubset(balancer.NewLeastConnected(), 20)
//	if err != nil {
//		return err
//	}
//	lb := balancer.NewLoadBalancer(balancer.NewMarkDead(strategy))
//
// None of the provided implementations use record labels
// (membership.Record.Labels). Custom [Strategy] implementations could, for
// example to prefer backends in clusters that are geographically closer or
// to implement weighted selection for heterogeneous fleets.
package balancer
