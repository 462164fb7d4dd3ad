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

// Package membership describes where a client's backends are. A backend is
// identified by an [Endpoint], a comparable host:port value, and a
// membership source reports backends as [Record] values that pair an
// endpoint with an advertised status and optional labels.
//
// The core interface is [Feed], a continuous source of membership
// snapshots. The interface is general enough to support any form of
// discovery, including push mechanisms like watching nodes in ZooKeeper or
// etcd or watching resources in Kubernetes. Every delivery is a complete
// snapshot, never a delta, so consumers can diff consecutive snapshots to
// find additions and removals.
//
// # Provided Implementations
//
// This package contains a polling implementation driven by a single-shot
// [Prober]; the one prober included resolves DNS names with a
// [net.Resolver]. It also contains [StaticFeed] for fixed fleets. Feeds
// backed by external systems live in subpackages so their dependencies
// stay optional: etcdfeed watches an etcd key prefix and filefeed watches
// a roster file on disk.
package membership
