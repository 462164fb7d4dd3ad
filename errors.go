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

package connlb

import "errors"

// Sentinel errors returned by pools. Callers should test for them with
// [errors.Is] since pools wrap them with endpoint and cause details.
var (
	// ErrPoolExhausted indicates that no connection could be produced:
	// the factory failed, the backend is not in the current backend set,
	// or there are no backends at all.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrGetTimeout indicates that the caller's context expired while
	// waiting for a connection to become available or to be created.
	ErrGetTimeout = errors.New("timed out waiting for connection")

	// ErrPoolClosed indicates the pool was closed before or while the
	// operation was in progress.
	ErrPoolClosed = errors.New("connection pool is closed")
)
