// Copyright 2025 Jigsaw Operations LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

/*
Package pool implements the fixed-capacity socket slot table.

A [Pool] is created with a capacity for TCP slots, one for UDP slots and an optional one for raw IP slots. Every slot owns a receive and a transmit
region carved out of a single arena allocated by [New]; nothing is allocated after construction. Handles never
point at a slot: they hold a [Ref], an index plus a generation token, so a stale or repeated release can be detected
and ignored.

	p, err := pool.New(pool.Config{TCPSlots: 4, UDPSlots: 2})
	ref, err := p.Claim(pool.TCP)
	if errors.Is(err, network.ErrExhausted) {
		// retry later
	}
	rx, tx, _ := p.Buffers(ref)
	...
	p.Release(ref)
*/
package pool
