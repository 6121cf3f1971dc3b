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
Package netstack defines the primitives this module consumes from an underlying network stack.

The stack owns the protocol logic (handshakes, retransmission, checksums). It exposes a small number of statically
sized sockets, each of which works on receive and transmit regions supplied by the caller, so that the stack itself
never allocates per-socket storage.

All socket primitives are non-blocking. An operation that cannot make progress returns [ErrWouldBlock], and the
caller parks on the channel returned by Ready until the socket changes state:

	for {
		ready := sock.Ready()
		n, err := sock.Read(buf)
		if !errors.Is(err, netstack.ErrWouldBlock) {
			return n, err
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}

Ready must be called before attempting the operation, otherwise a state change that happens between the attempt and
the wait can be missed.

Raw IP sockets are optional: a stack that has them also implements [RawStack].

Two implementations are provided: [github.com/Jigsaw-Code/outline-nal/netstack/memstack], a deterministic in-memory
stack, and [github.com/Jigsaw-Code/outline-nal/netstack/hoststack], which maps the primitives onto the host sockets.
*/
package netstack
