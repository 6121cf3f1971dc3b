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
Package nal is the capability facade of the socket pool.

A [Stack] owns one [pool.Pool] and routes the capabilities to the adapters built on it:

  - [TCPConnect]: active TCP connections, see package tcp.
  - [TCPAccept]: passive TCP listeners.
  - [UDPBind]: bound UDP sockets, see package udp.
  - [RawBind]: raw IP sockets, see package raw. The pool has no raw slots unless the [Config] asks for them.
  - [DNS]: name resolution, see package dns. Resolution never consumes a pool slot.

Code that is written against the interfaces does not know the pool capacity; it is a value of the [Config] given to
[New]. The stack also implements [transport.StreamDialer] and [transport.PacketListener], so libraries that take
those can run on pooled sockets:

	s, err := nal.New(memstack.New(), nal.Config{Pool: pool.Config{TCPSlots: 4, UDPSlots: 2}})
	if err != nil {
		return err
	}
	conn, err := s.DialStream(ctx, "example.com:80")
*/
package nal
