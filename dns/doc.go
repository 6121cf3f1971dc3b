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
Package dns resolves host names for the socket pool and speaks the DNS wire protocol.

# Resolution

A [Client] adapts the resolver of a network stack to the resolve operation of the capability facade: one name, one
record kind, a non-empty list of addresses or an error. The client never claims a pool slot. The resolver runs on
its own socket inside the stack.

# Wire queries

A [Resolver] queries the DNS with a question and returns the response message. Two transports are provided
for stacks that have no resolver of their own:

  - [DNS-over-UDP]: the standard mechanism of querying resolvers, see [NewUDPResolver].
  - [DNS-over-TCP]: alternative to UDP for larger responses, see [NewTCPResolver].

Both take a dialer from package transport, so a query can run over the host sockets or over a pooled socket.
[QueryAddrs] extracts the addresses of an A or AAAA response.

[DNS-over-UDP]: https://datatracker.ietf.org/doc/html/rfc1035#section-4.2.1
[DNS-over-TCP]: https://datatracker.ietf.org/doc/html/rfc7766
*/
package dns
