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
Package network defines the portable errors shared by the socket pool packages, and the [IPDevice] interface for
reading and writing raw IP packets.

Every error returned by pool, tcp, udp, dns and nal can be tested against the sentinels of this package with
[errors.Is]. Errors of the host (syscall numbers, [net.ErrClosed], [os.ErrDeadlineExceeded]) are wrapped where they
have an analog, so code written against the standard library keeps working.

The [network/lwip2transport] sub-package translates the IP packets of an [IPDevice] into TCP and UDP flows that are
sent over a pooled stack.

[network/lwip2transport]: https://pkg.go.dev/github.com/Jigsaw-Code/outline-nal/network/lwip2transport
*/
package network
