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

//go:build unix && !linux

package hoststack

import (
	"net"
	"net/netip"

	"golang.org/x/sys/unix"
)

// readDatagram reads one datagram into p. The kernel only flags truncation, so a datagram that did not fit reports
// a size of len(p)+1.
func readDatagram(conn *net.UDPConn, p []byte) (n, size int, from netip.AddrPort, err error) {
	n, _, flags, from, err := conn.ReadMsgUDPAddrPort(p, nil)
	if err != nil {
		return 0, 0, netip.AddrPort{}, err
	}
	if flags&unix.MSG_TRUNC != 0 {
		return n, len(p) + 1, from, nil
	}
	return n, n, from, nil
}
