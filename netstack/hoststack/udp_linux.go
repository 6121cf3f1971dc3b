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

//go:build linux

package hoststack

import (
	"net"
	"net/netip"
	"os"

	"golang.org/x/sys/unix"
)

// readDatagram reads one datagram into p. With MSG_TRUNC, Linux returns the full length of a datagram that did not
// fit, so size may exceed n.
func readDatagram(conn *net.UDPConn, p []byte) (n, size int, from netip.AddrPort, err error) {
	rc, err := conn.SyscallConn()
	if err != nil {
		return 0, 0, netip.AddrPort{}, err
	}
	var sa unix.Sockaddr
	var recvErr error
	err = rc.Read(func(fd uintptr) bool {
		for {
			size, _, _, sa, recvErr = unix.Recvmsg(int(fd), p, nil, unix.MSG_TRUNC)
			if recvErr != unix.EINTR {
				break
			}
		}
		return recvErr != unix.EAGAIN
	})
	if err != nil {
		return 0, 0, netip.AddrPort{}, err
	}
	if recvErr != nil {
		return 0, 0, netip.AddrPort{}, os.NewSyscallError("recvmsg", recvErr)
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		from = netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		from = netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), uint16(sa.Port))
	}
	return min(size, len(p)), size, from, nil
}
