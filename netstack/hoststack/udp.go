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

package hoststack

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"github.com/Jigsaw-Code/outline-nal/internal/notify"
	"github.com/Jigsaw-Code/outline-nal/netstack"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// udpSocket holds at most one received datagram in rx. The host socket queues the others. Datagrams larger than rx
// keep their head.
type udpSocket struct {
	s     *Stack
	ready notify.Signal
	space notify.Signal
	done  chan struct{}
	pumps sync.WaitGroup

	mu     sync.Mutex
	rx, tx []byte
	conn   *net.UDPConn
	pc4    *ipv4.PacketConn
	pc6    *ipv6.PacketConn
	local  netip.AddrPort
	closed bool
	err    error

	// The datagram in rx, valid if held is set. size is its original length and may exceed len(rx).
	held bool
	size int
	from netip.AddrPort
}

var _ netstack.UDPSocket = (*udpSocket)(nil)

// OpenUDP implements [netstack.Stack].
func (s *Stack) OpenUDP(rx, tx []byte) (netstack.UDPSocket, error) {
	if err := s.reserve(); err != nil {
		return nil, err
	}
	return &udpSocket{s: s, rx: rx, tx: tx, done: make(chan struct{})}, nil
}

func (u *udpSocket) Ready() <-chan struct{} { return u.ready.C() }

func (u *udpSocket) LocalAddr() netip.AddrPort {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.local
}

func (u *udpSocket) Bind(local netip.AddrPort) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return netstack.ErrClosed
	}
	if u.conn != nil {
		return netstack.ErrInvalidState
	}
	local = unmap(local)
	if !local.IsValid() {
		return netstack.ErrUnsupported
	}
	pc, err := u.s.lc.ListenPacket(context.Background(), netFor("udp", local.Addr()), local.String())
	if err != nil {
		return fromHost(err)
	}
	u.conn = pc.(*net.UDPConn)
	u.local = unmap(u.conn.LocalAddr().(*net.UDPAddr).AddrPort())
	if local.Addr().Is4() {
		u.pc4 = ipv4.NewPacketConn(u.conn)
	} else {
		u.pc6 = ipv6.NewPacketConn(u.conn)
	}
	u.pumps.Add(1)
	go u.receive()
	return nil
}

// receive fills rx with the next datagram once the previous one was taken. A datagram longer than rx is kept
// truncated and its original size recorded.
func (u *udpSocket) receive() {
	defer u.pumps.Done()
	for {
		u.mu.Lock()
		for u.held && !u.closed {
			wake := u.space.C()
			u.mu.Unlock()
			select {
			case <-wake:
			case <-u.done:
			}
			u.mu.Lock()
		}
		if u.closed {
			u.mu.Unlock()
			return
		}
		// rx is only read by RecvFrom while held is set, so it can be filled without the lock.
		conn, rx := u.conn, u.rx
		u.mu.Unlock()

		_, size, from, err := readDatagram(conn, rx)

		u.mu.Lock()
		if u.closed {
			u.mu.Unlock()
			return
		}
		if err != nil {
			u.err = fromHost(err)
			u.ready.Broadcast()
			u.mu.Unlock()
			return
		}
		u.held = true
		u.size = size
		u.from = unmap(from)
		u.ready.Broadcast()
		u.mu.Unlock()
	}
}

func (u *udpSocket) SendTo(p []byte, remote netip.AddrPort) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return netstack.ErrClosed
	}
	if u.conn == nil {
		return netstack.ErrInvalidState
	}
	if len(p) > len(u.tx) {
		return netstack.ErrMsgSize
	}
	remote = unmap(remote)
	if !remote.IsValid() || remote.Port() == 0 || remote.Addr().IsUnspecified() || remote.Addr().Is4() != u.local.Addr().Is4() {
		return netstack.ErrUnsupported
	}
	payload := u.tx[:copy(u.tx, p)]
	_, err := u.conn.WriteToUDPAddrPort(payload, remote)
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOBUFS) {
		return netstack.ErrWouldBlock
	}
	return fromHost(err)
}

func (u *udpSocket) RecvFrom(p []byte) (n int, size int, from netip.AddrPort, err error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return 0, 0, netip.AddrPort{}, netstack.ErrClosed
	}
	if u.conn == nil {
		return 0, 0, netip.AddrPort{}, netstack.ErrInvalidState
	}
	if !u.held {
		if u.err != nil {
			return 0, 0, netip.AddrPort{}, u.err
		}
		return 0, 0, netip.AddrPort{}, netstack.ErrWouldBlock
	}
	n = copy(p, u.rx[:min(u.size, len(u.rx))])
	size, from = u.size, u.from
	u.held = false
	u.space.Broadcast()
	return n, size, from, nil
}

func (u *udpSocket) JoinGroup(group netip.Addr) error {
	return u.group(group, true)
}

func (u *udpSocket) LeaveGroup(group netip.Addr) error {
	return u.group(group, false)
}

func (u *udpSocket) group(group netip.Addr, join bool) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return netstack.ErrClosed
	}
	if u.conn == nil {
		return netstack.ErrInvalidState
	}
	group = group.Unmap()
	if !group.IsMulticast() || group.Is4() != u.local.Addr().Is4() {
		return netstack.ErrUnsupported
	}
	addr := &net.UDPAddr{IP: group.AsSlice()}
	var err error
	switch {
	case u.pc4 != nil && join:
		err = u.pc4.JoinGroup(nil, addr)
	case u.pc4 != nil:
		err = u.pc4.LeaveGroup(nil, addr)
	case join:
		err = u.pc6.JoinGroup(nil, addr)
	default:
		err = u.pc6.LeaveGroup(nil, addr)
	}
	if err != nil && !join {
		return errors.Join(netstack.ErrInvalidState, err)
	}
	return fromHost(err)
}

func (u *udpSocket) Close() error {
	u.mu.Lock()
	if u.closed {
		u.mu.Unlock()
		return nil
	}
	u.closed = true
	close(u.done)
	if u.conn != nil {
		u.conn.Close()
	}
	u.ready.Broadcast()
	u.mu.Unlock()

	u.pumps.Wait()
	u.s.unreserve()
	return nil
}
