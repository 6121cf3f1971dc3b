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

package memstack

import (
	"maps"
	"net/netip"
	"slices"

	"github.com/Jigsaw-Code/outline-nal/internal/notify"
	"github.com/Jigsaw-Code/outline-nal/internal/ring"
	"github.com/Jigsaw-Code/outline-nal/netstack"
)

type datagram struct {
	from netip.AddrPort
	size int
}

type udpSocket struct {
	s     *Stack
	ready notify.Signal

	// Payloads are stored back to back in rx; queue records where each one ends.
	rx     *ring.Buffer
	tx     []byte
	queue  []datagram
	local  netip.AddrPort
	bound  bool
	closed bool
	groups map[netip.Addr]struct{}
}

var _ netstack.UDPSocket = (*udpSocket)(nil)

// OpenUDP implements [netstack.Stack].
func (s *Stack) OpenUDP(rx, tx []byte) (netstack.UDPSocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserveLocked(); err != nil {
		return nil, err
	}
	return &udpSocket{
		s:      s,
		rx:     ring.New(rx),
		tx:     tx,
		queue:  make([]datagram, 0, s.udpQueueLen),
		groups: make(map[netip.Addr]struct{}),
	}, nil
}

func (u *udpSocket) Ready() <-chan struct{} { return u.ready.C() }

func (u *udpSocket) LocalAddr() netip.AddrPort {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	return u.local
}

func (u *udpSocket) Bind(local netip.AddrPort) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.closed {
		return netstack.ErrClosed
	}
	if u.bound {
		return netstack.ErrInvalidState
	}
	local = unmap(local)
	addr := local.Addr()
	if !addr.IsValid() || !(addr.IsUnspecified() || addr.IsMulticast() || s.isLocalLocked(addr)) {
		return netstack.ErrUnsupported
	}
	if local.Port() == 0 {
		port := s.ephemeralPortLocked(func(p uint16) bool {
			for bound := range s.udpBound {
				if bound.Port() == p {
					return true
				}
			}
			return false
		})
		if port == 0 {
			return netstack.ErrAddrInUse
		}
		local = netip.AddrPortFrom(addr, port)
	}
	if _, used := s.udpBound[local]; used {
		return netstack.ErrAddrInUse
	}
	s.udpBound[local] = u
	u.local = local
	u.bound = true
	return nil
}

func (u *udpSocket) SendTo(p []byte, remote netip.AddrPort) error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.closed {
		return netstack.ErrClosed
	}
	if !u.bound {
		return netstack.ErrInvalidState
	}
	if len(p) > len(u.tx) {
		return netstack.ErrMsgSize
	}
	remote = unmap(remote)
	if !remote.IsValid() || remote.Port() == 0 || remote.Addr().IsUnspecified() {
		return netstack.ErrUnsupported
	}
	src := u.local
	if src.Addr().IsUnspecified() || src.Addr().IsMulticast() {
		if src.Addr().Is4() != remote.Addr().Is4() {
			return netstack.ErrUnsupported
		}
		addr, ok := s.sourceAddrLocked(remote.Addr())
		if !ok {
			return netstack.ErrUnsupported
		}
		src = netip.AddrPortFrom(addr, src.Port())
	} else if src.Addr().Is4() != remote.Addr().Is4() {
		return netstack.ErrUnsupported
	}

	payload := u.tx[:copy(u.tx, p)]
	s.trace.udp(src, remote, payload)
	for _, dst := range s.udpTargetsLocked(remote) {
		s.deliverLocked(dst, src, payload)
	}
	return nil
}

// udpTargetsLocked returns the sockets a datagram for remote is delivered to.
func (s *Stack) udpTargetsLocked(remote netip.AddrPort) []*udpSocket {
	if remote.Addr().IsMulticast() {
		var out []*udpSocket
		// Sorted for a deterministic delivery order.
		for _, local := range slices.SortedFunc(maps.Keys(s.udpBound), netip.AddrPort.Compare) {
			u := s.udpBound[local]
			if local.Port() != remote.Port() {
				continue
			}
			if _, joined := u.groups[remote.Addr()]; !joined {
				continue
			}
			if local.Addr() == remote.Addr() || local.Addr() == unspecified(remote.Addr()) {
				out = append(out, u)
			}
		}
		return out
	}
	if u, ok := s.udpBound[remote]; ok {
		return []*udpSocket{u}
	}
	if s.isLocalLocked(remote.Addr()) {
		if u, ok := s.udpBound[netip.AddrPortFrom(unspecified(remote.Addr()), remote.Port())]; ok {
			return []*udpSocket{u}
		}
	}
	return nil
}

func (s *Stack) deliverLocked(u *udpSocket, from netip.AddrPort, payload []byte) {
	if len(u.queue) == cap(u.queue) || u.rx.Free() < len(payload) {
		s.dropped++
		return
	}
	u.rx.Write(payload)
	u.queue = append(u.queue, datagram{from: from, size: len(payload)})
	u.ready.Broadcast()
}

func (u *udpSocket) RecvFrom(p []byte) (int, int, netip.AddrPort, error) {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.closed {
		return 0, 0, netip.AddrPort{}, netstack.ErrClosed
	}
	if !u.bound {
		return 0, 0, netip.AddrPort{}, netstack.ErrInvalidState
	}
	if len(u.queue) == 0 {
		return 0, 0, netip.AddrPort{}, netstack.ErrWouldBlock
	}
	d := u.queue[0]
	u.queue = slices.Delete(u.queue, 0, 1)
	n := min(len(p), d.size)
	u.rx.Read(p[:n])
	u.rx.Discard(d.size - n)
	return n, d.size, d.from, nil
}

func (u *udpSocket) JoinGroup(group netip.Addr) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if u.closed {
		return netstack.ErrClosed
	}
	group = group.Unmap()
	if !group.IsMulticast() {
		return netstack.ErrUnsupported
	}
	u.groups[group] = struct{}{}
	return nil
}

func (u *udpSocket) LeaveGroup(group netip.Addr) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if u.closed {
		return netstack.ErrClosed
	}
	group = group.Unmap()
	if _, joined := u.groups[group]; !joined {
		return netstack.ErrInvalidState
	}
	delete(u.groups, group)
	return nil
}

func (u *udpSocket) Close() error {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.closed {
		return nil
	}
	if u.bound && s.udpBound[u.local] == u {
		delete(s.udpBound, u.local)
	}
	u.closed = true
	u.queue = nil
	s.open--
	u.ready.Broadcast()
	return nil
}
