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
	"io"
	"net/netip"
	"slices"

	"github.com/Jigsaw-Code/outline-nal/internal/notify"
	"github.com/Jigsaw-Code/outline-nal/internal/ring"
	"github.com/Jigsaw-Code/outline-nal/netstack"
)

const initialSeq = 1000

type tcpSocket struct {
	s     *Stack
	ready notify.Signal

	rx, tx        *ring.Buffer
	state         netstack.TCPState
	err           error
	local, remote netip.AddrPort
	peer          *tcpSocket
	closed        bool

	// finQueued is set by CloseWrite, finSent once the FIN left after the pending bytes, peerFin once the peer's FIN
	// arrived.
	finQueued, finSent, peerFin bool
	seq                         uint32

	// Listener state. A connector waits in syns until there is room in the backlog, then in accepted until Accept.
	backlog  int
	syns     []*tcpSocket
	accepted []*tcpSocket
	// listener is set on a connector while it is queued.
	listener *tcpSocket
}

var _ netstack.TCPSocket = (*tcpSocket)(nil)

// OpenTCP implements [netstack.Stack].
func (s *Stack) OpenTCP(rx, tx []byte) (netstack.TCPSocket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserveLocked(); err != nil {
		return nil, err
	}
	return s.newTCPLocked(rx, tx), nil
}

func (s *Stack) newTCPLocked(rx, tx []byte) *tcpSocket {
	return &tcpSocket{s: s, rx: ring.New(rx), tx: ring.New(tx), seq: initialSeq}
}

func (c *tcpSocket) Ready() <-chan struct{} { return c.ready.C() }

func (c *tcpSocket) LocalAddr() netip.AddrPort {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.local
}

func (c *tcpSocket) RemoteAddr() netip.AddrPort {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.remote
}

func (c *tcpSocket) State() netstack.TCPState {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.state
}

func (c *tcpSocket) Err() error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return c.err
}

func (c *tcpSocket) Pending() int {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if c.closed {
		return 0
	}
	return c.tx.Len()
}

func (c *tcpSocket) Connect(remote netip.AddrPort) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return netstack.ErrClosed
	}
	if c.state != netstack.StateClosed || c.local.IsValid() {
		return netstack.ErrInvalidState
	}
	remote = unmap(remote)
	if !remote.IsValid() || remote.Port() == 0 || remote.Addr().IsUnspecified() || remote.Addr().IsMulticast() {
		return netstack.ErrUnsupported
	}
	src, ok := s.sourceAddrLocked(remote.Addr())
	if !ok {
		return netstack.ErrUnsupported
	}
	port := s.ephemeralPortLocked(func(p uint16) bool {
		_, used := s.listeners[netip.AddrPortFrom(src, p)]
		return used
	})
	if port == 0 {
		return netstack.ErrAddrInUse
	}
	c.local = netip.AddrPortFrom(src, port)
	c.remote = remote
	c.state = netstack.StateSynSent
	s.trace.tcp(c.local, c.remote, flagSYN, c.seq, 0, nil)
	c.seq++

	if s.blackholed[remote.Addr()] {
		return nil
	}
	l := s.listenerForLocked(remote)
	if l == nil {
		s.trace.tcp(c.remote, c.local, flagRST|flagACK, 0, c.seq, nil)
		c.state = netstack.StateClosed
		c.err = netstack.ErrRefused
		c.ready.Broadcast()
		return nil
	}
	c.listener = l
	if len(l.accepted) < l.backlog {
		s.establishLocked(c)
	} else {
		l.syns = append(l.syns, c)
	}
	l.ready.Broadcast()
	return nil
}

func (s *Stack) listenerForLocked(remote netip.AddrPort) *tcpSocket {
	if l, ok := s.listeners[remote]; ok {
		return l
	}
	if !s.isLocalLocked(remote.Addr()) {
		return nil
	}
	return s.listeners[netip.AddrPortFrom(unspecified(remote.Addr()), remote.Port())]
}

// establishLocked completes the handshake of a connector and queues it for Accept.
func (s *Stack) establishLocked(c *tcpSocket) {
	l := c.listener
	l.accepted = append(l.accepted, c)
	s.trace.tcp(c.remote, c.local, flagSYN|flagACK, initialSeq, c.seq, nil)
	s.trace.tcp(c.local, c.remote, flagACK, c.seq, initialSeq+1, nil)
	c.state = netstack.StateEstablished
	c.ready.Broadcast()
}

func (c *tcpSocket) Listen(local netip.AddrPort, backlog int) error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return netstack.ErrClosed
	}
	if c.state != netstack.StateClosed || c.local.IsValid() {
		return netstack.ErrInvalidState
	}
	local = unmap(local)
	if !local.Addr().IsValid() || !(local.Addr().IsUnspecified() || s.isLocalLocked(local.Addr())) {
		return netstack.ErrUnsupported
	}
	if local.Port() == 0 {
		port := s.ephemeralPortLocked(func(p uint16) bool {
			_, used := s.listeners[netip.AddrPortFrom(local.Addr(), p)]
			return used
		})
		if port == 0 {
			return netstack.ErrAddrInUse
		}
		local = netip.AddrPortFrom(local.Addr(), port)
	}
	if _, used := s.listeners[local]; used {
		return netstack.ErrAddrInUse
	}
	c.backlog = max(backlog, 1)
	c.local = local
	c.state = netstack.StateListen
	s.listeners[local] = c
	return nil
}

func (c *tcpSocket) Accept(rx, tx []byte) (netstack.TCPSocket, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return nil, netstack.ErrClosed
	}
	if c.state != netstack.StateListen {
		return nil, netstack.ErrInvalidState
	}
	if len(c.accepted) == 0 {
		return nil, netstack.ErrWouldBlock
	}
	// The connection stays queued if the socket table is full.
	if err := s.reserveLocked(); err != nil {
		return nil, err
	}
	peer := c.accepted[0]
	c.accepted = slices.Delete(c.accepted, 0, 1)
	peer.listener = nil

	conn := s.newTCPLocked(rx, tx)
	conn.state = netstack.StateEstablished
	conn.local = peer.remote
	conn.remote = peer.local
	conn.seq = initialSeq + 1
	conn.peer = peer
	peer.peer = conn

	if len(c.syns) > 0 {
		next := c.syns[0]
		c.syns = slices.Delete(c.syns, 0, 1)
		s.establishLocked(next)
	}
	s.pumpLocked(peer)
	return conn, nil
}

func (c *tcpSocket) Read(p []byte) (int, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return 0, netstack.ErrClosed
	}
	if c.err != nil {
		return 0, c.err
	}
	switch c.state {
	case netstack.StateListen:
		return 0, netstack.ErrInvalidState
	case netstack.StateSynSent:
		return 0, netstack.ErrWouldBlock
	case netstack.StateClosed:
		if !c.peerFin {
			return 0, netstack.ErrInvalidState
		}
	}
	if len(p) == 0 {
		return 0, nil
	}
	if c.rx.Len() == 0 {
		if c.peerFin {
			return 0, io.EOF
		}
		return 0, netstack.ErrWouldBlock
	}
	n := c.rx.Read(p)
	if c.peer != nil {
		s.pumpLocked(c.peer)
	}
	return n, nil
}

func (c *tcpSocket) Write(p []byte) (int, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return 0, netstack.ErrClosed
	}
	if c.err != nil {
		return 0, c.err
	}
	if c.finQueued || (c.state != netstack.StateEstablished && c.state != netstack.StateCloseWait) {
		return 0, netstack.ErrInvalidState
	}
	if len(p) == 0 {
		return 0, nil
	}
	total := 0
	for total < len(p) {
		n := c.tx.Write(p[total:])
		if n == 0 {
			break
		}
		total += n
		s.pumpLocked(c)
	}
	if total == 0 {
		return 0, netstack.ErrWouldBlock
	}
	return total, nil
}

func (c *tcpSocket) CloseWrite() error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return netstack.ErrClosed
	}
	switch c.state {
	case netstack.StateEstablished:
		c.state = netstack.StateFinWait
	case netstack.StateCloseWait:
		c.state = netstack.StateLastAck
	case netstack.StateFinWait, netstack.StateLastAck, netstack.StateTimeWait:
		return nil
	case netstack.StateClosed:
		if c.err != nil {
			return c.err
		}
		if c.finSent {
			return nil
		}
		return netstack.ErrInvalidState
	default:
		return netstack.ErrInvalidState
	}
	c.finQueued = true
	c.ready.Broadcast()
	s.pumpLocked(c)
	return nil
}

func (c *tcpSocket) Abort() {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if !c.closed {
		c.s.abortLocked(c)
	}
}

func (c *tcpSocket) Close() error {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.state != netstack.StateClosed && c.state != netstack.StateTimeWait {
		s.abortLocked(c)
	}
	if c.peer != nil {
		c.peer.peer = nil
		c.peer = nil
	}
	c.closed = true
	s.open--
	c.ready.Broadcast()
	return nil
}

// pumpLocked moves a's pending bytes, and then its FIN, to the peer as far as the peer's receive region allows.
func (s *Stack) pumpLocked(a *tcpSocket) {
	b := a.peer
	if b == nil {
		return
	}
	moved := false
	for a.tx.Len() > 0 && b.rx.Free() > 0 {
		chunk := a.tx.Readable()
		if free := b.rx.Free(); len(chunk) > free {
			chunk = chunk[:free]
		}
		n := b.rx.Write(chunk)
		s.trace.tcp(a.local, a.remote, flagPSH|flagACK, a.seq, b.seq, chunk[:n])
		a.seq += uint32(n)
		a.tx.Consume(n)
		moved = true
	}
	if a.finQueued && !a.finSent && a.tx.Len() == 0 {
		s.trace.tcp(a.local, a.remote, flagFIN|flagACK, a.seq, b.seq, nil)
		a.seq++
		a.finSent = true
		b.peerFin = true
		b.advance()
		a.advance()
		moved = true
	}
	if moved {
		a.ready.Broadcast()
		b.ready.Broadcast()
	}
}

// advance applies the state transitions implied by the FIN flags.
func (c *tcpSocket) advance() {
	switch {
	case c.peerFin && c.finSent:
		switch c.state {
		case netstack.StateLastAck:
			c.state = netstack.StateClosed
		case netstack.StateFinWait:
			c.state = netstack.StateTimeWait
		}
	case c.peerFin:
		if c.state == netstack.StateEstablished {
			c.state = netstack.StateCloseWait
		}
	}
}

func (s *Stack) abortLocked(c *tcpSocket) {
	switch {
	case c.state == netstack.StateListen:
		delete(s.listeners, c.local)
		for _, q := range c.accepted {
			s.resetLocked(q, netstack.ErrReset)
		}
		for _, q := range c.syns {
			s.resetLocked(q, netstack.ErrRefused)
		}
		c.accepted, c.syns = nil, nil
	case c.listener != nil:
		l := c.listener
		l.accepted = slices.DeleteFunc(l.accepted, func(q *tcpSocket) bool { return q == c })
		l.syns = slices.DeleteFunc(l.syns, func(q *tcpSocket) bool { return q == c })
		c.listener = nil
		s.trace.tcp(c.local, c.remote, flagRST, c.seq, 0, nil)
	case c.peer != nil:
		s.trace.tcp(c.local, c.remote, flagRST, c.seq, 0, nil)
		s.resetLocked(c.peer, netstack.ErrReset)
	}
	c.peer = nil
	c.state = netstack.StateClosed
	c.rx.Reset()
	c.tx.Reset()
	c.ready.Broadcast()
}

// resetLocked moves c to Closed as if it had received a RST.
func (s *Stack) resetLocked(c *tcpSocket, cause error) {
	c.state = netstack.StateClosed
	c.err = cause
	c.peer = nil
	c.listener = nil
	c.rx.Reset()
	c.tx.Reset()
	c.ready.Broadcast()
}
