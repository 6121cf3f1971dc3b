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
	"io"
	"net"
	"net/netip"
	"slices"
	"sync"

	"github.com/Jigsaw-Code/outline-nal/internal/notify"
	"github.com/Jigsaw-Code/outline-nal/internal/ring"
	"github.com/Jigsaw-Code/outline-nal/netstack"
)

type tcpSocket struct {
	s     *Stack
	ready notify.Signal
	// space wakes the pumps when the caller consumed received bytes, queued bytes to send or accepted a connection.
	space notify.Signal
	done  chan struct{}
	pumps sync.WaitGroup

	mu     sync.Mutex
	rx, tx *ring.Buffer
	state  netstack.TCPState
	err    error
	closed bool
	local  netip.AddrPort
	remote netip.AddrPort
	conn   *net.TCPConn
	cancel context.CancelFunc

	// finQueued is set by CloseWrite, finSent once the write side of the host socket is shut down, peerFin when the
	// host socket reported EOF. finFirst records that the local FIN was queued before the peer's arrived.
	finQueued, finSent, peerFin, finFirst bool

	ln       *net.TCPListener
	backlog  int
	accepted []*net.TCPConn
}

var _ netstack.TCPSocket = (*tcpSocket)(nil)

// OpenTCP implements [netstack.Stack].
func (s *Stack) OpenTCP(rx, tx []byte) (netstack.TCPSocket, error) {
	if err := s.reserve(); err != nil {
		return nil, err
	}
	return s.newTCP(rx, tx), nil
}

func (s *Stack) newTCP(rx, tx []byte) *tcpSocket {
	return &tcpSocket{
		s:    s,
		done: make(chan struct{}),
		rx:   ring.New(rx),
		tx:   ring.New(tx),
	}
}

func (c *tcpSocket) Ready() <-chan struct{} { return c.ready.C() }

func (c *tcpSocket) LocalAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *tcpSocket) RemoteAddr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

func (c *tcpSocket) State() netstack.TCPState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *tcpSocket) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *tcpSocket) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}
	return c.tx.Len()
}

func (c *tcpSocket) Connect(remote netip.AddrPort) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return netstack.ErrClosed
	}
	if c.state != netstack.StateClosed || c.cancel != nil || c.ln != nil {
		return netstack.ErrInvalidState
	}
	remote = unmap(remote)
	if !remote.IsValid() || remote.Port() == 0 || remote.Addr().IsUnspecified() || remote.Addr().IsMulticast() {
		return netstack.ErrUnsupported
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.remote = remote
	c.state = netstack.StateSynSent
	c.pumps.Add(1)
	go c.dial(ctx, remote)
	return nil
}

func (c *tcpSocket) dial(ctx context.Context, remote netip.AddrPort) {
	defer c.pumps.Done()
	conn, err := c.s.dialer.DialContext(ctx, netFor("tcp", remote.Addr()), remote.String())
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.ready.Broadcast()
	if c.closed || c.state != netstack.StateSynSent {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		c.state = netstack.StateClosed
		c.err = fromHost(err)
		return
	}
	c.establishLocked(conn.(*net.TCPConn))
}

// establishLocked adopts conn as the connection of c and starts its pumps.
func (c *tcpSocket) establishLocked(conn *net.TCPConn) {
	c.conn = conn
	c.local = unmap(conn.LocalAddr().(*net.TCPAddr).AddrPort())
	c.remote = unmap(conn.RemoteAddr().(*net.TCPAddr).AddrPort())
	c.state = netstack.StateEstablished
	c.pumps.Add(2)
	go c.receive()
	go c.send()
}

// receive copies from the host socket into rx while there is room.
func (c *tcpSocket) receive() {
	defer c.pumps.Done()
	for {
		c.mu.Lock()
		for c.rx.Free() == 0 && !c.closed {
			wake := c.space.C()
			c.mu.Unlock()
			select {
			case <-wake:
			case <-c.done:
			}
			c.mu.Lock()
		}
		if c.closed || c.conn == nil {
			c.mu.Unlock()
			return
		}
		// Read only moves the read offset of rx, so the writable region can be filled without the lock.
		buf := c.rx.Writable()
		conn := c.conn
		c.mu.Unlock()

		n, err := conn.Read(buf)

		c.mu.Lock()
		if c.closed || c.state == netstack.StateClosed {
			c.mu.Unlock()
			return
		}
		if n > 0 {
			c.rx.Commit(n)
		}
		switch {
		case errors.Is(err, io.EOF):
			c.peerFin = true
			c.advanceLocked()
		case err != nil:
			c.resetLocked(fromHost(err))
		}
		c.ready.Broadcast()
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// send copies tx to the host socket, then shuts down the write side once a FIN is queued.
func (c *tcpSocket) send() {
	defer c.pumps.Done()
	for {
		c.mu.Lock()
		for c.tx.Len() == 0 && !(c.finQueued && !c.finSent) && !c.closed && c.state != netstack.StateClosed {
			wake := c.space.C()
			c.mu.Unlock()
			select {
			case <-wake:
			case <-c.done:
			}
			c.mu.Lock()
		}
		if c.closed || c.state == netstack.StateClosed {
			c.mu.Unlock()
			return
		}
		conn := c.conn
		if c.tx.Len() == 0 {
			c.finSent = true
			c.advanceLocked()
			c.mu.Unlock()
			err := conn.CloseWrite()
			c.mu.Lock()
			if err != nil && !c.closed && c.state != netstack.StateClosed {
				c.resetLocked(fromHost(err))
			}
			c.ready.Broadcast()
			c.mu.Unlock()
			return
		}
		chunk := c.tx.Readable()
		c.mu.Unlock()

		n, err := conn.Write(chunk)

		c.mu.Lock()
		if c.closed || c.state == netstack.StateClosed {
			c.mu.Unlock()
			return
		}
		c.tx.Consume(n)
		if err != nil {
			c.resetLocked(fromHost(err))
		}
		c.ready.Broadcast()
		c.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// advanceLocked applies the state transitions implied by the FIN flags.
func (c *tcpSocket) advanceLocked() {
	switch {
	case c.finSent && c.peerFin:
		if c.finFirst {
			c.state = netstack.StateTimeWait
		} else {
			c.state = netstack.StateClosed
		}
	case c.finQueued && c.peerFin:
		c.state = netstack.StateLastAck
	case c.finQueued:
		c.state = netstack.StateFinWait
	case c.peerFin:
		c.state = netstack.StateCloseWait
	}
}

func (c *tcpSocket) resetLocked(cause error) {
	c.state = netstack.StateClosed
	c.err = cause
	c.rx.Reset()
	c.tx.Reset()
	if c.conn != nil {
		c.conn.Close()
	}
	c.space.Broadcast()
}

func (c *tcpSocket) Listen(local netip.AddrPort, backlog int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return netstack.ErrClosed
	}
	if c.state != netstack.StateClosed || c.cancel != nil || c.ln != nil {
		return netstack.ErrInvalidState
	}
	local = unmap(local)
	if !local.IsValid() || local.Addr().IsMulticast() {
		return netstack.ErrUnsupported
	}
	ln, err := c.s.lc.Listen(context.Background(), netFor("tcp", local.Addr()), local.String())
	if err != nil {
		return fromHost(err)
	}
	c.ln = ln.(*net.TCPListener)
	c.local = unmap(c.ln.Addr().(*net.TCPAddr).AddrPort())
	c.backlog = max(backlog, 1)
	c.state = netstack.StateListen
	c.pumps.Add(1)
	go c.acceptLoop()
	return nil
}

// acceptLoop takes connections from the host listener while the backlog has room. Further connections wait in the
// host's queue.
func (c *tcpSocket) acceptLoop() {
	defer c.pumps.Done()
	for {
		c.mu.Lock()
		for len(c.accepted) >= c.backlog && !c.closed {
			wake := c.space.C()
			c.mu.Unlock()
			select {
			case <-wake:
			case <-c.done:
			}
			c.mu.Lock()
		}
		ln := c.ln
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		conn, err := ln.AcceptTCP()

		c.mu.Lock()
		if c.closed || c.state != netstack.StateListen {
			if conn != nil {
				conn.Close()
			}
			c.mu.Unlock()
			return
		}
		if err != nil {
			c.state = netstack.StateClosed
			c.err = fromHost(err)
			c.ready.Broadcast()
			c.mu.Unlock()
			return
		}
		c.accepted = append(c.accepted, conn)
		c.ready.Broadcast()
		c.mu.Unlock()
	}
}

func (c *tcpSocket) Accept(rx, tx []byte) (netstack.TCPSocket, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, netstack.ErrClosed
	}
	if c.state != netstack.StateListen {
		if c.err != nil {
			return nil, c.err
		}
		return nil, netstack.ErrInvalidState
	}
	if len(c.accepted) == 0 {
		return nil, netstack.ErrWouldBlock
	}
	// The connection stays queued if the socket limit is reached.
	if err := c.s.reserve(); err != nil {
		return nil, err
	}
	conn := c.accepted[0]
	c.accepted = slices.Delete(c.accepted, 0, 1)
	c.space.Broadcast()

	peer := c.s.newTCP(rx, tx)
	peer.mu.Lock()
	peer.establishLocked(conn)
	peer.mu.Unlock()
	return peer, nil
}

func (c *tcpSocket) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
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
	c.space.Broadcast()
	return n, nil
}

func (c *tcpSocket) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, netstack.ErrClosed
	}
	if c.err != nil {
		return 0, c.err
	}
	switch c.state {
	case netstack.StateSynSent:
		return 0, netstack.ErrWouldBlock
	case netstack.StateEstablished, netstack.StateCloseWait:
	default:
		return 0, netstack.ErrInvalidState
	}
	if c.finQueued {
		return 0, netstack.ErrInvalidState
	}
	if len(p) == 0 {
		return 0, nil
	}
	if c.tx.Free() == 0 {
		return 0, netstack.ErrWouldBlock
	}
	n := c.tx.Write(p)
	c.space.Broadcast()
	return n, nil
}

func (c *tcpSocket) CloseWrite() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return netstack.ErrClosed
	}
	switch c.state {
	case netstack.StateEstablished, netstack.StateCloseWait:
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
	c.finFirst = !c.peerFin
	c.advanceLocked()
	c.space.Broadcast()
	c.ready.Broadcast()
	return nil
}

func (c *tcpSocket) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.abortLocked()
	}
}

func (c *tcpSocket) abortLocked() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		// A zero linger makes the host send RST instead of FIN.
		c.conn.SetLinger(0)
		c.conn.Close()
	}
	if c.ln != nil {
		c.ln.Close()
		for _, q := range c.accepted {
			q.SetLinger(0)
			q.Close()
		}
		c.accepted = nil
	}
	c.state = netstack.StateClosed
	c.rx.Reset()
	c.tx.Reset()
	c.space.Broadcast()
	c.ready.Broadcast()
}

func (c *tcpSocket) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	if c.state != netstack.StateClosed && c.state != netstack.StateTimeWait {
		c.abortLocked()
	} else if c.conn != nil {
		c.conn.Close()
	}
	if c.ln != nil {
		c.ln.Close()
		for _, q := range c.accepted {
			q.Close()
		}
		c.accepted = nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.closed = true
	close(c.done)
	c.ready.Broadcast()
	c.mu.Unlock()

	// The pumps may still be using the regions.
	c.pumps.Wait()
	c.s.unreserve()
	return nil
}
