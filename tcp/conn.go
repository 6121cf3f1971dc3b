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

package tcp

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Jigsaw-Code/outline-nal/internal/await"
	"github.com/Jigsaw-Code/outline-nal/internal/ddltimer"
	"github.com/Jigsaw-Code/outline-nal/internal/neterr"
	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/network"
	"github.com/Jigsaw-Code/outline-nal/pool"
	"github.com/Jigsaw-Code/outline-nal/transport"
)

// Conn is an established TCP connection that owns one pool slot.
//
// Close resets the connection. Use Shutdown to let the peer see an orderly end of stream first.
type Conn struct {
	st      *connState
	cleanup runtime.Cleanup
}

var _ transport.StreamConn = (*Conn)(nil)

// connState is everything a Conn owns. It must never point back at the Conn, so the Conn can become unreachable.
type connState struct {
	sock          netstack.TCPSocket
	pool          *pool.Pool
	ref           pool.Ref
	log           *slog.Logger
	idle          time.Duration
	local, remote netip.AddrPort

	state      atomic.Int32
	readClosed atomic.Bool
	done       chan struct{}
	closeOnce  sync.Once

	readDeadline, writeDeadline *ddltimer.Timer
}

func (a *Adapter) newConn(sock netstack.TCPSocket, ref pool.Ref) *Conn {
	st := &connState{
		sock:          sock,
		pool:          a.pool,
		ref:           ref,
		log:           a.log,
		idle:          a.idleTimeout,
		local:         sock.LocalAddr(),
		remote:        sock.RemoteAddr(),
		done:          make(chan struct{}),
		readDeadline:  ddltimer.New(),
		writeDeadline: ddltimer.New(),
	}
	st.state.Store(int32(StateEstablished))
	c := &Conn{st: st}
	c.cleanup = runtime.AddCleanup(c, (*connState).abandon, st)
	return c
}

// abandon runs when a Conn is garbage collected without having been closed.
func (st *connState) abandon() {
	st.log.Warn("tcp connection dropped without close", "local", st.local, "remote", st.remote)
	st.finish(true)
}

// finish gives up the native socket and the slot. It is safe to call more than once.
func (st *connState) finish(abort bool) {
	st.closeOnce.Do(func() {
		st.state.Store(int32(StateClosed))
		close(st.done)
		if abort {
			st.sock.Abort()
		}
		st.sock.Close()
		st.pool.Release(st.ref)
		st.readDeadline.Stop()
		st.writeDeadline.Stop()
	})
}

func (st *connState) isClosed() bool {
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}

// wait runs try until it stops reporting ErrWouldBlock, bounded by the deadline timer, the idle timeout and Close.
func (st *connState) wait(deadline *ddltimer.Timer, try func() error) error {
	if st.isClosed() {
		return network.ErrClosed
	}
	if deadline.Expired() {
		return network.ErrTimeout
	}
	ctx := context.Background()
	if st.idle > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, st.idle)
		defer cancel()
	}
	stops := await.Stops{Deadline: deadline.Done(), Closed: st.done}
	return neterr.FromStack(await.Poll(ctx, stops, st.sock.Ready, try))
}

// State returns the state of the connection.
func (c *Conn) State() State {
	return State(c.st.state.Load())
}

// Read reads received bytes into p. It waits until at least one byte is available. Once the peer closed its side
// and all bytes were read, it returns 0, [io.EOF]. A reset by the peer is reported as [network.ErrConnectionReset].
func (c *Conn) Read(p []byte) (int, error) {
	st := c.st
	if len(p) == 0 {
		return 0, nil
	}
	if st.readClosed.Load() {
		return 0, network.ErrClosed
	}
	var n int
	err := st.wait(st.readDeadline, func() error {
		var err error
		n, err = st.sock.Read(p)
		return err
	})
	return n, err
}

// Write sends all of p. It waits while the transmit buffer is full and returns an error only if not every byte
// could be queued.
func (c *Conn) Write(p []byte) (int, error) {
	st := c.st
	total := 0
	err := st.wait(st.writeDeadline, func() error {
		for total < len(p) {
			n, err := st.sock.Write(p[total:])
			total += n
			if err != nil {
				return err
			}
		}
		return nil
	})
	return total, err
}

// Flush waits until the peer has received every byte written so far.
func (c *Conn) Flush(ctx context.Context) error {
	st := c.st
	if st.isClosed() {
		return network.ErrClosed
	}
	err := await.Poll(ctx, await.Stops{Closed: st.done}, st.sock.Ready, func() error {
		if err := st.sock.Err(); err != nil {
			return err
		}
		if st.sock.Pending() > 0 {
			return netstack.ErrWouldBlock
		}
		return nil
	})
	return neterr.FromStack(err)
}

// CloseRead stops the reading side. Received bytes are still acknowledged so the peer is not stalled.
func (c *Conn) CloseRead() error {
	if c.st.isClosed() {
		return network.ErrClosed
	}
	c.st.readClosed.Store(true)
	return nil
}

// CloseWrite sends a FIN after the pending bytes. The connection remains readable.
func (c *Conn) CloseWrite() error {
	if c.st.isClosed() {
		return network.ErrClosed
	}
	return neterr.FromStack(c.st.sock.CloseWrite())
}

// Shutdown closes the connection gracefully: it sends a FIN after the pending bytes, then discards incoming data
// until the peer closes its side too, for at most timeout. If the peer does not finish in time the connection is
// reset and Shutdown returns [network.ErrTimeout]. Either way the connection ends Closed with its slot released.
func (c *Conn) Shutdown(timeout time.Duration) error {
	st := c.st
	if !st.state.CompareAndSwap(int32(StateEstablished), int32(StateShuttingDown)) {
		return network.ErrClosed
	}
	c.cleanup.Stop()
	err := st.shutdown(timeout)
	st.finish(err != nil)
	if err != nil {
		st.log.Debug("tcp shutdown forced", "local", st.local, "remote", st.remote, "error", err)
		return err
	}
	st.log.Debug("tcp shutdown", "local", st.local, "remote", st.remote)
	return nil
}

func (st *connState) shutdown(timeout time.Duration) error {
	if err := st.sock.CloseWrite(); err != nil {
		return neterr.FromStack(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var discard [512]byte
	err := await.Poll(ctx, await.Stops{Closed: st.done}, st.sock.Ready, func() error {
		for {
			if _, err := st.sock.Read(discard[:]); err != nil {
				break
			}
		}
		switch st.sock.State() {
		case netstack.StateTimeWait:
			return nil
		case netstack.StateClosed:
			return st.sock.Err()
		default:
			return netstack.ErrWouldBlock
		}
	})
	return neterr.FromStack(err)
}

// Close resets the connection and releases its slot. Pending bytes are discarded. Close is idempotent.
func (c *Conn) Close() error {
	c.cleanup.Stop()
	st := c.st
	if !st.isClosed() {
		st.log.Debug("tcp closed", "local", st.local, "remote", st.remote)
	}
	st.finish(true)
	return nil
}

// LocalEndpoint returns the local address and port of the connection.
func (c *Conn) LocalEndpoint() netip.AddrPort { return c.st.local }

// RemoteEndpoint returns the address and port of the peer.
func (c *Conn) RemoteEndpoint() netip.AddrPort { return c.st.remote }

func (c *Conn) LocalAddr() net.Addr { return net.TCPAddrFromAddrPort(c.st.local) }

func (c *Conn) RemoteAddr() net.Addr { return net.TCPAddrFromAddrPort(c.st.remote) }

func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	if c.st.isClosed() {
		return network.ErrClosed
	}
	c.st.readDeadline.Set(t)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	if c.st.isClosed() {
		return network.ErrClosed
	}
	c.st.writeDeadline.Set(t)
	return nil
}

