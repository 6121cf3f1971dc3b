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

// Package udp implements datagram sockets on top of a [netstack.Stack], bounded by a [pool.Pool].
//
// A [Socket] owns one UDP slot from Bind until Close. A datagram is sent whole or not at all: payloads larger than
// the slot's transmit region fail with [network.ErrPayloadTooLarge]. A datagram larger than the receive buffer given
// to [Socket.ReceiveFrom] is truncated, and its original size is reported alongside.
package udp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-nal/internal/await"
	"github.com/Jigsaw-Code/outline-nal/internal/ddltimer"
	"github.com/Jigsaw-Code/outline-nal/internal/neterr"
	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/network"
	"github.com/Jigsaw-Code/outline-nal/pool"
)

// Adapter binds UDP sockets. It is safe for concurrent use by multiple goroutines.
type Adapter struct {
	stack netstack.Stack
	pool  *pool.Pool
	log   *slog.Logger
}

// Option configures an [Adapter].
type Option func(a *Adapter)

// WithLogger sets the logger for socket events.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// New returns an adapter that opens sockets on stack, within the UDP capacity of p.
func New(stack netstack.Stack, p *pool.Pool, opts ...Option) *Adapter {
	a := &Adapter{stack: stack, pool: p, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Bind opens a socket bound to local. An unspecified address receives on all addresses of its family; port 0 picks
// an ephemeral port, reported by [Socket.LocalEndpoint]. The local endpoint does not change afterwards.
//
// Bind fails with [network.ErrExhausted] if no UDP slot is free, and with [network.ErrAddressInUse] if another
// socket is bound to the same endpoint.
func (a *Adapter) Bind(ctx context.Context, local netip.AddrPort) (*Socket, error) {
	s, err := a.bind(ctx, local)
	if err != nil {
		a.log.Debug("udp bind failed", "local", local, "error", err)
		return nil, fmt.Errorf("bind %v: %w", local, err)
	}
	a.log.Debug("udp bound", "local", s.st.local)
	return s, nil
}

func (a *Adapter) bind(ctx context.Context, local netip.AddrPort) (*Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())
	if !local.Addr().IsValid() {
		return nil, network.ErrUnsupportedAddress
	}
	ref, err := a.pool.ClaimEndpoint(pool.UDP, local)
	if err != nil {
		return nil, err
	}
	rx, tx, _ := a.pool.Buffers(ref)
	sock, err := a.stack.OpenUDP(rx, tx)
	if err != nil {
		a.pool.Release(ref)
		return nil, neterr.FromStack(err)
	}
	if err := sock.Bind(local); err != nil {
		sock.Close()
		a.pool.Release(ref)
		return nil, neterr.FromStack(err)
	}
	bound := sock.LocalAddr()
	a.pool.SetEndpoint(ref, bound)

	st := &socketState{
		sock:          sock,
		pool:          a.pool,
		ref:           ref,
		local:         bound,
		txCap:         len(tx),
		log:           a.log,
		done:          make(chan struct{}),
		readDeadline:  ddltimer.New(),
		writeDeadline: ddltimer.New(),
	}
	s := &Socket{st: st}
	s.cleanup = runtime.AddCleanup(s, (*socketState).abandon, st)
	return s, nil
}

// Socket is a bound UDP socket. It implements [net.PacketConn].
type Socket struct {
	st      *socketState
	cleanup runtime.Cleanup
}

var _ net.PacketConn = (*Socket)(nil)

type socketState struct {
	sock      netstack.UDPSocket
	pool      *pool.Pool
	ref       pool.Ref
	local     netip.AddrPort
	txCap     int
	log       *slog.Logger
	done      chan struct{}
	closeOnce sync.Once

	readDeadline, writeDeadline *ddltimer.Timer
}

func (st *socketState) abandon() {
	st.log.Warn("udp socket dropped without close", "local", st.local)
	st.finish()
}

func (st *socketState) finish() {
	st.closeOnce.Do(func() {
		close(st.done)
		st.sock.Close()
		st.pool.Release(st.ref)
		st.readDeadline.Stop()
		st.writeDeadline.Stop()
	})
}

func (st *socketState) closed() bool {
	select {
	case <-st.done:
		return true
	default:
		return false
	}
}

func (st *socketState) poll(ctx context.Context, deadline *ddltimer.Timer, try func() error) error {
	if st.closed() {
		return network.ErrClosed
	}
	if deadline.Expired() {
		return network.ErrTimeout
	}
	stops := await.Stops{Deadline: deadline.Done(), Closed: st.done}
	return neterr.FromStack(await.Poll(ctx, stops, st.sock.Ready, try))
}

// SendTo sends payload as one datagram to remote. It waits only while the stack cannot take the datagram yet.
// A payload of exactly the transmit capacity is accepted; a larger one fails with [network.ErrPayloadTooLarge].
func (s *Socket) SendTo(ctx context.Context, payload []byte, remote netip.AddrPort) error {
	st := s.st
	if st.closed() {
		return network.ErrClosed
	}
	if len(payload) > st.txCap {
		return fmt.Errorf("send %d bytes, capacity %d: %w", len(payload), st.txCap, network.ErrPayloadTooLarge)
	}
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	if !remote.IsValid() || remote.Port() == 0 || remote.Addr().IsUnspecified() {
		return fmt.Errorf("send to %v: %w", remote, network.ErrUnsupportedAddress)
	}
	err := st.poll(ctx, st.writeDeadline, func() error {
		return st.sock.SendTo(payload, remote)
	})
	if err != nil {
		return fmt.Errorf("send to %v: %w", remote, err)
	}
	return nil
}

// ReceiveFrom waits for the next datagram and copies it into buf. n is the number of bytes copied and size the
// length of the datagram: size > n means the datagram did not fit and its tail was dropped.
func (s *Socket) ReceiveFrom(ctx context.Context, buf []byte) (n, size int, from netip.AddrPort, err error) {
	st := s.st
	err = st.poll(ctx, st.readDeadline, func() error {
		var err error
		n, size, from, err = st.sock.RecvFrom(buf)
		return err
	})
	if err != nil {
		return 0, 0, netip.AddrPort{}, err
	}
	return n, size, from, nil
}

// ReadFrom implements [net.PacketConn]. A truncated datagram returns the bytes that fit along with an error wrapping
// [io.ErrShortBuffer].
func (s *Socket) ReadFrom(p []byte) (int, net.Addr, error) {
	n, size, from, err := s.ReceiveFrom(context.Background(), p)
	if err != nil {
		return 0, nil, err
	}
	addr := net.UDPAddrFromAddrPort(from)
	if size > n {
		return n, addr, fmt.Errorf("datagram of %d bytes truncated to %d: %w", size, n, io.ErrShortBuffer)
	}
	return n, addr, nil
}

// WriteTo implements [net.PacketConn].
func (s *Socket) WriteTo(p []byte, addr net.Addr) (int, error) {
	remote, err := addrPortOf(addr)
	if err != nil {
		return 0, err
	}
	if err := s.SendTo(context.Background(), p, remote); err != nil {
		return 0, err
	}
	return len(p), nil
}

func addrPortOf(addr net.Addr) (netip.AddrPort, error) {
	if udpAddr, ok := addr.(*net.UDPAddr); ok {
		return udpAddr.AddrPort(), nil
	}
	if addr == nil {
		return netip.AddrPort{}, fmt.Errorf("nil address: %w", network.ErrUnsupportedAddress)
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("address %q: %w", addr.String(), network.ErrUnsupportedAddress)
	}
	return ap, nil
}

// JoinGroup subscribes the socket to the multicast group.
func (s *Socket) JoinGroup(group netip.Addr) error {
	if s.st.closed() {
		return network.ErrClosed
	}
	if err := s.st.sock.JoinGroup(group); err != nil {
		return fmt.Errorf("join %v: %w", group, neterr.FromStack(err))
	}
	return nil
}

// LeaveGroup unsubscribes the socket from the multicast group.
func (s *Socket) LeaveGroup(group netip.Addr) error {
	if s.st.closed() {
		return network.ErrClosed
	}
	if err := s.st.sock.LeaveGroup(group); err != nil {
		return fmt.Errorf("leave %v: %w", group, neterr.FromStack(err))
	}
	return nil
}

// Close releases the socket and its slot. Queued datagrams are discarded. Close is idempotent.
func (s *Socket) Close() error {
	s.cleanup.Stop()
	if !s.st.closed() {
		s.st.log.Debug("udp closed", "local", s.st.local)
	}
	s.st.finish()
	return nil
}

// LocalEndpoint returns the bound local address and port.
func (s *Socket) LocalEndpoint() netip.AddrPort { return s.st.local }

// LocalAddr returns the bound endpoint as a [*net.UDPAddr].
func (s *Socket) LocalAddr() net.Addr { return net.UDPAddrFromAddrPort(s.st.local) }

// TransmitCapacity returns the largest payload SendTo accepts.
func (s *Socket) TransmitCapacity() int { return s.st.txCap }

func (s *Socket) SetDeadline(t time.Time) error {
	if err := s.SetReadDeadline(t); err != nil {
		return err
	}
	return s.SetWriteDeadline(t)
}

func (s *Socket) SetReadDeadline(t time.Time) error {
	if s.st.closed() {
		return network.ErrClosed
	}
	s.st.readDeadline.Set(t)
	return nil
}

func (s *Socket) SetWriteDeadline(t time.Time) error {
	if s.st.closed() {
		return network.ErrClosed
	}
	s.st.writeDeadline.Set(t)
	return nil
}
