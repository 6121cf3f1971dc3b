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

// Package raw implements raw IP sockets on top of a [netstack.RawStack], bounded by the raw slots of a [pool.Pool].
//
// A [Socket] sends and receives whole IP packets, header included, selected by a [netstack.RawFilter]. Each socket
// owns one raw slot from Bind until Close. Packets larger than the transmit region fail with
// [network.ErrPayloadTooLarge]; packets larger than the receive buffer are truncated and their size reported.
//
// Like the other sockets of this module, a Socket may be used by one reading goroutine and one writing goroutine at
// the same time. A caller that wants to know when a packet is available blocks in [Socket.Receive].
package raw

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
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

// Adapter opens raw sockets. It is safe for concurrent use by multiple goroutines.
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

// New returns an adapter that opens sockets on stack, within the raw capacity of p.
func New(stack netstack.Stack, p *pool.Pool, opts ...Option) *Adapter {
	a := &Adapter{stack: stack, pool: p, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Bind opens a socket that receives the packets selected by f.
//
// Bind fails with an error wrapping [errors.ErrUnsupported] if the stack has no raw sockets, with
// [network.ErrExhausted] if no raw slot is free, and with [network.ErrUnsupportedAddress] if the stack cannot serve
// the filter.
func (a *Adapter) Bind(ctx context.Context, f netstack.RawFilter) (*Socket, error) {
	s, err := a.bind(ctx, f)
	if err != nil {
		a.log.Debug("raw bind failed", "version", f.Version, "protocol", f.Protocol, "error", err)
		return nil, fmt.Errorf("bind raw ip%d/%d: %w", f.Version, f.Protocol, err)
	}
	a.log.Debug("raw bound", "version", f.Version, "protocol", f.Protocol)
	return s, nil
}

func (a *Adapter) bind(ctx context.Context, f netstack.RawFilter) (*Socket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rs, ok := a.stack.(netstack.RawStack)
	if !ok {
		return nil, fmt.Errorf("%T has no raw sockets: %w", a.stack, errors.ErrUnsupported)
	}
	ref, err := a.pool.Claim(pool.Raw)
	if err != nil {
		return nil, err
	}
	rx, tx, _ := a.pool.Buffers(ref)
	sock, err := rs.OpenRaw(f, rx, tx)
	if err != nil {
		a.pool.Release(ref)
		return nil, neterr.FromStack(err)
	}
	st := &socketState{
		sock:          sock,
		pool:          a.pool,
		ref:           ref,
		filter:        f,
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

// Socket is an open raw socket. It implements [io.ReadWriteCloser], one packet per call.
type Socket struct {
	st      *socketState
	cleanup runtime.Cleanup
}

var _ io.ReadWriteCloser = (*Socket)(nil)

type socketState struct {
	sock      netstack.RawSocket
	pool      *pool.Pool
	ref       pool.Ref
	filter    netstack.RawFilter
	txCap     int
	log       *slog.Logger
	done      chan struct{}
	closeOnce sync.Once

	readDeadline, writeDeadline *ddltimer.Timer
}

func (st *socketState) abandon() {
	st.log.Warn("raw socket dropped without close", "version", st.filter.Version, "protocol", st.filter.Protocol)
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

// Send sends packet, which must start with an IP header matching the socket's filter and whose length field covers
// exactly the packet. Packets with a malformed header fail with [network.ErrUnsupportedAddress].
func (s *Socket) Send(ctx context.Context, packet []byte) error {
	st := s.st
	if st.closed() {
		return network.ErrClosed
	}
	if len(packet) > st.txCap {
		return fmt.Errorf("send %d bytes, capacity %d: %w", len(packet), st.txCap, network.ErrPayloadTooLarge)
	}
	err := st.poll(ctx, st.writeDeadline, func() error {
		return st.sock.Send(packet)
	})
	if err != nil {
		return fmt.Errorf("send raw packet: %w", err)
	}
	return nil
}

// Receive waits for the next packet and copies it into buf. size > n means the packet did not fit in buf.
func (s *Socket) Receive(ctx context.Context, buf []byte) (n, size int, err error) {
	st := s.st
	err = st.poll(ctx, st.readDeadline, func() error {
		var err error
		n, size, err = st.sock.Recv(buf)
		return err
	})
	if err != nil {
		return 0, 0, err
	}
	return n, size, nil
}

// Read receives one packet. A truncated packet returns the bytes that fit along with an error wrapping
// [io.ErrShortBuffer].
func (s *Socket) Read(p []byte) (int, error) {
	n, size, err := s.Receive(context.Background(), p)
	if err != nil {
		return 0, err
	}
	if size > n {
		return n, fmt.Errorf("packet of %d bytes truncated to %d: %w", size, n, io.ErrShortBuffer)
	}
	return n, nil
}

// Write sends p as one packet.
func (s *Socket) Write(p []byte) (int, error) {
	if err := s.Send(context.Background(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close releases the socket and its slot. Close is idempotent.
func (s *Socket) Close() error {
	s.cleanup.Stop()
	if !s.st.closed() {
		s.st.log.Debug("raw closed", "version", s.st.filter.Version, "protocol", s.st.filter.Protocol)
	}
	s.st.finish()
	return nil
}

// Filter returns the filter the socket was opened with.
func (s *Socket) Filter() netstack.RawFilter { return s.st.filter }

// TransmitCapacity returns the largest packet Send accepts.
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
