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
Package tcp implements stream sockets on top of a [netstack.Stack], bounded by a [pool.Pool].

Every [Conn] and [Listener] owns exactly one TCP slot of the pool. The slot is claimed before the operation first
waits, so exhaustion is reported immediately with [network.ErrExhausted], and it is released on every failure path,
on Close, on Shutdown and, for handles that are dropped without being closed, when the garbage collector reclaims
them.

A handle goes through the states Idle, Connecting, Established, ShuttingDown and Closed. A listener goes from Idle to
Listening and spawns an Established connection for every accepted peer.
*/
package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/Jigsaw-Code/outline-nal/internal/await"
	"github.com/Jigsaw-Code/outline-nal/internal/neterr"
	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/network"
	"github.com/Jigsaw-Code/outline-nal/pool"
)

// State is the lifecycle state of a handle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateListening
	StateEstablished
	StateShuttingDown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateEstablished:
		return "established"
	case StateShuttingDown:
		return "shutting-down"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Adapter creates TCP handles. It is safe for concurrent use by multiple goroutines.
type Adapter struct {
	stack          netstack.Stack
	pool           *pool.Pool
	connectTimeout time.Duration
	idleTimeout    time.Duration
	log            *slog.Logger
}

// Option configures an [Adapter].
type Option func(a *Adapter)

// WithConnectTimeout bounds the handshake of [Adapter.Connect]. Zero means no bound other than the context.
func WithConnectTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.connectTimeout = d }
}

// WithIdleTimeout makes a read or write that waits longer than d fail with [network.ErrTimeout]. The connection
// stays usable. Zero disables it.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.idleTimeout = d }
}

// WithLogger sets the logger for connection events.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.log = l
		}
	}
}

// New returns an adapter that opens sockets on stack, within the TCP capacity of p.
func New(stack netstack.Stack, p *pool.Pool, opts ...Option) *Adapter {
	a := &Adapter{stack: stack, pool: p, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Connect opens a connection to remote. It waits until the handshake completes, the remote refuses, the configured
// connect timeout elapses or ctx is done. On failure no slot remains claimed.
func (a *Adapter) Connect(ctx context.Context, remote netip.AddrPort) (*Conn, error) {
	return a.ConnectTimeout(ctx, remote, a.connectTimeout)
}

// ConnectTimeout is like Connect with an explicit handshake timeout. Zero means no timeout.
func (a *Adapter) ConnectTimeout(ctx context.Context, remote netip.AddrPort, timeout time.Duration) (*Conn, error) {
	conn, err := a.connect(ctx, remote, timeout)
	if err != nil {
		a.log.Debug("tcp connect failed", "remote", remote, "error", err)
		return nil, fmt.Errorf("connect %v: %w", remote, err)
	}
	a.log.Debug("tcp connected", "local", conn.st.local, "remote", remote)
	return conn, nil
}

func (a *Adapter) connect(ctx context.Context, remote netip.AddrPort, timeout time.Duration) (*Conn, error) {
	remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())
	if !remote.IsValid() || remote.Port() == 0 || remote.Addr().IsUnspecified() || remote.Addr().IsMulticast() {
		return nil, network.ErrUnsupportedAddress
	}
	ref, err := a.pool.Claim(pool.TCP)
	if err != nil {
		return nil, err
	}
	rx, tx, _ := a.pool.Buffers(ref)
	sock, err := a.stack.OpenTCP(rx, tx)
	if err != nil {
		a.pool.Release(ref)
		return nil, neterr.FromStack(err)
	}
	// From here on the socket and the slot are given up together.
	fail := func(err error) (*Conn, error) {
		sock.Abort()
		sock.Close()
		a.pool.Release(ref)
		return nil, neterr.FromStack(err)
	}
	if err := sock.Connect(remote); err != nil {
		return fail(err)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	err = await.Poll(ctx, await.Stops{}, sock.Ready, func() error {
		switch sock.State() {
		case netstack.StateSynSent:
			return netstack.ErrWouldBlock
		case netstack.StateClosed:
			if err := sock.Err(); err != nil {
				return err
			}
			return netstack.ErrInvalidState
		default:
			return nil
		}
	})
	if err != nil {
		return fail(err)
	}
	return a.newConn(sock, ref), nil
}

// Listen opens a listener on local, queueing up to backlog connections that completed the handshake. An unspecified
// address listens on all addresses; port 0 picks an ephemeral port, reported by [Listener.Endpoint].
func (a *Adapter) Listen(ctx context.Context, local netip.AddrPort, backlog int) (*Listener, error) {
	l, err := a.listen(ctx, local, backlog)
	if err != nil {
		return nil, fmt.Errorf("listen %v: %w", local, err)
	}
	a.log.Debug("tcp listening", "local", l.st.local, "backlog", backlog)
	return l, nil
}

func (a *Adapter) listen(ctx context.Context, local netip.AddrPort, backlog int) (*Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	local = netip.AddrPortFrom(local.Addr().Unmap(), local.Port())
	if !local.Addr().IsValid() || local.Addr().IsMulticast() {
		return nil, network.ErrUnsupportedAddress
	}
	ref, err := a.pool.ClaimEndpoint(pool.TCP, local)
	if err != nil {
		return nil, err
	}
	rx, tx, _ := a.pool.Buffers(ref)
	sock, err := a.stack.OpenTCP(rx, tx)
	if err != nil {
		a.pool.Release(ref)
		return nil, neterr.FromStack(err)
	}
	if err := sock.Listen(local, backlog); err != nil {
		sock.Close()
		a.pool.Release(ref)
		return nil, neterr.FromStack(err)
	}
	bound := sock.LocalAddr()
	a.pool.SetEndpoint(ref, bound)
	return a.newListener(sock, ref, bound), nil
}
