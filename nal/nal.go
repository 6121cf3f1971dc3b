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

package nal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/Jigsaw-Code/outline-nal/dns"
	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/network"
	"github.com/Jigsaw-Code/outline-nal/pool"
	"github.com/Jigsaw-Code/outline-nal/raw"
	"github.com/Jigsaw-Code/outline-nal/tcp"
	"github.com/Jigsaw-Code/outline-nal/transport"
	"github.com/Jigsaw-Code/outline-nal/udp"
)

// TCPConnect opens active TCP connections.
type TCPConnect interface {
	Connect(ctx context.Context, remote netip.AddrPort) (*tcp.Conn, error)
	ConnectTimeout(ctx context.Context, remote netip.AddrPort, timeout time.Duration) (*tcp.Conn, error)
}

// TCPAccept opens passive TCP listeners.
type TCPAccept interface {
	Listen(ctx context.Context, local netip.AddrPort, backlog int) (*tcp.Listener, error)
}

// UDPBind binds UDP sockets.
type UDPBind interface {
	Bind(ctx context.Context, local netip.AddrPort) (*udp.Socket, error)
}

// RawBind opens raw IP sockets.
type RawBind interface {
	BindRaw(ctx context.Context, f netstack.RawFilter) (*raw.Socket, error)
}

// DNS resolves host names.
type DNS interface {
	Resolve(ctx context.Context, name string, kind dns.RecordKind) ([]netip.Addr, error)
	ResolveFirst(ctx context.Context, name string, kind dns.RecordKind) (netip.Addr, error)
}

// DefaultLinger bounds the graceful close of connections returned by [Stack.DialStream].
const DefaultLinger = 2 * time.Second

// DefaultBacklog is the backlog of listeners opened with a non-positive backlog.
const DefaultBacklog = 4

// Slot capacities of a Config that sets no slot count. Raw slots are only present when asked for.
const (
	DefaultTCPSlots = 8
	DefaultUDPSlots = 4
)

// Config configures a [Stack]. The zero value is usable: every field has a default.
type Config struct {
	// Pool sets the slot capacities and buffer sizes. If every slot count is zero, DefaultTCPSlots and
	// DefaultUDPSlots are used.
	Pool pool.Config
	// ConnectTimeout bounds TCP handshakes. Zero means only the context bounds them.
	ConnectTimeout time.Duration
	// IdleTimeout bounds a TCP read or write that makes no progress. Zero disables it.
	IdleTimeout time.Duration
	// Linger bounds the graceful close of dialed streams. Zero selects DefaultLinger, negative disables the
	// graceful close.
	Linger time.Duration
	// DNSTimeout bounds a resolution. Zero selects dns.DefaultTimeout.
	DNSTimeout time.Duration
	// Resolver replaces the resolver of the stack.
	Resolver netstack.Resolver
	// Logger receives the events of the pool and the adapters. Nil discards them.
	Logger *slog.Logger
}

// Stack implements every capability on one pool.
type Stack struct {
	pool   *pool.Pool
	tcp    *tcp.Adapter
	udp    *udp.Adapter
	raw    *raw.Adapter
	dns    *dns.Client
	linger time.Duration
	log    *slog.Logger
}

var (
	_ TCPConnect               = (*Stack)(nil)
	_ TCPAccept                = (*Stack)(nil)
	_ UDPBind                  = (*Stack)(nil)
	_ RawBind                  = (*Stack)(nil)
	_ DNS                      = (*Stack)(nil)
	_ transport.StreamDialer   = (*Stack)(nil)
	_ transport.PacketListener = (*Stack)(nil)
)

// New builds the pool described by cfg and the adapters that share it on top of stack.
func New(stack netstack.Stack, cfg Config) (*Stack, error) {
	if stack == nil {
		return nil, errors.New("nal: stack is required")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if cfg.Pool.TCPSlots == 0 && cfg.Pool.UDPSlots == 0 && cfg.Pool.RawSlots == 0 {
		cfg.Pool.TCPSlots, cfg.Pool.UDPSlots = DefaultTCPSlots, DefaultUDPSlots
	}
	p, err := pool.New(cfg.Pool, pool.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("nal: %w", err)
	}
	var resolver netstack.Resolver = stack
	if cfg.Resolver != nil {
		resolver = cfg.Resolver
	}
	dnsTimeout := cfg.DNSTimeout
	if dnsTimeout == 0 {
		dnsTimeout = dns.DefaultTimeout
	}
	linger := cfg.Linger
	if linger == 0 {
		linger = DefaultLinger
	}
	return &Stack{
		pool: p,
		tcp: tcp.New(stack, p,
			tcp.WithConnectTimeout(cfg.ConnectTimeout),
			tcp.WithIdleTimeout(cfg.IdleTimeout),
			tcp.WithLogger(log)),
		udp:    udp.New(stack, p, udp.WithLogger(log)),
		raw:    raw.New(stack, p, raw.WithLogger(log)),
		dns:    dns.NewClient(resolver, dns.WithTimeout(dnsTimeout), dns.WithLogger(log)),
		linger: linger,
		log:    log,
	}, nil
}

// Pool returns the slot pool shared by the adapters.
func (s *Stack) Pool() *pool.Pool { return s.pool }

// WritePrometheus writes the pool metrics in Prometheus text format.
func (s *Stack) WritePrometheus(w io.Writer) { s.pool.WritePrometheus(w) }

// Connect implements [TCPConnect].
func (s *Stack) Connect(ctx context.Context, remote netip.AddrPort) (*tcp.Conn, error) {
	return s.tcp.Connect(ctx, remote)
}

// ConnectTimeout implements [TCPConnect].
func (s *Stack) ConnectTimeout(ctx context.Context, remote netip.AddrPort, timeout time.Duration) (*tcp.Conn, error) {
	return s.tcp.ConnectTimeout(ctx, remote, timeout)
}

// Listen implements [TCPAccept]. A non-positive backlog selects DefaultBacklog.
func (s *Stack) Listen(ctx context.Context, local netip.AddrPort, backlog int) (*tcp.Listener, error) {
	if backlog <= 0 {
		backlog = DefaultBacklog
	}
	return s.tcp.Listen(ctx, local, backlog)
}

// Bind implements [UDPBind].
func (s *Stack) Bind(ctx context.Context, local netip.AddrPort) (*udp.Socket, error) {
	return s.udp.Bind(ctx, local)
}

// BindRaw implements [RawBind]. It needs raw slots in the pool and a stack that implements [netstack.RawStack].
func (s *Stack) BindRaw(ctx context.Context, f netstack.RawFilter) (*raw.Socket, error) {
	return s.raw.Bind(ctx, f)
}

// Resolve implements [DNS].
func (s *Stack) Resolve(ctx context.Context, name string, kind dns.RecordKind) ([]netip.Addr, error) {
	return s.dns.Resolve(ctx, name, kind)
}

// ResolveFirst implements [DNS].
func (s *Stack) ResolveFirst(ctx context.Context, name string, kind dns.RecordKind) (netip.Addr, error) {
	return s.dns.ResolveFirst(ctx, name, kind)
}

// DialStream implements [transport.StreamDialer]. The host of addr is resolved for A records, then AAAA records,
// and the addresses are tried in that order, one slot at a time. Pool exhaustion ends the attempts at once.
//
// Closing the returned connection shuts it down gracefully within the configured linger bound.
func (s *Stack) DialStream(ctx context.Context, addr string) (transport.StreamConn, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	port, err := net.LookupPort("tcp", portStr)
	if err != nil {
		return nil, err
	}
	ips, err := s.dns.Resolve(ctx, host, dns.KindAny)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, ip := range ips {
		conn, err := s.tcp.Connect(ctx, netip.AddrPortFrom(ip, uint16(port)))
		if err == nil {
			if s.linger < 0 {
				return conn, nil
			}
			return &lingerConn{Conn: conn, linger: s.linger}, nil
		}
		errs = append(errs, err)
		if errors.Is(err, network.ErrExhausted) || ctx.Err() != nil {
			break
		}
		s.log.Debug("dial attempt failed", "addr", addr, "ip", ip, "err", err)
	}
	return nil, errors.Join(errs...)
}

// lingerConn closes with a graceful shutdown instead of a reset.
type lingerConn struct {
	*tcp.Conn
	linger time.Duration
}

func (c *lingerConn) Close() error {
	err := c.Conn.Shutdown(c.linger)
	if errors.Is(err, network.ErrClosed) {
		// Not established anymore: reset or already closed.
		return c.Conn.Close()
	}
	return err
}

// ListenPacket implements [transport.PacketListener] with an IPv4 wildcard socket on an ephemeral port.
func (s *Stack) ListenPacket(ctx context.Context) (net.PacketConn, error) {
	return s.bindPacket(ctx, netip.AddrPortFrom(netip.IPv4Unspecified(), 0))
}

func (s *Stack) bindPacket(ctx context.Context, local netip.AddrPort) (net.PacketConn, error) {
	sock, err := s.udp.Bind(ctx, local)
	if err != nil {
		return nil, err
	}
	return sock, nil
}

// PacketListener returns a [transport.PacketListener] that binds pooled sockets to local.
func (s *Stack) PacketListener(local netip.AddrPort) transport.PacketListener {
	return packetListener{s, local}
}

type packetListener struct {
	s     *Stack
	local netip.AddrPort
}

func (l packetListener) ListenPacket(ctx context.Context) (net.PacketConn, error) {
	return l.s.bindPacket(ctx, l.local)
}
