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

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
)

// PacketListener provides a way to create a local unbound packet connection to send packets to different destinations.
type PacketListener interface {
	// ListenPacket creates a PacketConn that can be used to relay packets (such as UDP) through some proxy.
	ListenPacket(ctx context.Context) (net.PacketConn, error)
}

// UDPListener is a [PacketListener] that uses the standard [net.ListenConfig].ListenPacket to listen.
type UDPListener struct {
	net.ListenConfig
	// The local address to bind to, as specified in [net.ListenPacket].
	Address string
}

var _ PacketListener = (*UDPListener)(nil)

// ListenPacket implements [PacketListener].
func (l UDPListener) ListenPacket(ctx context.Context) (net.PacketConn, error) {
	return l.ListenConfig.ListenPacket(ctx, "udp", l.Address)
}

// PacketDialer provides a way to dial a destination and establish datagram connections.
type PacketDialer interface {
	// DialPacket connects to `addr`.
	// `addr` has the form `host:port`, where `host` can be a domain name or IP address.
	DialPacket(ctx context.Context, addr string) (net.Conn, error)
}

// FuncPacketDialer is a [PacketDialer] that uses the given function to dial.
type FuncPacketDialer func(ctx context.Context, addr string) (net.Conn, error)

var _ PacketDialer = (*FuncPacketDialer)(nil)

// DialPacket implements the [PacketDialer] interface.
func (f FuncPacketDialer) DialPacket(ctx context.Context, addr string) (net.Conn, error) {
	return f(ctx, addr)
}

// UDPDialer is a [PacketDialer] that uses the standard [net.Dialer] to dial.
type UDPDialer struct {
	Dialer net.Dialer
}

var _ PacketDialer = (*UDPDialer)(nil)

// DialPacket implements [PacketDialer].
func (d *UDPDialer) DialPacket(ctx context.Context, addr string) (net.Conn, error) {
	return d.Dialer.DialContext(ctx, "udp", addr)
}

// PacketListenerDialer is a [PacketDialer] that connects to the destination using the given [PacketListener].
// The destination host must be an IP literal: the listener's sockets are unbound and name resolution is the
// caller's concern.
type PacketListenerDialer struct {
	// The PacketListener that is used to create the net.PacketConn to bind on dial. Must be non nil.
	Listener PacketListener
}

var _ PacketDialer = (*PacketListenerDialer)(nil)

// DialPacket implements [PacketDialer].
func (e PacketListenerDialer) DialPacket(ctx context.Context, address string) (net.Conn, error) {
	remote, err := netip.ParseAddrPort(address)
	if err != nil {
		return nil, fmt.Errorf("invalid packet destination %q: %w", address, err)
	}
	packetConn, err := e.Listener.ListenPacket(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not create PacketConn: %w", err)
	}
	return &boundPacketConn{
		PacketConn: packetConn,
		remote:     unmap(remote),
		remoteAddr: net.UDPAddrFromAddrPort(remote),
	}, nil
}

type boundPacketConn struct {
	net.PacketConn
	remote     netip.AddrPort
	remoteAddr net.Addr
}

var _ net.Conn = (*boundPacketConn)(nil)

// Read reads the next datagram from the bound destination. Datagrams from other sources are discarded.
func (c *boundPacketConn) Read(packet []byte) (int, error) {
	for {
		n, from, err := c.PacketConn.ReadFrom(packet)
		if err != nil && !errors.Is(err, io.ErrShortBuffer) {
			return n, err
		}
		if !c.fromRemote(from) {
			continue
		}
		return n, err
	}
}

func (c *boundPacketConn) fromRemote(from net.Addr) bool {
	if from == nil {
		return false
	}
	if ua, ok := from.(*net.UDPAddr); ok {
		return unmap(ua.AddrPort()) == c.remote
	}
	ap, err := netip.ParseAddrPort(from.String())
	return err == nil && unmap(ap) == c.remote
}

func (c *boundPacketConn) Write(packet []byte) (int, error) {
	return c.PacketConn.WriteTo(packet, c.remoteAddr)
}

func (c *boundPacketConn) RemoteAddr() net.Addr {
	return c.remoteAddr
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
