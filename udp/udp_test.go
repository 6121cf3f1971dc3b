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

package udp

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/netip"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/Jigsaw-Code/outline-nal/netstack/memstack"
	"github.com/Jigsaw-Code/outline-nal/network"
	"github.com/Jigsaw-Code/outline-nal/pool"
	"github.com/stretchr/testify/require"
)

var wildcard = netip.MustParseAddrPort("0.0.0.0:0")

func newAdapter(t *testing.T, slots int) (*Adapter, *pool.Pool, *memstack.Stack) {
	t.Helper()
	stack := memstack.New()
	p, err := pool.New(pool.Config{UDPSlots: slots})
	require.NoError(t, err)
	return New(stack, p), p, stack
}

func bind(t *testing.T, a *Adapter, local netip.AddrPort) *Socket {
	t.Helper()
	s, err := a.Bind(context.Background(), local)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSendReceive(t *testing.T) {
	a, _, _ := newAdapter(t, 2)
	sender := bind(t, a, wildcard)
	receiver := bind(t, a, netip.MustParseAddrPort("10.0.0.1:5000"))

	require.NoError(t, sender.SendTo(context.Background(), []byte("hello"), receiver.LocalEndpoint()))
	buf := make([]byte, 64)
	n, size, from, err := receiver.ReceiveFrom(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	require.Equal(t, 5, size)
	require.Equal(t, sender.LocalEndpoint().Port(), from.Port())
	require.Equal(t, memstack.DefaultIPv4, from.Addr())
}

func TestPayloadCapacity(t *testing.T) {
	a, _, _ := newAdapter(t, 2)
	sender := bind(t, a, wildcard)
	receiver := bind(t, a, netip.MustParseAddrPort("10.0.0.1:5000"))
	require.Equal(t, pool.DefaultUDPBufferSize, sender.TransmitCapacity())

	full := bytes.Repeat([]byte{0xaa}, pool.DefaultUDPBufferSize)
	require.NoError(t, sender.SendTo(context.Background(), full, receiver.LocalEndpoint()))
	err := sender.SendTo(context.Background(), append(full, 0), receiver.LocalEndpoint())
	require.ErrorIs(t, err, network.ErrPayloadTooLarge)

	buf := make([]byte, 2*pool.DefaultUDPBufferSize)
	n, size, _, err := receiver.ReceiveFrom(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, len(full), n)
	require.Equal(t, len(full), size)
	// Nothing of the oversized datagram was sent.
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, _, err = receiver.ReceiveFrom(ctx, buf)
	require.ErrorIs(t, err, network.ErrTimeout)
}

func TestEphemeralPorts(t *testing.T) {
	a, _, _ := newAdapter(t, 2)
	first := bind(t, a, wildcard)
	second := bind(t, a, wildcard)
	require.NotZero(t, first.LocalEndpoint().Port())
	require.NotZero(t, second.LocalEndpoint().Port())
	require.NotEqual(t, first.LocalEndpoint(), second.LocalEndpoint())
}

func TestBindAddressInUse(t *testing.T) {
	a, p, _ := newAdapter(t, 2)
	s := bind(t, a, netip.MustParseAddrPort("10.0.0.1:5000"))
	_, err := a.Bind(context.Background(), s.LocalEndpoint())
	require.ErrorIs(t, err, network.ErrAddressInUse)
	require.Equal(t, 1, p.Claimed(pool.UDP))

	// The ephemeral port chosen by the stack is recorded as well.
	eph := bind(t, a, netip.MustParseAddrPort("10.0.0.1:0"))
	_, err = a.Bind(context.Background(), eph.LocalEndpoint())
	require.ErrorIs(t, err, network.ErrAddressInUse)
}

func TestBindConflictOnStack(t *testing.T) {
	stack := memstack.New()
	p1, err := pool.New(pool.Config{UDPSlots: 1})
	require.NoError(t, err)
	p2, err := pool.New(pool.Config{UDPSlots: 1})
	require.NoError(t, err)
	bind(t, New(stack, p1), netip.MustParseAddrPort("10.0.0.1:53"))
	_, err = New(stack, p2).Bind(context.Background(), netip.MustParseAddrPort("10.0.0.1:53"))
	require.ErrorIs(t, err, network.ErrAddressInUse)
	require.Zero(t, p2.Claimed(pool.UDP))
}

func TestBindExhausted(t *testing.T) {
	a, p, _ := newAdapter(t, 1)
	s := bind(t, a, wildcard)
	_, err := a.Bind(context.Background(), wildcard)
	require.ErrorIs(t, err, network.ErrExhausted)
	require.NoError(t, s.Close())
	require.Zero(t, p.Claimed(pool.UDP))
	bind(t, a, wildcard)
}

func TestTruncation(t *testing.T) {
	a, _, _ := newAdapter(t, 2)
	sender := bind(t, a, wildcard)
	receiver := bind(t, a, netip.MustParseAddrPort("10.0.0.1:5000"))
	require.NoError(t, sender.SendTo(context.Background(), []byte("0123456789"), receiver.LocalEndpoint()))
	require.NoError(t, sender.SendTo(context.Background(), []byte("0123456789"), receiver.LocalEndpoint()))

	buf := make([]byte, 4)
	n, size, _, err := receiver.ReceiveFrom(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, 10, size)

	n, from, err := receiver.ReadFrom(buf)
	require.ErrorIs(t, err, io.ErrShortBuffer)
	require.Equal(t, 4, n)
	require.Equal(t, "0123", string(buf))
	require.Equal(t, sender.LocalEndpoint().Port(), from.(*net.UDPAddr).AddrPort().Port())
}

func TestReceiveCancel(t *testing.T) {
	a, p, _ := newAdapter(t, 1)
	s := bind(t, a, wildcard)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(10*time.Millisecond, cancel)
	_, _, _, err := s.ReceiveFrom(ctx, make([]byte, 8))
	require.ErrorIs(t, err, context.Canceled)
	// Cancelling a receive does not close the socket.
	require.Equal(t, 1, p.Claimed(pool.UDP))
}

func TestReadDeadline(t *testing.T) {
	a, _, _ := newAdapter(t, 1)
	s := bind(t, a, wildcard)
	require.NoError(t, s.SetReadDeadline(time.Now().Add(20*time.Millisecond)))
	_, _, err := s.ReadFrom(make([]byte, 8))
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestPacketConn(t *testing.T) {
	a, _, _ := newAdapter(t, 2)
	var pc net.PacketConn = bind(t, a, wildcard)
	echo := bind(t, a, netip.MustParseAddrPort("10.0.0.1:7"))

	n, err := pc.WriteTo([]byte("ping"), &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 7})
	require.NoError(t, err)
	require.Equal(t, 4, n)

	buf := make([]byte, 16)
	n, from, err := echo.ReadFrom(buf)
	require.NoError(t, err)
	_, err = echo.WriteTo(buf[:n], from)
	require.NoError(t, err)

	n, from, err = pc.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf[:n]))
	require.Equal(t, "10.0.0.1:7", from.String())
}

func TestMulticast(t *testing.T) {
	a, _, _ := newAdapter(t, 2)
	group := netip.MustParseAddr("239.0.0.7")
	member := bind(t, a, netip.MustParseAddrPort("0.0.0.0:7000"))
	sender := bind(t, a, wildcard)

	require.ErrorIs(t, member.JoinGroup(netip.MustParseAddr("10.0.0.1")), network.ErrUnsupportedAddress)
	require.NoError(t, member.JoinGroup(group))
	require.NoError(t, sender.SendTo(context.Background(), []byte("all"), netip.AddrPortFrom(group, 7000)))

	buf := make([]byte, 8)
	n, _, _, err := member.ReceiveFrom(context.Background(), buf)
	require.NoError(t, err)
	require.Equal(t, "all", string(buf[:n]))
	require.NoError(t, member.LeaveGroup(group))
	require.ErrorIs(t, member.LeaveGroup(group), network.ErrInvalidState)
}

func TestCloseWakesReceiver(t *testing.T) {
	a, p, _ := newAdapter(t, 1)
	s := bind(t, a, wildcard)
	time.AfterFunc(10*time.Millisecond, func() { s.Close() })
	_, _, _, err := s.ReceiveFrom(context.Background(), make([]byte, 8))
	require.ErrorIs(t, err, network.ErrClosed)
	require.Zero(t, p.Claimed(pool.UDP))
	require.ErrorIs(t, s.SendTo(context.Background(), nil, netip.MustParseAddrPort("10.0.0.1:9")), network.ErrClosed)
}

func dropSocket(t *testing.T, a *Adapter) {
	_, err := a.Bind(context.Background(), netip.MustParseAddrPort("10.0.0.1:9"))
	require.NoError(t, err)
}

func TestDropReleases(t *testing.T) {
	a, p, stack := newAdapter(t, 1)
	dropSocket(t, a)
	require.Eventually(t, func() bool {
		runtime.GC()
		return p.Claimed(pool.UDP) == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Zero(t, stack.OpenSockets())
	bind(t, a, netip.MustParseAddrPort("10.0.0.1:9"))
}
