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
	"net/netip"
	"testing"

	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/stretchr/testify/require"
)

func bindUDP(t *testing.T, s *Stack, local string, rxSize, txSize int) netstack.UDPSocket {
	t.Helper()
	u, err := s.OpenUDP(make([]byte, rxSize), make([]byte, txSize))
	require.NoError(t, err)
	t.Cleanup(func() { u.Close() })
	require.NoError(t, u.Bind(netip.MustParseAddrPort(local)))
	return u
}

func TestUDPSendReceive(t *testing.T) {
	s := New()
	a := bindUDP(t, s, "0.0.0.0:0", 64, 64)
	b := bindUDP(t, s, "10.0.0.1:53", 64, 64)

	ready := b.Ready()
	require.NoError(t, a.SendTo([]byte("query"), b.LocalAddr()))
	<-ready

	buf := make([]byte, 64)
	n, size, from, err := b.RecvFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "query", string(buf[:n]))
	require.Equal(t, 5, size)
	require.Equal(t, netip.AddrPortFrom(DefaultIPv4, a.LocalAddr().Port()), from)

	_, _, _, err = b.RecvFrom(buf)
	require.ErrorIs(t, err, netstack.ErrWouldBlock)
}

func TestUDPEphemeralPorts(t *testing.T) {
	s := New()
	a := bindUDP(t, s, "0.0.0.0:0", 8, 8)
	b := bindUDP(t, s, "0.0.0.0:0", 8, 8)
	require.NotZero(t, a.LocalAddr().Port())
	require.NotEqual(t, a.LocalAddr().Port(), b.LocalAddr().Port())
}

func TestUDPBindConflict(t *testing.T) {
	s := New()
	bindUDP(t, s, "10.0.0.1:5000", 8, 8)
	u, err := s.OpenUDP(nil, nil)
	require.NoError(t, err)
	defer u.Close()
	require.ErrorIs(t, u.Bind(netip.MustParseAddrPort("10.0.0.1:5000")), netstack.ErrAddrInUse)
	require.ErrorIs(t, u.Bind(netip.MustParseAddrPort("192.0.2.1:5000")), netstack.ErrUnsupported)
	require.NoError(t, u.Bind(netip.MustParseAddrPort("0.0.0.0:5000")))
	require.ErrorIs(t, u.Bind(netip.MustParseAddrPort("0.0.0.0:5001")), netstack.ErrInvalidState)
}

func TestUDPMessageSize(t *testing.T) {
	s := New()
	a := bindUDP(t, s, "0.0.0.0:0", 8, 8)
	b := bindUDP(t, s, "10.0.0.1:9", 8, 8)
	require.NoError(t, a.SendTo(make([]byte, 8), b.LocalAddr()))
	require.ErrorIs(t, a.SendTo(make([]byte, 9), b.LocalAddr()), netstack.ErrMsgSize)
}

func TestUDPTruncation(t *testing.T) {
	s := New()
	a := bindUDP(t, s, "0.0.0.0:0", 64, 64)
	b := bindUDP(t, s, "10.0.0.1:9", 64, 64)
	require.NoError(t, a.SendTo([]byte("0123456789"), b.LocalAddr()))
	require.NoError(t, a.SendTo([]byte("next"), b.LocalAddr()))

	buf := make([]byte, 4)
	n, size, _, err := b.RecvFrom(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, 10, size)
	require.Equal(t, "0123", string(buf))

	// The rest of the truncated datagram is gone.
	n, size, _, err = b.RecvFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "next", string(buf[:n]))
	require.Equal(t, 4, size)
}

func TestUDPDropsWhenFull(t *testing.T) {
	s := New(WithUDPQueueLen(2))
	a := bindUDP(t, s, "0.0.0.0:0", 64, 64)
	b := bindUDP(t, s, "10.0.0.1:9", 6, 64)

	require.NoError(t, a.SendTo([]byte("aaa"), b.LocalAddr()))
	// Does not fit in the remaining receive space.
	require.NoError(t, a.SendTo([]byte("bbbb"), b.LocalAddr()))
	require.NoError(t, a.SendTo([]byte("cc"), b.LocalAddr()))
	// Queue is full.
	require.NoError(t, a.SendTo([]byte("d"), b.LocalAddr()))
	require.Equal(t, 2, s.Dropped())

	buf := make([]byte, 8)
	n, _, _, err := b.RecvFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "aaa", string(buf[:n]))
	n, _, _, err = b.RecvFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "cc", string(buf[:n]))
}

func TestUDPUnreachableIsDropped(t *testing.T) {
	s := New()
	a := bindUDP(t, s, "0.0.0.0:0", 8, 8)
	require.NoError(t, a.SendTo([]byte("x"), netip.MustParseAddrPort("192.0.2.1:9")))
	require.ErrorIs(t, a.SendTo([]byte("x"), netip.MustParseAddrPort("[fd00::2]:9")), netstack.ErrUnsupported)
}

func TestUDPMulticast(t *testing.T) {
	s := New()
	group := netip.MustParseAddr("239.1.2.3")
	joined := bindUDP(t, s, "0.0.0.0:5353", 32, 32)
	other := bindUDP(t, s, "10.0.0.1:5353", 32, 32)
	sender := bindUDP(t, s, "0.0.0.0:0", 32, 32)

	require.ErrorIs(t, joined.JoinGroup(netip.MustParseAddr("10.0.0.9")), netstack.ErrUnsupported)
	require.NoError(t, joined.JoinGroup(group))
	require.NoError(t, sender.SendTo([]byte("hello"), netip.AddrPortFrom(group, 5353)))

	buf := make([]byte, 32)
	n, _, _, err := joined.RecvFrom(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
	_, _, _, err = other.RecvFrom(buf)
	require.ErrorIs(t, err, netstack.ErrWouldBlock)

	require.NoError(t, joined.LeaveGroup(group))
	require.ErrorIs(t, joined.LeaveGroup(group), netstack.ErrInvalidState)
	require.NoError(t, sender.SendTo([]byte("again"), netip.AddrPortFrom(group, 5353)))
	_, _, _, err = joined.RecvFrom(buf)
	require.ErrorIs(t, err, netstack.ErrWouldBlock)
}

func TestUDPCloseFreesEndpoint(t *testing.T) {
	s := New(WithMaxSockets(1))
	u, err := s.OpenUDP(make([]byte, 8), make([]byte, 8))
	require.NoError(t, err)
	require.NoError(t, u.Bind(netip.MustParseAddrPort("10.0.0.1:7")))
	require.NoError(t, u.Close())
	require.NoError(t, u.Close())
	require.ErrorIs(t, u.SendTo(nil, netip.MustParseAddrPort("10.0.0.1:7")), netstack.ErrClosed)
	require.Zero(t, s.OpenSockets())

	bindUDP(t, s, "10.0.0.1:7", 8, 8)
}
