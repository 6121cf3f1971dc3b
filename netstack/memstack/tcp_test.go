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
	"testing"

	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/stretchr/testify/require"
)

func openTCP(t *testing.T, s *Stack, size int) netstack.TCPSocket {
	t.Helper()
	c, err := s.OpenTCP(make([]byte, size), make([]byte, size))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func listen(t *testing.T, s *Stack, local string, backlog int) netstack.TCPSocket {
	t.Helper()
	l := openTCP(t, s, 0)
	require.NoError(t, l.Listen(netip.MustParseAddrPort(local), backlog))
	return l
}

// connectPair returns an established client and the accepted server side.
func connectPair(t *testing.T, s *Stack, size int) (client, server netstack.TCPSocket) {
	t.Helper()
	l := listen(t, s, "0.0.0.0:80", 1)
	client = openTCP(t, s, size)
	require.NoError(t, client.Connect(netip.MustParseAddrPort("10.0.0.1:80")))
	require.Equal(t, netstack.StateEstablished, client.State())
	server, err := l.Accept(make([]byte, size), make([]byte, size))
	require.NoError(t, err)
	t.Cleanup(func() { server.Close() })
	return client, server
}

func TestTCPConnectAccept(t *testing.T) {
	s := New()
	l := listen(t, s, "0.0.0.0:80", 4)
	_, err := l.Accept(nil, nil)
	require.ErrorIs(t, err, netstack.ErrWouldBlock)

	c := openTCP(t, s, 16)
	ready := l.Ready()
	require.NoError(t, c.Connect(netip.MustParseAddrPort("10.0.0.1:80")))
	require.Equal(t, netstack.StateEstablished, c.State())
	require.Equal(t, netip.MustParseAddrPort("10.0.0.1:49152"), c.LocalAddr())
	select {
	case <-ready:
	default:
		t.Fatal("listener was not signaled")
	}

	srv, err := l.Accept(make([]byte, 16), make([]byte, 16))
	require.NoError(t, err)
	defer srv.Close()
	require.Equal(t, netstack.StateEstablished, srv.State())
	require.Equal(t, c.LocalAddr(), srv.RemoteAddr())
	require.Equal(t, c.RemoteAddr(), srv.LocalAddr())
}

func TestTCPRefused(t *testing.T) {
	s := New()
	c := openTCP(t, s, 16)
	require.NoError(t, c.Connect(netip.MustParseAddrPort("10.0.0.1:81")))
	require.Equal(t, netstack.StateClosed, c.State())
	require.ErrorIs(t, c.Err(), netstack.ErrRefused)

	require.ErrorIs(t, c.Connect(netip.MustParseAddrPort("10.0.0.1:81")), netstack.ErrInvalidState)
}

func TestTCPConnectUnsupported(t *testing.T) {
	s := New()
	c := openTCP(t, s, 16)
	require.ErrorIs(t, c.Connect(netip.MustParseAddrPort("0.0.0.0:80")), netstack.ErrUnsupported)
	require.ErrorIs(t, c.Connect(netip.MustParseAddrPort("10.0.0.1:0")), netstack.ErrUnsupported)
	require.ErrorIs(t, c.Connect(netip.AddrPort{}), netstack.ErrUnsupported)
}

func TestTCPBlackhole(t *testing.T) {
	s := New()
	s.Blackhole(netip.MustParseAddr("192.0.2.1"))
	c := openTCP(t, s, 16)
	require.NoError(t, c.Connect(netip.MustParseAddrPort("192.0.2.1:443")))
	require.Equal(t, netstack.StateSynSent, c.State())
	_, err := c.Read(make([]byte, 1))
	require.ErrorIs(t, err, netstack.ErrWouldBlock)
	c.Abort()
	require.Equal(t, netstack.StateClosed, c.State())
}

func TestTCPBacklog(t *testing.T) {
	s := New()
	l := listen(t, s, "10.0.0.1:80", 1)
	first := openTCP(t, s, 16)
	second := openTCP(t, s, 16)
	require.NoError(t, first.Connect(netip.MustParseAddrPort("10.0.0.1:80")))
	require.NoError(t, second.Connect(netip.MustParseAddrPort("10.0.0.1:80")))
	require.Equal(t, netstack.StateEstablished, first.State())
	require.Equal(t, netstack.StateSynSent, second.State())

	srv, err := l.Accept(make([]byte, 16), make([]byte, 16))
	require.NoError(t, err)
	defer srv.Close()
	require.Equal(t, first.LocalAddr(), srv.RemoteAddr())
	require.Equal(t, netstack.StateEstablished, second.State())
}

func TestTCPListenerCloseResetsQueue(t *testing.T) {
	s := New()
	l := listen(t, s, "10.0.0.1:80", 1)
	queued := openTCP(t, s, 16)
	waiting := openTCP(t, s, 16)
	require.NoError(t, queued.Connect(netip.MustParseAddrPort("10.0.0.1:80")))
	require.NoError(t, waiting.Connect(netip.MustParseAddrPort("10.0.0.1:80")))

	require.NoError(t, l.Close())
	require.ErrorIs(t, queued.Err(), netstack.ErrReset)
	require.ErrorIs(t, waiting.Err(), netstack.ErrRefused)

	// The port is free again.
	listen(t, s, "10.0.0.1:80", 1)
}

func TestTCPListenConflict(t *testing.T) {
	s := New()
	listen(t, s, "10.0.0.1:80", 1)
	l := openTCP(t, s, 0)
	require.ErrorIs(t, l.Listen(netip.MustParseAddrPort("10.0.0.1:80"), 1), netstack.ErrAddrInUse)
	require.ErrorIs(t, l.Listen(netip.MustParseAddrPort("192.0.2.1:80"), 1), netstack.ErrUnsupported)

	eph := listen(t, s, "10.0.0.1:0", 1)
	require.NotZero(t, eph.LocalAddr().Port())
}

func TestTCPDataWindow(t *testing.T) {
	s := New()
	client, server := connectPair(t, s, 8)

	// 8 bytes fill the server's receive region, 8 more the client's transmit region.
	n, err := client.Write([]byte("0123456789abcdefXYZ"))
	require.NoError(t, err)
	require.Equal(t, 16, n)
	require.Equal(t, 8, client.Pending())
	_, err = client.Write([]byte("X"))
	require.ErrorIs(t, err, netstack.ErrWouldBlock)

	buf := make([]byte, 5)
	n, err = server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "01234", string(buf[:n]))
	// Reading opened the window for 5 more bytes.
	require.Equal(t, 3, client.Pending())

	all := make([]byte, 32)
	n, err = server.Read(all)
	require.NoError(t, err)
	require.Equal(t, "56789abc", string(all[:n]))
	n, err = server.Read(all)
	require.NoError(t, err)
	require.Equal(t, "def", string(all[:n]))
	_, err = server.Read(all)
	require.ErrorIs(t, err, netstack.ErrWouldBlock)
}

func TestTCPGracefulClose(t *testing.T) {
	s := New()
	client, server := connectPair(t, s, 16)

	_, err := client.Write([]byte("bye"))
	require.NoError(t, err)
	require.NoError(t, client.CloseWrite())
	require.Equal(t, netstack.StateFinWait, client.State())
	require.Equal(t, netstack.StateCloseWait, server.State())
	_, err = client.Write([]byte("more"))
	require.ErrorIs(t, err, netstack.ErrInvalidState)

	buf := make([]byte, 16)
	n, err := server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "bye", string(buf[:n]))
	_, err = server.Read(buf)
	require.ErrorIs(t, err, io.EOF)

	// The passive side may still write.
	_, err = server.Write([]byte("ok"))
	require.NoError(t, err)
	require.NoError(t, server.CloseWrite())
	require.Equal(t, netstack.StateClosed, server.State())
	require.NoError(t, server.Err())
	require.Equal(t, netstack.StateTimeWait, client.State())

	n, err = client.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ok", string(buf[:n]))
	_, err = client.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestTCPFinWaitsForWindow(t *testing.T) {
	s := New()
	client, server := connectPair(t, s, 4)
	_, err := client.Write([]byte("12345678"))
	require.NoError(t, err)
	require.NoError(t, client.CloseWrite())
	require.Equal(t, netstack.StateEstablished, server.State())

	buf := make([]byte, 8)
	n, err := server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.Equal(t, netstack.StateCloseWait, server.State())
	n, err = server.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "5678", string(buf[:n]))
	_, err = server.Read(buf)
	require.ErrorIs(t, err, io.EOF)
}

func TestTCPAbortResetsPeer(t *testing.T) {
	s := New()
	client, server := connectPair(t, s, 16)
	_, err := server.Write([]byte("lost"))
	require.NoError(t, err)

	ready := client.Ready()
	server.Abort()
	<-ready
	require.Equal(t, netstack.StateClosed, client.State())
	_, err = client.Read(make([]byte, 8))
	require.ErrorIs(t, err, netstack.ErrReset)
	_, err = client.Write([]byte("x"))
	require.ErrorIs(t, err, netstack.ErrReset)
}

func TestTCPCloseEstablishedAborts(t *testing.T) {
	s := New()
	client, server := connectPair(t, s, 16)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	require.ErrorIs(t, server.Err(), netstack.ErrReset)
	_, err := client.Read(make([]byte, 1))
	require.ErrorIs(t, err, netstack.ErrClosed)
}

func TestTCPQueuedConnectorAbort(t *testing.T) {
	s := New()
	l := listen(t, s, "10.0.0.1:80", 1)
	c := openTCP(t, s, 16)
	require.NoError(t, c.Connect(netip.MustParseAddrPort("10.0.0.1:80")))
	c.Abort()
	_, err := l.Accept(nil, nil)
	require.ErrorIs(t, err, netstack.ErrWouldBlock)
}

func TestTCPSocketLimit(t *testing.T) {
	s := New(WithMaxSockets(2))
	l := listen(t, s, "10.0.0.1:80", 1)
	c := openTCP(t, s, 16)
	_, err := s.OpenTCP(nil, nil)
	require.ErrorIs(t, err, netstack.ErrNoSocket)

	require.NoError(t, c.Connect(netip.MustParseAddrPort("10.0.0.1:80")))
	_, err = l.Accept(make([]byte, 16), make([]byte, 16))
	require.ErrorIs(t, err, netstack.ErrNoSocket)
	require.Equal(t, 2, s.OpenSockets())

	// The connection stays queued until a socket is free.
	require.NoError(t, l.Close())
	require.Equal(t, 1, s.OpenSockets())
	require.ErrorIs(t, c.Err(), netstack.ErrReset)
}

func TestTCPLoopback(t *testing.T) {
	s := New()
	l := listen(t, s, "[::]:8080", 1)
	c := openTCP(t, s, 16)
	require.NoError(t, c.Connect(netip.MustParseAddrPort("[::1]:8080")))
	require.Equal(t, netip.IPv6Loopback(), c.LocalAddr().Addr())
	srv, err := l.Accept(make([]byte, 16), make([]byte, 16))
	require.NoError(t, err)
	defer srv.Close()
	require.Equal(t, netip.MustParseAddrPort("[::1]:8080"), srv.LocalAddr())
}
