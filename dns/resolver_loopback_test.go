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

package dns

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/Jigsaw-Code/outline-nal/network"
	"github.com/Jigsaw-Code/outline-nal/transport"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

// answer builds the response of a tiny authoritative server for "example.test".
func answer(t *testing.T, request []byte) []byte {
	var req dnsmessage.Message
	require.NoError(t, req.Unpack(request))
	require.Len(t, req.Questions, 1)
	q := req.Questions[0]
	resp := dnsmessage.Message{
		Header:    dnsmessage.Header{ID: req.ID, Response: true, Authoritative: true},
		Questions: []dnsmessage.Question{q},
	}
	switch {
	case q.Name.String() != "example.test.":
		resp.RCode = dnsmessage.RCodeNameError
	case q.Type == dnsmessage.TypeA:
		resp.Answers = []dnsmessage.Resource{
			{Header: dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeCNAME, Class: dnsmessage.ClassINET}, Body: &dnsmessage.CNAMEResource{CNAME: q.Name}},
			{Header: dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET}, Body: &dnsmessage.AResource{A: [4]byte{192, 0, 2, 1}}},
			{Header: dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET}, Body: &dnsmessage.AResource{A: [4]byte{192, 0, 2, 2}}},
		}
	case q.Type == dnsmessage.TypeAAAA:
		resp.Answers = []dnsmessage.Resource{
			{Header: dnsmessage.ResourceHeader{Name: q.Name, Type: dnsmessage.TypeAAAA, Class: dnsmessage.ClassINET}, Body: &dnsmessage.AAAAResource{AAAA: netip.MustParseAddr("2001:db8::1").As16()}},
		}
	}
	buf, err := resp.Pack()
	require.NoError(t, err)
	return buf
}

func serveUDP(t *testing.T) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	go func() {
		buf := make([]byte, maxUDPMessageSize)
		for {
			n, from, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			pc.WriteTo(answer(t, buf[:n]), from)
		}
	}()
	return pc.LocalAddr().String()
}

func serveTCP(t *testing.T) string {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				var msgLen uint16
				if err := binary.Read(conn, binary.BigEndian, &msgLen); err != nil {
					return
				}
				req := make([]byte, msgLen)
				if _, err := io.ReadFull(conn, req); err != nil {
					return
				}
				resp := answer(t, req)
				conn.Write(binary.BigEndian.AppendUint16(nil, uint16(len(resp))))
				conn.Write(resp)
			}()
		}
	}()
	return l.Addr().String()
}

func TestUDPResolverLoopback(t *testing.T) {
	r := NewUDPResolver(&transport.UDPDialer{}, serveUDP(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	addrs, err := QueryAddrs(ctx, r, "example.test", dnsmessage.TypeA)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.2")}, addrs)

	addrs, err = QueryAddrs(ctx, r, "example.test", dnsmessage.TypeAAAA)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("2001:db8::1")}, addrs)

	_, err = QueryAddrs(ctx, r, "missing.test", dnsmessage.TypeA)
	require.ErrorIs(t, err, network.ErrNotFound)
}

func TestTCPResolverLoopback(t *testing.T) {
	r := NewTCPResolver(&transport.TCPDialer{}, serveTCP(t))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	q, err := NewQuestion("example.test", dnsmessage.TypeAAAA)
	require.NoError(t, err)
	msg, err := r.Query(ctx, *q)
	require.NoError(t, err)
	require.Len(t, msg.Answers, 1)

	addrs, err := QueryAddrs(ctx, r, "example.test", dnsmessage.TypeA)
	require.NoError(t, err)
	require.Len(t, addrs, 2)
}

func TestUDPResolverTimeout(t *testing.T) {
	// A server that never answers.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	r := NewUDPResolver(&transport.UDPDialer{}, pc.LocalAddr().String())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = QueryAddrs(ctx, r, "example.test", dnsmessage.TypeA)
	require.ErrorIs(t, err, ErrReceive)
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
}

func TestUDPResolverDialError(t *testing.T) {
	r := NewUDPResolver(transport.FuncPacketDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		require.Equal(t, "192.0.2.53:53", addr)
		return nil, network.ErrExhausted
	}), "192.0.2.53")
	_, err := QueryAddrs(context.Background(), r, "example.test", dnsmessage.TypeA)
	require.ErrorIs(t, err, ErrDial)
	require.ErrorIs(t, err, network.ErrExhausted)
}

func TestQueryAddrsBadType(t *testing.T) {
	r := FuncResolver(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		t.Fatal("unexpected query")
		return nil, nil
	})
	_, err := QueryAddrs(context.Background(), r, "example.test", dnsmessage.TypeMX)
	require.ErrorIs(t, err, ErrBadRequest)
}
