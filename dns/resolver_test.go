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
	"errors"
	"io"
	"net"
	"net/netip"
	"strings"
	"testing"

	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/network"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func TestNewQuestion(t *testing.T) {
	for _, tc := range []struct {
		domain string
		want   string
	}{
		{"example.com.", "example.com."},
		{"example.com", "example.com."},
		{".", "."},
		{"", "."},
	} {
		t.Run(tc.domain, func(t *testing.T) {
			q, err := NewQuestion(tc.domain, dnsmessage.TypeAAAA)
			require.NoError(t, err)
			require.Equal(t, dnsmessage.MustNewName(tc.want), q.Name)
			require.Equal(t, dnsmessage.TypeAAAA, q.Type)
			require.Equal(t, dnsmessage.ClassINET, q.Class)
		})
	}
	_, err := NewQuestion(strings.Repeat("label.", 50), dnsmessage.TypeA)
	require.Error(t, err)
}

func TestAppendRequestAdvertisesEDNS(t *testing.T) {
	q, err := NewQuestion("pool.test", dnsmessage.TypeA)
	require.NoError(t, err)

	prefix := []byte{0xAA, 0xBB}
	buf, err := appendRequest(0x0102, *q, append([]byte(nil), prefix...))
	require.NoError(t, err)
	require.Equal(t, prefix, buf[:2])

	var req dnsmessage.Message
	require.NoError(t, req.Unpack(buf[2:]))
	require.Equal(t, uint16(0x0102), req.ID)
	require.True(t, req.RecursionDesired)
	require.False(t, req.Response)
	require.Equal(t, []dnsmessage.Question{*q}, req.Questions)
	require.Empty(t, req.Answers)
	require.Len(t, req.Additionals, 1)
	opt := req.Additionals[0]
	require.Equal(t, dnsmessage.TypeOPT, opt.Header.Type)
	// The OPT class carries the advertised UDP payload size.
	require.Equal(t, dnsmessage.Class(maxUDPMessageSize), opt.Header.Class)
}

func TestEqualASCIIName(t *testing.T) {
	for _, tc := range []struct {
		x, y string
		want bool
	}{
		{"Pool.Example.", "pOOL.eXAMPLE.", true},
		{"a-b.test.", "A-B.TEST.", true},
		{"pool.test.", "pool.tset.", false},
		{"pool.test.", "pool.test.org.", false},
		{"pool.test.", "xpool.test.", false},
	} {
		require.Equal(t, tc.want, equalASCIIName(dnsmessage.MustNewName(tc.x), dnsmessage.MustNewName(tc.y)), "%v vs %v", tc.x, tc.y)
	}
	// Non-ASCII bytes are compared as they are.
	require.Equal(t, byte(0xFD), foldCase(0xFD))
}

func TestCheckResponse(t *testing.T) {
	const id = 4242
	q := dnsmessage.Question{Name: dnsmessage.MustNewName("pool.test."), Type: dnsmessage.TypeA, Class: dnsmessage.ClassINET}
	for _, tc := range []struct {
		name    string
		edit    func(h *dnsmessage.Header, qs *[]dnsmessage.Question)
		wantErr bool
	}{
		{"Match", func(*dnsmessage.Header, *[]dnsmessage.Question) {}, false},
		{"MixedCase", func(_ *dnsmessage.Header, qs *[]dnsmessage.Question) { (*qs)[0].Name = dnsmessage.MustNewName("POOL.Test.") }, false},
		{"NotResponse", func(h *dnsmessage.Header, _ *[]dnsmessage.Question) { h.Response = false }, true},
		{"OtherID", func(h *dnsmessage.Header, _ *[]dnsmessage.Question) { h.ID++ }, true},
		{"NoQuestion", func(_ *dnsmessage.Header, qs *[]dnsmessage.Question) { *qs = nil }, true},
		{"OtherType", func(_ *dnsmessage.Header, qs *[]dnsmessage.Question) { (*qs)[0].Type = dnsmessage.TypeAAAA }, true},
		{"OtherClass", func(_ *dnsmessage.Header, qs *[]dnsmessage.Question) { (*qs)[0].Class = dnsmessage.ClassCHAOS }, true},
		{"OtherName", func(_ *dnsmessage.Header, qs *[]dnsmessage.Question) { (*qs)[0].Name = dnsmessage.MustNewName("other.test.") }, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			hdr := dnsmessage.Header{ID: id, Response: true}
			qs := []dnsmessage.Question{q}
			tc.edit(&hdr, &qs)
			err := checkResponse(id, q, hdr, qs)
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

// reply builds the response to req with the given rcode and answers.
func reply(req dnsmessage.Message, rcode dnsmessage.RCode, answers ...dnsmessage.Resource) dnsmessage.Message {
	return dnsmessage.Message{
		Header:    dnsmessage.Header{ID: req.ID, Response: true, RCode: rcode},
		Questions: req.Questions,
		Answers:   answers,
	}
}

func aRecord(name string, ip string) dnsmessage.Resource {
	hdr := dnsmessage.ResourceHeader{Name: dnsmessage.MustNewName(name), Class: dnsmessage.ClassINET, TTL: 60}
	addr := netip.MustParseAddr(ip)
	if addr.Is4() {
		hdr.Type = dnsmessage.TypeA
		return dnsmessage.Resource{Header: hdr, Body: &dnsmessage.AResource{A: addr.As4()}}
	}
	hdr.Type = dnsmessage.TypeAAAA
	return dnsmessage.Resource{Header: hdr, Body: &dnsmessage.AAAAResource{AAAA: addr.As16()}}
}

func pack(t *testing.T, msg dnsmessage.Message) []byte {
	t.Helper()
	buf, err := msg.Pack()
	require.NoError(t, err)
	return buf
}

type exchangeResult struct {
	msg *dnsmessage.Message
	err error
}

// exchange runs query over one end of a pipe and hands the decoded request and the other end to serve.
func exchange(t *testing.T, query func(io.ReadWriter, dnsmessage.Question) (*dnsmessage.Message, error), framed bool,
	serve func(req dnsmessage.Message, conn net.Conn)) (*dnsmessage.Message, error) {
	t.Helper()
	client, server := net.Pipe()
	defer client.Close()
	q, err := NewQuestion("pool.test", dnsmessage.TypeA)
	require.NoError(t, err)
	done := make(chan exchangeResult, 1)
	go func() {
		msg, err := query(client, *q)
		done <- exchangeResult{msg, err}
	}()

	var raw []byte
	if framed {
		var size uint16
		require.NoError(t, binary.Read(server, binary.BigEndian, &size))
		raw = make([]byte, size)
		_, err = io.ReadFull(server, raw)
	} else {
		raw = make([]byte, maxUDPMessageSize)
		var n int
		n, err = server.Read(raw)
		raw = raw[:n]
	}
	require.NoError(t, err)
	var req dnsmessage.Message
	require.NoError(t, req.Unpack(raw))
	require.Equal(t, []dnsmessage.Question{*q}, req.Questions)

	serve(req, server)
	r := <-done
	return r.msg, r.err
}

func TestQueryDatagramSkipsInjectedResponses(t *testing.T) {
	var want dnsmessage.Message
	got, err := exchange(t, queryDatagram, false, func(req dnsmessage.Message, conn net.Conn) {
		_, err := conn.Write([]byte{0xFF})
		require.NoError(t, err)
		spoofed := reply(req, dnsmessage.RCodeSuccess, aRecord("pool.test.", "192.0.2.66"))
		spoofed.ID++
		_, err = conn.Write(pack(t, spoofed))
		require.NoError(t, err)
		want = reply(req, dnsmessage.RCodeSuccess, aRecord("pool.test.", "192.0.2.1"))
		_, err = conn.Write(pack(t, want))
		require.NoError(t, err)
	})
	require.NoError(t, err)
	require.Equal(t, want.ID, got.ID)
	require.Len(t, got.Answers, 1)
	require.Equal(t, [4]byte{192, 0, 2, 1}, got.Answers[0].Body.(*dnsmessage.AResource).A)
}

func TestQueryDatagramReportsSkippedResponses(t *testing.T) {
	_, err := exchange(t, queryDatagram, false, func(req dnsmessage.Message, conn net.Conn) {
		_, err := conn.Write([]byte{0xFF})
		require.NoError(t, err)
		conn.Close()
	})
	require.ErrorIs(t, err, ErrReceive)
	require.ErrorIs(t, err, io.EOF)
	// The unpack failure of the skipped response is kept next to the read error.
	joined, ok := errors.Unwrap(err).(interface{ Unwrap() []error })
	require.True(t, ok)
	require.Len(t, joined.Unwrap(), 2)
}

func TestQueryDatagramSendError(t *testing.T) {
	client, server := net.Pipe()
	server.Close()
	q, err := NewQuestion("pool.test", dnsmessage.TypeA)
	require.NoError(t, err)
	_, err = queryDatagram(client, *q)
	require.ErrorIs(t, err, ErrSend)
	require.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestQueryStream(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		got, err := exchange(t, queryStream, true, func(req dnsmessage.Message, conn net.Conn) {
			buf := pack(t, reply(req, dnsmessage.RCodeSuccess, aRecord("pool.test.", "192.0.2.2")))
			framed := binary.BigEndian.AppendUint16(nil, uint16(len(buf)))
			_, err := conn.Write(append(framed, buf...))
			require.NoError(t, err)
		})
		require.NoError(t, err)
		require.Len(t, got.Answers, 1)
	})
	for _, tc := range []struct {
		name    string
		payload func(req dnsmessage.Message) []byte
		want    []error
	}{
		{"TruncatedLength", func(dnsmessage.Message) []byte { return []byte{0} }, []error{ErrReceive, io.ErrUnexpectedEOF}},
		{"TruncatedBody", func(dnsmessage.Message) []byte { return []byte{0, 40, 1, 2} }, []error{ErrReceive, io.ErrUnexpectedEOF}},
		{"Garbage", func(dnsmessage.Message) []byte { return []byte{0, 3, 1, 2, 3} }, []error{ErrBadResponse}},
		{"Mismatch", func(req dnsmessage.Message) []byte {
			resp := reply(req, dnsmessage.RCodeSuccess)
			resp.ID++
			buf, _ := resp.Pack()
			return append(binary.BigEndian.AppendUint16(nil, uint16(len(buf))), buf...)
		}, []error{ErrBadResponse}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := exchange(t, queryStream, true, func(req dnsmessage.Message, conn net.Conn) {
				_, err := conn.Write(tc.payload(req))
				require.NoError(t, err)
				conn.Close()
			})
			for _, target := range tc.want {
				require.ErrorIs(t, err, target)
			}
		})
	}
}

func TestEnsurePort(t *testing.T) {
	for in, want := range map[string]string{
		"ns.test":            "ns.test:53",
		"ns.test:":           "ns.test:53",
		"ns.test:5353":       "ns.test:5353",
		"192.0.2.53":         "192.0.2.53:53",
		"192.0.2.53:5353":    "192.0.2.53:5353",
		"2001:db8::53":       "[2001:db8::53]:53",
		"[2001:db8::53]:":    "[2001:db8::53]:53",
		"[2001:db8::53]:853": "[2001:db8::53]:853",
	} {
		require.Equal(t, want, ensurePort(in, "53"), in)
	}
}

// fixedResolver answers every question with rcode and the answers, as a resolver would.
func fixedResolver(rcode dnsmessage.RCode, answers ...dnsmessage.Resource) Resolver {
	return FuncResolver(func(_ context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		msg := reply(dnsmessage.Message{Questions: []dnsmessage.Question{q}}, rcode, answers...)
		return &msg, nil
	})
}

func TestQueryAddrsFiltersAnswers(t *testing.T) {
	cname := dnsmessage.Resource{
		Header: dnsmessage.ResourceHeader{Name: dnsmessage.MustNewName("pool.test."), Type: dnsmessage.TypeCNAME, Class: dnsmessage.ClassINET},
		Body:   &dnsmessage.CNAMEResource{CNAME: dnsmessage.MustNewName("edge.pool.test.")},
	}
	chaos := aRecord("edge.pool.test.", "192.0.2.99")
	chaos.Header.Class = dnsmessage.ClassCHAOS
	r := fixedResolver(dnsmessage.RCodeSuccess,
		cname,
		aRecord("edge.pool.test.", "192.0.2.10"),
		chaos,
		aRecord("edge.pool.test.", "2001:db8::10"),
		aRecord("edge.pool.test.", "192.0.2.11"),
	)

	addrs, err := QueryAddrs(context.Background(), r, "pool.test", dnsmessage.TypeA)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.10"), netip.MustParseAddr("192.0.2.11")}, addrs)

	addrs, err = QueryAddrs(context.Background(), r, "pool.test", dnsmessage.TypeAAAA)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("2001:db8::10")}, addrs)
}

func TestQueryAddrsRCode(t *testing.T) {
	_, err := QueryAddrs(context.Background(), fixedResolver(dnsmessage.RCodeNameError), "gone.test", dnsmessage.TypeA)
	require.ErrorIs(t, err, network.ErrNotFound)

	_, err = QueryAddrs(context.Background(), fixedResolver(dnsmessage.RCodeServerFailure), "pool.test", dnsmessage.TypeA)
	require.ErrorIs(t, err, ErrBadResponse)
	require.NotErrorIs(t, err, network.ErrNotFound)

	addrs, err := QueryAddrs(context.Background(), fixedResolver(dnsmessage.RCodeSuccess), "empty.test", dnsmessage.TypeA)
	require.NoError(t, err)
	require.Empty(t, addrs)
}

func TestStackResolverErrors(t *testing.T) {
	unreachable := FuncResolver(func(context.Context, dnsmessage.Question) (*dnsmessage.Message, error) {
		return nil, &nestedError{ErrDial, errors.New("network is down")}
	})
	for _, tc := range []struct {
		name  string
		r     Resolver
		qtype dnsmessage.Type
		want  error
	}{
		{"NameError", fixedResolver(dnsmessage.RCodeNameError), dnsmessage.TypeA, netstack.ErrNameNotFound},
		{"ServerFailure", fixedResolver(dnsmessage.RCodeServerFailure), dnsmessage.TypeA, netstack.ErrNoResolver},
		{"Unreachable", unreachable, dnsmessage.TypeAAAA, netstack.ErrNoResolver},
		{"UnsupportedType", fixedResolver(dnsmessage.RCodeSuccess), dnsmessage.TypeMX, netstack.ErrUnsupported},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := StackResolver(tc.r).Query(context.Background(), "pool.test", tc.qtype)
			require.ErrorIs(t, err, tc.want)
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := StackResolver(unreachable).Query(ctx, "pool.test", dnsmessage.TypeA)
	require.ErrorIs(t, err, context.Canceled)
}
