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
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/netip"
	"slices"
	"time"

	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/network"
	"github.com/Jigsaw-Code/outline-nal/transport"
	"golang.org/x/net/dns/dnsmessage"
)

var (
	// ErrBadRequest indicates the request could not be built.
	ErrBadRequest = errors.New("request input is invalid")
	// ErrDial indicates that there was an error dialing the resolver.
	ErrDial = errors.New("dial DNS resolver failed")
	// ErrSend indicates that there was an error sending the request.
	ErrSend = errors.New("send DNS message failed")
	// ErrReceive indicates that there was an error receiving the response.
	ErrReceive = errors.New("receive DNS message failed")
	// ErrBadResponse indicates that the response did not match the request or could not be parsed.
	ErrBadResponse = errors.New("response message is invalid")
)

// nestedError allows us to use errors.Is and still preserve the error cause.
// This is unlike fmt.Errorf, which creates a new error and preserves the cause,
// but you can't specify the type of the resulting top-level error.
type nestedError struct {
	is      error
	wrapped error
}

func (e *nestedError) Is(target error) bool { return target == e.is }

func (e *nestedError) Unwrap() error { return e.wrapped }

func (e *nestedError) Error() string { return e.is.Error() + ": " + e.wrapped.Error() }

// Resolver can query the DNS with a question, and obtain a DNS message as response.
// This abstraction helps hide the underlying transport protocol.
type Resolver interface {
	Query(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error)
}

// FuncResolver is a [Resolver] that uses the given function to query DNS.
type FuncResolver func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error)

// Query implements the [Resolver] interface.
func (f FuncResolver) Query(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
	return f(ctx, q)
}

// NewQuestion is a convenience function to create a [dnsmessage.Question].
// The input domain is interpreted as fully-qualified. If the end "." is missing, it's added.
func NewQuestion(domain string, qtype dnsmessage.Type) (*dnsmessage.Question, error) {
	fullDomain := domain
	if len(domain) == 0 || domain[len(domain)-1] != '.' {
		fullDomain += "."
	}
	name, err := dnsmessage.NewName(fullDomain)
	if err != nil {
		return nil, fmt.Errorf("cannot parse domain name: %w", err)
	}
	return &dnsmessage.Question{
		Name:  name,
		Type:  qtype,
		Class: dnsmessage.ClassINET,
	}, nil
}

// Maximum UDP message size that we support.
// The value is taken from https://dnsflagday.net/2020/, which says:
// "An EDNS buffer size of 1232 bytes will avoid fragmentation on nearly all current networks.
// This is based on an MTU of 1280, the minimum MTU IPv6 guarantees, minus 48 bytes
// for the IPv6 and UDP headers".
const maxUDPMessageSize = 1232

// appendRequest appends the bytes of a DNS request using the id and question to buf.
func appendRequest(id uint16, q dnsmessage.Question, buf []byte) ([]byte, error) {
	b := dnsmessage.NewBuilder(buf, dnsmessage.Header{ID: id, RecursionDesired: true})
	if err := b.StartQuestions(); err != nil {
		return nil, fmt.Errorf("start questions failed: %w", err)
	}
	if err := b.Question(q); err != nil {
		return nil, fmt.Errorf("add question failed: %w", err)
	}
	if err := b.StartAdditionals(); err != nil {
		return nil, fmt.Errorf("start additionals failed: %w", err)
	}

	var rh dnsmessage.ResourceHeader
	// Setting the EDNS(0) OPT record advertises the UDP payload size we can take.
	if err := rh.SetEDNS0(maxUDPMessageSize, dnsmessage.RCodeSuccess, false); err != nil {
		return nil, fmt.Errorf("set EDNS(0) failed: %w", err)
	}
	if err := b.OPTResource(rh, dnsmessage.OPTResource{}); err != nil {
		return nil, fmt.Errorf("add OPT RR failed: %w", err)
	}

	buf, err := b.Finish()
	if err != nil {
		return nil, fmt.Errorf("message serialization failed: %w", err)
	}
	return buf, nil
}

// foldCase returns the upper case form of an ASCII letter. Other bytes are returned as is.
func foldCase(char byte) byte {
	if 'a' <= char && char <= 'z' {
		return char - 'a' + 'A'
	}
	return char
}

// equalASCIIName compares DNS names case-insensitively, folding only ASCII letters.
// See https://datatracker.ietf.org/doc/html/rfc4343#section-3.
func equalASCIIName(x, y dnsmessage.Name) bool {
	if x.Length != y.Length {
		return false
	}
	for i := 0; i < int(x.Length); i++ {
		if foldCase(x.Data[i]) != foldCase(y.Data[i]) {
			return false
		}
	}
	return true
}

func checkResponse(reqID uint16, reqQues dnsmessage.Question, respHdr dnsmessage.Header, respQs []dnsmessage.Question) error {
	if !respHdr.Response {
		return errors.New("response bit not set")
	}
	// https://datatracker.ietf.org/doc/html/rfc5452#section-4.3
	if reqID != respHdr.ID {
		return fmt.Errorf("message id does not match. Expected %v, got %v", reqID, respHdr.ID)
	}
	// https://datatracker.ietf.org/doc/html/rfc5452#section-4.2
	if len(respQs) == 0 {
		return errors.New("response had no questions")
	}
	respQ := respQs[0]
	if reqQues.Type != respQ.Type || reqQues.Class != respQ.Class || !equalASCIIName(reqQues.Name, respQ.Name) {
		return errors.New("response question doesn't match request")
	}
	return nil
}

// queryDatagram implements a DNS query over a datagram protocol.
// Responses that fail to parse or do not match the request are skipped, since they could be injected.
func queryDatagram(conn io.ReadWriter, q dnsmessage.Question) (*dnsmessage.Message, error) {
	// Reference: https://cs.opensource.google/go/go/+/master:src/net/dnsclient_unix.go?q=func:dnsPacketRoundTrip&ss=go%2Fgo
	id := uint16(rand.Uint32())
	buf, err := appendRequest(id, q, make([]byte, 0, maxUDPMessageSize))
	if err != nil {
		return nil, &nestedError{ErrBadRequest, fmt.Errorf("append request failed: %w", err)}
	}
	if _, err := conn.Write(buf); err != nil {
		return nil, &nestedError{ErrSend, err}
	}
	buf = buf[:cap(buf)]
	var returnErr error
	for {
		n, err := conn.Read(buf)
		// Handle bad io.Reader.
		if err == io.EOF && n > 0 {
			err = nil
		}
		if err != nil {
			return nil, &nestedError{ErrReceive, errors.Join(returnErr, fmt.Errorf("read message failed: %w", err))}
		}
		var msg dnsmessage.Message
		if err := msg.Unpack(buf[:n]); err != nil {
			returnErr = errors.Join(returnErr, err)
			continue
		}
		if err := checkResponse(id, q, msg.Header, msg.Questions); err != nil {
			returnErr = errors.Join(returnErr, err)
			continue
		}
		return &msg, nil
	}
}

// queryStream implements a DNS query over a stream protocol. It frames the messages by prepending them with a 2-byte length prefix.
func queryStream(conn io.ReadWriter, q dnsmessage.Question) (*dnsmessage.Message, error) {
	// Reference: https://cs.opensource.google/go/go/+/master:src/net/dnsclient_unix.go?q=func:dnsStreamRoundTrip&ss=go%2Fgo
	id := uint16(rand.Uint32())
	buf, err := appendRequest(id, q, make([]byte, 2, 514))
	if err != nil {
		return nil, &nestedError{ErrBadRequest, fmt.Errorf("append request failed: %w", err)}
	}
	// Buffer length must fit in a uint16.
	if len(buf) > 1<<16-1 {
		return nil, &nestedError{ErrBadRequest, fmt.Errorf("message too large: %v bytes", len(buf))}
	}
	binary.BigEndian.PutUint16(buf[:2], uint16(len(buf)-2))

	// TODO: Consider writer.ReadFrom(net.Buffers) in case the writer is a TCPConn.
	if _, err := conn.Write(buf); err != nil {
		return nil, &nestedError{ErrSend, err}
	}

	var msgLen uint16
	if err := binary.Read(conn, binary.BigEndian, &msgLen); err != nil {
		return nil, &nestedError{ErrReceive, fmt.Errorf("read message length failed: %w", err)}
	}
	buf = slices.Grow(buf[:0], int(msgLen))[:msgLen]
	if _, err = io.ReadFull(conn, buf); err != nil {
		return nil, &nestedError{ErrReceive, fmt.Errorf("read message failed: %w", err)}
	}

	var msg dnsmessage.Message
	if err = msg.Unpack(buf); err != nil {
		return nil, &nestedError{ErrBadResponse, fmt.Errorf("response failed to unpack: %w", err)}
	}
	if err := checkResponse(id, q, msg.Header, msg.Questions); err != nil {
		return nil, &nestedError{ErrBadResponse, err}
	}
	return &msg, nil
}

func ensurePort(address string, defaultPort string) string {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		// Failed to parse as host:port. Assume address is a host.
		return net.JoinHostPort(address, defaultPort)
	}
	if port == "" {
		return net.JoinHostPort(host, defaultPort)
	}
	return address
}

// bindContext makes conn honor the deadline and cancellation of ctx. The returned function must be called once the
// exchange is over.
func bindContext(ctx context.Context, conn net.Conn) func() bool {
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Now())
	})
}

// NewUDPResolver creates a [Resolver] that implements the DNS-over-UDP protocol, using a [transport.PacketDialer] for
// transport. It uses a different port for every request.
//
// [DNS-over-UDP]: https://datatracker.ietf.org/doc/html/rfc1035#section-4.2.1
func NewUDPResolver(pd transport.PacketDialer, resolverAddr string) Resolver {
	resolverAddr = ensurePort(resolverAddr, "53")
	return FuncResolver(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		conn, err := pd.DialPacket(ctx, resolverAddr)
		if err != nil {
			return nil, &nestedError{ErrDial, err}
		}
		defer conn.Close()
		defer bindContext(ctx, conn)()
		return queryDatagram(conn, q)
	})
}

// NewTCPResolver creates a [Resolver] that implements the [DNS-over-TCP] protocol, using a [transport.StreamDialer] for
// transport. It creates a new connection to the resolver for every request.
//
// [DNS-over-TCP]: https://datatracker.ietf.org/doc/html/rfc1035#section-4.2.2
func NewTCPResolver(sd transport.StreamDialer, resolverAddr string) Resolver {
	resolverAddr = ensurePort(resolverAddr, "53")
	return FuncResolver(func(ctx context.Context, q dnsmessage.Question) (*dnsmessage.Message, error) {
		conn, err := sd.DialStream(ctx, resolverAddr)
		if err != nil {
			return nil, &nestedError{ErrDial, err}
		}
		defer conn.Close()
		defer bindContext(ctx, conn)()
		return queryStream(conn, q)
	})
}

// QueryAddrs asks r for the records of type qtype (A or AAAA) of name and returns their addresses in answer order.
// A name that does not exist is reported as [network.ErrNotFound]. A name with no records of that type yields an
// empty list and no error.
func QueryAddrs(ctx context.Context, r Resolver, name string, qtype dnsmessage.Type) ([]netip.Addr, error) {
	if qtype != dnsmessage.TypeA && qtype != dnsmessage.TypeAAAA {
		return nil, &nestedError{ErrBadRequest, fmt.Errorf("unsupported query type %v", qtype)}
	}
	q, err := NewQuestion(name, qtype)
	if err != nil {
		return nil, &nestedError{ErrBadRequest, err}
	}
	msg, err := r.Query(ctx, *q)
	if err != nil {
		return nil, err
	}
	switch msg.RCode {
	case dnsmessage.RCodeSuccess:
	case dnsmessage.RCodeNameError:
		return nil, fmt.Errorf("%w: %v", network.ErrNotFound, name)
	default:
		return nil, &nestedError{ErrBadResponse, fmt.Errorf("resolver returned %v", msg.RCode)}
	}
	var addrs []netip.Addr
	for _, answer := range msg.Answers {
		if answer.Header.Type != qtype || answer.Header.Class != dnsmessage.ClassINET {
			continue
		}
		switch body := answer.Body.(type) {
		case *dnsmessage.AResource:
			addrs = append(addrs, netip.AddrFrom4(body.A))
		case *dnsmessage.AAAAResource:
			addrs = append(addrs, netip.AddrFrom16(body.AAAA))
		}
	}
	return addrs, nil
}

// StackResolver adapts r to the resolver primitive of a network stack, so a [Client] can resolve over DNS wire
// queries. Failures to reach the resolver are reported as [netstack.ErrNoResolver].
func StackResolver(r Resolver) netstack.Resolver {
	return stackResolver{r}
}

type stackResolver struct {
	r Resolver
}

func (s stackResolver) Query(ctx context.Context, name string, qtype dnsmessage.Type) ([]netip.Addr, error) {
	addrs, err := QueryAddrs(ctx, s.r, name, qtype)
	switch {
	case err == nil:
		return addrs, nil
	case errors.Is(err, network.ErrNotFound):
		return nil, fmt.Errorf("%w: %w", netstack.ErrNameNotFound, err)
	case errors.Is(err, ErrBadRequest):
		return nil, fmt.Errorf("%w: %w", netstack.ErrUnsupported, err)
	case ctx.Err() != nil:
		return nil, ctx.Err()
	default:
		return nil, fmt.Errorf("%w: %w", netstack.ErrNoResolver, err)
	}
}
