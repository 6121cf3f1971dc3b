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
Package memstack is an in-memory implementation of the [netstack.Stack] primitives.

All sockets of a [Stack] live in one process and exchange segments and datagrams directly, under a single lock.
Delivery is deterministic, which makes the stack suitable for tests and for embedding the adapters without a host
network. The stack owns a fixed native socket table; opening more sockets than [WithMaxSockets] allows fails with
[netstack.ErrNoSocket].

TCP data moves from the sender's transmit region to the receiver's receive region only as far as the receiver has
free space, so a reader that stops reading eventually stalls the writer. Connections to a local port without a
listener are refused; connections to a [Stack.Blackhole] address never complete the handshake.

The built-in resolver answers from a hosts table filled with [Stack.AddHost].
*/
package memstack

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"slices"
	"strings"
	"sync"

	"github.com/Jigsaw-Code/outline-nal/netstack"
	"golang.org/x/net/dns/dnsmessage"
)

const (
	firstEphemeralPort = 49152
	lastEphemeralPort  = 65535

	// DefaultMaxSockets is the default size of the native socket table.
	DefaultMaxSockets = 64
	// DefaultUDPQueueLen is the default number of datagrams a UDP socket can hold, independent of their size.
	DefaultUDPQueueLen = 8
)

var (
	// DefaultIPv4 is the primary IPv4 address of a stack created without WithAddrs.
	DefaultIPv4 = netip.MustParseAddr("10.0.0.1")
	// DefaultIPv6 is the primary IPv6 address of a stack created without WithAddrs.
	DefaultIPv6 = netip.MustParseAddr("fd00::1")
)

// Stack is an in-memory network stack. It is safe for concurrent use by multiple goroutines.
type Stack struct {
	mu sync.Mutex

	maxSockets  int
	open        int
	udpQueueLen int
	addrs       []netip.Addr
	nextPort    uint16

	listeners  map[netip.AddrPort]*tcpSocket
	udpBound   map[netip.AddrPort]*udpSocket
	raws       []*rawSocket
	blackholed map[netip.Addr]bool
	dropped    int

	resolverOff bool
	hosts       map[string][]netip.Addr
	stalled     map[string]bool

	trace *tracer
}

var _ netstack.Stack = (*Stack)(nil)

// Option configures a [Stack].
type Option func(s *Stack)

// WithMaxSockets sets the size of the native socket table.
func WithMaxSockets(n int) Option {
	return func(s *Stack) { s.maxSockets = n }
}

// WithAddrs sets the local addresses of the stack. Connections and datagrams to a non-loopback destination use the
// first address of the matching family as their source.
func WithAddrs(addrs ...netip.Addr) Option {
	return func(s *Stack) {
		s.addrs = s.addrs[:0]
		for _, a := range addrs {
			s.addrs = append(s.addrs, a.Unmap())
		}
	}
}

// WithUDPQueueLen sets how many datagrams each UDP or raw socket can hold before further datagrams are dropped.
func WithUDPQueueLen(n int) Option {
	return func(s *Stack) { s.udpQueueLen = n }
}

// WithoutResolver disables the resolver. Every query fails with [netstack.ErrNoResolver].
func WithoutResolver() Option {
	return func(s *Stack) { s.resolverOff = true }
}

// WithPacketTrace writes every segment, datagram and raw packet the stack moves to w, in pcap format with raw IP link
// type.
func WithPacketTrace(w io.Writer) Option {
	return func(s *Stack) { s.trace = newTracer(w) }
}

// New creates an empty stack. Without options it has the addresses [DefaultIPv4] and [DefaultIPv6] besides the
// loopback addresses, and the hosts table maps "localhost" to the loopback addresses.
func New(opts ...Option) *Stack {
	s := &Stack{
		maxSockets:  DefaultMaxSockets,
		udpQueueLen: DefaultUDPQueueLen,
		addrs:       []netip.Addr{DefaultIPv4, DefaultIPv6},
		nextPort:    firstEphemeralPort,
		listeners:   make(map[netip.AddrPort]*tcpSocket),
		udpBound:    make(map[netip.AddrPort]*udpSocket),
		blackholed:  make(map[netip.Addr]bool),
		hosts:       make(map[string][]netip.Addr),
		stalled:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.udpQueueLen < 1 {
		s.udpQueueLen = 1
	}
	s.hosts["localhost"] = []netip.Addr{netip.MustParseAddr("127.0.0.1"), netip.IPv6Loopback()}
	return s
}

// Blackhole makes the stack silently discard connection attempts to addr, so they never complete.
func (s *Stack) Blackhole(addr netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blackholed[addr.Unmap()] = true
}

// AddHost adds addresses for name to the hosts table. A name added without addresses exists but has no records.
func (s *Stack) AddHost(name string, addrs ...netip.Addr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := canonicalName(name)
	list := s.hosts[key]
	if list == nil {
		list = []netip.Addr{}
	}
	for _, a := range addrs {
		list = append(list, a.Unmap())
	}
	s.hosts[key] = list
}

// Stall makes queries for name wait until their context is done.
func (s *Stack) Stall(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stalled[canonicalName(name)] = true
}

// OpenSockets returns the number of native sockets currently open.
func (s *Stack) OpenSockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// Dropped returns the number of datagrams dropped because the receiving socket had no room for them.
func (s *Stack) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// TraceErr returns the first error writing the packet trace, if any.
func (s *Stack) TraceErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trace == nil {
		return nil
	}
	return s.trace.err
}

// Query implements [netstack.Resolver] over the hosts table.
func (s *Stack) Query(ctx context.Context, name string, qtype dnsmessage.Type) ([]netip.Addr, error) {
	key := canonicalName(name)
	s.mu.Lock()
	off, stalled := s.resolverOff, s.stalled[key]
	list, found := s.hosts[key]
	s.mu.Unlock()

	if off {
		return nil, netstack.ErrNoResolver
	}
	if stalled {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%s: %w", name, netstack.ErrNameNotFound)
	}
	var want func(netip.Addr) bool
	switch qtype {
	case dnsmessage.TypeA:
		want = netip.Addr.Is4
	case dnsmessage.TypeAAAA:
		want = netip.Addr.Is6
	default:
		return nil, fmt.Errorf("query type %v: %w", qtype, netstack.ErrUnsupported)
	}
	var out []netip.Addr
	for _, a := range list {
		if want(a) {
			out = append(out, a)
		}
	}
	return out, nil
}

func canonicalName(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

func (s *Stack) reserveLocked() error {
	if s.open >= s.maxSockets {
		return fmt.Errorf("%d sockets open: %w", s.open, netstack.ErrNoSocket)
	}
	s.open++
	return nil
}

func (s *Stack) isLocalLocked(a netip.Addr) bool {
	return a.IsLoopback() || slices.Contains(s.addrs, a)
}

// sourceAddrLocked picks the local address used to reach dst.
func (s *Stack) sourceAddrLocked(dst netip.Addr) (netip.Addr, bool) {
	if dst.IsLoopback() {
		if dst.Is4() {
			return netip.MustParseAddr("127.0.0.1"), true
		}
		return netip.IPv6Loopback(), true
	}
	for _, a := range s.addrs {
		if a.Is4() == dst.Is4() {
			return a, true
		}
	}
	return netip.Addr{}, false
}

// ephemeralPortLocked returns the next ephemeral port for which inUse is false, or 0 if there is none.
func (s *Stack) ephemeralPortLocked(inUse func(port uint16) bool) uint16 {
	for range lastEphemeralPort - firstEphemeralPort + 1 {
		port := s.nextPort
		if s.nextPort == lastEphemeralPort {
			s.nextPort = firstEphemeralPort
		} else {
			s.nextPort++
		}
		if !inUse(port) {
			return port
		}
	}
	return 0
}

func unspecified(like netip.Addr) netip.Addr {
	if like.Is4() {
		return netip.IPv4Unspecified()
	}
	return netip.IPv6Unspecified()
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
