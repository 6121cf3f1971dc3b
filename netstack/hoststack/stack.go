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

// Package hoststack implements the stack primitives of package netstack with the sockets of the host.
//
// Every socket keeps the non-blocking contract: primitives never wait on the operating system. Goroutines pump bytes
// between the host socket and the receive and transmit regions handed to OpenTCP and OpenUDP, and signal the
// socket's Ready channel when they make progress. Close waits for the pumps, so the regions are free to reuse once
// it returns.
package hoststack

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"

	"github.com/Jigsaw-Code/outline-nal/dns"
	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/transport"
	"golang.org/x/net/dns/dnsmessage"
)

// Stack is a [netstack.Stack] backed by host sockets.
type Stack struct {
	dialer   net.Dialer
	lc       net.ListenConfig
	resolver netstack.Resolver
	log      *slog.Logger

	mu         sync.Mutex
	open       int
	maxSockets int
}

var _ netstack.Stack = (*Stack)(nil)

// Option configures a [Stack].
type Option func(s *Stack)

// WithMaxSockets limits the number of open sockets. Zero means no limit besides the host's.
func WithMaxSockets(n int) Option {
	return func(s *Stack) { s.maxSockets = n }
}

// WithResolver replaces the host resolver.
func WithResolver(r netstack.Resolver) Option {
	return func(s *Stack) { s.resolver = r }
}

// WithDNSServer resolves names with DNS-over-UDP queries to server, a "host:port" or a host with the default port
// 53, instead of the host resolver.
func WithDNSServer(server string) Option {
	return func(s *Stack) {
		s.resolver = dns.StackResolver(dns.NewUDPResolver(&transport.UDPDialer{}, server))
	}
}

// WithLogger sets the logger for socket events.
func WithLogger(l *slog.Logger) Option {
	return func(s *Stack) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a stack on the host sockets.
func New(opts ...Option) *Stack {
	s := &Stack{log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OpenSockets returns the number of sockets that are open.
func (s *Stack) OpenSockets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Stack) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSockets > 0 && s.open >= s.maxSockets {
		return netstack.ErrNoSocket
	}
	s.open++
	return nil
}

func (s *Stack) unreserve() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open--
}

// Query implements [netstack.Resolver]. Without a configured resolver it asks the host resolver.
func (s *Stack) Query(ctx context.Context, name string, qtype dnsmessage.Type) ([]netip.Addr, error) {
	if s.resolver != nil {
		return s.resolver.Query(ctx, name, qtype)
	}
	var network string
	switch qtype {
	case dnsmessage.TypeA:
		network = "ip4"
	case dnsmessage.TypeAAAA:
		network = "ip6"
	default:
		return nil, fmt.Errorf("query type %v: %w", qtype, netstack.ErrUnsupported)
	}
	addrs, err := net.DefaultResolver.LookupNetIP(ctx, network, name)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return nil, fmt.Errorf("%w: %w", netstack.ErrNameNotFound, err)
		}
		return nil, fmt.Errorf("%w: %w", netstack.ErrNoResolver, err)
	}
	for i, addr := range addrs {
		addrs[i] = addr.Unmap()
	}
	return addrs, nil
}

// fromHost maps an error of a host socket to the stack errors, keeping the cause in the chain.
func fromHost(err error) error {
	if err == nil {
		return nil
	}
	for _, m := range hostErrors {
		if errors.Is(err, m.errno) {
			return fmt.Errorf("%w: %w", m.to, err)
		}
	}
	if errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: %w", netstack.ErrClosed, err)
	}
	return err
}

func unmap(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func netFor(proto string, addr netip.Addr) string {
	if addr.Is4() {
		return proto + "4"
	}
	return proto + "6"
}
