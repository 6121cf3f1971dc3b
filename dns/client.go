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
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/Jigsaw-Code/outline-nal/internal/await"
	"github.com/Jigsaw-Code/outline-nal/internal/neterr"
	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/network"
	"golang.org/x/net/dns/dnsmessage"
)

// DefaultTimeout bounds a resolution when the caller's context has no earlier deadline.
const DefaultTimeout = 5 * time.Second

// RecordKind selects the address family a resolution asks for.
type RecordKind uint8

const (
	// KindA asks for IPv4 addresses.
	KindA RecordKind = iota + 1
	// KindAAAA asks for IPv6 addresses.
	KindAAAA
	// KindAny asks for IPv4 addresses first, then IPv6 addresses.
	KindAny
)

func (k RecordKind) String() string {
	switch k {
	case KindA:
		return "A"
	case KindAAAA:
		return "AAAA"
	case KindAny:
		return "ANY"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k RecordKind) matches(addr netip.Addr) bool {
	switch k {
	case KindA:
		return addr.Is4()
	case KindAAAA:
		return addr.Is6()
	case KindAny:
		return addr.IsValid()
	}
	return false
}

// Client resolves host names with the resolver of a network stack. It holds no pool slot: queries run on the
// stack's own resolver socket.
type Client struct {
	resolver netstack.Resolver
	timeout  time.Duration
	log      *slog.Logger
}

// Option configures a [Client].
type Option func(*Client)

// WithTimeout sets the bound of a single resolution. Zero or negative disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the logger for resolution events.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// NewClient returns a Client that queries r. A nil r yields a client whose every resolution fails with
// [network.ErrResolverUnavailable].
func NewClient(r netstack.Resolver, opts ...Option) *Client {
	c := &Client{
		resolver: r,
		timeout:  DefaultTimeout,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Resolve returns the addresses of name for kind, in the order the resolver reported them. IP literals resolve to
// themselves without a query. On success the list is never empty: a name without addresses of that kind is
// reported as [network.ErrNotFound].
func (c *Client) Resolve(ctx context.Context, name string, kind RecordKind) ([]netip.Addr, error) {
	addrs, err := c.resolve(ctx, name, kind)
	if err != nil {
		c.log.Debug("resolve failed", "name", name, "kind", kind, "err", err)
		return nil, fmt.Errorf("resolve %v %v: %w", kind, name, err)
	}
	c.log.Debug("resolved", "name", name, "kind", kind, "addrs", len(addrs))
	return addrs, nil
}

// ResolveFirst is like [Client.Resolve] but returns only the first address.
func (c *Client) ResolveFirst(ctx context.Context, name string, kind RecordKind) (netip.Addr, error) {
	addrs, err := c.Resolve(ctx, name, kind)
	if err != nil {
		return netip.Addr{}, err
	}
	return addrs[0], nil
}

func (c *Client) resolve(ctx context.Context, name string, kind RecordKind) ([]netip.Addr, error) {
	if kind < KindA || kind > KindAny {
		return nil, fmt.Errorf("unsupported record kind %v", kind)
	}
	if ip, err := netip.ParseAddr(name); err == nil {
		ip = ip.Unmap()
		if !kind.matches(ip) {
			return nil, network.ErrNotFound
		}
		return []netip.Addr{ip}, nil
	}
	if c.resolver == nil {
		return nil, network.ErrResolverUnavailable
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var qtypes []dnsmessage.Type
	switch kind {
	case KindA:
		qtypes = []dnsmessage.Type{dnsmessage.TypeA}
	case KindAAAA:
		qtypes = []dnsmessage.Type{dnsmessage.TypeAAAA}
	default:
		qtypes = []dnsmessage.Type{dnsmessage.TypeA, dnsmessage.TypeAAAA}
	}

	var addrs []netip.Addr
	for _, qtype := range qtypes {
		got, err := c.resolver.Query(ctx, name, qtype)
		if err != nil {
			if ctx.Err() != nil {
				return nil, await.ContextError(ctx)
			}
			// Missing records of one type do not fail an ANY resolution.
			if kind == KindAny && errors.Is(neterr.FromStack(err), network.ErrNotFound) {
				c.log.Debug("no records", "name", name, "type", qtype)
				continue
			}
			return nil, neterr.FromStack(err)
		}
		for _, addr := range got {
			if addr = addr.Unmap(); kind.matches(addr) {
				addrs = append(addrs, addr)
			}
		}
	}
	if len(addrs) == 0 {
		return nil, network.ErrNotFound
	}
	return addrs, nil
}
