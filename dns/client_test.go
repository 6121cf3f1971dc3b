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
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/netstack/memstack"
	"github.com/Jigsaw-Code/outline-nal/network"
	"github.com/Jigsaw-Code/outline-nal/transport"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/dns/dnsmessage"
)

func newTestStack() *memstack.Stack {
	s := memstack.New()
	s.AddHost("example.test", netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.2"), netip.MustParseAddr("2001:db8::1"))
	s.AddHost("v6only.test", netip.MustParseAddr("2001:db8::2"))
	return s
}

func TestResolve(t *testing.T) {
	c := NewClient(newTestStack())

	addrs, err := c.Resolve(context.Background(), "example.test", KindA)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.1"), netip.MustParseAddr("192.0.2.2")}, addrs)

	addrs, err = c.Resolve(context.Background(), "example.test", KindAAAA)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("2001:db8::1")}, addrs)

	addrs, err = c.Resolve(context.Background(), "Example.Test.", KindAny)
	require.NoError(t, err)
	require.Len(t, addrs, 3)
	require.True(t, addrs[0].Is4())
	require.True(t, addrs[2].Is6())
}

func TestResolveFirst(t *testing.T) {
	c := NewClient(newTestStack())
	addr, err := c.ResolveFirst(context.Background(), "example.test", KindA)
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("192.0.2.1"), addr)
}

func TestResolveNotFound(t *testing.T) {
	c := NewClient(newTestStack())

	_, err := c.Resolve(context.Background(), "example.invalid", KindA)
	require.ErrorIs(t, err, network.ErrNotFound)
	require.ErrorIs(t, err, netstack.ErrNameNotFound)

	// A known name without records of the requested kind.
	_, err = c.Resolve(context.Background(), "v6only.test", KindA)
	require.ErrorIs(t, err, network.ErrNotFound)

	addrs, err := c.Resolve(context.Background(), "v6only.test", KindAny)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("2001:db8::2")}, addrs)

	_, err = c.Resolve(context.Background(), "example.invalid", KindAny)
	require.ErrorIs(t, err, network.ErrNotFound)
}

func TestResolveTimeout(t *testing.T) {
	s := newTestStack()
	s.Stall("slow.test")
	c := NewClient(s, WithTimeout(30*time.Millisecond))

	start := time.Now()
	_, err := c.Resolve(context.Background(), "slow.test", KindA)
	require.ErrorIs(t, err, network.ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestResolveCancel(t *testing.T) {
	s := newTestStack()
	s.Stall("slow.test")
	c := NewClient(s)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err := c.Resolve(ctx, "slow.test", KindAAAA)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, errors.Is(err, network.ErrTimeout))
}

func TestResolveUnavailable(t *testing.T) {
	c := NewClient(memstack.New(memstack.WithoutResolver()))
	_, err := c.Resolve(context.Background(), "example.test", KindA)
	require.ErrorIs(t, err, network.ErrResolverUnavailable)

	c = NewClient(nil)
	_, err = c.Resolve(context.Background(), "example.test", KindA)
	require.ErrorIs(t, err, network.ErrResolverUnavailable)
}

func TestResolveLiteral(t *testing.T) {
	// No resolver is needed for literals.
	c := NewClient(nil)

	addrs, err := c.Resolve(context.Background(), "192.0.2.7", KindA)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.7")}, addrs)

	addrs, err = c.Resolve(context.Background(), "::ffff:192.0.2.7", KindAny)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.7")}, addrs)

	_, err = c.Resolve(context.Background(), "192.0.2.7", KindAAAA)
	require.ErrorIs(t, err, network.ErrNotFound)

	addrs, err = c.Resolve(context.Background(), "2001:db8::7", KindAAAA)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("2001:db8::7")}, addrs)
}

func TestResolveBadKind(t *testing.T) {
	c := NewClient(newTestStack())
	_, err := c.Resolve(context.Background(), "example.test", RecordKind(9))
	require.Error(t, err)
	require.Equal(t, "kind(9)", RecordKind(9).String())
}

type queryFunc func(ctx context.Context, name string, qtype dnsmessage.Type) ([]netip.Addr, error)

func (f queryFunc) Query(ctx context.Context, name string, qtype dnsmessage.Type) ([]netip.Addr, error) {
	return f(ctx, name, qtype)
}

func TestResolveFiltersFamily(t *testing.T) {
	c := NewClient(queryFunc(func(ctx context.Context, name string, qtype dnsmessage.Type) ([]netip.Addr, error) {
		require.Equal(t, dnsmessage.TypeA, qtype)
		return []netip.Addr{netip.MustParseAddr("2001:db8::1"), netip.MustParseAddr("192.0.2.1")}, nil
	}))
	addrs, err := c.Resolve(context.Background(), "mixed.test", KindA)
	require.NoError(t, err)
	require.Equal(t, []netip.Addr{netip.MustParseAddr("192.0.2.1")}, addrs)
}

func TestResolveOverWire(t *testing.T) {
	c := NewClient(StackResolver(NewUDPResolver(&transport.UDPDialer{}, serveUDP(t))), WithTimeout(5*time.Second))

	addrs, err := c.Resolve(context.Background(), "example.test", KindAny)
	require.NoError(t, err)
	require.Len(t, addrs, 3)

	_, err = c.Resolve(context.Background(), "missing.test", KindA)
	require.ErrorIs(t, err, network.ErrNotFound)
	require.ErrorIs(t, err, netstack.ErrNameNotFound)
}

func TestResolveOverWireUnavailable(t *testing.T) {
	r := NewUDPResolver(transport.FuncPacketDialer(func(ctx context.Context, addr string) (net.Conn, error) {
		return nil, errors.New("no route")
	}), "192.0.2.53")
	c := NewClient(StackResolver(r))
	_, err := c.Resolve(context.Background(), "example.test", KindA)
	require.ErrorIs(t, err, network.ErrResolverUnavailable)
	require.ErrorIs(t, err, ErrDial)
}
