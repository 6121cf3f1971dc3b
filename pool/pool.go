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

package pool

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"

	"github.com/Jigsaw-Code/outline-nal/network"
)

const (
	// DefaultTCPBufferSize is the default size of each TCP region.
	DefaultTCPBufferSize = 1024
	// DefaultUDPBufferSize is the default size of each UDP region: an Ethernet MTU of 1500 bytes minus the IPv4 and
	// UDP headers, so that one full datagram always fits.
	DefaultUDPBufferSize = 1472
	// DefaultRawBufferSize is the default size of each raw region. Raw packets carry their IP header in it.
	DefaultRawBufferSize = 1472
)

// Kind is the socket kind a slot is reserved for.
type Kind uint8

const (
	TCP Kind = iota + 1
	UDP
	Raw
)

func (k Kind) String() string {
	switch k {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	case Raw:
		return "raw"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Config sets the capacity of a [Pool]. Zero sizes select the defaults.
type Config struct {
	// Maximum number of concurrent TCP sockets, listeners included.
	TCPSlots int
	// Maximum number of concurrent UDP sockets.
	UDPSlots int
	// Size of the receive and transmit regions of each TCP slot.
	TCPRxSize, TCPTxSize int
	// Size of the receive and transmit regions of each UDP slot.
	UDPRxSize, UDPTxSize int
	// Maximum number of concurrent raw IP sockets. Zero leaves raw sockets out of the pool.
	RawSlots int
	// Size of the receive and transmit regions of each raw slot.
	RawRxSize, RawTxSize int
}

// WithDefaults returns a copy of c with zero buffer sizes replaced by the defaults.
func (c Config) WithDefaults() Config {
	setDefault := func(v *int, def int) {
		if *v == 0 {
			*v = def
		}
	}
	setDefault(&c.TCPRxSize, DefaultTCPBufferSize)
	setDefault(&c.TCPTxSize, DefaultTCPBufferSize)
	setDefault(&c.UDPRxSize, DefaultUDPBufferSize)
	setDefault(&c.UDPTxSize, DefaultUDPBufferSize)
	setDefault(&c.RawRxSize, DefaultRawBufferSize)
	setDefault(&c.RawTxSize, DefaultRawBufferSize)
	return c
}

// Validate reports whether c describes a usable pool.
func (c Config) Validate() error {
	if c.TCPSlots < 0 || c.UDPSlots < 0 || c.RawSlots < 0 {
		return errors.New("slot counts must not be negative")
	}
	if c.TCPSlots == 0 && c.UDPSlots == 0 && c.RawSlots == 0 {
		return errors.New("pool must have at least one slot")
	}
	for _, size := range []int{c.TCPRxSize, c.TCPTxSize, c.UDPRxSize, c.UDPTxSize, c.RawRxSize, c.RawTxSize} {
		if size <= 0 {
			return fmt.Errorf("buffer size must be positive, got %d", size)
		}
	}
	return nil
}

// Ref identifies a claimed slot. The zero Ref is invalid.
//
// A Ref stops being valid once the slot is released; it then never matches the slot again, even after the slot is
// claimed by another owner.
type Ref struct {
	kind  Kind
	index int32
	gen   uint32
}

// Kind returns the kind of the slot.
func (r Ref) Kind() Kind { return r.kind }

// Index returns the position of the slot in its table. Callers must not depend on which index they get.
func (r Ref) Index() int { return int(r.index) }

// IsValid reports whether r was returned by a successful claim.
func (r Ref) IsValid() bool { return r.kind != 0 }

func (r Ref) String() string {
	if !r.IsValid() {
		return "invalid"
	}
	return fmt.Sprintf("%v#%d/%d", r.kind, r.index, r.gen)
}

type slot struct {
	claimed bool
	gen     uint32
	rx, tx  []byte
	local   netip.AddrPort
}

// Pool is a fixed table of socket slots. It is safe for concurrent use by multiple goroutines; a claim either fully
// succeeds or fully fails.
type Pool struct {
	mu      sync.Mutex
	tables  map[Kind][]slot
	claimed map[Kind]int
	log     *slog.Logger
	metrics *poolMetrics
}

// Option configures a [Pool].
type Option func(p *Pool)

// WithLogger sets the logger used for slot events.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.log = l
		}
	}
}

// New creates a pool with all slots free. All buffer regions are allocated here, in one arena.
func New(cfg Config, opts ...Option) (*Pool, error) {
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	p := &Pool{
		tables:  make(map[Kind][]slot, 3),
		claimed: make(map[Kind]int, 3),
		log:     slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(p)
	}

	tcpSize := cfg.TCPRxSize + cfg.TCPTxSize
	udpSize := cfg.UDPRxSize + cfg.UDPTxSize
	rawSize := cfg.RawRxSize + cfg.RawTxSize
	arena := make([]byte, cfg.TCPSlots*tcpSize+cfg.UDPSlots*udpSize+cfg.RawSlots*rawSize)
	carve := func(n int) []byte {
		region := arena[:n:n]
		arena = arena[n:]
		return region
	}
	p.tables[TCP] = make([]slot, cfg.TCPSlots)
	for i := range p.tables[TCP] {
		p.tables[TCP][i] = slot{rx: carve(cfg.TCPRxSize), tx: carve(cfg.TCPTxSize)}
	}
	p.tables[UDP] = make([]slot, cfg.UDPSlots)
	for i := range p.tables[UDP] {
		p.tables[UDP][i] = slot{rx: carve(cfg.UDPRxSize), tx: carve(cfg.UDPTxSize)}
	}
	p.tables[Raw] = make([]slot, cfg.RawSlots)
	for i := range p.tables[Raw] {
		p.tables[Raw][i] = slot{rx: carve(cfg.RawRxSize), tx: carve(cfg.RawTxSize)}
	}
	p.metrics = newPoolMetrics(p)
	return p, nil
}

// Claim takes the first free slot of the given kind. It never blocks, and returns [network.ErrExhausted] when every
// slot of that kind is claimed. The slot's regions are zeroed before they are handed out.
func (p *Pool) Claim(kind Kind) (Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimLocked(kind, netip.AddrPort{})
}

// ClaimEndpoint is like Claim, but also reserves the local endpoint a socket is about to bind. It returns
// [network.ErrAddressInUse] if another claimed slot of the same kind holds exactly that endpoint. Wildcard addresses
// and port 0 are never considered in use here; the stack arbitrates those.
func (p *Pool) ClaimEndpoint(kind Kind, local netip.AddrPort) (Ref, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if isConcrete(local) {
		for _, s := range p.tables[kind] {
			if s.claimed && s.local == local {
				p.metrics.conflicts.Inc()
				return Ref{}, fmt.Errorf("%v endpoint %v: %w", kind, local, network.ErrAddressInUse)
			}
		}
	}
	return p.claimLocked(kind, local)
}

func (p *Pool) claimLocked(kind Kind, local netip.AddrPort) (Ref, error) {
	table, ok := p.tables[kind]
	if !ok {
		return Ref{}, fmt.Errorf("unknown slot kind %v", kind)
	}
	for i := range table {
		s := &table[i]
		if s.claimed {
			continue
		}
		s.claimed = true
		s.local = local
		clear(s.rx)
		clear(s.tx)
		p.claimed[kind]++
		ref := Ref{kind: kind, index: int32(i), gen: s.gen}
		p.metrics.claims.Inc()
		p.log.Debug("slot claimed", "slot", ref.String(), "claimed", p.claimed[kind], "capacity", len(table))
		return ref, nil
	}
	p.metrics.exhausted.Inc()
	p.log.Debug("pool exhausted", "kind", kind.String(), "capacity", len(table))
	return Ref{}, fmt.Errorf("%v pool of %d slots: %w", kind, len(table), network.ErrExhausted)
}

// lookup returns the slot r refers to, or nil if r is stale. p.mu must be held.
func (p *Pool) lookup(r Ref) *slot {
	table := p.tables[r.kind]
	if r.index < 0 || int(r.index) >= len(table) {
		return nil
	}
	s := &table[r.index]
	if !s.claimed || s.gen != r.gen {
		return nil
	}
	return s
}

// Release returns the slot to the pool. Releasing a stale Ref, or the same Ref twice, is a no-op that returns false.
func (p *Pool) Release(r Ref) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.lookup(r)
	if s == nil {
		return false
	}
	s.claimed = false
	s.gen++
	s.local = netip.AddrPort{}
	p.claimed[r.kind]--
	p.metrics.releases.Inc()
	p.log.Debug("slot released", "slot", r.String(), "claimed", p.claimed[r.kind])
	return true
}

// Buffers returns the receive and transmit regions of a claimed slot.
func (p *Pool) Buffers(r Ref) (rx, tx []byte, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.lookup(r)
	if s == nil {
		return nil, nil, false
	}
	return s.rx, s.tx, true
}

// SetEndpoint records the local endpoint the stack bound for a claimed slot, such as an assigned ephemeral port.
func (p *Pool) SetEndpoint(r Ref, local netip.AddrPort) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.lookup(r)
	if s == nil {
		return false
	}
	s.local = local
	return true
}

// Owns reports whether r still refers to a claimed slot.
func (p *Pool) Owns(r Ref) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lookup(r) != nil
}

// Claimed returns the number of claimed slots of the given kind.
func (p *Pool) Claimed(kind Kind) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.claimed[kind]
}

// Capacity returns the number of slots of the given kind.
func (p *Pool) Capacity(kind Kind) int {
	// Tables are never resized after New.
	return len(p.tables[kind])
}

// BufferSizes returns the sizes of the receive and transmit regions of the given kind.
func (p *Pool) BufferSizes(kind Kind) (rx, tx int) {
	table := p.tables[kind]
	if len(table) == 0 {
		return 0, 0
	}
	return len(table[0].rx), len(table[0].tx)
}

// Usage is a snapshot of the occupancy of one slot table.
type Usage struct {
	Claimed  int
	Capacity int
}

// Stats is a snapshot of the occupancy of the pool.
type Stats struct {
	TCP Usage
	UDP Usage
	Raw Usage
}

// Stats returns a consistent snapshot of all tables.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		TCP: Usage{Claimed: p.claimed[TCP], Capacity: len(p.tables[TCP])},
		UDP: Usage{Claimed: p.claimed[UDP], Capacity: len(p.tables[UDP])},
		Raw: Usage{Claimed: p.claimed[Raw], Capacity: len(p.tables[Raw])},
	}
}

func isConcrete(ap netip.AddrPort) bool {
	return ap.IsValid() && !ap.Addr().IsUnspecified() && ap.Port() != 0
}
