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

package hoststack

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"syscall"

	"github.com/Jigsaw-Code/outline-nal/internal/notify"
	"github.com/Jigsaw-Code/outline-nal/netstack"
	"golang.org/x/net/ipv4"
)

// rawSocket is an IPv4 raw socket of the host. Like udpSocket it holds at most one received packet in rx. Sending
// packets with their own header needs the privilege to open raw sockets, typically root or CAP_NET_RAW.
type rawSocket struct {
	s        *Stack
	protocol uint8
	ready    notify.Signal
	space    notify.Signal
	done     chan struct{}
	pumps    sync.WaitGroup

	mu     sync.Mutex
	rx, tx []byte
	conn   *ipv4.RawConn
	closed bool
	err    error

	// The packet in rx, valid if held is set. n bytes of it are in rx and size is its original length.
	held    bool
	n, size int
}

var (
	_ netstack.RawStack  = (*Stack)(nil)
	_ netstack.RawSocket = (*rawSocket)(nil)
)

// OpenRaw implements [netstack.RawStack]. Only IPv4 with a specific protocol is supported.
func (s *Stack) OpenRaw(f netstack.RawFilter, rx, tx []byte) (netstack.RawSocket, error) {
	if f.Version != 4 || f.Protocol == 0 {
		return nil, fmt.Errorf("host raw sockets need IPv4 and a protocol: %w", netstack.ErrUnsupported)
	}
	if err := s.reserve(); err != nil {
		return nil, err
	}
	pc, err := s.lc.ListenPacket(context.Background(), fmt.Sprintf("ip4:%d", f.Protocol), "0.0.0.0")
	if err != nil {
		s.unreserve()
		return nil, fromHost(err)
	}
	conn, err := ipv4.NewRawConn(pc)
	if err != nil {
		pc.Close()
		s.unreserve()
		return nil, fromHost(err)
	}
	r := &rawSocket{s: s, protocol: f.Protocol, rx: rx, tx: tx, conn: conn, done: make(chan struct{})}
	r.pumps.Add(1)
	go r.receive()
	return r, nil
}

func (r *rawSocket) Ready() <-chan struct{} { return r.ready.C() }

func (r *rawSocket) LocalAddr() netip.AddrPort { return netip.AddrPort{} }

func (r *rawSocket) receive() {
	defer r.pumps.Done()
	for {
		r.mu.Lock()
		for r.held && !r.closed {
			wake := r.space.C()
			r.mu.Unlock()
			select {
			case <-wake:
			case <-r.done:
			}
			r.mu.Lock()
		}
		if r.closed {
			r.mu.Unlock()
			return
		}
		// Same as udpSocket: rx is only read by Recv while held is set.
		conn, rx := r.conn, r.rx
		r.mu.Unlock()

		h, payload, _, err := conn.ReadFrom(rx)

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		if err != nil {
			r.err = fromHost(err)
			r.ready.Broadcast()
			r.mu.Unlock()
			return
		}
		r.held = true
		r.n = h.Len + len(payload)
		// The host truncates silently. The header still tells how long the packet was.
		r.size = max(r.n, h.TotalLen)
		r.ready.Broadcast()
		r.mu.Unlock()
	}
}

func (r *rawSocket) Send(packet []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return netstack.ErrClosed
	}
	if len(packet) > len(r.tx) {
		return netstack.ErrMsgSize
	}
	p := r.tx[:copy(r.tx, packet)]
	h, err := ipv4.ParseHeader(p)
	if err != nil || h.Version != 4 || h.Protocol != int(r.protocol) || h.TotalLen != len(p) {
		return netstack.ErrUnsupported
	}
	err = r.conn.WriteTo(h, p[h.Len:], nil)
	if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.ENOBUFS) {
		return netstack.ErrWouldBlock
	}
	return fromHost(err)
}

func (r *rawSocket) Recv(p []byte) (int, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, 0, netstack.ErrClosed
	}
	if !r.held {
		if r.err != nil {
			return 0, 0, r.err
		}
		return 0, 0, netstack.ErrWouldBlock
	}
	n := copy(p, r.rx[:r.n])
	size := r.size
	r.held = false
	r.space.Broadcast()
	return n, size, nil
}

func (r *rawSocket) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.done)
	r.conn.Close()
	r.ready.Broadcast()
	r.mu.Unlock()

	r.pumps.Wait()
	r.s.unreserve()
	return nil
}
