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
	"net/netip"
	"slices"

	"github.com/Jigsaw-Code/outline-nal/internal/notify"
	"github.com/Jigsaw-Code/outline-nal/internal/ring"
	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// rawSocket queues whole IP packets in rx, the same way UDP sockets queue payloads.
type rawSocket struct {
	s      *Stack
	ready  notify.Signal
	filter netstack.RawFilter

	rx     *ring.Buffer
	tx     []byte
	queue  []datagram
	closed bool
}

var (
	_ netstack.RawStack  = (*Stack)(nil)
	_ netstack.RawSocket = (*rawSocket)(nil)
)

// OpenRaw implements [netstack.RawStack]. A packet sent on any raw socket of the stack is delivered to every raw
// socket whose filter selects it, the sender included, if its destination is a local or multicast address. Packets
// to other destinations leave the stack and are only seen by the packet trace. TCP and UDP traffic is not copied to
// raw sockets.
//
// Like a host kernel, the stack fills in an unspecified IPv4 source address and answers ICMPv4 echo requests sent
// to one of its addresses.
//
// The queue of each raw socket is bounded by [WithUDPQueueLen].
func (s *Stack) OpenRaw(f netstack.RawFilter, rx, tx []byte) (netstack.RawSocket, error) {
	if f.Version != 0 && f.Version != 4 && f.Version != 6 {
		return nil, netstack.ErrUnsupported
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reserveLocked(); err != nil {
		return nil, err
	}
	r := &rawSocket{
		s:      s,
		filter: f,
		rx:     ring.New(rx),
		tx:     tx,
		queue:  make([]datagram, 0, s.udpQueueLen),
	}
	s.raws = append(s.raws, r)
	return r, nil
}

func (r *rawSocket) Ready() <-chan struct{} { return r.ready.C() }

func (r *rawSocket) LocalAddr() netip.AddrPort { return netip.AddrPort{} }

// ipHeader is what delivery needs from the header of a raw packet.
type ipHeader struct {
	version  int
	protocol uint8
	src, dst netip.Addr
}

// parseIPHeader decodes the fixed header of packet. It fails if the header is malformed or its length field does
// not cover exactly the packet.
func parseIPHeader(packet []byte) (ipHeader, bool) {
	if len(packet) == 0 {
		return ipHeader{}, false
	}
	var (
		h        ipHeader
		src, dst []byte
		totalLen int
	)
	switch packet[0] >> 4 {
	case 4:
		var ip layers.IPv4
		if err := ip.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
			return ipHeader{}, false
		}
		h.version, h.protocol, src, dst, totalLen = 4, uint8(ip.Protocol), ip.SrcIP, ip.DstIP, int(ip.Length)
	case 6:
		var ip layers.IPv6
		if err := ip.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
			return ipHeader{}, false
		}
		h.version, h.protocol, src, dst, totalLen = 6, uint8(ip.NextHeader), ip.SrcIP, ip.DstIP, 40+int(ip.Length)
	default:
		return ipHeader{}, false
	}
	srcAddr, srcOK := netip.AddrFromSlice(src)
	dstAddr, dstOK := netip.AddrFromSlice(dst)
	if !srcOK || !dstOK || totalLen != len(packet) {
		return ipHeader{}, false
	}
	h.src, h.dst = srcAddr.Unmap(), dstAddr.Unmap()
	return h, true
}

func (r *rawSocket) Send(packet []byte) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.closed {
		return netstack.ErrClosed
	}
	if len(packet) > len(r.tx) {
		return netstack.ErrMsgSize
	}
	h, ok := parseIPHeader(packet)
	if !ok || !r.filter.Matches(h.version, h.protocol) {
		return netstack.ErrUnsupported
	}
	p := r.tx[:copy(r.tx, packet)]
	if h.version == 4 && h.src.IsUnspecified() {
		src, ok := s.sourceAddrLocked(h.dst)
		if !ok {
			return netstack.ErrUnsupported
		}
		filled, err := withIPv4Source(p, src)
		if err != nil {
			return netstack.ErrUnsupported
		}
		p = r.tx[:copy(r.tx, filled)]
	}
	s.routeRawLocked(h, p)
	return nil
}

// routeRawLocked traces packet and delivers it to the raw sockets it reaches.
func (s *Stack) routeRawLocked(h ipHeader, packet []byte) {
	s.trace.raw(packet)
	if !s.isLocalLocked(h.dst) && !h.dst.IsMulticast() {
		return
	}
	for _, dst := range s.raws {
		if dst.filter.Matches(h.version, h.protocol) {
			s.deliverRawLocked(dst, packet)
		}
	}
	if h.version == 4 && h.protocol == uint8(layers.IPProtocolICMPv4) && !h.dst.IsMulticast() {
		if reply, ok := echoReply(packet); ok {
			rh, _ := parseIPHeader(reply)
			s.routeRawLocked(rh, reply)
		}
	}
}

// withIPv4Source returns packet with its source address replaced and the header checksum recomputed.
func withIPv4Source(packet []byte, src netip.Addr) ([]byte, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(packet, gopacket.NilDecodeFeedback); err != nil {
		return nil, err
	}
	ip.SrcIP = src.AsSlice()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &ip, gopacket.Payload(ip.Payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// echoReply answers an ICMPv4 echo request the way a host does. It reports false for any other packet.
func echoReply(packet []byte) ([]byte, bool) {
	decoded := gopacket.NewPacket(packet, layers.LayerTypeIPv4, gopacket.NoCopy)
	ip, _ := decoded.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	req, _ := decoded.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if ip == nil || req == nil || req.TypeCode.Type() != layers.ICMPv4TypeEchoRequest {
		return nil, false
	}
	replyIP := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    ip.DstIP,
		DstIP:    ip.SrcIP,
	}
	reply := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoReply, 0),
		Id:       req.Id,
		Seq:      req.Seq,
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, replyIP, reply, gopacket.Payload(req.Payload)); err != nil {
		return nil, false
	}
	return buf.Bytes(), true
}

func (s *Stack) deliverRawLocked(r *rawSocket, packet []byte) {
	if len(r.queue) == cap(r.queue) || r.rx.Free() < len(packet) {
		s.dropped++
		return
	}
	r.rx.Write(packet)
	r.queue = append(r.queue, datagram{size: len(packet)})
	r.ready.Broadcast()
}

func (r *rawSocket) Recv(p []byte) (int, int, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.closed {
		return 0, 0, netstack.ErrClosed
	}
	if len(r.queue) == 0 {
		return 0, 0, netstack.ErrWouldBlock
	}
	d := r.queue[0]
	r.queue = slices.Delete(r.queue, 0, 1)
	n := min(len(p), d.size)
	r.rx.Read(p[:n])
	r.rx.Discard(d.size - n)
	return n, d.size, nil
}

func (r *rawSocket) Close() error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.queue = nil
	s.raws = slices.DeleteFunc(s.raws, func(o *rawSocket) bool { return o == r })
	s.open--
	r.ready.Broadcast()
	return nil
}
