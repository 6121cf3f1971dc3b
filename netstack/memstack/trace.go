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
	"io"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const traceSnapLen = 65535

type tcpFlags uint8

const (
	flagFIN tcpFlags = 1 << iota
	flagSYN
	flagRST
	flagPSH
	flagACK
)

// tracer synthesizes IP frames for the traffic of a stack and writes them as a pcap stream. A nil tracer discards
// everything. The stack lock serializes all calls.
type tracer struct {
	w   *pcapgo.Writer
	buf gopacket.SerializeBuffer
	err error
	now func() time.Time
}

func newTracer(w io.Writer) *tracer {
	t := &tracer{
		w:   pcapgo.NewWriter(w),
		buf: gopacket.NewSerializeBuffer(),
		now: time.Now,
	}
	t.err = t.w.WriteFileHeader(traceSnapLen, layers.LinkTypeRaw)
	return t
}

func (t *tracer) tcp(src, dst netip.AddrPort, flags tcpFlags, seq, ack uint32, payload []byte) {
	if t == nil || t.err != nil {
		return
	}
	seg := &layers.TCP{
		SrcPort: layers.TCPPort(src.Port()),
		DstPort: layers.TCPPort(dst.Port()),
		Seq:     seq,
		Ack:     ack,
		FIN:     flags&flagFIN != 0,
		SYN:     flags&flagSYN != 0,
		RST:     flags&flagRST != 0,
		PSH:     flags&flagPSH != 0,
		ACK:     flags&flagACK != 0,
		Window:  65535,
	}
	t.write(src.Addr(), dst.Addr(), layers.IPProtocolTCP, seg, payload)
}

func (t *tracer) udp(src, dst netip.AddrPort, payload []byte) {
	if t == nil || t.err != nil {
		return
	}
	dgram := &layers.UDP{
		SrcPort: layers.UDPPort(src.Port()),
		DstPort: layers.UDPPort(dst.Port()),
	}
	t.write(src.Addr(), dst.Addr(), layers.IPProtocolUDP, dgram, payload)
}

// raw writes a packet that already carries its IP header.
func (t *tracer) raw(packet []byte) {
	if t == nil || t.err != nil {
		return
	}
	t.writeFrame(packet)
}

type transportLayer interface {
	gopacket.SerializableLayer
	SetNetworkLayerForChecksum(gopacket.NetworkLayer) error
}

func (t *tracer) write(src, dst netip.Addr, proto layers.IPProtocol, tl transportLayer, payload []byte) {
	var ip interface {
		gopacket.SerializableLayer
		gopacket.NetworkLayer
	}
	if src.Is4() {
		ip = &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: proto,
			SrcIP:    src.AsSlice(),
			DstIP:    dst.AsSlice(),
		}
	} else {
		ip = &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: proto,
			SrcIP:      src.AsSlice(),
			DstIP:      dst.AsSlice(),
		}
	}
	if t.err = tl.SetNetworkLayerForChecksum(ip); t.err != nil {
		return
	}
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if t.err = gopacket.SerializeLayers(t.buf, opts, ip, tl, gopacket.Payload(payload)); t.err != nil {
		return
	}
	t.writeFrame(t.buf.Bytes())
}

func (t *tracer) writeFrame(frame []byte) {
	ci := gopacket.CaptureInfo{
		Timestamp:     t.now(),
		CaptureLength: min(len(frame), traceSnapLen),
		Length:        len(frame),
	}
	t.err = t.w.WritePacket(ci, frame[:ci.CaptureLength])
}
