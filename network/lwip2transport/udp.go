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

package lwip2transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-nal/transport"
	lwip "github.com/eycorsican/go-tun2socks/core"
)

// Compilation guard against interface implementation
var _ lwip.UDPConnHandler = (*udpHandler)(nil)

// udpHandler gives every intercepted UDP flow its own socket from a [transport.PacketListener]. A flow whose
// outgoing side stays quiet for the idle timeout is closed, which returns its socket to the listener.
type udpHandler struct {
	listener transport.PacketListener
	timeout  time.Duration
	log      *slog.Logger

	mu    sync.Mutex          // Protects flows
	flows map[string]*udpFlow // Keyed by the lwIP local address (IPv4:port/[IPv6]:port)
}

type udpFlow struct {
	key     string
	tunConn lwip.UDPConn
	conn    net.PacketConn
	idle    *time.Timer
	once    sync.Once
}

func newUDPHandler(pl transport.PacketListener, timeout time.Duration, log *slog.Logger) *udpHandler {
	return &udpHandler{
		listener: pl,
		timeout:  timeout,
		log:      log,
		flows:    make(map[string]*udpFlow, 8),
	}
}

// Connect opens the upstream socket of a new flow. lwIP calls it once per flow, before the first ReceiveTo.
func (h *udpHandler) Connect(tunConn lwip.UDPConn, target *net.UDPAddr) error {
	key := tunConn.LocalAddr().String()

	// Held across ListenPacket so a flow never gets two sockets.
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.flows[key]; ok {
		return fmt.Errorf("duplicated connection %v", key)
	}
	conn, err := h.listener.ListenPacket(context.Background())
	if err != nil {
		h.log.Debug("udp flow rejected", "local", key, "target", target, "err", err)
		tunConn.Close()
		return err
	}
	flow := &udpFlow{key: key, tunConn: tunConn, conn: conn}
	flow.idle = time.AfterFunc(h.timeout, func() {
		h.log.Debug("udp flow idle", "local", key)
		h.closeFlow(flow)
	})
	h.flows[key] = flow
	go h.relayResponses(flow)
	return nil
}

// ReceiveTo forwards a datagram from the device to its destination and extends the flow's idle deadline.
func (h *udpHandler) ReceiveTo(tunConn lwip.UDPConn, data []byte, destAddr *net.UDPAddr) error {
	h.mu.Lock()
	flow, ok := h.flows[tunConn.LocalAddr().String()]
	h.mu.Unlock()

	if !ok {
		return fmt.Errorf("connection %v->%v does not exist", tunConn.LocalAddr(), destAddr)
	}
	flow.idle.Reset(h.timeout)
	_, err := flow.conn.WriteTo(data, destAddr)
	return err
}

// relayResponses writes the datagrams received by the flow's socket back to the device until the socket is closed.
func (h *udpHandler) relayResponses(flow *udpFlow) {
	defer h.closeFlow(flow)

	buf := make([]byte, packetMTU)
	for {
		n, from, err := flow.conn.ReadFrom(buf)
		if errors.Is(err, io.ErrShortBuffer) {
			h.log.Debug("udp response truncated", "local", flow.key, "err", err)
			continue
		}
		if err != nil {
			return
		}
		src, ok := from.(*net.UDPAddr)
		if !ok {
			if src, err = net.ResolveUDPAddr("udp", from.String()); err != nil {
				continue
			}
		}
		if _, err := flow.tunConn.WriteFrom(buf[:n], src); err != nil {
			return
		}
	}
}

func (h *udpHandler) closeFlow(flow *udpFlow) {
	flow.once.Do(func() {
		h.mu.Lock()
		if h.flows[flow.key] == flow {
			delete(h.flows, flow.key)
		}
		h.mu.Unlock()

		flow.idle.Stop()
		flow.conn.Close()
		flow.tunConn.Close()
	})
}

// closeAll closes every open flow.
func (h *udpHandler) closeAll() {
	h.mu.Lock()
	flows := make([]*udpFlow, 0, len(h.flows))
	for _, flow := range h.flows {
		flows = append(flows, flow)
	}
	h.mu.Unlock()

	for _, flow := range flows {
		h.closeFlow(flow)
	}
}
