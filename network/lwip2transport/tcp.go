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
	"io"
	"log/slog"
	"net"

	"github.com/Jigsaw-Code/outline-nal/transport"
	lwip "github.com/eycorsican/go-tun2socks/core"
)

// Compilation guard against interface implementation
var _ lwip.TCPConnHandler = (*tcpHandler)(nil)

type tcpHandler struct {
	dialer transport.StreamDialer
	log    *slog.Logger
}

func newTCPHandler(sd transport.StreamDialer, log *slog.Logger) *tcpHandler {
	return &tcpHandler{sd, log}
}

// Handle dials the flow's destination and relays the intercepted connection over it. A failed dial is returned to
// lwIP, which resets the intercepted connection.
func (h *tcpHandler) Handle(conn net.Conn, target *net.TCPAddr) error {
	upstream, err := h.dialer.DialStream(context.Background(), target.String())
	if err != nil {
		h.log.Debug("tcp flow rejected", "target", target, "err", err)
		return err
	}
	// TODO: Request upstream to make `conn` a `core.TCPConn` so we can avoid this type assertion.
	go func() {
		up, down, err := relay(conn.(lwip.TCPConn), upstream)
		upstream.Close()
		h.log.Debug("tcp flow done", "target", target, "sent", down, "received", up, "err", err)
	}()
	return nil
}

// copyOneWay copies from src to dst until src reports EOF or an error occurs, then half-closes both: dst stops
// writing and src stops reading.
func copyOneWay(dst, src transport.StreamConn) (int64, error) {
	n, err := io.Copy(dst, src)
	dst.CloseWrite()
	src.CloseRead()
	return n, err
}

// relay copies between left and right in both directions and returns the bytes copied from right to left, the bytes
// copied from left to right, and the first error. Half-closed connections are allowed: once one side is done
// writing, it keeps reading what its peer still sends.
func relay(left, right transport.StreamConn) (int64, int64, error) {
	type res struct {
		N   int64
		Err error
	}
	ch := make(chan res)

	go func() {
		n, err := copyOneWay(right, left)
		ch <- res{n, err}
	}()

	n, err := copyOneWay(left, right)
	rs := <-ch

	if err == nil {
		err = rs.Err
	}
	return n, rs.N, err
}
