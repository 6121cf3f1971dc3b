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

package netstack

import (
	"context"
	"net/netip"

	"golang.org/x/net/dns/dnsmessage"
)

// Stack is the socket factory of a network stack.
//
// The rx and tx regions passed to OpenTCP and OpenUDP are owned by the caller. The stack may use them for as long as
// the returned socket is open, and must not touch them after Close returns.
type Stack interface {
	Resolver

	// OpenTCP creates a TCP socket in the Closed state over the given receive and transmit regions.
	OpenTCP(rx, tx []byte) (TCPSocket, error)
	// OpenUDP creates an unbound UDP socket over the given receive and transmit regions.
	OpenUDP(rx, tx []byte) (UDPSocket, error)
}

// Resolver is the DNS query primitive of the stack.
type Resolver interface {
	// Query resolves name to the addresses of the records of type qtype. It blocks until a response arrives, the
	// query fails or ctx is done. An empty result with a nil error is a valid answer: the name exists but has no
	// record of that type.
	Query(ctx context.Context, name string, qtype dnsmessage.Type) ([]netip.Addr, error)
}

// Socket has the methods common to all stack sockets.
type Socket interface {
	// Ready returns a channel that is closed on the next state change of the socket: data arriving, buffer space
	// becoming available, a connection being established or torn down.
	Ready() <-chan struct{}
	// LocalAddr returns the bound local endpoint, or the zero value if the socket is not bound.
	LocalAddr() netip.AddrPort
	// Close releases the native socket. A socket that is still connected is aborted. Close is idempotent.
	Close() error
}

// TCPState is the protocol state of a TCP socket, as seen by the stack.
type TCPState int

const (
	StateClosed TCPState = iota
	StateListen
	StateSynSent
	StateEstablished
	// StateFinWait means the local side sent FIN and waits for the peer FIN.
	StateFinWait
	// StateCloseWait means the peer sent FIN; the local side may still write.
	StateCloseWait
	// StateLastAck means both sides sent FIN and the local FIN is not yet acknowledged.
	StateLastAck
	// StateTimeWait means the connection is fully closed on both sides.
	StateTimeWait
)

func (s TCPState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait:
		return "FIN-WAIT"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateLastAck:
		return "LAST-ACK"
	case StateTimeWait:
		return "TIME-WAIT"
	default:
		return "UNKNOWN"
	}
}

// TCPSocket is a stack-native TCP socket.
type TCPSocket interface {
	Socket

	// Connect starts an active open towards remote. It does not wait for the handshake: the state moves to
	// StateSynSent, then to StateEstablished, or back to StateClosed with Err reporting the cause.
	Connect(remote netip.AddrPort) error
	// Listen turns the socket into a passive listener on local, queueing up to backlog completed handshakes.
	Listen(local netip.AddrPort, backlog int) error
	// Accept dequeues a completed handshake from a listening socket and returns it as a new established socket over
	// the given regions. It returns ErrWouldBlock if no connection is pending.
	Accept(rx, tx []byte) (TCPSocket, error)

	// State returns the current protocol state.
	State() TCPState
	// Err returns the error that moved the socket to StateClosed, such as ErrRefused or ErrReset.
	Err() error
	// RemoteAddr returns the peer endpoint of a connected socket.
	RemoteAddr() netip.AddrPort

	// Read copies received bytes into p. It returns ErrWouldBlock if no data is buffered, and (0, io.EOF) once the
	// peer has closed its write side and all data has been consumed.
	Read(p []byte) (int, error)
	// Write queues bytes from p in the transmit region, returning how many fit. It returns ErrWouldBlock if the
	// region is full.
	Write(p []byte) (int, error)
	// Pending returns the number of queued bytes the peer has not yet received.
	Pending() int
	// CloseWrite queues a FIN after the pending bytes (graceful half-close).
	CloseWrite() error
	// Abort resets the connection immediately, discarding pending bytes.
	Abort()
}

// UDPSocket is a stack-native UDP socket.
type UDPSocket interface {
	Socket

	// Bind binds the socket to local. An unspecified address binds all interfaces; port 0 asks the stack for an
	// ephemeral port, which LocalAddr reports afterwards.
	Bind(local netip.AddrPort) error
	// SendTo queues one datagram for remote. The whole datagram is queued or none of it: it returns ErrMsgSize if p
	// can never fit in the transmit region and ErrWouldBlock if the region is momentarily full.
	SendTo(p []byte, remote netip.AddrPort) error
	// RecvFrom dequeues one datagram, copying at most len(p) bytes. size is the original length of the datagram, so
	// size > n means the datagram was truncated. It returns ErrWouldBlock if no datagram is queued.
	RecvFrom(p []byte) (n int, size int, from netip.AddrPort, err error)
	// JoinGroup subscribes the socket to a multicast group.
	JoinGroup(group netip.Addr) error
	// LeaveGroup unsubscribes the socket from a multicast group.
	LeaveGroup(group netip.Addr) error
}

// RawStack is implemented by stacks that can open raw IP sockets.
type RawStack interface {
	// OpenRaw creates a raw socket that receives the packets f selects, over the given receive and transmit regions.
	// It returns ErrUnsupported if the stack cannot filter on f.
	OpenRaw(f RawFilter, rx, tx []byte) (RawSocket, error)
}

// RawFilter selects the packets of a raw socket. A zero field matches anything. Protocol 0 cannot be selected on its
// own, as with host raw sockets.
type RawFilter struct {
	// Version is 4, 6, or 0 for both.
	Version int
	// Protocol is the IPv4 protocol or IPv6 next header number.
	Protocol uint8
}

// Matches reports whether a packet of the given IP version and protocol passes the filter.
func (f RawFilter) Matches(version int, protocol uint8) bool {
	return (f.Version == 0 || f.Version == version) && (f.Protocol == 0 || f.Protocol == protocol)
}

// RawSocket is a stack-native raw IP socket. Packets carry their IP header in both directions. LocalAddr always
// returns the zero value.
type RawSocket interface {
	Socket

	// Send queues one IP packet, header included. The whole packet is queued or none of it: it returns ErrMsgSize if
	// the packet can never fit in the transmit region, ErrWouldBlock if the region is momentarily full, and
	// ErrUnsupported if the header is malformed or not selected by the socket's filter.
	Send(packet []byte) error
	// Recv dequeues one packet, copying at most len(p) bytes. size is the original length of the packet, so size > n
	// means it was truncated. It returns ErrWouldBlock if no packet is queued.
	Recv(p []byte) (n int, size int, err error)
}
