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

package network

import (
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

// Portable analogs of some common errors.
//
// Errors returned from this package and all sibling packages (pool, tcp, udp, dns and nal) can be tested against
// these errors using [errors.Is].
var (
	// ErrExhausted is returned when the socket pool has no free slot of the requested kind. It is a recoverable
	// condition: the caller may retry once another handle has been closed.
	ErrExhausted = errors.New("no free socket slot")

	// ErrTimeout is returned when an operation deadline elapsed. Any slot claimed by the operation has already been
	// released, and any half-open socket has been aborted.
	//
	// It is a [net.Error] whose Timeout method reports true, and it wraps [os.ErrDeadlineExceeded], so handles
	// satisfy the [net.Conn] deadline contract.
	ErrTimeout error = timeoutError{}

	// ErrAddressInUse is returned when a bind conflicts with an endpoint that is already bound.
	ErrAddressInUse = fmt.Errorf("address already in use: %w", syscall.EADDRINUSE)

	// ErrPayloadTooLarge is returned by a datagram send whose payload does not fit in the socket's transmit buffer.
	// Datagrams are never fragmented or partially sent.
	ErrPayloadTooLarge = fmt.Errorf("payload exceeds transmit buffer: %w", syscall.EMSGSIZE)

	// ErrNotFound is returned when a name resolution yields no address for the requested record kind.
	ErrNotFound = errors.New("no such host")

	// ErrResolverUnavailable is returned when the network stack has no usable resolver.
	ErrResolverUnavailable = errors.New("resolver unavailable")

	// ErrConnectionReset is returned when the peer aborted the connection.
	ErrConnectionReset = fmt.Errorf("connection reset by peer: %w", syscall.ECONNRESET)

	// ErrConnectionRefused is returned when the remote endpoint actively refused a connection attempt.
	ErrConnectionRefused = fmt.Errorf("connection refused: %w", syscall.ECONNREFUSED)

	// ErrClosed is the error returned by an I/O call on a handle that has already been closed, or that is closed by
	// another goroutine before the I/O is completed. This can be wrapped in another error, and should normally be
	// tested using errors.Is(err, network.ErrClosed).
	ErrClosed = fmt.Errorf("socket already closed: %w", net.ErrClosed)

	// ErrUnsupportedAddress is returned when an address cannot be used by the network stack, for example an invalid
	// address or an IP family the stack was not built with.
	ErrUnsupportedAddress = errors.New("unsupported address")

	// ErrInvalidState is returned when an operation is not permitted in the current state of a handle.
	ErrInvalidState = errors.New("invalid socket state")
)

type timeoutError struct{}

var _ net.Error = timeoutError{}

func (timeoutError) Error() string   { return "operation timed out" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
func (timeoutError) Unwrap() error   { return os.ErrDeadlineExceeded }
