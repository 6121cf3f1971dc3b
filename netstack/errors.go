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

import "errors"

// Errors reported by stack primitives. Adapters translate them into the portable errors of the network package.
var (
	// ErrWouldBlock means the operation cannot make progress until the socket becomes ready.
	ErrWouldBlock = errors.New("operation would block")
	// ErrNoSocket means the stack's native socket table is full.
	ErrNoSocket = errors.New("no native socket available")
	// ErrAddrInUse means the local endpoint is already bound.
	ErrAddrInUse = errors.New("address in use")
	// ErrRefused means the remote endpoint refused the connection.
	ErrRefused = errors.New("connection refused")
	// ErrReset means the peer reset the connection.
	ErrReset = errors.New("connection reset")
	// ErrMsgSize means the datagram does not fit in the transmit region.
	ErrMsgSize = errors.New("message too long")
	// ErrInvalidState means the primitive is not valid in the socket's current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrUnsupported means the stack cannot use the given address or option.
	ErrUnsupported = errors.New("not supported by stack")
	// ErrClosed means the socket was closed.
	ErrClosed = errors.New("socket closed")
	// ErrNameNotFound means the resolver returned a definitive negative answer.
	ErrNameNotFound = errors.New("name not found")
	// ErrNoResolver means the stack has no configured resolver or no route to it.
	ErrNoResolver = errors.New("no resolver configured")
)
