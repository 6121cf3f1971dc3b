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
	"fmt"
	"syscall"
)

// ErrMsgSize is returned by a Write on an [IPDevice] whose packet is larger than the device MTU.
var ErrMsgSize = fmt.Errorf("packet size is too big: %w", syscall.EMSGSIZE)

// IPDevice reads and writes raw IP packets, such as a TUN interface or a user-space network stack.
type IPDevice interface {
	// Close closes this device. Any future Read will return io.EOF and Write will return ErrClosed.
	Close() error

	// Read reads one IP packet into p. It blocks until a full packet is available. Fragments are returned as they
	// are, never reassembled.
	//
	// If p is shorter than the packet, the excess bytes are discarded and the error is nil, like recvfrom. Size p
	// with MTU to avoid that.
	Read(p []byte) (int, error)

	// Write writes the IP packet b. The caller fragments large packets: Write returns (0, ErrMsgSize) if
	// len(b) > MTU(), like sendto.
	//
	// If only part of the packet was written, Write returns the count written together with a non-nil error.
	Write(b []byte) (int, error)

	// MTU returns the maximum size of a single IP packet the device sends or receives.
	MTU() int
}
