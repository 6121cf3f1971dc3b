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
	"syscall"

	"github.com/Jigsaw-Code/outline-nal/netstack"
)

var hostErrors = []struct {
	errno syscall.Errno
	to    error
}{
	{syscall.ECONNREFUSED, netstack.ErrRefused},
	{syscall.ECONNRESET, netstack.ErrReset},
	{syscall.EPIPE, netstack.ErrReset},
	{syscall.ECONNABORTED, netstack.ErrReset},
	{syscall.EADDRINUSE, netstack.ErrAddrInUse},
	{syscall.EMSGSIZE, netstack.ErrMsgSize},
	{syscall.EADDRNOTAVAIL, netstack.ErrUnsupported},
	{syscall.EAFNOSUPPORT, netstack.ErrUnsupported},
}
