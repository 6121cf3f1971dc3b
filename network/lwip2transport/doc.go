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

/*
Package lwip2transport turns raw IP packets into TCP and UDP flows with the [lwIP library], through the [go-tun2socks]
bindings. Intercepted TCP connections are relayed over a [transport.StreamDialer], and every UDP flow gets its own
socket from a [transport.PacketListener] until it goes idle. The device is a singleton, so only one instance can exist
per process.

A [nal.Stack] serves as both, so that the flows of a whole virtual interface share one bounded socket pool:

	s, err := nal.New(stack, nal.Config{})
	if err != nil {
		// handle error
	}
	dev, err := lwip2transport.ConfigureDevice(s, s, lwip2transport.WithUDPIdleTimeout(time.Minute))
	if err != nil {
		// handle error
	}
	go io.Copy(tun, dev)
	io.Copy(dev, tun)

[nal.Stack]: https://pkg.go.dev/github.com/Jigsaw-Code/outline-nal/nal#Stack
[go-tun2socks]: https://github.com/eycorsican/go-tun2socks
[lwIP library]: https://savannah.nongnu.org/projects/lwip/
*/
package lwip2transport
