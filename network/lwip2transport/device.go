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
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/Jigsaw-Code/outline-nal/network"
	"github.com/Jigsaw-Code/outline-nal/transport"
	lwip "github.com/eycorsican/go-tun2socks/core"
)

const packetMTU = 1500

// DefaultUDPIdleTimeout is how long a UDP flow is kept without outgoing datagrams.
const DefaultUDPIdleTimeout = 30 * time.Second

// Compilation guard against interface implementation
var _ network.IPDevice = (*lwIPDevice)(nil)

type lwIPDevice struct {
	tcp   *tcpHandler
	udp   *udpHandler
	stack lwip.LWIPStack

	// whether the device has been closed
	done chan struct{}

	// async read call and its result
	rdBuf chan []byte
	rdN   chan int
}

type options struct {
	udpIdleTimeout time.Duration
	log            *slog.Logger
}

// Option configures the device created by [ConfigureDevice].
type Option func(*options) error

// WithUDPIdleTimeout sets how long a UDP flow may go without outgoing datagrams before its socket is closed.
func WithUDPIdleTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return errors.New("timeout must be greater than 0")
		}
		o.udpIdleTimeout = timeout
		return nil
	}
}

// WithLogger sets the logger that records flow setup and teardown at debug level.
func WithLogger(log *slog.Logger) Option {
	return func(o *options) error {
		if log == nil {
			return errors.New("log must not be nil")
		}
		o.log = log
		return nil
	}
}

// Singleton instance
var instMu sync.Mutex
var inst *lwIPDevice = nil

// ConfigureDevice configures the singleton lwIP device. TCP streams are relayed over connections from sd, and each
// UDP flow gets its own socket from pl. Passing a [nal.Stack] for both bounds the upstream sockets by its pool:
// flows arriving while the pool is exhausted are refused.
//
// The device is a [network.IPDevice] that translates IP packets to TCP/UDP traffic and back with the [lwIP library].
// It must be a singleton because of limitations of that library. Calling ConfigureDevice again closes the previous
// device and reconfigures it.
//
// To use the device:
//  1. Call [ConfigureDevice] with the dialer and listener for TCP and UDP traffic.
//  2. Write IP packets to the device. It turns them into TCP/UDP traffic sent over sd and pl.
//  3. Read IP packets from the device to get the TCP/UDP responses.
//
// The device is NOT thread-safe. However it is safe to use Write, Read/WriteTo and Close in different goroutines.
// Only one goroutine can call Write at a time, and only one goroutine can use either Read or WriteTo at a time.
//
// [nal.Stack]: https://pkg.go.dev/github.com/Jigsaw-Code/outline-nal/nal#Stack
// [lwIP library]: https://savannah.nongnu.org/projects/lwip/
func ConfigureDevice(sd transport.StreamDialer, pl transport.PacketListener, opts ...Option) (network.IPDevice, error) {
	if sd == nil || pl == nil {
		return nil, errors.New("both sd and pl are required")
	}
	o := options{
		udpIdleTimeout: DefaultUDPIdleTimeout,
		log:            slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if err := opt(&o); err != nil {
			return nil, err
		}
	}

	instMu.Lock()
	defer instMu.Unlock()

	if inst != nil {
		inst.Close()
	}
	inst = &lwIPDevice{
		tcp:   newTCPHandler(sd, o.log),
		udp:   newUDPHandler(pl, o.udpIdleTimeout, o.log),
		stack: lwip.NewLWIPStack(),
		done:  make(chan struct{}),
		rdBuf: make(chan []byte),
		rdN:   make(chan int),
	}
	lwip.RegisterTCPConnHandler(inst.tcp)
	lwip.RegisterUDPConnHandler(inst.udp)
	lwip.RegisterOutputFn(inst.forwardOutgoingIPPacket)

	return inst, nil
}

// Close implements [io.Closer] and [network.IPDevice]. It closes the device and every UDP flow socket it opened.
//
// Close does not close sd or pl, and TCP relays end as their connections do.
func (d *lwIPDevice) Close() error {
	select {
	case <-d.done:
		return nil
	default:
		close(d.done)
		err := d.stack.Close()
		d.udp.closeAll()
		return err
	}
}

// MTU implements [network.IPDevice].
func (d *lwIPDevice) MTU() int {
	return packetMTU
}

// forwardOutgoingIPPacket is the lwIP output function. It hands the packet to a pending Read or WriteTo and blocks
// until it is consumed or the device is closed. lwIP may call it from several goroutines at once; the channels
// serialize them.
func (d *lwIPDevice) forwardOutgoingIPPacket(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	select {
	case d.rdBuf <- b:
		select {
		case n := <-d.rdN:
			return n, nil
		case <-d.done:
			return 0, network.ErrClosed
		}
	case <-d.done:
		return 0, network.ErrClosed
	}
}

// Read implements [io.Reader] and [network.IPDevice]. It blocks until one outgoing IP packet is available and copies
// it into p, discarding what does not fit. It returns [io.EOF] once the device is closed.
func (d *lwIPDevice) Read(p []byte) (int, error) {
	select {
	case s := <-d.rdBuf:
		n := copy(p, s)
		d.rdN <- n
		return n, nil
	case <-d.done:
		return 0, io.EOF
	}
}

// WriteTo implements [io.WriterTo]. It writes every outgoing IP packet to w until w fails or the device is closed,
// in which case the error is nil.
func (d *lwIPDevice) WriteTo(w io.Writer) (int64, error) {
	nw := int64(0)
	for {
		select {
		case s := <-d.rdBuf:
			n, err := w.Write(s)
			nw += int64(n)
			select {
			case d.rdN <- n:
				if err != nil {
					return nw, err
				}
			case <-d.done:
				return nw, nil
			}
		case <-d.done:
			return nw, nil
		}
	}
}

// Write implements [io.Writer] and [network.IPDevice]. It feeds one IP packet to the lwIP stack.
//
// Write returns [network.ErrMsgSize] if b is larger than the MTU and [network.ErrClosed] if the device is closed.
func (d *lwIPDevice) Write(b []byte) (int, error) {
	select {
	case <-d.done:
		return 0, network.ErrClosed
	default:
	}
	if len(b) > packetMTU {
		return 0, network.ErrMsgSize
	}
	n, err := d.stack.Write(b)
	// Workaround: lwip netstack did not use a typed error.
	if err != nil && err.Error() == "stack closed" {
		return n, network.ErrClosed
	}
	return n, err
}
