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

package tcp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"sync"

	"github.com/Jigsaw-Code/outline-nal/internal/await"
	"github.com/Jigsaw-Code/outline-nal/internal/neterr"
	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/network"
	"github.com/Jigsaw-Code/outline-nal/pool"
)

// Listener accepts inbound TCP connections. The listener owns one slot, and every accepted [Conn] owns another.
type Listener struct {
	st      *listenerState
	cleanup runtime.Cleanup
}

type listenerState struct {
	adapter   *Adapter
	sock      netstack.TCPSocket
	ref       pool.Ref
	local     netip.AddrPort
	done      chan struct{}
	closeOnce sync.Once
	log       *slog.Logger
}

func (a *Adapter) newListener(sock netstack.TCPSocket, ref pool.Ref, local netip.AddrPort) *Listener {
	st := &listenerState{adapter: a, sock: sock, ref: ref, local: local, done: make(chan struct{}), log: a.log}
	l := &Listener{st: st}
	l.cleanup = runtime.AddCleanup(l, (*listenerState).abandon, st)
	return l
}

func (st *listenerState) abandon() {
	st.log.Warn("tcp listener dropped without close", "local", st.local)
	st.finish()
}

func (st *listenerState) finish() {
	st.closeOnce.Do(func() {
		close(st.done)
		st.sock.Close()
		st.adapter.pool.Release(st.ref)
	})
}

// Accept waits for the next connection. A slot for the connection is claimed before waiting: if none is free,
// Accept fails at once with [network.ErrExhausted] and pending peers stay queued. If ctx is done or the listener is
// closed while waiting, the slot is released again.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	conn, err := l.st.accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("accept on %v: %w", l.st.local, err)
	}
	l.st.log.Debug("tcp accepted", "local", conn.st.local, "remote", conn.st.remote)
	return conn, nil
}

func (st *listenerState) accept(ctx context.Context) (*Conn, error) {
	select {
	case <-st.done:
		return nil, network.ErrClosed
	default:
	}
	a := st.adapter
	ref, err := a.pool.Claim(pool.TCP)
	if err != nil {
		return nil, err
	}
	rx, tx, _ := a.pool.Buffers(ref)
	var sock netstack.TCPSocket
	err = await.Poll(ctx, await.Stops{Closed: st.done}, st.sock.Ready, func() error {
		var err error
		sock, err = st.sock.Accept(rx, tx)
		return err
	})
	if err != nil {
		a.pool.Release(ref)
		return nil, neterr.FromStack(err)
	}
	return a.newConn(sock, ref), nil
}

// Close stops listening and releases the listener's slot. Queued connections that were not accepted are reset.
// Connections accepted earlier are not affected. Close is idempotent.
func (l *Listener) Close() error {
	l.cleanup.Stop()
	l.st.finish()
	return nil
}

// Endpoint returns the local address and port the listener is bound to.
func (l *Listener) Endpoint() netip.AddrPort { return l.st.local }

// Addr returns the listener's address as a [*net.TCPAddr].
func (l *Listener) Addr() net.Addr { return net.TCPAddrFromAddrPort(l.st.local) }

// NetListener returns l as a [net.Listener].
func (l *Listener) NetListener() net.Listener { return netListener{l} }

type netListener struct {
	l *Listener
}

func (n netListener) Accept() (net.Conn, error) {
	conn, err := n.l.Accept(context.Background())
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (n netListener) Close() error   { return n.l.Close() }
func (n netListener) Addr() net.Addr { return n.l.Addr() }
