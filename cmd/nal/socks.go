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

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/Jigsaw-Code/outline-nal/dns"
	"github.com/Jigsaw-Code/outline-nal/nal"
	"github.com/spf13/cobra"
	"github.com/things-go/go-socks5"
)

func newSocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "socks",
		Short: "Run a SOCKS5 proxy whose outbound connections come from the pool",
		Long: `socks accepts SOCKS5 CONNECT requests and dials their destinations through the pool.
Names are resolved with the pool's DNS adapter. When the pool is exhausted, requests fail
with a server failure reply until a connection closes.

With a metrics address configured, the pool gauges are served in the Prometheus text
format on /metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			listenAddr, _ := cmd.Flags().GetString("listen")
			if cmd.Flags().Changed("metrics") {
				e.cfg.Metrics.Listen, _ = cmd.Flags().GetString("metrics")
			}
			ctx := cmd.Context()
			if e.cfg.Metrics.Listen != "" {
				ml, err := net.Listen("tcp", e.cfg.Metrics.Listen)
				if err != nil {
					return err
				}
				defer serveMetrics(ctx, e, ml)()
			}
			l, err := net.Listen("tcp", listenAddr)
			if err != nil {
				return err
			}
			e.log.Info("socks proxy listening", "addr", l.Addr())
			return serveSocks(ctx, e, l)
		},
	}
	cmd.Flags().String("listen", "127.0.0.1:1080", "address of the SOCKS5 listener")
	cmd.Flags().String("metrics", "", "address of the /metrics endpoint (overrides the configuration)")
	return cmd
}

// serveSocks serves SOCKS5 on l until ctx is done, then closes l.
func serveSocks(ctx context.Context, e *env, l net.Listener) error {
	server := socks5.NewServer(
		socks5.WithLogger(socks5.NewLogger(slog.NewLogLogger(e.log.Handler(), slog.LevelWarn))),
		socks5.WithRule(&socks5.PermitCommand{EnableConnect: true}),
		socks5.WithResolver(poolResolver{e.stack}),
		socks5.WithDial(func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := e.stack.DialStream(ctx, addr)
			if err != nil {
				e.log.Debug("socks dial failed", "addr", addr, "err", err)
				return nil, err
			}
			return conn, nil
		}),
	)
	stop := context.AfterFunc(ctx, func() { l.Close() })
	defer stop()
	err := server.Serve(l)
	if ctx.Err() != nil && errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// poolResolver resolves SOCKS5 destination names with the pool's DNS adapter.
type poolResolver struct {
	dns nal.DNS
}

func (r poolResolver) Resolve(ctx context.Context, name string) (context.Context, net.IP, error) {
	addr, err := r.dns.ResolveFirst(ctx, name, dns.KindAny)
	if err != nil {
		return ctx, nil, err
	}
	return ctx, addr.AsSlice(), nil
}

// serveMetrics serves the pool gauges on /metrics of l. The returned function stops the server.
func serveMetrics(ctx context.Context, e *env, l net.Listener) func() {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		e.stack.WritePrometheus(w)
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error("metrics server failed", "err", err)
		}
	}()
	e.log.Info("metrics listening", "addr", l.Addr())
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
}
