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
	"io"
	"log/slog"

	"github.com/Jigsaw-Code/outline-nal/config"
	"github.com/Jigsaw-Code/outline-nal/nal"
	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/netstack/hoststack"
	"github.com/Jigsaw-Code/outline-nal/netstack/memstack"
	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "nal",
		Short: "Bounded socket pool tools",
		Long: `nal runs network operations through a fixed-capacity socket pool.

Every TCP stream, UDP socket and raw socket claims a pool slot and returns it when
done, so the tools never hold more sockets than the configuration allows. Name
resolution goes through the stack's resolver and holds no slot.`,
		SilenceUsage: true,
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "YAML configuration file")
	flags.String("stack", "", "network stack: host or memory (overrides the configuration)")
	flags.String("log-level", "", "log level: debug, info, warn or error (overrides the configuration)")
	flags.String("log-format", "", "log format: text or json (overrides the configuration)")

	root.AddCommand(newResolveCmd(), newConnectCmd(), newPingCmd(), newSocksCmd())
	return root
}

// env is what every subcommand runs on.
type env struct {
	cfg   config.Config
	log   *slog.Logger
	stack *nal.Stack
}

// setup loads the configuration, applies the flag overrides and adjust, then builds the pooled stack.
func setup(cmd *cobra.Command, adjust ...func(*config.Config)) (*env, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	for name, field := range map[string]*string{
		"stack":      &cfg.Stack,
		"log-level":  &cfg.Log.Level,
		"log-format": &cfg.Log.Format,
	} {
		if cmd.Flags().Changed(name) {
			*field, _ = cmd.Flags().GetString(name)
		}
	}
	for _, f := range adjust {
		f(&cfg)
	}
	return newEnv(cfg, cmd.ErrOrStderr())
}

// newEnv builds the pooled stack described by cfg, logging to w.
func newEnv(cfg config.Config, w io.Writer) (*env, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := cfg.Logger(w)
	if err != nil {
		return nil, err
	}

	sockets := cfg.Pool.TCPSlots + cfg.Pool.UDPSlots + cfg.Pool.RawSlots
	var stack netstack.Stack
	switch cfg.Stack {
	case "memory":
		stack = memstack.New(memstack.WithMaxSockets(sockets))
	default:
		opts := []hoststack.Option{
			hoststack.WithMaxSockets(sockets),
			hoststack.WithLogger(log),
		}
		if cfg.DNS.Server != "" {
			opts = append(opts, hoststack.WithDNSServer(cfg.DNS.Server))
		}
		stack = hoststack.New(opts...)
	}

	nc := cfg.NAL()
	nc.Logger = log
	s, err := nal.New(stack, nc)
	if err != nil {
		return nil, err
	}
	log.Debug("stack ready", "stack", cfg.Stack, "tcp_slots", cfg.Pool.TCPSlots, "udp_slots", cfg.Pool.UDPSlots,
		"raw_slots", cfg.Pool.RawSlots)
	return &env{cfg: cfg, log: log, stack: s}, nil
}
