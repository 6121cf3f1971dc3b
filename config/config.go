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

// Package config loads the configuration of a socket pool deployment from YAML.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-nal/dns"
	"github.com/Jigsaw-Code/outline-nal/nal"
	"github.com/Jigsaw-Code/outline-nal/pool"
	"github.com/lmittmann/tint"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// MaxUDPBufferSize is the largest UDP payload over IPv4.
const MaxUDPBufferSize = 65507

// MaxRawBufferSize is the largest IPv4 packet, header included.
const MaxRawBufferSize = 65535

// Config is the document root.
type Config struct {
	// Stack selects the network stack: "host" for the host sockets, "memory" for an in-process stack.
	Stack   string        `yaml:"stack"`
	Pool    PoolConfig    `yaml:"pool"`
	TCP     TCPConfig     `yaml:"tcp"`
	DNS     DNSConfig     `yaml:"dns"`
	Log     LogConfig     `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// PoolConfig is the "pool" section: how many sockets of each kind may be open at once, and the size of the buffers
// each socket owns. Sizes are in bytes.
type PoolConfig struct {
	TCPSlots  int `yaml:"tcp_slots"`
	UDPSlots  int `yaml:"udp_slots"`
	TCPRxSize int `yaml:"tcp_rx_size"`
	TCPTxSize int `yaml:"tcp_tx_size"`
	UDPRxSize int `yaml:"udp_rx_size"`
	UDPTxSize int `yaml:"udp_tx_size"`
	// RawSlots is zero unless raw IP sockets are wanted. Host raw sockets need the privilege to open them.
	RawSlots  int `yaml:"raw_slots"`
	RawRxSize int `yaml:"raw_rx_size"`
	RawTxSize int `yaml:"raw_tx_size"`
}

// TCPConfig is the "tcp" section. Zero timeouts are disabled.
type TCPConfig struct {
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	// Linger bounds the graceful close of dialed streams.
	Linger time.Duration `yaml:"linger"`
}

// DNSConfig is the "dns" section.
type DNSConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	// Server is a DNS-over-UDP resolver used by the host stack instead of the host resolver.
	Server string `yaml:"server"`
}

// LogConfig is the "log" section. Level is one of debug, info, warn or error.
type LogConfig struct {
	// Format is "text" or "json". Exactly one sink is used.
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// MetricsConfig is the "metrics" section.
type MetricsConfig struct {
	// Listen is the address of the Prometheus endpoint. Empty disables it.
	Listen string `yaml:"listen"`
}

// Default returns the configuration used for every field a document leaves out.
func Default() Config {
	return Config{
		Stack: "host",
		Pool: PoolConfig{
			TCPSlots:  nal.DefaultTCPSlots,
			UDPSlots:  nal.DefaultUDPSlots,
			TCPRxSize: pool.DefaultTCPBufferSize,
			TCPTxSize: pool.DefaultTCPBufferSize,
			UDPRxSize: pool.DefaultUDPBufferSize,
			UDPTxSize: pool.DefaultUDPBufferSize,
			RawRxSize: pool.DefaultRawBufferSize,
			RawTxSize: pool.DefaultRawBufferSize,
		},
		TCP: TCPConfig{
			ConnectTimeout: 10 * time.Second,
			Linger:         nal.DefaultLinger,
		},
		DNS: DNSConfig{Timeout: dns.DefaultTimeout},
		Log: LogConfig{Format: "text", Level: "info"},
	}
}

// Parse decodes a YAML document over the defaults. Unknown fields are an error.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads and parses the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch c.Stack {
	case "host", "memory":
	default:
		return fmt.Errorf("invalid config: unknown stack %q", c.Stack)
	}
	if err := c.poolConfig().Validate(); err != nil {
		return fmt.Errorf("invalid config: pool: %w", err)
	}
	if c.Pool.UDPRxSize > MaxUDPBufferSize || c.Pool.UDPTxSize > MaxUDPBufferSize {
		return fmt.Errorf("invalid config: pool: UDP buffers must not exceed %d bytes", MaxUDPBufferSize)
	}
	if c.Pool.RawRxSize > MaxRawBufferSize || c.Pool.RawTxSize > MaxRawBufferSize {
		return fmt.Errorf("invalid config: pool: raw buffers must not exceed %d bytes", MaxRawBufferSize)
	}
	for name, d := range map[string]time.Duration{
		"tcp.connect_timeout": c.TCP.ConnectTimeout,
		"tcp.idle_timeout":    c.TCP.IdleTimeout,
		"tcp.linger":          c.TCP.Linger,
		"dns.timeout":         c.DNS.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("invalid config: %v must not be negative", name)
		}
	}
	if c.DNS.Server != "" && c.Stack != "host" {
		return errors.New("invalid config: dns.server needs the host stack")
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("invalid config: log format must be text or json, got %q", c.Log.Format)
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return fmt.Errorf("invalid config: metrics.listen: %w", err)
		}
	}
	return nil
}

func (c Config) poolConfig() pool.Config {
	return pool.Config{
		TCPSlots:  c.Pool.TCPSlots,
		UDPSlots:  c.Pool.UDPSlots,
		TCPRxSize: c.Pool.TCPRxSize,
		TCPTxSize: c.Pool.TCPTxSize,
		UDPRxSize: c.Pool.UDPRxSize,
		UDPTxSize: c.Pool.UDPTxSize,
		RawSlots:  c.Pool.RawSlots,
		RawRxSize: c.Pool.RawRxSize,
		RawTxSize: c.Pool.RawTxSize,
	}
}

// NAL returns the facade configuration. The caller adds the logger and resolver.
func (c Config) NAL() nal.Config {
	linger := c.TCP.Linger
	if linger == 0 {
		// Zero disables the graceful close here, while nal reads zero as its default.
		linger = -1
	}
	return nal.Config{
		Pool:           c.poolConfig(),
		ConnectTimeout: c.TCP.ConnectTimeout,
		IdleTimeout:    c.TCP.IdleTimeout,
		Linger:         linger,
		DNSTimeout:     c.DNS.Timeout,
	}
}

// NewLogger returns a logger writing to w in the given format: "text" for human readable lines, coloured when w is
// a terminal, or "json" for structured records.
func NewLogger(format, level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	switch format {
	case "text", "":
		return slog.New(tint.NewHandler(w, &tint.Options{NoColor: !isTerminal(w), Level: lvl})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Logger is NewLogger with the log settings of c.
func (c Config) Logger(w io.Writer) (*slog.Logger, error) {
	return NewLogger(c.Log.Format, c.Log.Level, w)
}

func parseLevel(level string) (slog.Level, error) {
	var lvl slog.Level
	if level == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", level)
	}
	return lvl, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
