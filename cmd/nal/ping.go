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
	"fmt"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/Jigsaw-Code/outline-nal/config"
	"github.com/Jigsaw-Code/outline-nal/dns"
	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/network"
	"github.com/Jigsaw-Code/outline-nal/raw"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/spf13/cobra"
)

func newPingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ping <host>",
		Short: "Send ICMP echo requests through a pooled raw socket",
		Long: `ping resolves host to an IPv4 address and sends echo requests on a raw socket
slot, one at a time. The pool gets one raw slot if the configuration has none. On
the host stack ping needs the privilege to open raw sockets.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			count, _ := cmd.Flags().GetInt("count")
			wait, _ := cmd.Flags().GetDuration("wait")
			e, err := setup(cmd, func(c *config.Config) {
				c.Pool.RawSlots = max(c.Pool.RawSlots, 1)
			})
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			dst, err := e.stack.ResolveFirst(ctx, args[0], dns.KindA)
			if err != nil {
				return err
			}
			sock, err := e.stack.BindRaw(ctx, netstack.RawFilter{Version: 4, Protocol: uint8(layers.IPProtocolICMPv4)})
			if err != nil {
				return err
			}
			defer sock.Close()

			id := uint16(os.Getpid())
			replies := 0
			for seq := 1; seq <= count; seq++ {
				rtt, err := echo(ctx, sock, dst, id, uint16(seq), wait)
				if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, network.ErrTimeout) {
					fmt.Fprintf(cmd.OutOrStdout(), "no reply from %v: seq=%d\n", dst, seq)
					continue
				}
				if err != nil {
					return err
				}
				replies++
				fmt.Fprintf(cmd.OutOrStdout(), "reply from %v: seq=%d time=%v\n", dst, seq, rtt.Round(time.Microsecond))
			}
			if replies == 0 {
				return fmt.Errorf("no reply from %v", dst)
			}
			return nil
		},
	}
	cmd.Flags().Int("count", 3, "number of echo requests")
	cmd.Flags().Duration("wait", time.Second, "how long to wait for each reply")
	return cmd
}

// echo sends one echo request to dst and waits up to wait for the matching reply. The stack fills in the source
// address.
func echo(ctx context.Context, sock *raw.Socket, dst netip.Addr, id, seq uint16, wait time.Duration) (time.Duration, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolICMPv4,
		SrcIP:    net.IPv4zero.To4(),
		DstIP:    dst.AsSlice(),
	}
	req := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0), Id: id, Seq: seq}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, req, gopacket.Payload("outline-nal")); err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	start := time.Now()
	if err := sock.Send(ctx, buf.Bytes()); err != nil {
		return 0, err
	}
	rx := make([]byte, sock.TransmitCapacity())
	for {
		n, _, err := sock.Receive(ctx, rx)
		if err != nil {
			return 0, err
		}
		packet := gopacket.NewPacket(rx[:n], layers.LayerTypeIPv4, gopacket.Default)
		from, _ := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		reply, _ := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if from == nil || reply == nil || reply.TypeCode.Type() != layers.ICMPv4TypeEchoReply {
			continue
		}
		if reply.Id != id || reply.Seq != seq || !from.SrcIP.Equal(dst.AsSlice()) {
			continue
		}
		return time.Since(start), nil
	}
}
