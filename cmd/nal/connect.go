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
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect <host:port>",
		Short: "Open a pooled TCP connection and close it gracefully",
		Long: `connect resolves host, connects to the first address that accepts, and closes the
connection gracefully within the configured linger. It reports the endpoints and the
time the connection took.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			start := time.Now()
			conn, err := e.stack.DialStream(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			fmt.Fprintf(cmd.OutOrStdout(), "connected %v -> %v in %v\n", conn.LocalAddr(), conn.RemoteAddr(), elapsed.Round(time.Millisecond))
			if err := conn.Close(); err != nil {
				e.log.Warn("close was not graceful", "err", err)
			}
			return nil
		},
	}
}
