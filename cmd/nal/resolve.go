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
	"strings"

	"github.com/Jigsaw-Code/outline-nal/dns"
	"github.com/spf13/cobra"
)

func newResolveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <name>",
		Short: "Resolve a host name through the pool's DNS adapter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kindFlag, _ := cmd.Flags().GetString("kind")
			kind, err := parseKind(kindFlag)
			if err != nil {
				return err
			}
			e, err := setup(cmd)
			if err != nil {
				return err
			}
			addrs, err := e.stack.Resolve(cmd.Context(), args[0], kind)
			if err != nil {
				return err
			}
			for _, addr := range addrs {
				fmt.Fprintln(cmd.OutOrStdout(), addr)
			}
			return nil
		},
	}
	cmd.Flags().String("kind", "any", "record kind: a, aaaa or any")
	return cmd
}

func parseKind(kind string) (dns.RecordKind, error) {
	switch strings.ToLower(kind) {
	case "a":
		return dns.KindA, nil
	case "aaaa":
		return dns.KindAAAA, nil
	case "any", "":
		return dns.KindAny, nil
	}
	return 0, fmt.Errorf("unknown record kind %q", kind)
}
