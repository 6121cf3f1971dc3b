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

// Package neterr converts errors of the stack primitives into the portable errors of package network.
package neterr

import (
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/network"
)

var mapping = []struct {
	from, to error
}{
	{netstack.ErrNoSocket, network.ErrExhausted},
	{netstack.ErrAddrInUse, network.ErrAddressInUse},
	{netstack.ErrRefused, network.ErrConnectionRefused},
	{netstack.ErrReset, network.ErrConnectionReset},
	{netstack.ErrMsgSize, network.ErrPayloadTooLarge},
	{netstack.ErrInvalidState, network.ErrInvalidState},
	{netstack.ErrUnsupported, network.ErrUnsupportedAddress},
	{netstack.ErrClosed, network.ErrClosed},
	{netstack.ErrNameNotFound, network.ErrNotFound},
	{netstack.ErrNoResolver, network.ErrResolverUnavailable},
}

// FromStack returns err wrapped in the matching network error. The stack error stays in the chain. Errors without a
// network equivalent, and errors that already match one, are returned unchanged.
func FromStack(err error) error {
	if err == nil {
		return nil
	}
	for _, m := range mapping {
		if errors.Is(err, m.to) {
			return err
		}
	}
	for _, m := range mapping {
		if errors.Is(err, m.from) {
			return fmt.Errorf("%w: %w", m.to, err)
		}
	}
	return err
}
