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

// Package await suspends a caller on a non-blocking stack primitive until it completes.
package await

import (
	"context"
	"errors"
	"fmt"

	"github.com/Jigsaw-Code/outline-nal/netstack"
	"github.com/Jigsaw-Code/outline-nal/network"
)

// Stops are the conditions, besides context cancellation, that end a wait. A nil channel never fires.
type Stops struct {
	// Deadline fires when the operation timed out. Poll returns network.ErrTimeout.
	Deadline <-chan struct{}
	// Closed fires when the handle was closed by another goroutine. Poll returns network.ErrClosed.
	Closed <-chan struct{}
}

// Poll calls try until it returns something other than netstack.ErrWouldBlock, parking on the channel returned by
// ready between attempts. ready is evaluated before each attempt so that no wake-up is lost.
//
// try must not block. Whatever try returns last is returned unchanged, so the caller can map stack errors itself.
func Poll(ctx context.Context, stops Stops, ready func() <-chan struct{}, try func() error) error {
	for {
		wake := ready()
		err := try()
		if !errors.Is(err, netstack.ErrWouldBlock) {
			return err
		}
		select {
		case <-wake:
		case <-stops.Deadline:
			return network.ErrTimeout
		case <-stops.Closed:
			return network.ErrClosed
		case <-ctx.Done():
			return ContextError(ctx)
		}
	}
}

// ContextError converts the error of a done context. An expired context deadline is reported as network.ErrTimeout
// so callers can handle both kinds of deadline the same way; the context error stays in the chain.
func ContextError(ctx context.Context) error {
	err := ctx.Err()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", network.ErrTimeout, err)
	}
	return err
}
