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

/*
Package ddltimer provides a resettable deadline that many goroutines can wait on, as required by the deadline
methods of [net.Conn]:

	d := ddltimer.New()
	defer d.Stop()
	d.Set(time.Now().Add(2 * time.Second))
	<-d.Done() // closed after 2 seconds, unless Set moves the deadline again
*/
package ddltimer

import (
	"sync"
	"time"
)

// Timer is a deadline whose expiry is observable as a closed channel. Moving the deadline into the future while
// goroutines wait on Done keeps them waiting on the same channel; moving it again after it fired hands out a fresh
// channel.
//
// Timer is safe for concurrent use by multiple goroutines.
type Timer struct {
	mu       sync.Mutex
	deadline time.Time
	timer    *time.Timer
	gen      uint64 // invalidates callbacks of stopped timers
	done     chan struct{}
	fired    bool
}

// New returns a Timer with no deadline.
func New() *Timer {
	return &Timer{done: make(chan struct{})}
}

// Done returns a channel that is closed once the current deadline passes. It never closes while no deadline is set.
func (d *Timer) Done() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// Expired reports whether the current deadline has passed.
func (d *Timer) Expired() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fired
}

// Deadline returns the current deadline, or the zero time if none is set.
func (d *Timer) Deadline() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deadline
}

// Set moves the deadline to t. The zero time clears it. A deadline in the past expires immediately.
func (d *Timer) Set(t time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	if d.fired {
		d.done = make(chan struct{})
		d.fired = false
	}
	d.deadline = t
	if t.IsZero() {
		return
	}
	wait := time.Until(t)
	if wait <= 0 {
		d.expire()
		return
	}
	gen := d.gen
	d.timer = time.AfterFunc(wait, func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.gen == gen {
			d.expire()
		}
	})
}

// Stop clears the deadline. It is equivalent to Set(time.Time{}).
func (d *Timer) Stop() {
	d.Set(time.Time{})
}

func (d *Timer) expire() {
	if !d.fired {
		d.fired = true
		close(d.done)
	}
}
