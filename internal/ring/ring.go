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

// Package ring implements a byte FIFO over a fixed, caller-provided region.
//
// A Buffer never allocates and never grows. It is not safe for concurrent use; callers serialize access, except that
// the region returned by Writable may be filled outside the lock as long as only one producer does so and Commit is
// called with the lock held. Consume never moves the write position, so that region stays valid while the consumer
// drains the buffer.
package ring

// Buffer is a FIFO of bytes stored in a fixed region.
type Buffer struct {
	buf []byte
	r   int // read offset
	n   int // number of buffered bytes
}

// New returns a Buffer that stores its bytes in region.
func New(region []byte) *Buffer {
	return &Buffer{buf: region}
}

// Cap returns the size of the region.
func (b *Buffer) Cap() int { return len(b.buf) }

// Len returns the number of buffered bytes.
func (b *Buffer) Len() int { return b.n }

// Free returns the number of bytes that can be written.
func (b *Buffer) Free() int { return len(b.buf) - b.n }

// Reset discards all buffered bytes.
func (b *Buffer) Reset() {
	b.r, b.n = 0, 0
}

// Write appends as much of p as fits and returns the number of bytes copied.
func (b *Buffer) Write(p []byte) int {
	total := 0
	for len(p) > 0 {
		w := b.Writable()
		if len(w) == 0 {
			break
		}
		c := copy(w, p)
		b.Commit(c)
		p = p[c:]
		total += c
	}
	return total
}

// Read moves up to len(p) buffered bytes into p and returns the number of bytes copied.
func (b *Buffer) Read(p []byte) int {
	total := 0
	for len(p) > 0 {
		r := b.Readable()
		if len(r) == 0 {
			break
		}
		c := copy(p, r)
		b.Consume(c)
		p = p[c:]
		total += c
	}
	return total
}

// Discard drops up to n buffered bytes and returns how many were dropped.
func (b *Buffer) Discard(n int) int {
	if n > b.n {
		n = b.n
	}
	b.Consume(n)
	return n
}

// Readable returns the longest contiguous run of buffered bytes, starting at the read offset.
func (b *Buffer) Readable() []byte {
	if b.n == 0 {
		return nil
	}
	end := b.r + b.n
	if end > len(b.buf) {
		end = len(b.buf)
	}
	return b.buf[b.r:end]
}

// Consume marks the first n buffered bytes as read.
func (b *Buffer) Consume(n int) {
	if n < 0 || n > b.n {
		panic("ring: consume out of range")
	}
	b.n -= n
	b.r = (b.r + n) % len(b.buf)
}

// Writable returns the longest contiguous free run after the buffered bytes.
func (b *Buffer) Writable() []byte {
	if b.n == len(b.buf) {
		return nil
	}
	w := (b.r + b.n) % len(b.buf)
	if w < b.r {
		return b.buf[w:b.r]
	}
	return b.buf[w:]
}

// Commit marks n bytes of the region returned by Writable as buffered.
func (b *Buffer) Commit(n int) {
	if n < 0 || n > b.Free() {
		panic("ring: commit out of range")
	}
	b.n += n
}
