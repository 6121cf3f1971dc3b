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

package ring

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteRead(t *testing.T) {
	b := New(make([]byte, 8))
	require.Equal(t, 8, b.Cap())
	require.Equal(t, 5, b.Write([]byte("hello")))
	require.Equal(t, 3, b.Free())

	out := make([]byte, 3)
	require.Equal(t, 3, b.Read(out))
	require.Equal(t, "hel", string(out))
	require.Equal(t, 2, b.Len())
}

func TestWrapAround(t *testing.T) {
	b := New(make([]byte, 4))
	require.Equal(t, 3, b.Write([]byte("abc")))
	out := make([]byte, 2)
	require.Equal(t, 2, b.Read(out))
	// Write wraps past the end of the region.
	require.Equal(t, 3, b.Write([]byte("defg")))
	require.Equal(t, 0, b.Free())

	out = make([]byte, 8)
	n := b.Read(out)
	require.Equal(t, "cdef", string(out[:n]))
	require.Equal(t, 0, b.Len())
}

func TestWriteFull(t *testing.T) {
	b := New(make([]byte, 2))
	require.Equal(t, 2, b.Write([]byte("xyz")))
	require.Equal(t, 0, b.Write([]byte("z")))
	require.Nil(t, b.Writable())
}

func TestDiscard(t *testing.T) {
	b := New(make([]byte, 4))
	b.Write([]byte("abcd"))
	require.Equal(t, 3, b.Discard(3))
	require.Equal(t, 1, b.Discard(10))
	require.Equal(t, 0, b.Len())
	require.Nil(t, b.Readable())
}

func TestCommitOutOfRange(t *testing.T) {
	b := New(make([]byte, 2))
	require.Panics(t, func() { b.Commit(3) })
	require.Panics(t, func() { b.Consume(1) })
}

func TestReset(t *testing.T) {
	b := New(make([]byte, 4))
	b.Write([]byte("ab"))
	b.Reset()
	require.Equal(t, 0, b.Len())
	require.Equal(t, 4, len(b.Writable()))
}

func TestCommitAfterDrain(t *testing.T) {
	b := New(make([]byte, 8))
	b.Write([]byte("hey"))
	// A producer fills the free region while the consumer drains the buffer.
	w := b.Writable()
	out := make([]byte, 8)
	require.Equal(t, 3, b.Read(out))
	require.Equal(t, "hey", string(out[:3]))
	require.Empty(t, b.Readable())

	copy(w, "there")
	b.Commit(5)
	n := b.Read(out)
	require.Equal(t, "there", string(out[:n]))
}

func TestWritableStableAcrossConsume(t *testing.T) {
	b := New(make([]byte, 4))
	b.Write([]byte("ab"))
	w := b.Writable()
	require.Len(t, w, 2)
	b.Discard(1)
	copy(w, "cd")
	b.Commit(2)
	out := make([]byte, 4)
	n := b.Read(out)
	require.Equal(t, "bcd", string(out[:n]))
}
