// Copyright 2026 The Datagrind Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package producer

// CodeObject describes one loaded guest code object.
type CodeObject struct {
	TextAVMA uint64
	Filename string
}

// Host is the dynamic-translation framework the producer runs inside. It
// serialises all calls: the producer is never re-entered and keeps plain
// mutable state.
type Host interface {
	// CaptureStack returns up to max frames of the current guest call
	// stack, innermost first, together with a stable identifier: two
	// captures of identical stacks return identical ids.
	CaptureStack(max int) (id uint64, frames []uint64)

	// CodeObjects lists the code objects currently mapped into the
	// guest.
	CodeObjects() []CodeObject
}

// Allocator is the guest-heap half of the host, used by the malloc
// interceptors. Addresses are guest pointers; 0 means allocation failure.
type Allocator interface {
	// Alloc allocates size bytes with the given alignment in the guest
	// heap.
	Alloc(align, size uint64) uint64

	// Release frees a guest allocation made by Alloc.
	Release(p uint64)

	// UsableSize returns the number of usable bytes backing p, which may
	// exceed the requested size.
	UsableSize(p uint64) uint64

	// Move copies n bytes from src to dst in the guest address space.
	Move(dst, src, n uint64)
}
