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

import (
	"errors"
	"math"

	"github.com/datagrind/datagrind/record"
)

// heapBlock is the producer-side metadata of one live guest allocation.
// usable is the allocator's actual backing size, which decides whether a
// realloc can happen in place; the trace always records the declared size.
type heapBlock struct {
	addr   uint64
	size   uint64
	usable uint64
	ips    []uint64
}

var errUnknownBlock = errors.New("producer: free of unknown heap block")

// Malloc intercepts malloc, __builtin_new and new[]: it allocates through
// the host and records the block. Returns 0 when the guest allocator does.
func (p *Producer) Malloc(alloc Allocator, size uint64) (uint64, error) {
	ptr := alloc.Alloc(0, size)
	if ptr == 0 {
		return 0, nil
	}
	return ptr, p.addBlock(alloc, ptr, size, false)
}

// Calloc intercepts calloc. Overflowing m*size fails the allocation.
func (p *Producer) Calloc(alloc Allocator, m, size uint64) (uint64, error) {
	if size != 0 && m > math.MaxUint64/size {
		return 0, nil
	}
	return p.Malloc(alloc, m*size)
}

// Memalign intercepts memalign.
func (p *Producer) Memalign(alloc Allocator, align, size uint64) (uint64, error) {
	ptr := alloc.Alloc(align, size)
	if ptr == 0 {
		return 0, nil
	}
	return ptr, p.addBlock(alloc, ptr, size, false)
}

// Free intercepts free, delete and delete[]. Frees of unknown pointers are
// ignored, as the host's wrapper handles those corner cases.
func (p *Producer) Free(alloc Allocator, ptr uint64) error {
	err := p.removeBlock(ptr)
	if errors.Is(err, errUnknownBlock) {
		return nil
	}
	if err != nil {
		return err
	}
	alloc.Release(ptr)
	return nil
}

// Realloc intercepts realloc. When the new size fits the allocator's usable
// size the block stays in place and is logically freed-then-allocated with
// a fresh stack; otherwise a new backing is allocated and the contents
// copied, with records emitted for the old then the new pointer.
func (p *Producer) Realloc(alloc Allocator, ptr, size uint64) (uint64, error) {
	block, ok := p.blocks[ptr]
	if !ok {
		return 0, nil
	}
	if size <= block.usable {
		if err := p.logRemoveBlock(block); err != nil {
			return 0, err
		}
		block.size = size
		_, block.ips = p.host.CaptureStack(p.allocStackDepth)
		return ptr, p.logAddBlock(block)
	}

	newPtr := alloc.Alloc(0, size)
	if newPtr == 0 {
		return 0, nil
	}
	alloc.Move(newPtr, ptr, block.size)

	if err := p.logRemoveBlock(block); err != nil {
		return 0, err
	}
	delete(p.blocks, ptr)
	p.metrics.liveBlocks.Dec()
	alloc.Release(ptr)

	return newPtr, p.addBlock(alloc, newPtr, size, false)
}

// UsableSize intercepts malloc_usable_size, reporting the tracked backing
// size or 0 for unknown pointers.
func (p *Producer) UsableSize(ptr uint64) uint64 {
	if block, ok := p.blocks[ptr]; ok {
		return block.usable
	}
	return 0
}

// MallocLike handles the malloc-like client request: the guest declares an
// allocation made by a custom allocator. The usable size equals the
// declared size.
func (p *Producer) MallocLike(ptr, size uint64) error {
	return p.addBlock(nil, ptr, size, true)
}

// FreeLike handles the free-like client request.
func (p *Producer) FreeLike(ptr uint64) error {
	err := p.removeBlock(ptr)
	if errors.Is(err, errUnknownBlock) {
		return nil
	}
	return err
}

func (p *Producer) addBlock(alloc Allocator, ptr, size uint64, custom bool) error {
	usable := size
	if !custom {
		usable = alloc.UsableSize(ptr)
	}
	_, ips := p.host.CaptureStack(p.allocStackDepth)
	block := &heapBlock{addr: ptr, size: size, usable: usable, ips: ips}
	p.blocks[ptr] = block
	p.metrics.liveBlocks.Inc()
	return p.logAddBlock(block)
}

func (p *Producer) removeBlock(ptr uint64) error {
	block, ok := p.blocks[ptr]
	if !ok {
		return errUnknownBlock
	}
	if err := p.logRemoveBlock(block); err != nil {
		return err
	}
	delete(p.blocks, ptr)
	p.metrics.liveBlocks.Dec()
	return nil
}

func (p *Producer) logAddBlock(block *heapBlock) error {
	b := p.buf
	b.Reset()
	b.PutWord(block.addr)
	b.PutWord(block.size)
	b.PutWord(uint64(len(block.ips)))
	for _, ip := range block.ips {
		b.PutWord(ip)
	}
	return p.w.Emit(record.MallocBlock, b.Get())
}

func (p *Producer) logRemoveBlock(block *heapBlock) error {
	b := p.buf
	b.Reset()
	b.PutWord(block.addr)
	return p.w.Emit(record.FreeBlock, b.Get())
}
