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

package view

import (
	"github.com/datagrind/datagrind/record"
)

// instr is one instruction of a decoded block definition.
type instr struct {
	addr uint64
	size uint8
}

// defAccess is one access slot of a decoded block definition.
type defAccess struct {
	dir        record.Dir
	size       uint8
	instrIndex uint8
}

// blockDef is a decoded BBDEF.
type blockDef struct {
	instrs []instr
	accs   []defAccess
}

// context is a decoded CONTEXT: a definition plus the bounded call stack
// active at block entry, innermost first.
type context struct {
	def   uint64
	stack []uint64
}

// HeapBlock is one tracked guest allocation, live or freed.
type HeapBlock struct {
	Addr  uint64
	Size  uint64
	Stack []uint64
	// Label is an optional human label, attached when a tracked range
	// exactly covers the block.
	Label string
	Live  bool
}

// noBlock marks an access address that falls in no live heap block.
const noBlock = int32(-1)

// run is one retained record of the columnar store: either a BBRUN
// expansion or a synthesised single-access run for a legacy READ/WRITE/
// INSTR record (ctx == legacyCtx).
//
// addrs holds the concrete access addresses in definition access order;
// slots whose access was filtered away hold zero so that positions keep
// lining up with the definition. blocks is the parallel column of heap
// block references captured at load time.
type run struct {
	ctx       int64
	iseqStart uint64
	dseqStart uint64
	ninstr    uint8

	addrs  []uint64
	blocks []int32

	// Legacy-record fields; meaningful only when ctx == legacyCtx.
	dir   record.Dir
	size  uint8
	iaddr uint64
}

const legacyCtx = int64(-1)

// Access is one decoded access returned by queries.
type Access struct {
	Addr      uint64
	Dir       record.Dir
	Size      uint8
	InstrAddr uint64
	Iseq      uint64
	// Block is the heap block the address fell in when the access was
	// loaded, if any.
	Block *HeapBlock
	// Stack is the owning context's call stack with the innermost frame
	// replaced by the access's instruction address.
	Stack []uint64
}

// Stats summarises one completed load.
type Stats struct {
	RecordsRead      uint64
	RecordsSkipped   uint64
	AccessesDecoded  uint64
	AccessesRetained uint64
	RunsRetained     int
	Instructions     uint64 // Final iseq counter.
}

// Accesses calls f for every retained access in iseq order, stopping early
// if f returns false. This is the columnar store's consumption surface for
// front-ends.
func (ix *Index) Accesses(f func(Access) bool) {
	for ri := range ix.runs {
		r := &ix.runs[ri]
		for i := 0; i < r.naccs(); i++ {
			if r.addrs[i] == 0 {
				continue
			}
			if !f(ix.access(r, i)) {
				return
			}
		}
	}
}

// naccs returns the number of address slots in the run.
func (r *run) naccs() int { return len(r.addrs) }

// access expands slot i of the run against its definition. It assumes the
// slot was retained (addrs[i] != 0 or genuinely zero-address legacy).
func (ix *Index) access(r *run, i int) Access {
	if r.ctx == legacyCtx {
		a := Access{
			Addr:      r.addrs[i],
			Dir:       r.dir,
			Size:      r.size,
			InstrAddr: r.iaddr,
			Iseq:      r.iseqStart,
			Stack:     []uint64{r.iaddr},
		}
		if b := r.blocks[i]; b != noBlock {
			a.Block = &ix.blocks[b]
		}
		return a
	}
	ctx := &ix.ctxs[r.ctx]
	def := &ix.defs[ctx.def]
	da := def.accs[i]
	stack := make([]uint64, len(ctx.stack))
	copy(stack, ctx.stack)
	instrAddr := def.instrs[da.instrIndex].addr
	stack[0] = instrAddr
	a := Access{
		Addr:      r.addrs[i],
		Dir:       da.dir,
		Size:      da.size,
		InstrAddr: instrAddr,
		Iseq:      r.iseqStart + uint64(da.instrIndex),
		Stack:     stack,
	}
	if b := r.blocks[i]; b != noBlock {
		a.Block = &ix.blocks[b]
	}
	return a
}
