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
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/datagrind/datagrind/record"
)

// maxDefInstrs is the wire-format bound on instructions per block
// definition. Translated blocks exceeding it are split on emission.
const maxDefInstrs = 255

// Instr is one instruction of a block definition.
type Instr struct {
	Addr uint64
	Size uint8
}

// Access is one in-block memory access of a block definition. InstrIndex
// names the instruction the access belongs to.
type Access struct {
	Dir        record.Dir
	Size       uint8
	InstrIndex uint8
}

// BlockDef is the static shape of a translated basic block: its
// instructions and, in program order, the accesses they perform.
type BlockDef struct {
	Instrs   []Instr
	Accesses []Access
}

// DefBuilder accumulates a block definition while the host lowers a
// translated superblock. Superblocks may exceed the 255-instruction wire
// bound; Build splits them.
type DefBuilder struct {
	instrs     []Instr
	accesses   []builderAccess
	traceInstr bool
}

type builderAccess struct {
	dir      record.Dir
	size     uint8
	instrPos int
}

// AddInstr appends an instruction. When the producer traces instruction
// fetches, an execute access for the instruction is appended too.
func (b *DefBuilder) AddInstr(addr uint64, size uint8) {
	b.instrs = append(b.instrs, Instr{Addr: addr, Size: size})
	if b.traceInstr {
		b.addAccess(record.DirExec, size)
	}
}

// AddRead records a data read performed by the most recent instruction.
func (b *DefBuilder) AddRead(size uint8) { b.addAccess(record.DirRead, size) }

// AddWrite records a data write performed by the most recent instruction.
func (b *DefBuilder) AddWrite(size uint8) { b.addAccess(record.DirWrite, size) }

func (b *DefBuilder) addAccess(dir record.Dir, size uint8) {
	if len(b.instrs) == 0 {
		panic("datagrind: access before first instruction")
	}
	b.accesses = append(b.accesses, builderAccess{dir: dir, size: size, instrPos: len(b.instrs) - 1})
}

// Build returns the accumulated definitions, split so that none exceeds the
// 255-instruction bound.
func (b *DefBuilder) Build() []*BlockDef {
	if len(b.instrs) == 0 {
		return nil
	}
	var defs []*BlockDef
	for lo := 0; lo < len(b.instrs); lo += maxDefInstrs {
		hi := min(lo+maxDefInstrs, len(b.instrs))
		def := &BlockDef{Instrs: append([]Instr(nil), b.instrs[lo:hi]...)}
		for _, a := range b.accesses {
			if a.instrPos >= lo && a.instrPos < hi {
				def.Accesses = append(def.Accesses, Access{
					Dir:        a.dir,
					Size:       a.size,
					InstrIndex: uint8(a.instrPos - lo),
				})
			}
		}
		defs = append(defs, def)
	}
	return defs
}

// defCache interns block definitions by structural equality and remembers
// the instruction and access counts of every index ever assigned, which
// stay canonical even after the cache is dropped on translation discard.
type defCache struct {
	byHash map[uint64][]defEntry
	next   uint64

	// Indexed by definition index; retained across Invalidate because
	// runs may still reference old indices.
	instrCounts []uint8
	accCounts   []int
}

type defEntry struct {
	index uint64
	def   *BlockDef
}

func newDefCache() *defCache {
	return &defCache{byHash: map[uint64][]defEntry{}}
}

// hashDef computes a structural hash of the definition shape.
func hashDef(def *BlockDef) uint64 {
	h := xxhash.New()
	var w [8]byte
	put := func(v uint64) {
		binary.LittleEndian.PutUint64(w[:], v)
		h.Write(w[:])
	}
	put(uint64(len(def.Instrs)))
	for _, in := range def.Instrs {
		put(in.Addr)
		put(uint64(in.Size))
	}
	put(uint64(len(def.Accesses)))
	for _, a := range def.Accesses {
		put(uint64(a.Dir)<<16 | uint64(a.Size)<<8 | uint64(a.InstrIndex))
	}
	return h.Sum64()
}

func defsEqual(a, b *BlockDef) bool {
	if len(a.Instrs) != len(b.Instrs) || len(a.Accesses) != len(b.Accesses) {
		return false
	}
	for i := range a.Instrs {
		if a.Instrs[i] != b.Instrs[i] {
			return false
		}
	}
	for i := range a.Accesses {
		if a.Accesses[i] != b.Accesses[i] {
			return false
		}
	}
	return true
}

// lookup returns the interned index for def, or ok=false if it is new.
func (c *defCache) lookup(def *BlockDef) (uint64, uint64, bool) {
	h := hashDef(def)
	for _, e := range c.byHash[h] {
		if defsEqual(e.def, def) {
			return e.index, h, true
		}
	}
	return 0, h, false
}

// add interns def under the precomputed hash and assigns the next index.
func (c *defCache) add(def *BlockDef, h uint64) uint64 {
	idx := c.next
	c.next++
	c.byHash[h] = append(c.byHash[h], defEntry{index: idx, def: def})
	c.instrCounts = append(c.instrCounts, uint8(len(def.Instrs)))
	c.accCounts = append(c.accCounts, len(def.Accesses))
	return idx
}

// invalidate drops the interning table. Indices already emitted remain
// canonical; new definitions keep counting from next.
func (c *defCache) invalidate() {
	c.byHash = map[uint64][]defEntry{}
}
