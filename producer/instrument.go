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

import "fmt"

// The host hands each translated superblock to Instrument as a flat
// statement stream. Instrument lowers it into wire definitions (splitting
// at the 255-instruction bound) and a helper-call schedule: the calls the
// host injects back into the translated code, in order. Concrete access
// addresses only exist at run time, so the schedule names access slots and
// leaves address computation to the injected call site.

// Stmt is one statement of a host block in lowering order.
type Stmt interface{ isStmt() }

// IMark starts a new guest instruction.
type IMark struct {
	Addr uint64
	Size uint8
}

// Load is a data read performed by the current instruction. Guarded loads
// execute conditionally; the host attaches the guard expression to the
// injected helper call so no address is recorded when the guard is false.
type Load struct {
	Size    uint8
	Guarded bool
}

// Store is a data write performed by the current instruction.
type Store struct {
	Size    uint8
	Guarded bool
}

// SideExit is a conditional exit edge out of the block.
type SideExit struct{}

func (IMark) isStmt()    {}
func (Load) isStmt()     {}
func (Store) isStmt()    {}
func (SideExit) isStmt() {}

// HelperKind discriminates scheduled helper calls.
type HelperKind uint8

const (
	// CallBlockStart invokes Producer.BeginBlock(Def) at block entry.
	CallBlockStart HelperKind = iota
	// CallAccess invokes Producer.Access with the run-time address of
	// the next access slot.
	CallAccess
	// CallInstrCount invokes Producer.SetInstrCount(Instrs) immediately
	// before a side exit, so an early exit leaves the correct live
	// instruction count in the pending run.
	CallInstrCount
)

// HelperCall is one scheduled injection point.
type HelperCall struct {
	Kind HelperKind
	// Def is the definition index to begin (CallBlockStart).
	Def uint64
	// Guarded marks a CallAccess whose helper must be predicated on the
	// access's guard.
	Guarded bool
	// Instrs is the live instruction count to stamp (CallInstrCount).
	Instrs uint8
}

// Plan is the lowering result for one chunk of a superblock: the interned
// definition and the helper calls to inject, in statement order.
type Plan struct {
	Def   uint64
	Calls []HelperCall
}

// Instrument lowers a translated superblock into wire definitions and
// helper-call schedules, interning each definition (and emitting BBDEF
// records for new shapes) as it goes. Superblocks longer than 255
// instructions yield one plan per split chunk; the host chains the chunks
// so that entering the next chunk flushes the previous chunk's run.
func (p *Producer) Instrument(stmts []Stmt) ([]Plan, error) {
	var plans []Plan

	b := p.NewDef()
	var calls []HelperCall
	instrsInChunk := 0

	finish := func() error {
		if instrsInChunk == 0 {
			return nil
		}
		defs := b.Build()
		if len(defs) != 1 {
			return fmt.Errorf("producer: chunk built %d definitions", len(defs))
		}
		idx, err := p.DefineBlock(defs[0])
		if err != nil {
			return err
		}
		plans = append(plans, Plan{
			Def:   idx,
			Calls: append([]HelperCall{{Kind: CallBlockStart, Def: idx}}, calls...),
		})
		b = p.NewDef()
		calls = nil
		instrsInChunk = 0
		return nil
	}

	for _, s := range stmts {
		switch st := s.(type) {
		case IMark:
			if instrsInChunk == maxDefInstrs {
				if err := finish(); err != nil {
					return nil, err
				}
			}
			b.AddInstr(st.Addr, st.Size)
			instrsInChunk++
			if p.traceInstrs {
				// The exec access added by AddInstr gets its own
				// unguarded helper call.
				calls = append(calls, HelperCall{Kind: CallAccess})
			}
		case Load:
			if instrsInChunk == 0 {
				return nil, fmt.Errorf("producer: load before first instruction")
			}
			b.AddRead(st.Size)
			calls = append(calls, HelperCall{Kind: CallAccess, Guarded: st.Guarded})
		case Store:
			if instrsInChunk == 0 {
				return nil, fmt.Errorf("producer: store before first instruction")
			}
			b.AddWrite(st.Size)
			calls = append(calls, HelperCall{Kind: CallAccess, Guarded: st.Guarded})
		case SideExit:
			if instrsInChunk == 0 {
				return nil, fmt.Errorf("producer: side exit before first instruction")
			}
			calls = append(calls, HelperCall{Kind: CallInstrCount, Instrs: uint8(instrsInChunk)})
		default:
			return nil, fmt.Errorf("producer: unknown statement %T", s)
		}
	}
	if err := finish(); err != nil {
		return nil, err
	}
	return plans, nil
}
