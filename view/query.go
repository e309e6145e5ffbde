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
	"math"
	"sort"
)

// maxRunInstrs bounds how far an access's iseq can sit above its run's
// iseq_start, used by the backward pruning cut.
const maxRunInstrs = 255

// Nearest returns the retained access minimising
//
//	sqrt((Δcaddr·ratio)² + Δiseq²)
//
// over the (compact address, instruction sequence) plane. ratio is the
// anisotropy of the viewport: pixels per byte divided by pixels per
// instruction. It reports false when no accesses were retained.
//
// The run array is binary-searched for the query's iseq, then walked
// outward in both directions at once. A direction stops as soon as its
// runs' iseq distance alone exceeds the best score seen, which is sound
// because the iseq axis is unscaled in the metric.
func (ix *Index) Nearest(caddr, iseq uint64, ratio float64) (Access, bool) {
	if len(ix.runs) == 0 {
		return Access{}, false
	}

	best := math.Inf(1)
	bestRun, bestSlot := -1, -1

	score := func(r *run, i int) float64 {
		addr := r.addrs[i]
		c, ok := ix.pages.Compact(addr)
		if !ok {
			return math.Inf(1)
		}
		var accIseq uint64
		if r.ctx == legacyCtx {
			accIseq = r.iseqStart
		} else {
			def := &ix.defs[ix.ctxs[r.ctx].def]
			accIseq = r.iseqStart + uint64(def.accs[i].instrIndex)
		}
		da := absDelta(c, caddr) * ratio
		di := absDelta(accIseq, iseq)
		return math.Hypot(da, di)
	}

	scan := func(ri int) {
		r := &ix.runs[ri]
		for i := 0; i < r.naccs(); i++ {
			// Zeroed slots are filtered-away accesses kept only for
			// index alignment.
			if r.addrs[i] == 0 {
				continue
			}
			if s := score(r, i); s < best {
				best = s
				bestRun, bestSlot = ri, i
			}
		}
	}

	start := sort.Search(len(ix.runs), func(i int) bool {
		return ix.runs[i].iseqStart >= iseq
	})

	fwd, back := start, start-1
	for fwd < len(ix.runs) || back >= 0 {
		if fwd < len(ix.runs) {
			if float64(ix.runs[fwd].iseqStart-iseq) > best {
				fwd = len(ix.runs)
			} else {
				scan(fwd)
				fwd++
			}
		}
		if back >= 0 {
			// Accesses of an earlier run may still sit up to the
			// run's instruction count above its iseq_start.
			lower := float64(iseq) - float64(ix.runs[back].iseqStart) - maxRunInstrs
			if lower > best {
				back = -1
			} else {
				scan(back)
				back--
			}
		}
	}

	if bestRun < 0 {
		return Access{}, false
	}
	return ix.access(&ix.runs[bestRun], bestSlot), true
}

func absDelta(a, b uint64) float64 {
	if a >= b {
		return float64(a - b)
	}
	return float64(b - a)
}
