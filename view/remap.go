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

import "sort"

// PageSize is the page granularity of the address remapping.
const PageSize = 0x1000

func pageDown(a uint64) uint64 { return a &^ (PageSize - 1) }

// PageMap is a page-granularity bijection between the sparse VMAs a trace
// touched and a dense compact coordinate: the i-th distinct touched page,
// in ascending VMA order, maps to compact base i*PageSize.
type PageMap struct {
	compact map[uint64]uint64 // page VMA -> compact base
	vmas    []uint64          // compact page number -> page VMA
}

// newPageMap builds the bijection from the set of touched page VMAs.
func newPageMap(pages map[uint64]struct{}) *PageMap {
	vmas := make([]uint64, 0, len(pages))
	for p := range pages {
		vmas = append(vmas, p)
	}
	sort.Slice(vmas, func(i, j int) bool { return vmas[i] < vmas[j] })

	m := &PageMap{
		compact: make(map[uint64]uint64, len(vmas)),
		vmas:    vmas,
	}
	for i, p := range vmas {
		m.compact[p] = uint64(i) * PageSize
	}
	return m
}

// Pages returns the number of distinct touched pages.
func (m *PageMap) Pages() int { return len(m.vmas) }

// Compact maps a touched VMA into the dense coordinate.
func (m *PageMap) Compact(a uint64) (uint64, bool) {
	base, ok := m.compact[pageDown(a)]
	if !ok {
		return 0, false
	}
	return base + (a - pageDown(a)), true
}

// VMA is the inverse of Compact.
func (m *PageMap) VMA(c uint64) (uint64, bool) {
	page := c / PageSize
	if page >= uint64(len(m.vmas)) {
		return 0, false
	}
	return m.vmas[page] + c%PageSize, true
}
