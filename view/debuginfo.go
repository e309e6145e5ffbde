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
	"fmt"
	"path"
	"sort"
)

// SymbolSource resolves an offset within a named code object to a symbol
// and source position. Implementations typically wrap a DWARF or symtab
// reader; the facade only needs this one call.
type SymbolSource interface {
	FindNearestLine(filename string, off uint64) (symbol, file string, line int, ok bool)
}

type codeObject struct {
	textAVMA uint64
	filename string
}

// Resolver maps code addresses to human-readable locations. Code objects
// are registered from TEXT_AVMA records during loading; resolution picks
// the object whose text interval contains the address and delegates to the
// symbol source.
type Resolver struct {
	objs []codeObject // Sorted by textAVMA.
	src  SymbolSource
}

// NewResolver returns a resolver over src. A nil src formats bare
// addresses.
func NewResolver(src SymbolSource) *Resolver {
	return &Resolver{src: src}
}

// AddObject registers a code object. Re-announcing a filename moves it to
// the new base address.
func (r *Resolver) AddObject(filename string, textAVMA uint64) {
	for i := range r.objs {
		if r.objs[i].filename == filename {
			r.objs = append(r.objs[:i], r.objs[i+1:]...)
			break
		}
	}
	i := sort.Search(len(r.objs), func(i int) bool { return r.objs[i].textAVMA >= textAVMA })
	r.objs = append(r.objs, codeObject{})
	copy(r.objs[i+1:], r.objs[i:])
	r.objs[i] = codeObject{textAVMA: textAVMA, filename: filename}
}

// Resolve formats addr as "0xADDR [in SYMBOL] (basename:line)", where
// basename is that of the source file. When the symbol source reports no
// source file, the parenthesised part is the code object's filename as
// registered, not its basename. Without a containing object or symbol
// information, only the address part appears.
func (r *Resolver) Resolve(addr uint64) string {
	label := fmt.Sprintf("%#x", addr)

	// The containing object is the one with the greatest base <= addr.
	i := sort.Search(len(r.objs), func(i int) bool { return r.objs[i].textAVMA > addr })
	if i == 0 || r.src == nil {
		return label
	}
	obj := r.objs[i-1]

	symbol, file, line, ok := r.src.FindNearestLine(obj.filename, addr-obj.textAVMA)
	if !ok {
		return label
	}
	if symbol != "" {
		label += " in " + symbol
	}
	if file != "" {
		label += fmt.Sprintf(" (%s:%d)", path.Base(file), line)
	} else {
		label += fmt.Sprintf(" (%s)", obj.filename)
	}
	return label
}
