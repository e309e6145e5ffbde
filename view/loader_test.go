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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datagrind/datagrind/record"
)

// traceBuilder assembles test traces record by record.
type traceBuilder struct {
	t   *testing.T
	buf bytes.Buffer
	w   *record.Writer
	b   *record.Buffer
}

func newTrace(t *testing.T) *traceBuilder {
	t.Helper()
	tb := &traceBuilder{t: t, b: record.NewBuffer(8)}
	w, err := record.NewWriter(&tb.buf, 8, nil)
	require.NoError(t, err)
	tb.w = w
	return tb
}

func (tb *traceBuilder) emit(typ record.Type) {
	tb.t.Helper()
	require.NoError(tb.t, tb.w.Emit(typ, tb.b.Get()))
	tb.b.Reset()
}

type acc struct {
	dir  record.Dir
	size uint8
	idx  uint8
}

func (tb *traceBuilder) def(instrAddrs []uint64, accs []acc) {
	tb.b.PutByte(uint8(len(instrAddrs)))
	tb.b.PutWord(uint64(len(accs)))
	for _, a := range instrAddrs {
		tb.b.PutWord(a)
		tb.b.PutByte(4)
	}
	for _, a := range accs {
		tb.b.PutByte(byte(a.dir))
		tb.b.PutByte(a.size)
		tb.b.PutByte(a.idx)
	}
	tb.emit(record.BBDef)
}

func (tb *traceBuilder) ctx(def uint64, stack ...uint64) {
	tb.b.PutWord(def)
	tb.b.PutByte(uint8(len(stack)))
	for _, f := range stack {
		tb.b.PutWord(f)
	}
	tb.emit(record.Context)
}

func (tb *traceBuilder) bbrun(ctx uint64, ninstr uint8, addrs ...uint64) {
	tb.b.PutWord(ctx)
	tb.b.PutByte(ninstr)
	for _, a := range addrs {
		tb.b.PutWord(a)
	}
	tb.emit(record.BBRun)
}

func (tb *traceBuilder) malloc(addr, size uint64, stack ...uint64) {
	tb.b.PutWord(addr)
	tb.b.PutWord(size)
	tb.b.PutWord(uint64(len(stack)))
	for _, ip := range stack {
		tb.b.PutWord(ip)
	}
	tb.emit(record.MallocBlock)
}

func (tb *traceBuilder) free(addr uint64) {
	tb.b.PutWord(addr)
	tb.emit(record.FreeBlock)
}

func (tb *traceBuilder) track(addr, size uint64, typeName, label string) {
	tb.b.PutWord(addr)
	tb.b.PutWord(size)
	tb.b.PutString(typeName)
	tb.b.PutString(label)
	tb.emit(record.TrackRange)
}

func (tb *traceBuilder) untrack(addr, size uint64) {
	tb.b.PutWord(addr)
	tb.b.PutWord(size)
	tb.emit(record.UntrackRange)
}

func (tb *traceBuilder) event(typ record.Type, label string) {
	tb.b.PutString(label)
	tb.emit(typ)
}

func (tb *traceBuilder) legacy(typ record.Type, size uint8, addr uint64) {
	tb.b.PutByte(size)
	tb.b.PutWord(addr)
	tb.emit(typ)
}

func (tb *traceBuilder) textAVMA(avma uint64, filename string) {
	tb.b.PutWord(avma)
	tb.b.PutString(filename)
	tb.emit(record.TextAVMA)
}

func (tb *traceBuilder) raw(typ record.Type, payload []byte) {
	tb.t.Helper()
	require.NoError(tb.t, tb.w.Emit(typ, payload))
}

func (tb *traceBuilder) load(opts Options) *Index {
	tb.t.Helper()
	require.NoError(tb.t, tb.w.Flush())
	ix, err := LoadReader(bytes.NewReader(tb.buf.Bytes()), opts)
	require.NoError(tb.t, err)
	return ix
}

func collect(ix *Index) []Access {
	var out []Access
	ix.Accesses(func(a Access) bool {
		out = append(out, a)
		return true
	})
	return out
}

// S1: a single defined block executed once yields one decoded access.
func TestLoadSingleRun(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
	tb.ctx(0, 0x400100)
	tb.bbrun(0, 1, 0xdead00)

	ix := tb.load(Options{})
	accs := collect(ix)
	require.Len(t, accs, 1)
	require.Equal(t, uint64(0xdead00), accs[0].Addr)
	require.Equal(t, record.DirRead, accs[0].Dir)
	require.Equal(t, uint8(4), accs[0].Size)
	require.Equal(t, uint64(0), accs[0].Iseq)
	require.Equal(t, uint64(0x400100), accs[0].InstrAddr)
	require.Nil(t, accs[0].Block)

	stats := ix.Stats()
	require.Equal(t, uint64(1), stats.AccessesRetained)
	require.Equal(t, uint64(1), stats.Instructions)
}

// S2: an access inside a live heap block carries the block reference.
func TestLoadAccessInHeapBlock(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
	tb.ctx(0, 0x400100)
	tb.malloc(0xbeef00, 64, 0x400100)
	tb.bbrun(0, 1, 0xbeef10)

	ix := tb.load(Options{})
	accs := collect(ix)
	require.Len(t, accs, 1)
	require.NotNil(t, accs[0].Block)
	require.Equal(t, uint64(0xbeef00), accs[0].Block.Addr)
	require.Equal(t, uint64(16), accs[0].Addr-accs[0].Block.Addr)
	require.Equal(t, []uint64{0x400100}, accs[0].Block.Stack)
}

// S3: a run with fewer addresses than the definition's accesses (early
// side exit) decodes only the leading slots.
func TestLoadEarlyExitRun(t *testing.T) {
	tb := newTrace(t)
	accs := []acc{
		{record.DirRead, 4, 0},
		{record.DirRead, 4, 1},
		{record.DirWrite, 4, 2},
		{record.DirRead, 4, 3},
		{record.DirWrite, 4, 4},
	}
	tb.def([]uint64{0x100, 0x104, 0x108, 0x10c, 0x110}, accs)
	tb.ctx(0, 0x100)
	tb.bbrun(0, 3, 0x2000, 0x2008, 0x2010)

	ix := tb.load(Options{})
	got := collect(ix)
	require.Len(t, got, 3)
	for i, a := range got {
		require.Equal(t, uint64(i), a.Iseq)
		require.Equal(t, uint64(0x2000+8*i), a.Addr)
	}
}

// S4: range filtering keeps only accesses overlapping active tracked
// ranges.
func TestLoadRangeFilter(t *testing.T) {
	build := func() *traceBuilder {
		tb := newTrace(t)
		tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
		tb.ctx(0, 0x400100)
		tb.track(0x1000, 0x100, "int", "scratch")
		tb.bbrun(0, 1, 0x1050)
		tb.bbrun(0, 1, 0x2000)
		return tb
	}

	ix := build().load(Options{Ranges: []string{"scratch"}})
	got := collect(ix)
	require.Len(t, got, 1)
	require.Equal(t, uint64(0x1050), got[0].Addr)
	// Property 8: with no selection, retained equals decoded.
	ix = build().load(Options{})
	require.Len(t, collect(ix), 2)
	require.Equal(t, ix.Stats().AccessesDecoded, ix.Stats().AccessesRetained)
}

// S5: event filtering keeps only accesses inside the selected events.
func TestLoadEventFilter(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
	tb.ctx(0, 0x400100)
	tb.event(record.StartEvent, "sort")
	tb.bbrun(0, 1, 0x1000) // A: inside the event.
	tb.event(record.EndEvent, "sort")
	tb.bbrun(0, 1, 0x2000) // B: outside.

	ix := tb.load(Options{Events: []string{"sort"}})
	got := collect(ix)
	require.Len(t, got, 1)
	require.Equal(t, uint64(0x1000), got[0].Addr)
}

// S6 lives in remap_test.go.

func TestLoadUntrackStopsMatching(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
	tb.ctx(0, 0x400100)
	tb.track(0x1000, 0x100, "int", "scratch")
	tb.bbrun(0, 1, 0x1050)
	tb.untrack(0x1000, 0x100)
	tb.bbrun(0, 1, 0x1060)

	ix := tb.load(Options{Ranges: []string{"scratch"}})
	got := collect(ix)
	require.Len(t, got, 1)
	require.Equal(t, uint64(0x1050), got[0].Addr)
}

func TestLoadMallocOnly(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
	tb.ctx(0, 0x400100)
	tb.malloc(0xbeef00, 64, 0x400100)
	tb.bbrun(0, 1, 0xbeef10)
	tb.bbrun(0, 1, 0x1234)
	tb.free(0xbeef00)
	tb.bbrun(0, 1, 0xbeef10) // Block is dead now.

	ix := tb.load(Options{MallocOnly: true})
	got := collect(ix)
	require.Len(t, got, 1)
	require.Equal(t, uint64(0xbeef10), got[0].Addr)
}

// A run where only some accesses survive keeps zeroed slots so later slots
// stay aligned with the definition's access order.
func TestLoadPartialRunKeepsSlotAlignment(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x100, 0x104}, []acc{
		{record.DirRead, 4, 0},
		{record.DirWrite, 8, 1},
	})
	tb.ctx(0, 0x100)
	tb.track(0x1000, 0x100, "int", "scratch")
	tb.bbrun(0, 2, 0x9000, 0x1010) // First slot filtered, second kept.

	ix := tb.load(Options{Ranges: []string{"scratch"}})
	got := collect(ix)
	require.Len(t, got, 1)
	require.Equal(t, uint64(0x1010), got[0].Addr)
	require.Equal(t, record.DirWrite, got[0].Dir)
	require.Equal(t, uint8(8), got[0].Size)
	require.Equal(t, uint64(1), got[0].Iseq)
}

// Runs with no surviving addresses are not retained at all.
func TestLoadFullyFilteredRunDropped(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
	tb.ctx(0, 0x400100)
	tb.bbrun(0, 1, 0x9000)

	ix := tb.load(Options{Ranges: []string{"nothing-matches"}})
	require.Empty(t, collect(ix))
	require.Equal(t, 0, ix.Stats().RunsRetained)
}

func TestLoadSequenceCounters(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x100, 0x104, 0x108}, []acc{
		{record.DirRead, 4, 1},
		{record.DirWrite, 4, 2},
	})
	tb.ctx(0, 0x100)
	tb.bbrun(0, 3, 0x1000, 0x2000)
	tb.bbrun(0, 3, 0x3000, 0x4000)

	ix := tb.load(Options{})
	got := collect(ix)
	require.Len(t, got, 4)
	// Second run starts at iseq 3; its accesses inherit the in-block
	// instruction offsets 1 and 2.
	require.Equal(t, uint64(1), got[0].Iseq)
	require.Equal(t, uint64(2), got[1].Iseq)
	require.Equal(t, uint64(4), got[2].Iseq)
	require.Equal(t, uint64(5), got[3].Iseq)

	// Property 3: iseq is non-decreasing across the store.
	var prev uint64
	ix.Accesses(func(a Access) bool {
		require.GreaterOrEqual(t, a.Iseq, prev)
		prev = a.Iseq
		return true
	})
}

func TestLoadLegacyRecords(t *testing.T) {
	tb := newTrace(t)
	tb.legacy(record.Instr, 4, 0x400100)
	tb.legacy(record.Read, 8, 0x1000)
	tb.legacy(record.Write, 4, 0x2000)
	tb.legacy(record.Instr, 4, 0x400104)

	ix := tb.load(Options{})
	got := collect(ix)
	require.Len(t, got, 4)

	require.Equal(t, record.DirExec, got[0].Dir)
	require.Equal(t, uint64(0x400100), got[0].Addr)
	require.Equal(t, uint64(0), got[0].Iseq)

	// Data accesses inherit the last INSTR's address; iseq advances only
	// on INSTR, dseq on data records.
	require.Equal(t, record.DirRead, got[1].Dir)
	require.Equal(t, uint64(0x400100), got[1].InstrAddr)
	require.Equal(t, uint64(1), got[1].Iseq)
	require.Equal(t, uint64(1), got[2].Iseq)
	require.Equal(t, uint64(1), got[3].Iseq)
	require.Equal(t, uint64(2), ix.Stats().Instructions)
}

func TestLoadSkipsMalformedRecords(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
	tb.ctx(0, 0x400100)
	tb.raw(record.BBRun, []byte{1, 2, 3})             // Not even a context index.
	tb.bbrun(7, 1, 0x1000)                            // Unknown context.
	tb.raw(record.Context, []byte{0, 0, 0, 0, 0, 0, 0, 0, 0}) // Empty stack.
	tb.raw(record.Type(0x7f), []byte{1, 2, 3})        // Unknown type.
	tb.raw(record.BBDef, []byte{0})                   // Short BBDEF.
	tb.bbrun(0, 1, 0xdead00)                          // Still decodes.

	ix := tb.load(Options{})
	got := collect(ix)
	require.Len(t, got, 1)
	require.Equal(t, uint64(0xdead00), got[0].Addr)
	require.Equal(t, uint64(5), ix.Stats().RecordsSkipped)
}

func TestLoadRunWithTooManyAddresses(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
	tb.ctx(0, 0x400100)
	tb.bbrun(0, 1, 0x1000, 0x2000) // Definition has one access slot.

	ix := tb.load(Options{})
	require.Empty(t, collect(ix))
	require.Equal(t, uint64(1), ix.Stats().RecordsSkipped)
}

func TestLoadOverlappingBlockEvicted(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
	tb.ctx(0, 0x400100)
	tb.malloc(0xbeef00, 64, 0x400100)
	// Missing FREE upstream: the overlapping allocation wins the range.
	tb.malloc(0xbeef20, 64, 0x400200)
	tb.bbrun(0, 1, 0xbeef30)

	ix := tb.load(Options{})
	got := collect(ix)
	require.Len(t, got, 1)
	require.NotNil(t, got[0].Block)
	require.Equal(t, uint64(0xbeef20), got[0].Block.Addr)

	blocks := ix.Blocks()
	require.Len(t, blocks, 2)
	require.False(t, blocks[0].Live)
	require.True(t, blocks[1].Live)
}

func TestLoadBlockLabelledByExactTrackRange(t *testing.T) {
	tb := newTrace(t)
	tb.malloc(0xbeef00, 64, 0x400100)
	tb.track(0xbeef00, 64, "float[]", "samples")
	tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
	tb.ctx(0, 0x400100)
	tb.bbrun(0, 1, 0xbeef04)

	ix := tb.load(Options{})
	blocks := ix.Blocks()
	require.Len(t, blocks, 1)
	require.Equal(t, "samples", blocks[0].Label)
}

func TestLoadTextAVMAFeedsResolver(t *testing.T) {
	tb := newTrace(t)
	tb.textAVMA(0x400000, "/bin/prog")
	tb.legacy(record.Instr, 4, 0x400123)

	src := fakeSymbols{"/bin/prog": {sym: "main", file: "/src/prog.c", line: 42}}
	r := NewResolver(src)
	ix := tb.load(Options{Resolver: r})
	got := collect(ix)
	require.Len(t, got, 1)
	require.Equal(t, "0x400123 in main (prog.c:42)", ix.Resolver().Resolve(got[0].InstrAddr))
}

func TestLoadHeaderErrors(t *testing.T) {
	// Missing header record: the stream starts with a START_EVENT.
	b := record.NewBuffer(8)
	b.PutString("x")
	var buf2 bytes.Buffer
	w2, err := record.NewWriter(&buf2, 8, nil)
	require.NoError(t, err)
	require.NoError(t, w2.Emit(record.StartEvent, b.Get()))
	require.NoError(t, w2.Flush())
	stream := buf2.Bytes()[16:] // Strip the header record.

	_, err = LoadReader(bytes.NewReader(stream), Options{})
	var herr *HeaderError
	require.ErrorAs(t, err, &herr)

	// Word size mismatch.
	var buf3 bytes.Buffer
	w3, err := record.NewWriter(&buf3, 4, nil)
	require.NoError(t, err)
	require.NoError(t, w3.Flush())
	_, err = LoadReader(bytes.NewReader(buf3.Bytes()), Options{})
	require.ErrorAs(t, err, &herr)

	// Bad magic.
	var buf4 bytes.Buffer
	w4, err := record.NewWriter(&buf4, 8, nil)
	require.NoError(t, err)
	require.NoError(t, w4.Flush())
	raw := buf4.Bytes()
	raw[2] = 'X'
	_, err = LoadReader(bytes.NewReader(raw), Options{})
	require.ErrorAs(t, err, &herr)

	// Empty input.
	_, err = LoadReader(bytes.NewReader(nil), Options{})
	require.ErrorAs(t, err, &herr)
}

func TestLoadTruncatedTraceKeepsValidPrefix(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
	tb.ctx(0, 0x400100)
	tb.bbrun(0, 1, 0xdead00)
	tb.bbrun(0, 1, 0xdead08)
	require.NoError(t, tb.w.Flush())

	raw := tb.buf.Bytes()
	ix, err := LoadReader(bytes.NewReader(raw[:len(raw)-5]), Options{})
	require.NoError(t, err)
	got := collect(ix)
	require.Len(t, got, 1)
	require.Equal(t, uint64(0xdead00), got[0].Addr)
}

func TestLoadFromFile(t *testing.T) {
	tb := newTrace(t)
	tb.def([]uint64{0x400100}, []acc{{record.DirRead, 4, 0}})
	tb.ctx(0, 0x400100)
	tb.bbrun(0, 1, 0xdead00)
	require.NoError(t, tb.w.Flush())

	path := filepath.Join(t.TempDir(), "datagrind.out.1")
	require.NoError(t, os.WriteFile(path, tb.buf.Bytes(), 0o600))

	ix, err := Load(path, Options{})
	require.NoError(t, err)
	require.Len(t, collect(ix), 1)
}
