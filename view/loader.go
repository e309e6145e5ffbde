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

// Package view is the trace ingestion and query core. It loads a trace
// file through the record codec into a pool-backed columnar store of
// decoded accesses, remaps the touched pages into a dense coordinate, and
// answers nearest-access queries over the (compact address, instruction
// sequence) plane.
package view

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	mmap "github.com/edsrzf/mmap-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/promslog"

	"github.com/datagrind/datagrind/pool"
	"github.com/datagrind/datagrind/rangemap"
	"github.com/datagrind/datagrind/record"
)

// HeaderError reports a missing or incompatible stream header. It is
// fatal, unlike content errors which skip a record.
type HeaderError struct {
	Err error
}

func (e *HeaderError) Error() string { return "trace header: " + e.Err.Error() }
func (e *HeaderError) Unwrap() error { return e.Err }

// Options configure a load.
type Options struct {
	// Events are the event labels selected on the command line. When
	// non-empty, accesses outside every selected event are dropped.
	Events []string
	// Ranges are the tracked-range labels selected on the command line.
	// When non-empty, accesses overlapping no active selected range are
	// dropped.
	Ranges []string
	// MallocOnly additionally drops accesses outside live heap blocks.
	MallocOnly bool

	// Resolver receives code-object announcements. A fresh resolver
	// without symbol information is used when nil.
	Resolver *Resolver

	Logger     *slog.Logger
	Registerer prometheus.Registerer
}

type rangeKey struct{ base, size uint64 }

// loader is the mutable load-phase state; it is consumed into a read-only
// Index when the stream ends.
type loader struct {
	logger  *slog.Logger
	metrics *loaderMetrics

	wordSize int

	chosenEvents map[string]struct{}
	chosenRanges map[string]struct{}
	mallocOnly   bool

	activeEvents map[string]int
	activeRanges map[rangeKey]int
	nactive      int // Total active event count across labels.

	defs []blockDef
	ctxs []context
	runs []run

	blocks []HeapBlock
	live   rangemap.Map[int32]

	addrPool  pool.Pool[uint64]
	blockPool pool.Pool[int32]

	iseq, dseq uint64
	iaddr      uint64 // Instruction address of the last legacy INSTR.

	pages map[uint64]struct{}

	sawLegacy, sawBatched, warnedMixed bool

	resolver *Resolver
	stats    Stats
}

type loaderMetrics struct {
	records  prometheus.Counter
	skipped  prometheus.Counter
	retained prometheus.Counter
	dropped  prometheus.Counter
}

func newLoaderMetrics(r prometheus.Registerer) *loaderMetrics {
	m := &loaderMetrics{
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrind_view_records_total",
			Help: "Total number of trace records read.",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrind_view_records_skipped_total",
			Help: "Total number of malformed trace records skipped.",
		}),
		retained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrind_view_accesses_retained_total",
			Help: "Total number of decoded accesses kept after filtering.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrind_view_accesses_dropped_total",
			Help: "Total number of decoded accesses dropped by filters.",
		}),
	}
	if r != nil {
		r.MustRegister(m.records, m.skipped, m.retained, m.dropped)
	}
	return m
}

// hostWordSize is the loader's machine word size; traces with a different
// word size are refused.
const hostWordSize = strconv.IntSize / 8

// Load opens and loads the trace file at path. The file is memory-mapped
// when possible and read through the page cache otherwise.
func Load(path string, opts Options) (*Index, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if m, merr := mmap.Map(f, mmap.RDONLY, 0); merr == nil {
		defer m.Unmap()
		return LoadReader(bytes.NewReader(m), opts)
	}
	return LoadReader(bufio.NewReaderSize(f, 1<<20), opts)
}

// LoadReader loads a trace stream.
func LoadReader(rd io.Reader, opts Options) (*Index, error) {
	logger := opts.Logger
	if logger == nil {
		logger = promslog.NewNopLogger()
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = NewResolver(nil)
	}
	l := &loader{
		logger:       logger,
		metrics:      newLoaderMetrics(opts.Registerer),
		wordSize:     hostWordSize,
		chosenEvents: toSet(opts.Events),
		chosenRanges: toSet(opts.Ranges),
		mallocOnly:   opts.MallocOnly,
		activeEvents: map[string]int{},
		activeRanges: map[rangeKey]int{},
		pages:        map[uint64]struct{}{},
		resolver:     resolver,
	}

	r := record.NewReader(rd)
	if err := l.readHeader(r); err != nil {
		return nil, err
	}

	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			l.logger.Warn("trace truncated mid-record, keeping records up to the last valid one")
			break
		}
		if err != nil {
			return nil, err
		}
		l.stats.RecordsRead++
		l.metrics.records.Inc()

		err = l.handle(rec)
		switch {
		case err == nil:
		case record.IsContent(err):
			l.logger.Warn("skipping malformed record", "err", err)
			l.stats.RecordsSkipped++
			l.metrics.skipped.Inc()
			if derr := rec.Discard(); derr != nil {
				if errors.Is(derr, io.ErrUnexpectedEOF) {
					l.logger.Warn("trace truncated mid-record, keeping records up to the last valid one")
					return l.finish(), nil
				}
				return nil, derr
			}
		case errors.Is(err, io.ErrUnexpectedEOF):
			l.logger.Warn("trace truncated mid-record, keeping records up to the last valid one")
			return l.finish(), nil
		default:
			return nil, err
		}
	}
	return l.finish(), nil
}

func toSet(labels []string) map[string]struct{} {
	// Empty substrings from comma splitting are preserved by the CLI but
	// never match anything; dropping them here keeps "no selection"
	// distinct from "selected the empty label".
	s := map[string]struct{}{}
	for _, l := range labels {
		if l != "" {
			s[l] = struct{}{}
		}
	}
	return s
}

func (l *loader) readHeader(r *record.Reader) error {
	rec, err := r.Next()
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &HeaderError{Err: errors.New("empty trace")}
	}
	if err != nil {
		return err
	}
	if rec.Type() != record.Header {
		return &HeaderError{Err: fmt.Errorf("first record is %s, not HEADER", rec.Type())}
	}
	magic := make([]byte, len(record.Magic)+1)
	if err := rec.Bytes(magic); err != nil {
		return &HeaderError{Err: err}
	}
	if string(magic[:len(record.Magic)]) != record.Magic || magic[len(magic)-1] != 0 {
		return &HeaderError{Err: errors.New("magic mismatch")}
	}
	version, err := rec.Byte()
	if err != nil {
		return &HeaderError{Err: err}
	}
	if version != record.Version {
		l.logger.Warn("trace version mismatch, continuing optimistically",
			"got", version, "want", record.Version)
	}
	endian, err := rec.Byte()
	if err != nil {
		return &HeaderError{Err: err}
	}
	// Cross-endian replay is unsupported: all supported hosts are
	// little-endian.
	if endian != record.LittleEndian {
		return &HeaderError{Err: fmt.Errorf("unsupported endianness %d", endian)}
	}
	wordSize, err := rec.Byte()
	if err != nil {
		return &HeaderError{Err: err}
	}
	if int(wordSize) != l.wordSize {
		return &HeaderError{Err: fmt.Errorf("word size mismatch: trace %d, host %d", wordSize, l.wordSize)}
	}
	r.SetWordSize(l.wordSize)
	// Later versions may extend the header; trailing bytes are ignored.
	return rec.Discard()
}

func (l *loader) handle(rec *record.Record) error {
	switch rec.Type() {
	case record.Header:
		return l.contentErr(rec, errors.New("header after first record"))
	case record.BBDef:
		return l.handleBBDef(rec)
	case record.Context:
		return l.handleContext(rec)
	case record.BBRun:
		return l.handleBBRun(rec)
	case record.Read:
		return l.handleLegacy(rec, record.DirRead)
	case record.Write:
		return l.handleLegacy(rec, record.DirWrite)
	case record.Instr:
		return l.handleLegacy(rec, record.DirExec)
	case record.MallocBlock:
		return l.handleMalloc(rec)
	case record.FreeBlock:
		return l.handleFree(rec)
	case record.TrackRange:
		return l.handleTrack(rec)
	case record.UntrackRange:
		return l.handleUntrack(rec)
	case record.StartEvent, record.EndEvent:
		return l.handleEvent(rec)
	case record.TextAVMA:
		return l.handleTextAVMA(rec)
	default:
		return l.contentErr(rec, fmt.Errorf("unknown record type %#x", uint8(rec.Type())))
	}
}

// contentErr wraps an error so the main loop treats it as recoverable.
func (l *loader) contentErr(rec *record.Record, err error) error {
	if record.IsContent(err) {
		return err
	}
	return &record.ContentError{Type: rec.Type(), Err: err}
}

func (l *loader) handleBBDef(rec *record.Record) error {
	nInstrs, err := rec.Byte()
	if err != nil {
		return err
	}
	if nInstrs == 0 {
		return l.contentErr(rec, errors.New("block definition with zero instructions"))
	}
	nAccs, err := rec.Word()
	if err != nil {
		return err
	}
	def := blockDef{instrs: make([]instr, nInstrs)}
	for i := range def.instrs {
		if def.instrs[i].addr, err = rec.Word(); err != nil {
			return err
		}
		if def.instrs[i].size, err = rec.Byte(); err != nil {
			return err
		}
	}
	def.accs = make([]defAccess, 0, nAccs)
	for i := uint64(0); i < nAccs; i++ {
		dir, err := rec.Byte()
		if err != nil {
			return err
		}
		size, err := rec.Byte()
		if err != nil {
			return err
		}
		idx, err := rec.Byte()
		if err != nil {
			return err
		}
		if record.Dir(dir) > record.DirExec {
			return l.contentErr(rec, fmt.Errorf("invalid access direction %d", dir))
		}
		if idx >= nInstrs {
			return l.contentErr(rec, fmt.Errorf("access instruction index %d out of range (%d instructions)", idx, nInstrs))
		}
		def.accs = append(def.accs, defAccess{dir: record.Dir(dir), size: size, instrIndex: idx})
	}
	if err := rec.Finish(); err != nil {
		return err
	}
	l.defs = append(l.defs, def)
	return nil
}

func (l *loader) handleContext(rec *record.Record) error {
	def, err := rec.Word()
	if err != nil {
		return err
	}
	if def >= uint64(len(l.defs)) {
		return l.contentErr(rec, fmt.Errorf("context references unknown definition %d", def))
	}
	n, err := rec.Byte()
	if err != nil {
		return err
	}
	if n == 0 {
		return l.contentErr(rec, errors.New("context with empty call stack"))
	}
	stack := make([]uint64, n)
	for i := range stack {
		if stack[i], err = rec.Word(); err != nil {
			return err
		}
	}
	if err := rec.Finish(); err != nil {
		return err
	}
	l.ctxs = append(l.ctxs, context{def: def, stack: stack})
	return nil
}

func (l *loader) handleBBRun(rec *record.Record) error {
	l.sawBatched = true
	l.warnMixed()

	ctx, err := rec.Word()
	if err != nil {
		return err
	}
	if ctx >= uint64(len(l.ctxs)) {
		return l.contentErr(rec, fmt.Errorf("run references unknown context %d", ctx))
	}
	nInstr, err := rec.Byte()
	if err != nil {
		return err
	}
	def := &l.defs[l.ctxs[ctx].def]

	if rec.Remaining()%uint64(l.wordSize) != 0 {
		return l.contentErr(rec, fmt.Errorf("run payload tail of %d bytes is not word-aligned", rec.Remaining()))
	}
	nAddrs := int(rec.Remaining() / uint64(l.wordSize))
	if nAddrs > len(def.accs) {
		return l.contentErr(rec, fmt.Errorf("run carries %d addresses but the definition has %d accesses", nAddrs, len(def.accs)))
	}

	// Decode and filter in place: filtered slots stay zero so positions
	// keep matching the definition's access order.
	addrs := make([]uint64, nAddrs)
	blocks := make([]int32, nAddrs)
	kept := 0
	for i := 0; i < nAddrs; i++ {
		addr, err := rec.Word()
		if err != nil {
			return err
		}
		blocks[i] = noBlock
		if !l.matched(addr, def.accs[i].size) {
			l.drop(1)
			continue
		}
		addrs[i] = addr
		if e, ok := l.live.Find(addr); ok {
			blocks[i] = e.Value
		}
		kept++
	}
	l.stats.AccessesDecoded += uint64(nAddrs)

	if kept > 0 {
		r := run{
			ctx:       int64(ctx),
			iseqStart: l.iseq,
			dseqStart: l.dseq,
			ninstr:    nInstr,
			addrs:     l.addrPool.Alloc(nAddrs),
			blocks:    l.blockPool.Alloc(nAddrs),
		}
		copy(r.addrs, addrs)
		copy(r.blocks, blocks)
		l.runs = append(l.runs, r)
		for _, a := range addrs {
			if a != 0 {
				l.pages[pageDown(a)] = struct{}{}
			}
		}
		l.stats.AccessesRetained += uint64(kept)
		l.metrics.retained.Add(float64(kept))
	}

	l.iseq += uint64(nInstr)
	l.dseq += uint64(nAddrs)
	return nil
}

func (l *loader) handleLegacy(rec *record.Record, dir record.Dir) error {
	l.sawLegacy = true
	l.warnMixed()

	if rec.Len() != uint64(1+l.wordSize) {
		return l.contentErr(rec, fmt.Errorf("legacy access record has length %d, want %d", rec.Len(), 1+l.wordSize))
	}
	size, err := rec.Byte()
	if err != nil {
		return err
	}
	addr, err := rec.Word()
	if err != nil {
		return err
	}
	if dir == record.DirExec {
		l.iaddr = addr
	}

	l.stats.AccessesDecoded++
	if l.matched(addr, size) {
		iaddr := l.iaddr
		if dir == record.DirExec {
			iaddr = addr
		}
		r := run{
			ctx:       legacyCtx,
			iseqStart: l.iseq,
			dseqStart: l.dseq,
			dir:       dir,
			size:      size,
			iaddr:     iaddr,
			addrs:     l.addrPool.Alloc(1),
			blocks:    l.blockPool.Alloc(1),
		}
		r.addrs[0] = addr
		r.blocks[0] = noBlock
		if e, ok := l.live.Find(addr); ok {
			r.blocks[0] = e.Value
		}
		l.runs = append(l.runs, r)
		l.pages[pageDown(addr)] = struct{}{}
		l.stats.AccessesRetained++
		l.metrics.retained.Inc()
	} else {
		l.drop(1)
	}

	// Legacy counters: INSTR advances the instruction sequence, data
	// records the access sequence.
	if dir == record.DirExec {
		l.iseq++
	} else {
		l.dseq++
	}
	return nil
}

func (l *loader) warnMixed() {
	if l.sawLegacy && l.sawBatched && !l.warnedMixed {
		l.warnedMixed = true
		l.logger.Warn("trace mixes legacy single-access records with batched runs; ordering between the two streams is unspecified")
	}
}

func (l *loader) matched(addr uint64, size uint8) bool {
	if len(l.chosenEvents) > 0 && l.nactive == 0 {
		return false
	}
	if len(l.chosenRanges) > 0 {
		overlaps := false
		for k := range l.activeRanges {
			if addr+uint64(size) > k.base && addr < k.base+k.size {
				overlaps = true
				break
			}
		}
		if !overlaps {
			return false
		}
	}
	if l.mallocOnly {
		if _, ok := l.live.Find(addr); !ok {
			return false
		}
	}
	return true
}

func (l *loader) drop(n int) {
	l.metrics.dropped.Add(float64(n))
}

func (l *loader) handleMalloc(rec *record.Record) error {
	addr, err := rec.Word()
	if err != nil {
		return err
	}
	size, err := rec.Word()
	if err != nil {
		return err
	}
	nIPs, err := rec.Word()
	if err != nil {
		return err
	}
	if rec.Remaining() != nIPs*uint64(l.wordSize) {
		return l.contentErr(rec, fmt.Errorf("allocation record declares %d stack frames but carries %d bytes", nIPs, rec.Remaining()))
	}
	stack := make([]uint64, nIPs)
	for i := range stack {
		if stack[i], err = rec.Word(); err != nil {
			return err
		}
	}

	idx := int32(len(l.blocks))
	l.blocks = append(l.blocks, HeapBlock{Addr: addr, Size: size, Stack: stack, Live: true})

	if size == 0 {
		return nil
	}
	// Live blocks must not overlap; an allocation landing on a live block
	// means the free record went missing upstream. Last writer wins.
	for {
		err := l.live.Insert(addr, addr+size, idx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, rangemap.ErrOverlap) {
			return l.contentErr(rec, err)
		}
		e, _ := l.live.Overlap(addr, addr+size)
		l.logger.Warn("new heap block overlaps a live one, evicting the old block",
			"new", fmt.Sprintf("%#x+%#x", addr, size),
			"old", fmt.Sprintf("%#x+%#x", e.Lo, e.Hi-e.Lo))
		l.blocks[e.Value].Live = false
		l.live.EraseByStart(e.Lo)
	}
}

func (l *loader) handleFree(rec *record.Record) error {
	addr, err := rec.Word()
	if err != nil {
		return err
	}
	if err := rec.Finish(); err != nil {
		return err
	}
	if e, ok := l.live.Find(addr); ok && e.Lo == addr {
		l.blocks[e.Value].Live = false
		l.live.EraseByStart(addr)
	} else {
		l.logger.Warn("free record for unknown heap block", "addr", fmt.Sprintf("%#x", addr))
	}
	return nil
}

func (l *loader) handleTrack(rec *record.Record) error {
	addr, err := rec.Word()
	if err != nil {
		return err
	}
	size, err := rec.Word()
	if err != nil {
		return err
	}
	if _, err := rec.String(); err != nil { // type name, unused here
		return err
	}
	label, err := rec.String()
	if err != nil {
		return err
	}
	if err := rec.Finish(); err != nil {
		return err
	}
	if _, chosen := l.chosenRanges[label]; chosen {
		l.activeRanges[rangeKey{base: addr, size: size}]++
	}
	// A tracked range exactly covering a live block labels it.
	if e, ok := l.live.Find(addr); ok && e.Lo == addr && e.Hi == addr+size {
		l.blocks[e.Value].Label = label
	}
	return nil
}

func (l *loader) handleUntrack(rec *record.Record) error {
	addr, err := rec.Word()
	if err != nil {
		return err
	}
	size, err := rec.Word()
	if err != nil {
		return err
	}
	if err := rec.Finish(); err != nil {
		return err
	}
	k := rangeKey{base: addr, size: size}
	if l.activeRanges[k] > 0 {
		l.activeRanges[k]--
		if l.activeRanges[k] == 0 {
			delete(l.activeRanges, k)
		}
	}
	return nil
}

func (l *loader) handleEvent(rec *record.Record) error {
	label, err := rec.String()
	if err != nil {
		return err
	}
	if err := rec.Finish(); err != nil {
		return err
	}
	if _, chosen := l.chosenEvents[label]; !chosen {
		return nil
	}
	if rec.Type() == record.StartEvent {
		l.activeEvents[label]++
		l.nactive++
	} else if l.activeEvents[label] > 0 {
		l.activeEvents[label]--
		l.nactive--
		if l.activeEvents[label] == 0 {
			delete(l.activeEvents, label)
		}
	}
	return nil
}

func (l *loader) handleTextAVMA(rec *record.Record) error {
	avma, err := rec.Word()
	if err != nil {
		return err
	}
	filename, err := rec.String()
	if err != nil {
		return err
	}
	if err := rec.Finish(); err != nil {
		return err
	}
	l.resolver.AddObject(filename, avma)
	return nil
}

// finish consumes the loader into the read-only Index.
func (l *loader) finish() *Index {
	l.stats.RunsRetained = len(l.runs)
	l.stats.Instructions = l.iseq

	// Shrink the run array to fit; the pools are already flat.
	runs := make([]run, len(l.runs))
	copy(runs, l.runs)

	return &Index{
		defs:     l.defs,
		ctxs:     l.ctxs,
		runs:     runs,
		blocks:   l.blocks,
		pages:    newPageMap(l.pages),
		resolver: l.resolver,
		stats:    l.stats,
	}
}

// Index is the loaded, read-only view of one trace.
type Index struct {
	defs     []blockDef
	ctxs     []context
	runs     []run
	blocks   []HeapBlock
	pages    *PageMap
	resolver *Resolver
	stats    Stats
}

// Stats returns load statistics.
func (ix *Index) Stats() Stats { return ix.stats }

// PageMap returns the address remapping built from the retained accesses.
func (ix *Index) PageMap() *PageMap { return ix.pages }

// Resolver returns the debug-info facade fed by the trace's code-object
// announcements.
func (ix *Index) Resolver() *Resolver { return ix.resolver }

// Blocks returns every heap block the trace allocated, in allocation
// order.
func (ix *Index) Blocks() []HeapBlock { return ix.blocks }
