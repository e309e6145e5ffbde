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

// Package producer is the trace instrumentation core. It runs inside a
// single-threaded dynamic-translation host, interning block shapes and call
// contexts, streaming run records for every dynamic block execution, and
// tracking the lifecycle of guest heap blocks.
package producer

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/promslog"

	"github.com/datagrind/datagrind/record"
)

const (
	// DefaultStackDepth bounds the call stack captured for contexts.
	DefaultStackDepth = 8
	// DefaultAllocStackDepth bounds the stack captured for heap blocks.
	DefaultAllocStackDepth = 4

	// maxLabelLen truncates client-request strings on the wire.
	maxLabelLen = 64
	// maxFilenameLen truncates code object filenames on the wire.
	maxFilenameLen = 128
)

var errEmptyStack = errors.New("producer: empty call stack at block entry")

// Options configure a Producer. The zero value selects the defaults.
type Options struct {
	// StackDepth bounds context call stacks; capped at 255 by the wire
	// format.
	StackDepth int
	// AllocStackDepth bounds heap-block allocation stacks.
	AllocStackDepth int
	// TraceInstrs controls whether instruction fetches are traced as
	// execute accesses.
	TraceInstrs *bool
	Logger      *slog.Logger
	Registerer  prometheus.Registerer
}

type contextKey struct {
	def     uint64
	stackID uint64
}

type pendingRun struct {
	active bool
	ctx    uint64
	def    uint64
	ninstr uint8
	addrs  []uint64
}

// Producer owns all instrumentation state for one traced guest. It is not
// safe for concurrent use; the host serialises all helper calls.
type Producer struct {
	w      *record.Writer
	host   Host
	logger *slog.Logger

	stackDepth      int
	allocStackDepth int
	traceInstrs     bool

	defs *defCache
	ctxs map[contextKey]uint64
	nctx uint64

	pending pendingRun
	buf     *record.Buffer

	blocks map[uint64]*heapBlock

	codeDirty bool
	seenObjs  map[CodeObject]struct{}

	metrics *producerMetrics
}

type producerMetrics struct {
	defsInterned prometheus.Counter
	ctxsInterned prometheus.Counter
	runsEmitted  prometheus.Counter
	accesses     prometheus.Counter
	liveBlocks   prometheus.Gauge
}

func newProducerMetrics(r prometheus.Registerer) *producerMetrics {
	m := &producerMetrics{
		defsInterned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrind_block_definitions_total",
			Help: "Total number of block definitions interned.",
		}),
		ctxsInterned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrind_contexts_total",
			Help: "Total number of contexts interned.",
		}),
		runsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrind_block_runs_total",
			Help: "Total number of block run records emitted.",
		}),
		accesses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrind_accesses_total",
			Help: "Total number of access addresses recorded.",
		}),
		liveBlocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "datagrind_live_heap_blocks",
			Help: "Number of currently live tracked heap blocks.",
		}),
	}
	if r != nil {
		r.MustRegister(m.defsInterned, m.ctxsInterned, m.runsEmitted, m.accesses, m.liveBlocks)
	}
	return m
}

// New returns a Producer writing to w. The writer has already emitted the
// stream header.
func New(w *record.Writer, host Host, opts Options) *Producer {
	if opts.StackDepth <= 0 {
		opts.StackDepth = DefaultStackDepth
	}
	if opts.StackDepth > 255 {
		opts.StackDepth = 255
	}
	if opts.AllocStackDepth <= 0 {
		opts.AllocStackDepth = DefaultAllocStackDepth
	}
	if opts.Logger == nil {
		opts.Logger = promslog.NewNopLogger()
	}
	traceInstrs := true
	if opts.TraceInstrs != nil {
		traceInstrs = *opts.TraceInstrs
	}
	return &Producer{
		w:               w,
		host:            host,
		logger:          opts.Logger,
		stackDepth:      opts.StackDepth,
		allocStackDepth: opts.AllocStackDepth,
		traceInstrs:     traceInstrs,
		defs:            newDefCache(),
		ctxs:            map[contextKey]uint64{},
		buf:             record.NewBuffer(w.WordSize()),
		blocks:          map[uint64]*heapBlock{},
		codeDirty:       true,
		seenObjs:        map[CodeObject]struct{}{},
		metrics:         newProducerMetrics(opts.Registerer),
	}
}

// NewDef returns a builder for the next translated superblock.
func (p *Producer) NewDef() *DefBuilder {
	return &DefBuilder{traceInstr: p.traceInstrs}
}

// DefineBlock interns def and returns its definition index, emitting a
// BBDEF record (preceded by any pending code-object announcements) the
// first time the shape is seen.
func (p *Producer) DefineBlock(def *BlockDef) (uint64, error) {
	if len(def.Instrs) == 0 {
		return 0, errors.New("producer: block definition with zero instructions")
	}
	if len(def.Instrs) > maxDefInstrs {
		return 0, fmt.Errorf("producer: block definition with %d instructions; split it first", len(def.Instrs))
	}
	idx, h, ok := p.defs.lookup(def)
	if ok {
		return idx, nil
	}
	if err := p.announceCodeObjects(); err != nil {
		return 0, err
	}
	idx = p.defs.add(def, h)
	p.metrics.defsInterned.Inc()

	b := p.buf
	b.Reset()
	b.PutByte(uint8(len(def.Instrs)))
	b.PutWord(uint64(len(def.Accesses)))
	for _, in := range def.Instrs {
		b.PutWord(in.Addr)
		b.PutByte(in.Size)
	}
	for _, a := range def.Accesses {
		b.PutByte(byte(a.Dir))
		b.PutByte(a.Size)
		b.PutByte(a.InstrIndex)
	}
	return idx, p.w.Emit(record.BBDef, b.Get())
}

// DiscardTranslations drops the definition and context interning tables
// when the host throws translated code away. Indices already written to the
// trace remain canonical.
func (p *Producer) DiscardTranslations() {
	p.logger.Debug("discarding interning tables",
		"definitions", len(p.defs.instrCounts), "contexts", p.nctx)
	p.defs.invalidate()
	p.ctxs = map[contextKey]uint64{}
}

// internContext resolves (def, current stack) to a context index, emitting
// a CONTEXT record on first sight.
func (p *Producer) internContext(def uint64) (uint64, error) {
	stackID, frames := p.host.CaptureStack(p.stackDepth)
	key := contextKey{def: def, stackID: stackID}
	if idx, ok := p.ctxs[key]; ok {
		return idx, nil
	}
	if len(frames) == 0 {
		return 0, errEmptyStack
	}
	if len(frames) > p.stackDepth {
		frames = frames[:p.stackDepth]
	}
	idx := p.nctx
	p.nctx++
	p.ctxs[key] = idx
	p.metrics.ctxsInterned.Inc()

	b := p.buf
	b.Reset()
	b.PutWord(def)
	b.PutByte(uint8(len(frames)))
	for _, f := range frames {
		b.PutWord(f)
	}
	return idx, p.w.Emit(record.Context, b.Get())
}

// BeginBlock is the block-entry helper. It flushes the previous pending
// run, interns the context for def under the current stack, and starts
// accumulating the new run.
func (p *Producer) BeginBlock(def uint64) error {
	if err := p.flushRun(); err != nil {
		return err
	}
	ctx, err := p.internContext(def)
	if err != nil {
		return err
	}
	p.pending = pendingRun{
		active: true,
		ctx:    ctx,
		def:    def,
		ninstr: p.defs.instrCounts[def],
		addrs:  p.pending.addrs[:0],
	}
	return nil
}

// Access is the per-access helper: it appends the concrete address of the
// next access slot of the running block. Guarded accesses that do not fire
// simply never call it.
func (p *Producer) Access(addr uint64) {
	if !p.pending.active {
		panic("datagrind: access helper outside a running block")
	}
	if len(p.pending.addrs) >= p.defs.accCounts[p.pending.def] {
		panic("datagrind: more access addresses than the block definition has slots")
	}
	p.pending.addrs = append(p.pending.addrs, addr)
}

// SetInstrCount is the side-exit helper: it stamps how many instructions of
// the running block actually executed. Without a side exit the count stays
// at the definition's full instruction count.
func (p *Producer) SetInstrCount(n uint8) {
	if !p.pending.active {
		panic("datagrind: instruction-count helper outside a running block")
	}
	p.pending.ninstr = n
}

// flushRun emits the pending BBRUN record, if any.
func (p *Producer) flushRun() error {
	if !p.pending.active {
		return nil
	}
	p.pending.active = false

	b := p.buf
	b.Reset()
	b.PutWord(p.pending.ctx)
	b.PutByte(p.pending.ninstr)
	for _, a := range p.pending.addrs {
		b.PutWord(a)
	}
	if err := p.w.Emit(record.BBRun, b.Get()); err != nil {
		return err
	}
	p.metrics.runsEmitted.Inc()
	p.metrics.accesses.Add(float64(len(p.pending.addrs)))
	return nil
}

// LegacyAccess emits a non-batched single-access record in the pre-BBRUN
// format: READ, WRITE or INSTR depending on dir.
func (p *Producer) LegacyAccess(dir record.Dir, size uint8, addr uint64) error {
	var t record.Type
	switch dir {
	case record.DirRead:
		t = record.Read
	case record.DirWrite:
		t = record.Write
	case record.DirExec:
		if !p.traceInstrs {
			return nil
		}
		t = record.Instr
	default:
		return fmt.Errorf("producer: invalid access direction %d", dir)
	}
	b := p.buf
	b.Reset()
	b.PutByte(size)
	b.PutWord(addr)
	return p.w.Emit(t, b.Get())
}

// MarkCodeDirty flags that new code objects may have been mapped. The next
// DefineBlock rescans the host's object list.
func (p *Producer) MarkCodeDirty() { p.codeDirty = true }

// announceCodeObjects emits TEXT_AVMA records for objects not yet seen.
func (p *Producer) announceCodeObjects() error {
	if !p.codeDirty {
		return nil
	}
	p.codeDirty = false
	for _, obj := range p.host.CodeObjects() {
		if _, ok := p.seenObjs[obj]; ok {
			continue
		}
		p.seenObjs[obj] = struct{}{}

		name := obj.Filename
		if len(name) > maxFilenameLen {
			name = name[:maxFilenameLen]
		}
		b := p.buf
		b.Reset()
		b.PutWord(obj.TextAVMA)
		b.PutString(name)
		if err := p.w.Emit(record.TextAVMA, b.Get()); err != nil {
			return err
		}
	}
	return nil
}

// TrackRange handles the TRACK_RANGE client request. Type name and label
// are truncated at 64 bytes.
func (p *Producer) TrackRange(addr, size uint64, typeName, label string) error {
	b := p.buf
	b.Reset()
	b.PutWord(addr)
	b.PutWord(size)
	b.PutString(truncate(typeName))
	b.PutString(truncate(label))
	return p.w.Emit(record.TrackRange, b.Get())
}

// UntrackRange handles the UNTRACK_RANGE client request.
func (p *Producer) UntrackRange(addr, size uint64) error {
	b := p.buf
	b.Reset()
	b.PutWord(addr)
	b.PutWord(size)
	return p.w.Emit(record.UntrackRange, b.Get())
}

// StartEvent handles the START_EVENT client request.
func (p *Producer) StartEvent(label string) error {
	return p.emitEvent(record.StartEvent, label)
}

// EndEvent handles the END_EVENT client request.
func (p *Producer) EndEvent(label string) error {
	return p.emitEvent(record.EndEvent, label)
}

func (p *Producer) emitEvent(t record.Type, label string) error {
	b := p.buf
	b.Reset()
	b.PutString(truncate(label))
	return p.w.Emit(t, b.Get())
}

func truncate(s string) string {
	if len(s) > maxLabelLen {
		return s[:maxLabelLen]
	}
	return s
}

// Close is the guest-shutdown finaliser: it flushes the pending run, then
// the output buffer, then closes the trace file.
func (p *Producer) Close() error {
	if err := p.flushRun(); err != nil {
		return err
	}
	return p.w.Close()
}
