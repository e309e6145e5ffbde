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

package record

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
)

// outBufSize is the size of the in-memory buffer batching trace writes.
const outBufSize = 4096

// Writer emits records into a trace stream through a fixed-size buffer that
// flushes on overflow and on Close. The header record is written immediately
// when the writer is created.
type Writer struct {
	w        io.Writer
	c        io.Closer
	wordSize int
	buf      [outBufSize]byte
	used     int

	metrics *writerMetrics
}

type writerMetrics struct {
	records prometheus.Counter
	bytes   prometheus.Counter
	flushes prometheus.Counter
}

func newWriterMetrics(r prometheus.Registerer) *writerMetrics {
	m := &writerMetrics{
		records: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrind_trace_records_written_total",
			Help: "Total number of trace records written.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrind_trace_bytes_written_total",
			Help: "Total number of trace bytes handed to the output buffer.",
		}),
		flushes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "datagrind_trace_buffer_flushes_total",
			Help: "Total number of output buffer flushes.",
		}),
	}
	if r != nil {
		r.MustRegister(m.records, m.bytes, m.flushes)
	}
	return m
}

// NewWriter wraps w and writes the header record for the given word size.
// The registerer may be nil.
func NewWriter(w io.Writer, wordSize int, reg prometheus.Registerer) (*Writer, error) {
	if wordSize != 4 && wordSize != 8 {
		return nil, fmt.Errorf("unsupported word size %d", wordSize)
	}
	wr := &Writer{w: w, wordSize: wordSize, metrics: newWriterMetrics(reg)}
	if c, ok := w.(io.Closer); ok {
		wr.c = c
	}
	if err := wr.writeHeader(); err != nil {
		return nil, err
	}
	return wr, nil
}

// Create opens (truncating) the trace file at path and writes the header.
func Create(path string, wordSize int, reg prometheus.Registerer) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, err
	}
	w, err := NewWriter(f, wordSize, reg)
	if err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// WordSize returns the writer's machine word size in bytes.
func (w *Writer) WordSize() int { return w.wordSize }

func (w *Writer) writeHeader() error {
	b := NewBuffer(w.wordSize)
	b.PutString(Magic)
	b.PutByte(Version)
	b.PutByte(LittleEndian)
	b.PutByte(byte(w.wordSize))
	return w.Emit(Header, b.Get())
}

// Emit writes one record: type byte, length prefix, payload.
func (w *Writer) Emit(t Type, payload []byte) error {
	if err := w.putByte(byte(t)); err != nil {
		return err
	}
	if len(payload) < lenEscape {
		if err := w.putByte(byte(len(payload))); err != nil {
			return err
		}
	} else {
		if err := w.putByte(lenEscape); err != nil {
			return err
		}
		var word [8]byte
		binary.LittleEndian.PutUint64(word[:], uint64(len(payload)))
		if err := w.putBytes(word[:w.wordSize]); err != nil {
			return err
		}
	}
	if err := w.putBytes(payload); err != nil {
		return err
	}
	w.metrics.records.Inc()
	return nil
}

func (w *Writer) putByte(b byte) error {
	if w.used >= len(w.buf) {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	w.buf[w.used] = b
	w.used++
	w.metrics.bytes.Add(1)
	return nil
}

func (w *Writer) putBytes(b []byte) error {
	w.metrics.bytes.Add(float64(len(b)))
	for len(b) > 0 {
		if w.used == len(w.buf) {
			if err := w.Flush(); err != nil {
				return err
			}
		}
		n := copy(w.buf[w.used:], b)
		w.used += n
		b = b[n:]
	}
	return nil
}

// Flush writes the buffered bytes to the underlying stream.
func (w *Writer) Flush() error {
	if w.used == 0 {
		return nil
	}
	n, err := w.w.Write(w.buf[:w.used])
	if err != nil {
		// A short write leaves the unwritten tail at the front of the
		// buffer; the stream is still positioned at a record boundary
		// only if the caller aborts, which it does.
		copy(w.buf[:], w.buf[n:w.used])
		w.used -= n
		return err
	}
	w.used = 0
	w.metrics.flushes.Inc()
	return nil
}

// Close flushes the buffer and closes the underlying stream if it is
// closeable.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		return err
	}
	if w.c != nil {
		return w.c.Close()
	}
	return nil
}

// Buffer accumulates one record payload. It mirrors the reader's
// extractors: scalars are little-endian, words are wordSize bytes, strings
// are NUL-terminated.
type Buffer struct {
	wordSize int
	b        []byte
}

// NewBuffer returns a payload buffer for the given word size.
func NewBuffer(wordSize int) *Buffer {
	return &Buffer{wordSize: wordSize, b: make([]byte, 0, 256)}
}

// Reset empties the buffer for reuse.
func (b *Buffer) Reset() { b.b = b.b[:0] }

// Len returns the number of accumulated payload bytes.
func (b *Buffer) Len() int { return len(b.b) }

// Get returns the accumulated payload.
func (b *Buffer) Get() []byte { return b.b }

// PutByte appends one byte.
func (b *Buffer) PutByte(v byte) { b.b = append(b.b, v) }

// PutBytes appends raw bytes.
func (b *Buffer) PutBytes(v []byte) { b.b = append(b.b, v...) }

// PutWord appends a machine word.
func (b *Buffer) PutWord(v uint64) {
	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], v)
	b.b = append(b.b, word[:b.wordSize]...)
}

// PutString appends s followed by a NUL terminator.
func (b *Buffer) PutString(s string) {
	b.b = append(b.b, s...)
	b.b = append(b.b, 0)
}
