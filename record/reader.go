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
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ContentError reports a payload that violates its record's schema. It is
// recoverable: the caller discards the rest of the record and continues with
// the next one. All other errors out of the reader are I/O errors and are
// not recoverable, except io.EOF from Next which marks a clean end of
// stream.
type ContentError struct {
	Type   Type
	Offset int64 // Byte offset of the record in the stream.
	Err    error
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("%s record at offset %d: %s", e.Type, e.Offset, e.Err)
}

func (e *ContentError) Unwrap() error { return e.Err }

// IsContent reports whether err is (or wraps) a ContentError.
func IsContent(err error) bool {
	var ce *ContentError
	return errors.As(err, &ce)
}

var (
	errTooShort     = errors.New("record too short for field")
	errUnterminated = errors.New("string not NUL-terminated within record")
)

// Reader produces one record at a time from a trace stream.
//
// The word size defaults to 8 and applies to Word extraction and to escaped
// length prefixes. Callers that accept 32-bit traces set it from the header
// record before reading further.
type Reader struct {
	r        *bufio.Reader
	wordSize int
	offset   int64 // Bytes consumed from the underlying stream.

	cur Record // Single in-flight record, reused across Next calls.
}

// NewReader reads records from r.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{r: br, wordSize: 8}
}

// WordSize returns the reader's current machine word size in bytes.
func (r *Reader) WordSize() int { return r.wordSize }

// SetWordSize fixes the machine word size used for Word fields and escaped
// length prefixes. Only 4 and 8 are meaningful.
func (r *Reader) SetWordSize(n int) { r.wordSize = n }

// Offset returns the number of bytes consumed from the underlying stream.
func (r *Reader) Offset() int64 { return r.offset }

// Next returns the next record in the stream. Any unconsumed remainder of
// the previous record is discarded first.
//
// A clean end of stream before a record begins is reported as io.EOF. A
// stream that ends inside a record header or payload is reported as
// io.ErrUnexpectedEOF so that callers can treat it as truncation.
func (r *Reader) Next() (*Record, error) {
	if r.cur.valid && r.cur.off < r.cur.length {
		if err := r.cur.Discard(); err != nil {
			return nil, err
		}
	}
	r.cur.valid = false

	start := r.offset
	typ, err := r.r.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, err
	}
	r.offset++

	length, err := r.readLength()
	if err != nil {
		return nil, err
	}

	r.cur = Record{typ: Type(typ), length: length, start: start, r: r, valid: true}
	return &r.cur, nil
}

func (r *Reader) readLength() (uint64, error) {
	b, err := r.r.ReadByte()
	if err != nil {
		return 0, eofToUnexpected(err)
	}
	r.offset++
	if b < lenEscape {
		return uint64(b), nil
	}
	buf := make([]byte, r.wordSize)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return 0, eofToUnexpected(err)
	}
	r.offset += int64(r.wordSize)
	return leWord(buf), nil
}

func eofToUnexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

func leWord(b []byte) uint64 {
	if len(b) == 4 {
		return uint64(binary.LittleEndian.Uint32(b))
	}
	return binary.LittleEndian.Uint64(b)
}

// Record is a single wire record being consumed. Extractors advance an
// internal offset against the declared payload length and return a
// ContentError when a field does not fit.
type Record struct {
	typ    Type
	length uint64
	off    uint64
	start  int64
	r      *Reader
	valid  bool
}

// Type returns the record's type byte.
func (rec *Record) Type() Type { return rec.typ }

// Len returns the declared payload length.
func (rec *Record) Len() uint64 { return rec.length }

// Remaining returns the number of unconsumed payload bytes.
func (rec *Record) Remaining() uint64 { return rec.length - rec.off }

func (rec *Record) contentErr(err error) error {
	return &ContentError{Type: rec.typ, Offset: rec.start, Err: err}
}

// Bytes fills buf from the payload.
func (rec *Record) Bytes(buf []byte) error {
	if uint64(len(buf)) > rec.Remaining() {
		return rec.contentErr(errTooShort)
	}
	n, err := io.ReadFull(rec.r.r, buf)
	rec.off += uint64(n)
	rec.r.offset += int64(n)
	if err != nil {
		return eofToUnexpected(err)
	}
	return nil
}

// Byte extracts a single payload byte.
func (rec *Record) Byte() (byte, error) {
	var b [1]byte
	if err := rec.Bytes(b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Word extracts a machine word.
func (rec *Record) Word() (uint64, error) {
	var b [8]byte
	w := b[:rec.r.wordSize]
	if err := rec.Bytes(w); err != nil {
		return 0, err
	}
	return leWord(w), nil
}

// String extracts a NUL-terminated string. The terminator must occur within
// the record's remaining payload.
func (rec *Record) String() (string, error) {
	var s []byte
	for rec.off < rec.length {
		b, err := rec.Byte()
		if err != nil {
			return "", err
		}
		if b == 0 {
			return string(s), nil
		}
		s = append(s, b)
	}
	return "", rec.contentErr(errUnterminated)
}

// Finish checks that the whole payload has been consumed.
func (rec *Record) Finish() error {
	if rec.off != rec.length {
		remaining := rec.Remaining()
		if err := rec.Discard(); err != nil {
			return err
		}
		return rec.contentErr(fmt.Errorf("%d trailing payload bytes", remaining))
	}
	return nil
}

// Discard skips the rest of the record's payload.
func (rec *Record) Discard() error {
	n := rec.Remaining()
	if n == 0 {
		return nil
	}
	d, err := rec.r.r.Discard(int(n))
	rec.off += uint64(d)
	rec.r.offset += int64(d)
	if err != nil {
		return eofToUnexpected(err)
	}
	return nil
}
