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

// Package record implements the datagrind trace wire format: a flat stream
// of <type, length, payload> records shared bit-exactly by the producer and
// the consumer.
//
// Every record starts with a one-byte type followed by a length prefix. The
// prefix is a single byte L for payloads shorter than 255 bytes; the escape
// value 255 is followed by a machine-word-sized little-endian length. All
// multi-byte scalars in payloads are little-endian; strings are
// NUL-terminated and inline.
package record

// Type identifies a trace record.
type Type uint8

const (
	Header       Type = 0  // Stream header; must be the first record.
	Read         Type = 1  // Legacy single data read.
	Write        Type = 2  // Legacy single data write.
	TrackRange   Type = 3  // Declare a typed, labelled address range.
	UntrackRange Type = 4  // Undeclare a range (exact addr+size match).
	StartEvent   Type = 5  // Open a scoped event.
	EndEvent     Type = 6  // Close a scoped event.
	Instr        Type = 7  // Legacy single instruction fetch.
	TextAVMA     Type = 8  // Code object announcement.
	MallocBlock  Type = 9  // Heap block allocated.
	FreeBlock    Type = 10 // Heap block freed.
	BBDef        Type = 11 // Basic block definition.
	Context      Type = 12 // (definition, call stack) definition.
	BBRun        Type = 13 // One dynamic execution of a defined block.
)

func (t Type) String() string {
	switch t {
	case Header:
		return "HEADER"
	case Read:
		return "READ"
	case Write:
		return "WRITE"
	case TrackRange:
		return "TRACK_RANGE"
	case UntrackRange:
		return "UNTRACK_RANGE"
	case StartEvent:
		return "START_EVENT"
	case EndEvent:
		return "END_EVENT"
	case Instr:
		return "INSTR"
	case TextAVMA:
		return "TEXT_AVMA"
	case MallocBlock:
		return "MALLOC_BLOCK"
	case FreeBlock:
		return "FREE_BLOCK"
	case BBDef:
		return "BBDEF"
	case Context:
		return "CONTEXT"
	case BBRun:
		return "BBRUN"
	default:
		return "<unknown>"
	}
}

// Dir is the direction of a memory access.
type Dir uint8

const (
	DirRead Dir = iota
	DirWrite
	DirExec
)

func (d Dir) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	case DirExec:
		return "exec"
	default:
		return "<invalid>"
	}
}

// Magic is the header magic, written including its terminating NUL.
const Magic = "DATAGRIND1"

// Version is the format version this package reads and writes.
const Version = 1

// Endianness values carried in the header. Only little-endian streams are
// produced; the loader refuses big-endian input.
const (
	LittleEndian = 0
	BigEndian    = 1
)

const (
	// lenEscape in the one-byte prefix position means the real length
	// follows as a machine-word-sized little-endian integer.
	lenEscape = 255

	// headerPayloadLen is len(Magic)+1 for the NUL, plus version, endian
	// and wordsize bytes.
	headerPayloadLen = len(Magic) + 1 + 3
)
