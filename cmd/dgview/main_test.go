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

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/datagrind/datagrind/record"
)

func TestSplitComma(t *testing.T) {
	require.Nil(t, splitComma(""))
	require.Equal(t, []string{"a"}, splitComma("a"))
	require.Equal(t, []string{"a", "b"}, splitComma("a,b"))
	// Empty substrings are preserved; the loader ignores them.
	require.Equal(t, []string{"a", "", "b"}, splitComma("a,,b"))
	require.Equal(t, []string{"", ""}, splitComma(","))
}

func TestParseQueries(t *testing.T) {
	qs, err := parseQueries([]string{"0x1000:25", "4096:25:0.5"})
	require.NoError(t, err)
	require.Equal(t, []query{
		{addr: 0x1000, iseq: 25, ratio: 1},
		{addr: 4096, iseq: 25, ratio: 0.5},
	}, qs)

	for _, bad := range []string{"zz:1", "1:zz", "1", "1:2:3:4", "1:2:-1", "1:2:nope"} {
		_, err := parseQueries([]string{bad})
		require.Error(t, err, "query %q", bad)
	}
}

func writeTestTrace(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "datagrind.out.1")
	w, err := record.Create(path, 8, nil)
	require.NoError(t, err)

	b := record.NewBuffer(8)
	b.PutByte(1)       // One instruction.
	b.PutWord(1)       // One access.
	b.PutWord(0x400100)
	b.PutByte(4)
	b.PutByte(0) // read
	b.PutByte(4)
	b.PutByte(0)
	require.NoError(t, w.Emit(record.BBDef, b.Get()))

	b.Reset()
	b.PutWord(0)
	b.PutByte(1)
	b.PutWord(0x400100)
	require.NoError(t, w.Emit(record.Context, b.Get()))

	b.Reset()
	b.PutWord(0)
	b.PutByte(1)
	b.PutWord(0xdead00)
	require.NoError(t, w.Emit(record.BBRun, b.Get()))
	require.NoError(t, w.Close())
	return path
}

func TestRunExitCodes(t *testing.T) {
	trace := writeTestTrace(t)

	require.Equal(t, 0, run([]string{trace}))
	require.Equal(t, 0, run([]string{"--blocks", "--query", "0x0:0", trace}))
	// Filters that match nothing still succeed with a diagnostic.
	require.Equal(t, 0, run([]string{"--events=none", trace}))

	// Usage errors.
	require.Equal(t, 2, run([]string{}))
	require.Equal(t, 2, run([]string{"--no-such-flag", trace}))
	require.Equal(t, 2, run([]string{"--query", "bogus", trace}))

	// I/O and header errors.
	require.Equal(t, 1, run([]string{filepath.Join(t.TempDir(), "missing")}))
	empty := filepath.Join(t.TempDir(), "empty")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	require.Equal(t, 1, run([]string{empty}))
}
