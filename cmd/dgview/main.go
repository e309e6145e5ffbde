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

// Command dgview loads a datagrind trace, prints a summary of the retained
// accesses and heap blocks, and answers nearest-access queries. The
// interactive visualiser consumes the same loader; dgview is the
// command-line surface around it.
package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/prometheus/common/promslog"
	promslogflag "github.com/prometheus/common/promslog/flag"
	"github.com/prometheus/common/version"

	"github.com/datagrind/datagrind/view"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	app := kingpin.New("dgview", "Inspect datagrind memory-access traces.")
	app.Version(version.Print("dgview"))
	app.HelpFlag.Short('h')
	app.UsageWriter(os.Stderr)

	promslogConfig := &promslog.Config{}
	promslogflag.AddFlags(app, promslogConfig)

	var (
		events     = app.Flag("events", "Comma-separated event labels; keep only accesses inside these events.").Default("").String()
		ranges     = app.Flag("ranges", "Comma-separated range labels; keep only accesses overlapping these tracked ranges.").Default("").String()
		mallocOnly = app.Flag("malloc-only", "Keep only accesses falling in live heap blocks.").Bool()
		showBlocks = app.Flag("blocks", "Print every heap block with its allocation stack.").Bool()
		queries    = app.Flag("query", "Nearest-access query as compact-addr:iseq[:ratio]; repeatable.").Strings()
		traceFile  = app.Arg("trace-file", "Trace file written by the datagrind tool.").Required().String()
	)

	if _, err := app.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, "dgview:", err)
		return 2
	}
	logger := promslog.New(promslogConfig)

	parsedQueries, err := parseQueries(*queries)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dgview:", err)
		return 2
	}

	ix, err := view.Load(*traceFile, view.Options{
		Events:     splitComma(*events),
		Ranges:     splitComma(*ranges),
		MallocOnly: *mallocOnly,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to load trace", "file", *traceFile, "err", err)
		return 1
	}

	stats := ix.Stats()
	if stats.AccessesRetained == 0 {
		fmt.Println("No accesses match the criteria.")
		return 0
	}

	fmt.Printf("%s: %d records, %d accesses retained of %d decoded, %d runs, %d instructions, %d pages touched\n",
		*traceFile, stats.RecordsRead, stats.AccessesRetained, stats.AccessesDecoded,
		stats.RunsRetained, stats.Instructions, ix.PageMap().Pages())

	if *showBlocks {
		printBlocks(ix)
	}
	for _, q := range parsedQueries {
		printNearest(ix, q)
	}
	return 0
}

// splitComma splits on commas, preserving empty substrings, except that an
// empty input yields no strings at all.
func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

type query struct {
	addr  uint64
	iseq  uint64
	ratio float64
}

func parseQueries(specs []string) ([]query, error) {
	var qs []query
	for _, s := range specs {
		parts := strings.Split(s, ":")
		if len(parts) != 2 && len(parts) != 3 {
			return nil, fmt.Errorf("invalid query %q, want addr:iseq[:ratio]", s)
		}
		q := query{ratio: 1}
		var err error
		if q.addr, err = strconv.ParseUint(parts[0], 0, 64); err != nil {
			return nil, fmt.Errorf("invalid query address %q: %w", parts[0], err)
		}
		if q.iseq, err = strconv.ParseUint(parts[1], 0, 64); err != nil {
			return nil, fmt.Errorf("invalid query iseq %q: %w", parts[1], err)
		}
		if len(parts) == 3 {
			if q.ratio, err = strconv.ParseFloat(parts[2], 64); err != nil || q.ratio <= 0 {
				return nil, fmt.Errorf("invalid query ratio %q", parts[2])
			}
		}
		qs = append(qs, q)
	}
	return qs, nil
}

func printBlocks(ix *view.Index) {
	resolve := ix.Resolver()
	for _, b := range ix.Blocks() {
		state := "freed"
		if b.Live {
			state = "live"
		}
		label := ""
		if b.Label != "" {
			label = fmt.Sprintf(" %q", b.Label)
		}
		fmt.Printf("%#x (size %#x, %s)%s allocated at\n", b.Addr, b.Size, state, label)
		for _, ip := range b.Stack {
			fmt.Printf("  %s\n", resolve.Resolve(ip))
		}
	}
}

func printNearest(ix *view.Index, q query) {
	acc, ok := ix.Nearest(q.addr, q.iseq, q.ratio)
	if !ok {
		fmt.Printf("query %#x:%d: no accesses\n", q.addr, q.iseq)
		return
	}
	resolve := ix.Resolver()
	fmt.Printf("%#x %s size %d at iseq %d: %s\n",
		acc.Addr, acc.Dir, acc.Size, acc.Iseq, resolve.Resolve(acc.InstrAddr))
	if acc.Block != nil {
		fmt.Printf("  in block %#x+%#x (offset %#x)\n",
			acc.Block.Addr, acc.Block.Size, acc.Addr-acc.Block.Addr)
	}
	for _, frame := range acc.Stack[1:] {
		fmt.Printf("  called from %s\n", resolve.Resolve(frame))
	}
	fmt.Println()
}
