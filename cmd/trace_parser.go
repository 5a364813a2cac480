// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// File: cmd/trace_parser.go
// Purpose: Line-level parsing of perf trace/script output into record
// headers and backtrace frames. perf's text output is best effort and its
// details drift across versions, so three header grammars are recognized
// and any line that matches none of them is discarded, never fatal.

package cmd

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// headerRE matches the columnar `perf trace -T` record header, e.g.
//
//	17602.282 coronerd/0/15464 sdt_libpoireau:malloc(__probe_ip: 140369085100327, arg1: 362, arg2: 139998753980416, arg3: 22605)
//
// The timestamp is in milliseconds since boot.
var headerRE = regexp.MustCompile(`^\s*([0-9]+\.[0-9]*) (.*)/([0-9]+) (.*:.*\(.*\))$`)

// colonHeaderRE matches the newer perf trace header with a hex instruction
// pointer and argN=value pairs, e.g.
//
//	10332315.769 coronerd/110/12310 sdt_libpoireau:calloc:(7f7951f584f6) arg1=1 arg2=144 arg3=655 arg4=11957188952064 arg5=144
var colonHeaderRE = regexp.MustCompile(`^(\s*[0-9]+\.[0-9]* .*/[0-9]+ .*:.*):\(([0-9a-f]+)\) ((?:arg[1-9][0-9]*=.+)*)$`)

// scriptHeaderRE matches `perf script` output, e.g.
//
//	coronerd/38 31909 [009] 627769.713769: sdt_libpoireau:malloc: (7f4d353bd14d) arg1=8493 arg2=14291503677440 arg3=436
var scriptHeaderRE = regexp.MustCompile(`^\s*(.*/[0-9]+) ([0-9]+) \[[0-9]+\] ([0-9]+\.[0-9]+):\s*(.*:.*):\s*\(([0-9a-f]+)\) ((?:arg[1-9][0-9]*=.+)*)$`)

// canonicalHeader rewrites a colonHeaderRE match into the columnar shape,
// folding the instruction pointer into a leading `__probe_ip` field so all
// grammars funnel through the same final match.
func canonicalHeader(m []string) string {
	ip, err := strconv.ParseUint(m[2], 16, 64)
	if err != nil {
		return ""
	}
	args := []string{fmt.Sprintf("__probe_ip: %d", ip)}
	for _, pair := range strings.Fields(m[3]) {
		args = append(args, strings.ReplaceAll(pair, "=", ": "))
	}
	return m[1] + "(" + strings.Join(args, ", ") + ")"
}

// parseHeader parses a record header line into an Event with an empty
// stack. It tries the columnar grammar first, then the colon-argument
// grammar, then the perf script grammar (rewritten into the colon shape
// and re-parsed). Returns false if the line matches no known grammar.
func parseHeader(line string) (Event, bool) {
	m := headerRE.FindStringSubmatch(line)
	if m == nil {
		c := colonHeaderRE.FindStringSubmatch(line)
		if c == nil {
			if s := scriptHeaderRE.FindStringSubmatch(line); s != nil {
				rewritten := fmt.Sprintf("%s %s/%s %s:(%s) %s", s[3], s[1], s[2], s[4], s[5], s[6])
				c = colonHeaderRE.FindStringSubmatch(rewritten)
			}
		}
		if c != nil {
			m = headerRE.FindStringSubmatch(canonicalHeader(c))
		}
	}
	if m == nil {
		return Event{}, false
	}

	ts, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Event{}, false
	}
	tid, err := strconv.Atoi(m[3])
	if err != nil {
		return Event{}, false
	}
	return Event{
		TS:   ts / 1000,
		Comm: m[2],
		TID:  tid,
		Call: m[4],
	}, true
}

// traceFrameRE matches the backtrace frame shape with a leading address and
// optional symbol offset, e.g.
//
//	7f4d353bd14d sampled_malloc+0x59 (/opt/backtrace/lib/libpoireau.so)
var traceFrameRE = regexp.MustCompile(`^\s*[0-9a-f]{4,}\s+([^0-9.].*?)(?::?\+0x[0-9a-f]+)? \((.*)\)$`)

// frameRE matches the plain `symbol (path)` backtrace frame shape.
var frameRE = regexp.MustCompile(`^\s*([^0-9.].*) \((.*)\)$`)

// parseFrame parses one backtrace frame line. Any line matching neither
// frame shape returns false; the segmenter uses that to detect the end of
// an accumulating stack.
func parseFrame(line string) (Frame, bool) {
	if m := traceFrameRE.FindStringSubmatch(line); m != nil {
		return Frame{Symbol: m[1], Module: m[2]}, true
	}
	if m := frameRE.FindStringSubmatch(line); m != nil {
		return Frame{Symbol: m[1], Module: m[2]}, true
	}
	return Frame{}, false
}
