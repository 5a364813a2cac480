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

// File: cmd/alloc_reporter.go
// Purpose: On-demand queries over the tracker's table: old (suspect)
// allocations, freed regions for use-after-free diagnosis, and the last
// high-water-mark snapshot. Reports are line-oriented human-readable text
// on the injected writer.

package cmd

import (
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Reporter renders tracker state as diagnostic text.
type Reporter struct {
	tracker *Tracker
	out     io.Writer
}

func newReporter(tracker *Tracker, out io.Writer) *Reporter {
	return &Reporter{tracker: tracker, out: out}
}

// addressSymbolRE matches symbols that are just a raw (possibly bracketed)
// address; for those only the module path is worth printing.
var addressSymbolRE = regexp.MustCompile(`^\[?(?:0x[0-9a-fA-F]+|[0-9]+)\]?$`)

// formatStack renders a backtrace as `;`-joined symbols, innermost first.
func formatStack(stack Stack) string {
	parts := make([]string, 0, len(stack))
	for _, frame := range stack {
		if addressSymbolRE.MatchString(frame.Symbol) {
			parts = append(parts, "["+frame.Module+"]")
		} else {
			parts = append(parts, frame.Symbol)
		}
	}
	return strings.Join(parts, ";")
}

// sortedBuckets returns the table's bucket keys in ascending order so
// report output is deterministic.
func (r *Reporter) sortedBuckets() []uint64 {
	buckets := make([]uint64, 0, len(r.tracker.table))
	for bucket := range r.tracker.table {
		buckets = append(buckets, bucket)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i] < buckets[j] })
	return buckets
}

func utcStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// printAlloc prints one live allocation.
func (r *Reporter) printAlloc(alloc *Allocation, now float64) {
	if !alloc.Resized {
		fmt.Fprintf(r.out, "\tsize=%d c_age=%f alloc=%s\n",
			alloc.Size, now-alloc.FirstTS, formatStack(alloc.FirstStack))
		return
	}
	fmt.Fprintf(r.out, "\tsize=%d c_age=%f alloc=%s m_age=%f realloc=%s\n",
		alloc.Size, now-alloc.FirstTS, formatStack(alloc.FirstStack),
		now-alloc.LastTS, formatStack(alloc.LastStack))
}

// printFreed prints one freed-but-retained allocation with both its
// originating and freeing stacks.
func (r *Reporter) printFreed(alloc *Allocation) {
	if !alloc.Resized {
		fmt.Fprintf(r.out, "\tptr=%x size=%d free_time=%f free=%s alloc=%s ctime=%f\n",
			alloc.Ptr, alloc.Size, alloc.FreeTS, formatStack(alloc.FreeStack),
			formatStack(alloc.FirstStack), alloc.FirstTS)
		return
	}
	fmt.Fprintf(r.out, "\tptr=%x size=%d free_time=%f free=%s alloc=%s realloc=%s ctime=%f mtime=%f\n",
		alloc.Ptr, alloc.Size, alloc.FreeTS, formatStack(alloc.FreeStack),
		formatStack(alloc.FirstStack), formatStack(alloc.LastStack),
		alloc.FirstTS, alloc.LastTS)
}

// ReportOld prints live allocations older than maxAge seconds. When
// maxStale is positive, allocations resized within the last maxStale
// seconds are skipped (recently touched, not yet suspicious). When
// markIgnored is set, every live record seen during this pass joins the
// ignore set and is omitted from later reports.
//
// The ignore set is rebuilt on every pass, keyed by bucket and pinned to
// the record occupying it: once a bucket is overwritten by an unrelated
// allocation, the new record does not inherit ignored status.
func (r *Reporter) ReportOld(maxAge, maxStale float64, markIgnored bool) {
	t := r.tracker
	now := t.now()
	if t.live {
		fmt.Fprintf(r.out, "%s old allocations\n", utcStamp())
	}

	retained := make(map[uint64]*Allocation)
	for _, bucket := range r.sortedBuckets() {
		alloc := t.table[bucket]
		wasIgnored := t.ignored[bucket] == alloc
		if wasIgnored || (markIgnored && !alloc.Freed) {
			retained[bucket] = alloc
		}
		if alloc.Freed {
			continue
		}
		if alloc.Resized && maxStale > 0 && now-alloc.LastTS <= maxStale {
			continue
		}
		if now-alloc.FirstTS > maxAge && !wasIgnored {
			r.printAlloc(alloc, now)
		}
	}
	t.ignored = retained
}

// ReportFreed dumps every freed-but-retained record.
func (r *Reporter) ReportFreed() {
	if r.tracker.live {
		fmt.Fprintf(r.out, "%s recently freed regions\n", utcStamp())
	} else {
		fmt.Fprintln(r.out, "Recently freed regions")
	}
	for _, bucket := range r.sortedBuckets() {
		if alloc := r.tracker.table[bucket]; alloc.Freed {
			r.printFreed(alloc)
		}
	}
}

// ReportHighWaterMark re-emits the last captured snapshot, largest
// allocations first, excluding records freed or ignored since the capture.
// newRecord distinguishes a freshly set peak from an on-demand re-emit.
func (r *Reporter) ReportHighWaterMark(newRecord bool) {
	t := r.tracker
	if !t.trackHighWater || len(t.snapshot) == 0 {
		return
	}
	label := "current"
	if newRecord {
		label = "new"
	}
	now := t.now()
	mb := float64(t.highWaterMark) / float64(1<<20)
	if t.live {
		fmt.Fprintf(r.out, "%s allocations at %s high water mark %f MB\n", utcStamp(), label, mb)
	} else {
		fmt.Fprintf(r.out, "allocations at %s high water mark %f MB\n", label, mb)
	}

	entries := make([]snapshotEntry, len(t.snapshot))
	copy(entries, t.snapshot)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].alloc.Size != entries[j].alloc.Size {
			return entries[i].alloc.Size > entries[j].alloc.Size
		}
		return entries[i].bucket < entries[j].bucket
	})
	for _, entry := range entries {
		if entry.alloc.Freed || t.ignored[entry.bucket] == entry.alloc {
			continue
		}
		r.printAlloc(entry.alloc, now)
	}
}
