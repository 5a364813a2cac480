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

// File: cmd/alloc_tracker.go
// Purpose: The allocation lifecycle table. Sampled allocations are keyed by
// the identity bucket the instrumentation assigns at creation time, not by
// the raw pointer: pointers are reused, buckets are not (modulo wraparound).
// Freed records are retained until their bucket is overwritten so that
// use-after-free crashes can be diagnosed after the fact.

package cmd

import (
	"regexp"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Allocation is the lifecycle record of one sampled allocation.
// LastTS/LastStack are only valid when Resized is set; FreeTS/FreeStack
// only when Freed is set.
type Allocation struct {
	Ptr        uint64
	Size       uint64
	FirstTS    float64
	FirstStack Stack
	LastTS     float64
	LastStack  Stack
	Resized    bool
	FreeTS     float64
	FreeStack  Stack
	Freed      bool
}

// snapshotEntry pins one record of a high-water-mark snapshot to the
// bucket it occupied when the snapshot was taken.
type snapshotEntry struct {
	bucket uint64
	alloc  *Allocation
}

// Tracker owns the allocation table and its accounting: the estimated
// live footprint, the high-water mark and its snapshot, the ignore set,
// and the maximum observed event timestamp. It is only ever touched from
// the driver loop; sequential execution is the sole synchronization.
type Tracker struct {
	table   map[uint64]*Allocation
	ignored map[uint64]*Allocation

	footprint     int64
	highWaterMark int64
	snapshot      []snapshotEntry

	lastEventTS float64

	samplePeriod   uint64
	trackHighWater bool
	highWaterMin   int64
	comm           *regexp.Regexp
	live           bool

	// clock returns monotonic seconds on the same base as live trace
	// timestamps; injectable so tests run without real time.
	clock func() float64

	// onHighWaterMark fires after a new peak is recorded, when the peak
	// is at or above highWaterMin.
	onHighWaterMark func()
}

func newTracker(cfg trackConfig) *Tracker {
	return &Tracker{
		table:          make(map[uint64]*Allocation),
		ignored:        make(map[uint64]*Allocation),
		samplePeriod:   cfg.samplePeriod,
		trackHighWater: cfg.trackHighWater,
		highWaterMin:   cfg.highWaterMin,
		comm:           cfg.comm,
		live:           cfg.live,
		clock:          monotonicSeconds,
	}
}

// monotonicSeconds reads CLOCK_MONOTONIC directly: perf trace -T
// timestamps are on that clock, so live allocation ages are the
// difference between the two.
func monotonicSeconds() float64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return float64(time.Now().UnixNano()) / 1e9
	}
	return float64(ts.Sec) + float64(ts.Nsec)/1e9
}

// now resolves the reporting clock: live monotonic time when consuming a
// live stream, the maximum observed event timestamp when replaying a
// recorded log (a live clock has no meaning against historical
// timestamps).
func (t *Tracker) now() float64 {
	if t.live {
		return t.clock()
	}
	return t.lastEventTS
}

// estimatedSize reweights one sample into an estimated true footprint
// contribution: each sample stands in for at least one full sampling
// period of unobserved allocation volume. Rough and biased, but enough to
// pinpoint bloat.
func (t *Tracker) estimatedSize(a *Allocation) int64 {
	if a.Size == 0 {
		return 0
	}
	if a.Size > t.samplePeriod {
		return int64(a.Size)
	}
	return int64(t.samplePeriod)
}

// Observe applies one typed call to the table. A call exposing equal old
// and new identities is a tracked realloc; otherwise the free rule and
// then the alloc rule fire for whichever side the call exposes (both fire
// for a realloc that drops or gains tracked-identity status).
func (t *Tracker) Observe(event CallEvent) {
	if event.TS > t.lastEventTS {
		t.lastEventTS = event.TS
	}
	if t.comm != nil && !t.comm.MatchString(event.Comm) {
		return
	}

	oldSide, hasOld := event.Call.(freeSide)
	newSide, hasNew := event.Call.(allocSide)
	if hasOld && hasNew {
		oldID, _, _ := oldSide.oldIdentity()
		newID, _, _ := newSide.newIdentity()
		if oldID == newID {
			t.observeRealloc(event, oldSide, newSide)
			return
		}
	}
	if hasOld {
		t.observeFree(event, oldSide)
	}
	if hasNew {
		t.observeAlloc(event, newSide)
	}
}

func (t *Tracker) observeAlloc(event CallEvent, call allocSide) {
	id, ptr, size := call.newIdentity()
	if current, ok := t.table[id]; ok && !current.Freed {
		// A live record in the bucket means we lost a free event, or
		// the trace is out of order.
		log.WithFields(log.Fields{
			"bucket":   id,
			"old_size": current.Size,
			"old_ts":   current.FirstTS,
			"new_size": size,
			"new_ts":   event.TS,
		}).Error("double allocation in occupied bucket")
	}
	alloc := &Allocation{
		Ptr:        ptr,
		Size:       size,
		FirstTS:    event.TS,
		FirstStack: event.Stack,
	}
	t.table[id] = alloc
	t.footprint += t.estimatedSize(alloc)
	t.checkHighWaterMark()
}

func (t *Tracker) observeFree(event CallEvent, call freeSide) {
	id, _, _ := call.oldIdentity()
	current, ok := t.table[id]
	switch {
	case !ok:
		// Tracing probably started after the allocation call; keep a
		// stub so the freed-regions dump still shows the free site.
		log.WithFields(log.Fields{
			"bucket": id,
			"ts":     event.TS,
		}).Warn("free for untracked bucket")
		current = &Allocation{}
		t.table[id] = current
	case current.Freed:
		log.WithFields(log.Fields{
			"bucket":  id,
			"free_ts": current.FreeTS,
			"ts":      event.TS,
			"stack":   formatStack(event.Stack),
		}).Error("double free: releasing an already-freed bucket")
	}
	if !current.Freed {
		t.footprint -= t.estimatedSize(current)
	}
	current.Freed = true
	current.FreeTS = event.TS
	current.FreeStack = event.Stack
	t.checkHighWaterMark()
}

func (t *Tracker) observeRealloc(event CallEvent, oldCall freeSide, newCall allocSide) {
	id, _, _ := oldCall.oldIdentity()
	_, ptr, size := newCall.newIdentity()
	current, ok := t.table[id]
	switch {
	case !ok:
		log.WithFields(log.Fields{
			"bucket": id,
			"ts":     event.TS,
		}).Warn("realloc for untracked bucket")
		current = &Allocation{}
		t.table[id] = current
	case current.Freed:
		log.WithFields(log.Fields{
			"bucket":  id,
			"free_ts": current.FreeTS,
			"ts":      event.TS,
			"stack":   formatStack(event.Stack),
		}).Error("realloc of freed bucket")
	}
	t.footprint -= t.estimatedSize(current)
	current.Ptr = ptr
	current.Size = size
	current.LastTS = event.TS
	current.LastStack = event.Stack
	current.Resized = true
	t.footprint += t.estimatedSize(current)
	t.checkHighWaterMark()
}

// checkHighWaterMark records a new footprint peak and captures the set of
// live records at that instant. The peak only moves on a strict increase.
func (t *Tracker) checkHighWaterMark() {
	if !t.trackHighWater || t.footprint <= t.highWaterMark {
		return
	}
	t.highWaterMark = t.footprint
	t.snapshot = t.snapshot[:0]
	for bucket, alloc := range t.table {
		if !alloc.Freed {
			t.snapshot = append(t.snapshot, snapshotEntry{bucket: bucket, alloc: alloc})
		}
	}
	if t.highWaterMark >= t.highWaterMin && t.onHighWaterMark != nil {
		t.onHighWaterMark()
	}
}
