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

// File: cmd/trace_calls.go
// Purpose: Decodes raw probe call descriptors into typed calls. Each
// sdt_libpoireau probe has a fixed name and argument count; the table below
// is the closed grammar, resolved by direct (name, arity) lookup. Fields
// are named consistently: New* for allocations, Old* for deallocations;
// the tracker dispatches on which side a call exposes.

package cmd

import (
	"regexp"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"
)

// probeProvider is the SDT provider all tracked probes live under.
const probeProvider = "sdt_libpoireau"

// Call is one decoded probe call.
type Call interface {
	Kind() string
}

// allocSide is implemented by calls that create or take over a tracked
// allocation.
type allocSide interface {
	newIdentity() (id, ptr, size uint64)
}

// freeSide is implemented by calls that release or abandon a tracked
// allocation.
type freeSide interface {
	oldIdentity() (id, ptr, size uint64)
}

// MallocCall is a sampled malloc: a fresh identity, pointer and size.
type MallocCall struct {
	NewID   uint64
	NewPtr  uint64
	NewSize uint64
}

func (c MallocCall) Kind() string { return "malloc" }

func (c MallocCall) newIdentity() (uint64, uint64, uint64) { return c.NewID, c.NewPtr, c.NewSize }

// CallocCall is a sampled calloc; Count and ElemSize are the caller's
// arguments, the remaining fields match MallocCall.
type CallocCall struct {
	Count    uint64
	ElemSize uint64
	NewID    uint64
	NewPtr   uint64
	NewSize  uint64
}

func (c CallocCall) Kind() string { return "calloc" }

func (c CallocCall) newIdentity() (uint64, uint64, uint64) { return c.NewID, c.NewPtr, c.NewSize }

// FreeCall releases a tracked allocation.
type FreeCall struct {
	OldID   uint64
	OldPtr  uint64
	OldSize uint64
}

func (c FreeCall) Kind() string { return "free" }

func (c FreeCall) oldIdentity() (uint64, uint64, uint64) { return c.OldID, c.OldPtr, c.OldSize }

// ReallocTrackedCall resizes a tracked allocation in place: the old and new
// identities are expected to refer to the same bucket.
type ReallocTrackedCall struct {
	OldID   uint64
	OldPtr  uint64
	OldSize uint64
	NewID   uint64
	NewPtr  uint64
	NewSize uint64
}

func (c ReallocTrackedCall) Kind() string { return "realloc_from_tracked" }

func (c ReallocTrackedCall) oldIdentity() (uint64, uint64, uint64) { return c.OldID, c.OldPtr, c.OldSize }

func (c ReallocTrackedCall) newIdentity() (uint64, uint64, uint64) { return c.NewID, c.NewPtr, c.NewSize }

// ReallocUntrackedCall reallocates an untracked region into a tracked one;
// only the new side carries an identity.
type ReallocUntrackedCall struct {
	OldPtr  uint64
	OldSize uint64
	NewID   uint64
	NewPtr  uint64
	NewSize uint64
}

func (c ReallocUntrackedCall) Kind() string { return "realloc" }

func (c ReallocUntrackedCall) newIdentity() (uint64, uint64, uint64) { return c.NewID, c.NewPtr, c.NewSize }

// ReallocToRegularCall reallocates a tracked region into an untracked one;
// only the old side carries an identity.
type ReallocToRegularCall struct {
	OldID   uint64
	OldPtr  uint64
	OldSize uint64
	NewPtr  uint64
	NewSize uint64
}

func (c ReallocToRegularCall) Kind() string { return "realloc_to_regular" }

func (c ReallocToRegularCall) oldIdentity() (uint64, uint64, uint64) { return c.OldID, c.OldPtr, c.OldSize }

// probeKey identifies a decoding rule: probe name plus exact argument count.
type probeKey struct {
	name string
	argc int
}

// probeRule builds the typed call for a structurally matching descriptor.
// Diagnostic-only probes log and return nil; they never enter the tracked
// stream.
type probeRule func(args []uint64, event Event) Call

var probeTable = map[probeKey]probeRule{
	{"malloc", 3}: func(a []uint64, _ Event) Call {
		return MallocCall{NewID: a[0], NewPtr: a[1], NewSize: a[2]}
	},
	{"calloc", 5}: func(a []uint64, _ Event) Call {
		return CallocCall{Count: a[0], ElemSize: a[1], NewID: a[2], NewPtr: a[3], NewSize: a[4]}
	},
	{"free", 3}: func(a []uint64, _ Event) Call {
		return FreeCall{OldID: a[0], OldPtr: a[1], OldSize: a[2]}
	},
	{"realloc_from_tracked", 6}: func(a []uint64, _ Event) Call {
		return ReallocTrackedCall{OldID: a[0], OldPtr: a[1], OldSize: a[2], NewID: a[3], NewPtr: a[4], NewSize: a[5]}
	},
	{"realloc", 5}: func(a []uint64, _ Event) Call {
		return ReallocUntrackedCall{OldPtr: a[0], OldSize: a[1], NewID: a[2], NewPtr: a[3], NewSize: a[4]}
	},
	{"realloc_to_regular", 5}: func(a []uint64, _ Event) Call {
		return ReallocToRegularCall{OldID: a[0], OldPtr: a[1], OldSize: a[2], NewPtr: a[3], NewSize: a[4]}
	},
	{"mmap_failed", 4}: func(a []uint64, event Event) Call {
		// args: size, alignment, padded size, errno.
		log.WithFields(log.Fields{
			"size":        a[0],
			"alignment":   a[1],
			"padded_size": a[2],
			"errno":       a[3],
			"stack":       formatStack(event.Stack),
		}).Error("application failed to mmap")
		return nil
	},
	{"calloc_overflow", 2}: func(a []uint64, event Event) Call {
		log.WithFields(log.Fields{
			"count":     a[0],
			"elem_size": a[1],
			"stack":     formatStack(event.Stack),
		}).Error("application calloc overflow")
		return nil
	},
}

var callDescriptorRE = regexp.MustCompile(`^` + probeProvider + `:([a-z_]+)\((.*)\)$`)

// parseCallDescriptor splits a canonical call descriptor into the probe
// name and its positional integer arguments. The field sequence is exact:
// a `__probe_ip` field followed by arg1..argN in order.
func parseCallDescriptor(descriptor string) (string, []uint64, bool) {
	m := callDescriptorRE.FindStringSubmatch(descriptor)
	if m == nil {
		return "", nil, false
	}
	fields := strings.Split(m[2], ", ")
	if len(fields) == 0 {
		return "", nil, false
	}

	var args []uint64
	for i, field := range fields {
		kv := strings.SplitN(field, ": ", 2)
		if len(kv) != 2 {
			return "", nil, false
		}
		if i == 0 {
			if kv[0] != "__probe_ip" {
				return "", nil, false
			}
			if _, err := strconv.ParseUint(kv[1], 10, 64); err != nil {
				return "", nil, false
			}
			continue
		}
		if kv[0] != "arg"+strconv.Itoa(i) {
			return "", nil, false
		}
		value, err := strconv.ParseUint(kv[1], 10, 64)
		if err != nil {
			return "", nil, false
		}
		args = append(args, value)
	}
	return m[1], args, true
}

// interpreter classifies events by probe call and forwards tracked calls
// downstream. It keeps running per-kind counts and, when logEvery is
// positive, logs progress every logEvery processed events.
type interpreter struct {
	counts    map[string]int
	processed int
	logEvery  int
	emit      func(CallEvent)
}

func newInterpreter(logEvery int, emit func(CallEvent)) *interpreter {
	return &interpreter{
		counts:   make(map[string]int),
		logEvery: logEvery,
		emit:     emit,
	}
}

// Feed classifies one event. Events whose descriptor matches no registered
// rule are counted as Unknown and dropped; diagnostic-only probes are
// logged by their rule and dropped. The stream always continues.
func (in *interpreter) Feed(event Event) {
	in.processed++

	name, args, ok := parseCallDescriptor(event.Call)
	var call Call
	if ok {
		rule, found := probeTable[probeKey{name: name, argc: len(args)}]
		if !found {
			ok = false
		} else {
			call = rule(args, event)
		}
	}

	switch {
	case !ok:
		in.counts["Unknown"]++
		log.WithField("call", event.Call).Warn("unrecognized probe call")
	case call == nil:
		// Diagnostic-only probe, already logged by its rule.
	default:
		in.counts[call.Kind()]++
		in.emit(CallEvent{Event: event, Call: call})
	}

	if in.logEvery > 0 && (in.processed == 1 || in.processed%in.logEvery == 0) {
		log.WithFields(log.Fields{
			"events": in.processed,
			"counts": in.counts,
		}).Info("trace progress")
	}
}
