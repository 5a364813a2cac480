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

// File: cmd/trace_types.go
// Purpose: Type definitions for the trace-ingestion side of the pipeline:
// backtrace frames, stacks, and probe events as parsed from perf output.

package cmd

// Frame represents a single backtrace entry. Symbol may be a raw address,
// in which case only the module path is meaningful.
type Frame struct {
	Symbol string
	Module string
}

// Stack is an ordered backtrace, innermost call first. It may be empty.
type Stack []Frame

// Event is one parsed trace record: a header plus the backtrace that
// followed it. TS is in seconds on the trace's monotonic-like clock.
// Call holds the raw probe call descriptor text; the call interpreter
// turns it into a typed Call.
type Event struct {
	TS    float64
	Comm  string
	TID   int
	Call  string
	Stack Stack
}

// CallEvent is an Event whose call descriptor has been decoded into a
// typed probe call.
type CallEvent struct {
	Event
	Call Call
}
