// File: cmd/trace_segmenter.go
// Purpose: Folds the raw line stream into complete Events: one header line
// followed by zero or more backtrace frame lines.

package cmd

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// segmenter accumulates a pending record header and its backtrace frames.
// A line that parses as neither blank nor frame closes the pending event
// and is retried as the next header. Single forward pass, no lookahead.
type segmenter struct {
	pending *Event
	frames  Stack
	emit    func(Event)
}

func newSegmenter(emit func(Event)) *segmenter {
	return &segmenter{emit: emit}
}

// Feed consumes one raw input line.
func (s *segmenter) Feed(line string) {
	line = strings.TrimRight(line, " \t\r\n")
	if line == "" {
		return
	}
	if s.pending == nil {
		s.start(line)
		return
	}
	if frame, ok := parseFrame(line); ok {
		s.frames = append(s.frames, frame)
		return
	}
	// The current line starts the next record.
	s.finish()
	s.start(line)
}

// Flush emits the final in-progress event. Callers must invoke it at end
// of input: a finite trace has no trailing line to close its last record.
func (s *segmenter) Flush() {
	if s.pending != nil {
		s.finish()
	}
}

func (s *segmenter) start(line string) {
	event, ok := parseHeader(line)
	if !ok {
		log.WithField("line", line).Warn("unparsable trace line")
		return
	}
	s.pending = &event
}

func (s *segmenter) finish() {
	event := *s.pending
	event.Stack = s.frames
	s.pending = nil
	s.frames = nil
	s.emit(event)
}
