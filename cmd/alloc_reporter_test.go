// File: cmd/alloc_reporter_test.go
package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatStack(t *testing.T) {
	tests := []struct {
		name     string
		stack    Stack
		expected string
	}{
		{
			name:     "empty stack",
			stack:    nil,
			expected: "",
		},
		{
			name: "symbols joined innermost first",
			stack: Stack{
				{Symbol: "sampled_malloc", Module: "/usr/lib/libpoireau.so"},
				{Symbol: "string_create", Module: "/bin/app"},
			},
			expected: "sampled_malloc;string_create",
		},
		{
			name: "address symbols collapse to module",
			stack: Stack{
				{Symbol: "0x7f4d353bd14d", Module: "/usr/lib/libpoireau.so"},
				{Symbol: "[0]", Module: "[unknown]"},
				{Symbol: "12345", Module: "/bin/app"},
				{Symbol: "handler0x", Module: "/bin/app"},
			},
			expected: "[/usr/lib/libpoireau.so];[[unknown]];[/bin/app];handler0x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatStack(tt.stack))
		})
	}
}

func newTestReporter() (*Tracker, *Reporter, *bytes.Buffer) {
	tracker := newReplayTracker()
	var buf bytes.Buffer
	return tracker, newReporter(tracker, &buf), &buf
}

func TestReportOldAgeThreshold(t *testing.T) {
	tracker, reporter, buf := newTestReporter()
	tracker.Observe(mallocEvent(1.0, 1, 0x1000, 100))
	tracker.Observe(mallocEvent(90.0, 2, 0x2000, 200))
	tracker.Observe(mallocEvent(100.0, 3, 0x3000, 300))
	// now = 100; ages are 99, 10 and 0.

	reporter.ReportOld(50, 0, false)
	out := buf.String()
	assert.Contains(t, out, "size=100")
	assert.NotContains(t, out, "size=200")
	assert.NotContains(t, out, "size=300")

	buf.Reset()
	reporter.ReportOld(5, 0, false)
	out = buf.String()
	assert.Contains(t, out, "size=100")
	assert.Contains(t, out, "size=200")
	assert.NotContains(t, out, "size=300", "zero-age allocation is never old")
}

func TestReportOldSkipsFreed(t *testing.T) {
	tracker, reporter, buf := newTestReporter()
	tracker.Observe(mallocEvent(1.0, 7, 0x1000, 100))
	tracker.Observe(freeEvent(2.0, 7, 0x1000, 100))
	tracker.Observe(mallocEvent(3.0, 8, 0x2000, 200))

	reporter.ReportOld(0, 0, false)
	assert.NotContains(t, buf.String(), "size=100")
	assert.Contains(t, buf.String(), "size=200")

	buf.Reset()
	reporter.ReportFreed()
	out := buf.String()
	assert.Contains(t, out, "Recently freed regions")
	assert.Contains(t, out, "ptr=1000 size=100")
	assert.Contains(t, out, "free=free_site")
	assert.Contains(t, out, "alloc=alloc_site")
	assert.NotContains(t, out, "size=200")
}

func TestReportOldStalenessGuard(t *testing.T) {
	tracker, reporter, buf := newTestReporter()
	tracker.Observe(mallocEvent(1.0, 1, 0x1000, 100))
	tracker.Observe(reallocEvent(95.0, 1, 0x1100, 100))
	tracker.Observe(mallocEvent(2.0, 2, 0x2000, 200))
	tracker.Observe(mallocEvent(100.0, 3, 0x3000, 300))
	// now = 100. Bucket 1 is old (age 99) but was resized 5s ago.

	reporter.ReportOld(50, 10, false)
	out := buf.String()
	assert.NotContains(t, out, "size=100", "recently resized allocation is not yet suspicious")
	assert.Contains(t, out, "size=200")

	buf.Reset()
	reporter.ReportOld(50, 2, false)
	out = buf.String()
	assert.Contains(t, out, "size=100", "staleness guard of 2s no longer covers a 5s-old resize")
	assert.Contains(t, out, "m_age=")
	assert.Contains(t, out, "realloc=realloc_site")
}

func TestReportOldMarkIgnored(t *testing.T) {
	tracker, reporter, buf := newTestReporter()
	tracker.Observe(mallocEvent(1.0, 1, 0x1000, 100))
	tracker.Observe(mallocEvent(2.0, 2, 0x2000, 200))
	tracker.Observe(mallocEvent(100.0, 3, 0x3000, 300))

	reporter.ReportOld(50, 0, true)
	require.Contains(t, buf.String(), "size=100")

	// Everything live during the marking pass is now ignored, including
	// records that were too young to report.
	buf.Reset()
	reporter.ReportOld(0, 0, false)
	assert.Empty(t, strings.TrimSpace(buf.String()))

	// A freed bucket reused by an unrelated allocation does not inherit
	// ignored status.
	tracker.Observe(freeEvent(101.0, 1, 0x1000, 100))
	tracker.Observe(mallocEvent(102.0, 1, 0x4000, 400))
	tracker.Observe(mallocEvent(200.0, 4, 0x5000, 50))
	buf.Reset()
	reporter.ReportOld(50, 0, false)
	out := buf.String()
	assert.Contains(t, out, "size=400")
	assert.NotContains(t, out, "size=200")
	assert.NotContains(t, out, "size=300")
}

func TestReportHighWaterMark(t *testing.T) {
	tracker := newTracker(trackConfig{samplePeriod: testSamplePeriod, trackHighWater: true})
	var buf bytes.Buffer
	reporter := newReporter(tracker, &buf)

	tracker.Observe(mallocEvent(1.0, 1, 0x1000, 2*testSamplePeriod))
	tracker.Observe(mallocEvent(2.0, 2, 0x2000, 5*testSamplePeriod))
	tracker.Observe(mallocEvent(3.0, 3, 0x3000, testSamplePeriod))

	reporter.ReportHighWaterMark(false)
	out := buf.String()
	assert.Contains(t, out, "allocations at current high water mark")
	// Largest allocations first.
	first := strings.Index(out, "size=5120")
	second := strings.Index(out, "size=2048")
	third := strings.Index(out, "size=1024")
	require.True(t, first >= 0 && second >= 0 && third >= 0)
	assert.Less(t, first, second)
	assert.Less(t, second, third)

	// Records freed since the capture are excluded from a re-emit.
	tracker.Observe(freeEvent(4.0, 2, 0x2000, 5*testSamplePeriod))
	buf.Reset()
	reporter.ReportHighWaterMark(true)
	out = buf.String()
	assert.Contains(t, out, "allocations at new high water mark")
	assert.NotContains(t, out, "size=5120")
	assert.Contains(t, out, "size=2048")
}

func TestReportHighWaterMarkDisabled(t *testing.T) {
	tracker, reporter, buf := newTestReporter()
	tracker.Observe(mallocEvent(1.0, 1, 0x1000, 100))
	reporter.ReportHighWaterMark(false)
	assert.Empty(t, buf.String())
}
