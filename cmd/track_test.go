// File: cmd/track_test.go
package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLines(t *testing.T) {
	dir := t.TempDir()
	first := filepath.Join(dir, "a.txt")
	second := filepath.Join(dir, "b.txt")
	require.NoError(t, os.WriteFile(first, []byte("one\ntwo\n"), 0644))
	require.NoError(t, os.WriteFile(second, []byte("three\n"), 0644))

	lines := make(chan string, 16)
	errc := make(chan error, 1)
	go readLines([]string{first, second}, lines, errc)

	var got []string
	for line := range lines {
		got = append(got, line)
	}
	require.NoError(t, <-errc)
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestReadLinesMissingFile(t *testing.T) {
	lines := make(chan string, 1)
	errc := make(chan error, 1)
	go readLines([]string{filepath.Join(t.TempDir(), "absent.txt")}, lines, errc)

	for range lines {
	}
	assert.Error(t, <-errc)
}

// The whole pipeline, wired the way runTrack wires it: raw replay text in,
// reports out.
func TestPipelineReplay(t *testing.T) {
	trace := strings.Join([]string{
		" 1000.0 coronerd/0/100 sdt_libpoireau:malloc(__probe_ip: 1, arg1: 7, arg2: 4096, arg3: 100)",
		"\tsampled_malloc (/usr/lib/libpoireau.so)",
		"\tstring_create (/opt/backtrace/sbin/coronerd)",
		" 2000.0 coronerd/0/100 sdt_libpoireau:malloc(__probe_ip: 1, arg1: 8, arg2: 8192, arg3: 2048)",
		"\tbuffer_grow (/opt/backtrace/sbin/coronerd)",
		" 3000.0 coronerd/0/100 sdt_libpoireau:free(__probe_ip: 1, arg1: 7, arg2: 4096, arg3: 100)",
		"\tstring_destroy (/opt/backtrace/sbin/coronerd)",
		" 9000.0 coronerd/0/100 sdt_libpoireau:realloc_from_tracked(__probe_ip: 1, arg1: 8, arg2: 8192, arg3: 2048, arg4: 8, arg5: 16384, arg6: 4096)",
		"\tbuffer_grow (/opt/backtrace/sbin/coronerd)",
	}, "\n")

	cfg := trackConfig{samplePeriod: 1 << 10}
	tracker := newTracker(cfg)
	var buf bytes.Buffer
	reporter := newReporter(tracker, &buf)
	interp := newInterpreter(0, tracker.Observe)
	seg := newSegmenter(interp.Feed)

	for _, line := range strings.Split(trace, "\n") {
		seg.Feed(line)
	}
	seg.Flush()

	require.Len(t, tracker.table, 2)
	assert.True(t, tracker.table[7].Freed)
	assert.False(t, tracker.table[8].Freed)
	assert.Equal(t, uint64(4096), tracker.table[8].Size)
	assert.Equal(t, int64(4096), tracker.footprint)
	assert.InDelta(t, 9.0, tracker.now(), 1e-9)

	// The final full report covers the surviving allocation only.
	reporter.ReportOld(0, 0, false)
	out := buf.String()
	assert.Contains(t, out, "size=4096")
	assert.Contains(t, out, "alloc=buffer_grow")
	assert.Contains(t, out, "realloc=buffer_grow")
	assert.NotContains(t, out, "size=100")

	buf.Reset()
	reporter.ReportFreed()
	out = buf.String()
	assert.Contains(t, out, "ptr=1000 size=100")
	assert.Contains(t, out, "free=string_destroy")
	assert.Contains(t, out, "alloc=sampled_malloc;string_create")
}
