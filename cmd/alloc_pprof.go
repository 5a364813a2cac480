// File: cmd/alloc_pprof.go
// Purpose: Optional export of the live allocation table as a gzipped pprof
// inuse_space profile. Frames are already symbolicated upstream, so
// locations carry symbol names and module paths rather than addresses.

package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/google/pprof/profile"
)

// writeLiveProfile serializes every live allocation as one pprof sample
// valued at its estimated footprint contribution.
func writeLiveProfile(t *Tracker, path string) error {
	prof := &profile.Profile{
		DefaultSampleType: "inuse_space",
		SampleType: []*profile.ValueType{
			{Type: "inuse_objects", Unit: "count"},
			{Type: "inuse_space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     int64(t.samplePeriod),
		TimeNanos:  time.Now().UnixNano(),
	}

	functions := make(map[string]*profile.Function)
	locations := make(map[string]*profile.Location)

	locationFor := func(frame Frame) *profile.Location {
		key := frame.Symbol + "\x00" + frame.Module
		if loc, ok := locations[key]; ok {
			return loc
		}
		fn, ok := functions[key]
		if !ok {
			name := frame.Symbol
			if addressSymbolRE.MatchString(name) {
				name = "[" + frame.Module + "]"
			}
			fn = &profile.Function{
				ID:         uint64(len(functions) + 1),
				Name:       name,
				SystemName: frame.Symbol,
				Filename:   frame.Module,
			}
			functions[key] = fn
			prof.Function = append(prof.Function, fn)
		}
		loc := &profile.Location{
			ID:   uint64(len(locations) + 1),
			Line: []profile.Line{{Function: fn, Line: 1}},
		}
		locations[key] = loc
		prof.Location = append(prof.Location, loc)
		return loc
	}

	for _, alloc := range t.table {
		if alloc.Freed {
			continue
		}
		stack := alloc.FirstStack
		if alloc.Resized {
			stack = alloc.LastStack
		}
		locs := make([]*profile.Location, 0, len(stack))
		for _, frame := range stack {
			locs = append(locs, locationFor(frame))
		}
		prof.Sample = append(prof.Sample, &profile.Sample{
			Location: locs,
			Value:    []int64{1, t.estimatedSize(alloc)},
		})
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating profile %s: %w", path, err)
	}
	defer f.Close()
	if err := prof.Write(f); err != nil {
		return fmt.Errorf("writing profile %s: %w", path, err)
	}
	return nil
}
