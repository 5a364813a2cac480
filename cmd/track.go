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

// File: cmd/track.go
// Purpose: The track subcommand and its driver loop. A reader goroutine
// feeds trace lines into a channel; signals and the periodic report timer
// feed the same select loop, so the allocation table is only ever touched
// from one goroutine and report handlers run between two events, never
// against a partially applied mutation.

package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	trackHighWaterFlag bool
	highWaterMinFlag   uint64
	commFlag           string
	pprofOutFlag       string
	suspectAgeFlag     time.Duration
	reportPeriodFlag   time.Duration
	initialDelayFlag   time.Duration
)

// progressLogPeriod is how many interpreted events pass between progress
// log lines when consuming a live stream.
const progressLogPeriod = 100

var trackCmd = &cobra.Command{
	Use:   "track [trace file...]",
	Short: "Track sampled allocations from a perf trace of sdt_libpoireau:*",
	Long: `Track ingests the text output of perf tracing the sdt_libpoireau
probes and reconstructs the lifecycle of every sampled allocation.

With no arguments (or "-") it reads a live stream from stdin and reports
old allocations periodically. With file arguments it replays a recorded
log, using trace timestamps as the clock, and prints one final report.

While running:
  SIGHUP   report all currently live allocations
  SIGUSR1  report old allocations and ignore everything currently live
  SIGUSR2  dump freed-but-retained regions (use-after-free diagnosis)

The first thing to check when footprint numbers look wrong is that
POIREAU_SAMPLE_PERIOD_BYTES matches the traced process's configuration.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildTrackConfig(args)
		if err != nil {
			return err
		}
		return runTrack(cfg, args)
	},
}

func init() {
	rootCmd.AddCommand(trackCmd)
	trackCmd.Flags().BoolVar(&trackHighWaterFlag, "track-high-water-mark", false, "Capture and report footprint high-water-mark snapshots")
	trackCmd.Flags().Uint64Var(&highWaterMinFlag, "high-water-mark-min", 0, "Minimum footprint in bytes before a new high-water mark is reported")
	trackCmd.Flags().StringVar(&commFlag, "comm", ".*", "Only track events whose process name matches this pattern")
	trackCmd.Flags().StringVar(&pprofOutFlag, "pprof-out", "", "Write live allocations as a pprof profile to this path on full reports")
	trackCmd.Flags().DurationVar(&suspectAgeFlag, "suspect-age", 5*time.Minute, "Age past which a live allocation is reported as suspect")
	trackCmd.Flags().DurationVar(&reportPeriodFlag, "report-period", 10*time.Minute, "Interval between periodic old-allocation reports")
	trackCmd.Flags().DurationVar(&initialDelayFlag, "initial-delay", 30*time.Second, "Extra delay past the suspect age before the first periodic report")
}

// readLines feeds the named trace files (stdin for "-" or no arguments)
// line by line into out, then closes it and reports any read error.
func readLines(paths []string, out chan<- string, errc chan<- error) {
	defer close(out)
	if len(paths) == 0 {
		paths = []string{"-"}
	}
	for _, path := range paths {
		var reader io.Reader
		var file *os.File
		if path == "-" {
			reader = os.Stdin
		} else {
			f, err := os.Open(path)
			if err != nil {
				errc <- err
				return
			}
			file = f
			reader = f
		}
		scanner := bufio.NewScanner(reader)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for scanner.Scan() {
			out <- scanner.Text()
		}
		err := scanner.Err()
		if file != nil {
			file.Close()
		}
		if err != nil {
			errc <- fmt.Errorf("reading %s: %w", path, err)
			return
		}
	}
	errc <- nil
}

// runTrack assembles the pipeline and runs the driver loop until the
// input is exhausted or a termination signal arrives. Both exits converge
// on one final full report so no observation is dropped at shutdown.
func runTrack(cfg trackConfig, args []string) error {
	tracker := newTracker(cfg)
	reporter := newReporter(tracker, os.Stdout)
	tracker.onHighWaterMark = func() { reporter.ReportHighWaterMark(true) }

	logEvery := 0
	if cfg.live {
		logEvery = progressLogPeriod
	}
	interp := newInterpreter(logEvery, tracker.Observe)
	seg := newSegmenter(interp.Feed)

	lines := make(chan string, 256)
	readErr := make(chan error, 1)
	go readLines(args, lines, readErr)

	sigc := make(chan os.Signal, 4)
	signal.Notify(sigc, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)

	// Periodic reports only make sense against a live stream. The first
	// firing waits until an allocation could be old enough to be suspect.
	var timer *time.Timer
	var timerC <-chan time.Time
	if cfg.live {
		timer = time.NewTimer(cfg.suspectAge + cfg.initialDelay)
		timerC = timer.C
		defer timer.Stop()
	}

	exportProfile := func() {
		if cfg.pprofOut == "" {
			return
		}
		if err := writeLiveProfile(tracker, cfg.pprofOut); err != nil {
			log.WithError(err).Error("pprof export failed")
		}
	}

	finish := func() {
		seg.Flush()
		reporter.ReportOld(0, 0, false)
		exportProfile()
	}

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				finish()
				return <-readErr
			}
			seg.Feed(line)

		case sig := <-sigc:
			switch sig {
			case syscall.SIGHUP:
				reporter.ReportOld(0, 0, false)
				reporter.ReportHighWaterMark(false)
				exportProfile()
			case syscall.SIGUSR1:
				reporter.ReportOld(cfg.suspectAge.Seconds(), cfg.suspectStale.Seconds(), true)
				fmt.Fprintf(os.Stdout, "%s currently extant allocations now ignored\n", utcStamp())
			case syscall.SIGUSR2:
				reporter.ReportFreed()
			case syscall.SIGINT, syscall.SIGTERM:
				finish()
				return nil
			}

		case <-timerC:
			reporter.ReportOld(cfg.suspectAge.Seconds(), cfg.suspectStale.Seconds(), false)
			// Re-arm only after the report so handler runtime does not
			// compound drift across periods.
			timer.Reset(cfg.reportPeriod)
		}
	}
}
