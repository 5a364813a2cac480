// File: cmd/config.go
// Purpose: Configuration for the track subcommand: environment-sourced
// instrumentation settings plus command-line tuning flags.

package cmd

import (
	"fmt"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
)

// envConfig holds settings shared with the libpoireau instrumentation.
// The sampling period must match the traced process's configuration or
// footprint estimates are biased.
type envConfig struct {
	SamplePeriodBytes uint64 `env:"POIREAU_SAMPLE_PERIOD_BYTES" envDefault:"33554432"`
}

func loadEnvConfig() (envConfig, error) {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		return envConfig{}, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

// trackConfig is the assembled configuration the pipeline runs with.
type trackConfig struct {
	samplePeriod   uint64
	trackHighWater bool
	highWaterMin   int64
	comm           *regexp.Regexp
	live           bool
	suspectAge     time.Duration
	suspectStale   time.Duration
	reportPeriod   time.Duration
	initialDelay   time.Duration
	pprofOut       string
}

// replayMode reports whether the trace arguments name a finite recorded
// log. No arguments (or an explicit "-") means a live stream on stdin.
func replayMode(args []string) bool {
	if len(args) == 0 {
		return false
	}
	for _, arg := range args {
		if arg != "-" {
			return true
		}
	}
	return false
}

func buildTrackConfig(args []string) (trackConfig, error) {
	envCfg, err := loadEnvConfig()
	if err != nil {
		return trackConfig{}, err
	}
	comm, err := regexp.Compile(commFlag)
	if err != nil {
		return trackConfig{}, fmt.Errorf("invalid --comm pattern %q: %w", commFlag, err)
	}
	return trackConfig{
		samplePeriod:   envCfg.SamplePeriodBytes,
		trackHighWater: trackHighWaterFlag,
		highWaterMin:   int64(highWaterMinFlag),
		comm:           comm,
		live:           !replayMode(args),
		suspectAge:     suspectAgeFlag,
		suspectStale:   suspectAgeFlag,
		reportPeriod:   reportPeriodFlag,
		initialDelay:   initialDelayFlag,
		pprofOut:       pprofOutFlag,
	}, nil
}
