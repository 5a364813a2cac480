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

// File: cmd/root.go
// Package: cmd
//
// Description:
// This file contains the entry point and base configuration for the `poireau`
// CLI. It defines the root command (`rootCmd`) that acts as the main command
// for the application and manages subcommands like `track`. The root command
// also handles application-wide configuration such as the log level.

package cmd

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var logLevelFlag string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "poireau",
	Short: "Analyze allocation traces sampled by libpoireau",
	Long: `The poireau CLI consumes the text output of perf tracing the
sdt_libpoireau:* probes, reconstructs the lifecycle of every sampled
allocation, and reports suspiciously old allocations, freed regions,
and high-water-mark snapshots.

Examples:
  - Track a live trace:
    sudo perf trace -T -a -e sdt_libpoireau:* --call-graph=dwarf 2>&1 | poireau track

  - Replay a recorded trace:
    poireau track trace.txt`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := log.ParseLevel(logLevelFlag)
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", logLevelFlag, err)
		}
		log.SetLevel(level)
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This function is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	// Diagnostics go to stderr through logrus; stdout is reserved for
	// report payloads.
	log.SetOutput(os.Stderr)
	rootCmd.PersistentFlags().StringVar(&logLevelFlag, "log-level", "info", "Log level: debug, info, warn or error")
}
