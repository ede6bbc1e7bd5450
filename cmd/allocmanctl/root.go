package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/exp/slog"
)

var (
	// Global flags
	verbose bool
	quiet   bool
)

var rootCmd = &cobra.Command{
	Use:   "allocmanctl",
	Short: "Exercise a capability resource manager against a simulated kernel",
	Long: `allocmanctl drives an allocman manager through workloads against an
in-memory kernel. It bootstraps the manager from a fixed pool and an initial
set of slots and untyped memory, optionally attaches richer backends partway
through, and reports the resulting statistics as JSON.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every manager operation to stderr")
	rootCmd.PersistentFlags().
		BoolVarP(&quiet, "quiet", "q", false, "Suppress all output except errors and the statistics")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger returns the logger handed to the manager: debug output on stderr when verbose,
// errors only otherwise
func newLogger() *slog.Logger {
	level := slog.LevelError
	if verbose {
		level = slog.LevelDebug
	}

	var out io.Writer = os.Stderr
	if quiet && !verbose {
		out = io.Discard
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// printInfo prints an info message if not in quiet mode
func printInfo(out io.Writer, format string, args ...interface{}) {
	if !quiet {
		fmt.Fprintf(out, format, args...)
	}
}
