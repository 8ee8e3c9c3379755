package main

import (
	"runtime"

	"github.com/spf13/cobra"
)

// Version metadata set via -ldflags at build time.
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("flightdeck %s\n", version)
		cmd.Printf("  commit:  %s\n", gitCommit)
		cmd.Printf("  built:   %s\n", buildDate)
		cmd.Printf("  go:      %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
