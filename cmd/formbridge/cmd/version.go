package cmd

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Build information, overridable at build time via -ldflags. When built
// without ldflags (go install, plain go build from a checkout), the commit
// falls back to the VCS revision the Go toolchain stamps into the binary.
var (
	Version   = "0.3.0"
	Commit    = ""
	BuildDate = ""
)

var versionShort bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		if versionShort {
			fmt.Fprintln(out, Version)
			return
		}
		fmt.Fprintf(out, "formbridge %s (commit %s, built %s, %s %s/%s)\n",
			Version, buildCommit(), buildDate(),
			runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionShort, "short", false, "Print only the version number")
	rootCmd.AddCommand(versionCmd)
}

func buildCommit() string {
	if Commit != "" {
		return Commit
	}
	if info, ok := debug.ReadBuildInfo(); ok {
		for _, s := range info.Settings {
			if s.Key == "vcs.revision" {
				if len(s.Value) > 12 {
					return s.Value[:12]
				}
				return s.Value
			}
		}
	}
	return "unknown"
}

func buildDate() string {
	if BuildDate != "" {
		return BuildDate
	}
	return "unknown"
}
