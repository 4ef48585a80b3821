package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/fabian4/proxy-homebrew-go/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "gateway %s\n", version.Value)
		fmt.Fprintf(out, "Git Commit: %s\n", version.Commit)
		fmt.Fprintf(out, "Build Date: %s\n", version.BuildDate)
		fmt.Fprintf(out, "Go Version: %s\n", runtime.Version())
		fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
