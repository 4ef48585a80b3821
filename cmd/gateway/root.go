package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fabian4/proxy-homebrew-go/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "gateway",
	Short: "Reverse proxy with prefix routing, round-robin upstreams and static files",
	Long: `gateway exposes backend HTTP services and static directories through one
listening endpoint. Requests are matched to a location by longest path prefix;
a location either forwards to an upstream group or serves files from a root.`,
	Version:       version.Value,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
}
