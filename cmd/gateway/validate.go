package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fabian4/proxy-homebrew-go/internal/config"
	"github.com/fabian4/proxy-homebrew-go/internal/handler"
	"github.com/fabian4/proxy-homebrew-go/internal/model"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a config file without starting the proxy",
	Long: `Load the config file, check every invariant (upstream references,
server addresses, path prefixes, static roots, TLS files) and print a summary
of the location table in match order.

Examples:
  gateway validate --config /etc/gateway/config.yaml`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	st, err := handler.NewState(cfg, nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config %s is valid\n", cfgFile)
	if cfg.ServerName != "" {
		fmt.Fprintf(out, "server_name: %s\n", cfg.ServerName)
	}
	fmt.Fprintf(out, "listen: %s (tls: %t)\n", cfg.Listen, cfg.TLS != nil)
	for _, loc := range st.Routes.Locations() {
		switch a := loc.Action.(type) {
		case model.ProxyPass:
			b, _ := st.Balancer(a.Upstream)
			fmt.Fprintf(out, "  %-24s proxy  -> %s %v\n", loc.PathPrefix, a.Upstream, b.Servers())
		case model.StaticRoot:
			fmt.Fprintf(out, "  %-24s static -> %s\n", loc.PathPrefix, a.Root)
		}
	}
	return nil
}
