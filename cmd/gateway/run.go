package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/fabian4/proxy-homebrew-go/internal/config"
	"github.com/fabian4/proxy-homebrew-go/internal/forward"
	"github.com/fabian4/proxy-homebrew-go/internal/handler"
	"github.com/fabian4/proxy-homebrew-go/internal/logging"
	"github.com/fabian4/proxy-homebrew-go/internal/metrics"
	"github.com/fabian4/proxy-homebrew-go/internal/server"
	"github.com/fabian4/proxy-homebrew-go/internal/version"
)

type runFlags struct {
	listen   string
	logLevel string
	watch    bool
	dryRun   bool
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the proxy",
	Long: `Load the config file and serve until SIGINT or SIGTERM.

With --watch the config file is reloaded when it changes. Locations, upstream
groups, rate limits and access log settings apply to new requests without a
restart; listener and transport settings need one.

Examples:
  gateway run --config config.yaml
  gateway run --config config.yaml --listen :9090 --log-level debug
  gateway run --config config.yaml --watch`,
	RunE: runGateway,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runOpts.listen, "listen", "", "override the listen address from the config")
	runCmd.Flags().StringVar(&runOpts.logLevel, "log-level", "", "override the log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runOpts.watch, "watch", false, "reload the config when the file changes")
	runCmd.Flags().BoolVar(&runOpts.dryRun, "dry-run", false, "build everything, then exit without listening")
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := loadWithOverrides(cfgFile, runOpts)
	if err != nil {
		return err
	}

	logger, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Writer: os.Stderr,
	})
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	st, err := handler.NewState(cfg, nil)
	if err != nil {
		return err
	}
	if runOpts.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
		return nil
	}

	accessOut, closeAccess, err := openAccessLog(cfg.AccessLog.Path)
	if err != nil {
		return err
	}
	defer closeAccess()

	m := metrics.NewRegistry()
	transports := forward.NewRegistry(forward.FromConfig(cfg.Transport))
	defer transports.CloseIdle()

	gw := handler.NewGateway(st,
		handler.WithTransports(transports),
		handler.WithMetrics(m),
		handler.WithLogger(logger),
		handler.WithAccessLog(accessOut),
	)

	logger.Info("starting gateway",
		"version", version.Value,
		"commit", version.Commit,
		"config", cfg.Path,
		"server_name", cfg.ServerName,
		"listen", cfg.Listen,
		"tls", cfg.TLS != nil,
		"admin", cfg.Admin.Listen,
	)
	logRoutes(logger, st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Transport.IdleSweep != "" {
		c, err := forward.StartIdleSweep(transports, cfg.Transport.IdleSweep, logger)
		if err != nil {
			return err
		}
		defer c.Stop()
	}

	if runOpts.watch {
		w := config.NewWatcher(cfg.Path, logger, func(next *config.Config) {
			applyOverrides(next, runOpts)
			reload(gw, cfg, next, m, logger)
		})
		w.OnError = func(error) { m.IncReload("rejected") }
		go func() {
			if err := w.Run(ctx); err != nil {
				logger.Error("config watcher stopped", "error", err)
			}
		}()
	}

	h := handler.Chain(gw, handler.RequestID(), handler.Recover(logger))
	srv := server.New(server.FromConfig(cfg), h, m.Handler(), logger)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Info("gateway stopped")
	return nil
}

// reload swaps in the state built from next. A config that fails to build
// leaves the running state untouched.
func reload(gw *handler.Gateway, running, next *config.Config, m *metrics.Registry, logger *slog.Logger) {
	st, err := handler.NewState(next, gw.State())
	if err != nil {
		logger.Error("config reload rejected", "error", err)
		m.IncReload("rejected")
		return
	}
	if next.Listen != running.Listen || !reflect.DeepEqual(next.TLS, running.TLS) {
		logger.Warn("listener settings changed; restart to apply", "listen", next.Listen)
	}
	if !reflect.DeepEqual(next.Transport, running.Transport) || next.Admin != running.Admin {
		logger.Warn("transport or admin settings changed; restart to apply")
	}
	gw.Reload(st)
	m.IncReload("ok")
	logger.Info("config reloaded", "locations", st.Routes.Len(), "upstreams", len(st.Upstreams))
	logRoutes(logger, st)
}

func loadWithOverrides(path string, f runFlags) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, f)
	if _, err := logging.ParseLevel(cfg.Logging.Level); err != nil {
		return nil, err
	}
	if err := config.Validate(&cfg.Config); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config, f runFlags) {
	if f.listen != "" {
		cfg.Listen = f.listen
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
}

func openAccessLog(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open access log: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func logRoutes(logger *slog.Logger, st *handler.State) {
	for _, loc := range st.Routes.Locations() {
		logger.Debug("location", "prefix", loc.PathPrefix, "kind", loc.Kind())
	}
}
