// Command refstress runs the bridge concurrency stress scenario: worker
// goroutines re-fetch a dependent object and check its reference count while
// a periodic and a tight-loop collector release unreachable proxies.
//
// Usage:
//
//	refstress run [--config stress.yaml] [--workers 2] [--duration 1m]
//	refstress config
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/obinnaokechukwu/refbridge"
	"github.com/obinnaokechukwu/refbridge/harness"
)

type flags struct {
	configPath  string
	workers     int
	interval    time.Duration
	duration    time.Duration
	dropEvery   int
	relinkEvery int
	noForceGC   bool
	noPeriodic  bool
	noTightLoop bool
	metricsAddr string
	reportPath  string
	logLevel    string
	debug       bool
}

var f flags

var rootCmd = &cobra.Command{
	Use:           "refstress",
	Short:         "Stress the native/managed reference bridge",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the concurrency scenario until the duration elapses or an invariant fails",
	RunE:  runStress,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "YAML configuration file")
	pf.IntVarP(&f.workers, "workers", "w", 0, "number of worker goroutines (default from config)")
	pf.DurationVar(&f.interval, "interval", 0, "periodic collector cadence")
	pf.DurationVarP(&f.duration, "duration", "d", 0, "run duration")
	pf.IntVar(&f.dropEvery, "drop-every", -1, "drop the worker proxy every N iterations (0 keeps it)")
	pf.IntVar(&f.relinkEvery, "relink-every", -1, "link a fresh dependent every N iterations (0 keeps the first)")
	pf.BoolVar(&f.noForceGC, "no-force-gc", false, "do not run a Go collection before each sweep")
	pf.BoolVar(&f.noPeriodic, "no-periodic", false, "disable the periodic collector")
	pf.BoolVar(&f.noTightLoop, "no-tight-loop", false, "disable the tight-loop collector")

	runCmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (e.g. :9090)")
	runCmd.Flags().StringVar(&f.reportPath, "report", "", "write the run report as YAML to this file")
	runCmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&f.debug, "debug", false, "log every reference the collector releases")

	rootCmd.AddCommand(runCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "refstress:", err)
		os.Exit(1)
	}
}

// loadConfig merges the config file and explicitly set flags over the defaults.
func loadConfig(cmd *cobra.Command) (harness.Config, error) {
	cfg := harness.DefaultConfig()
	if f.configPath != "" {
		loaded, err := harness.LoadConfig(f.configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}

	fl := cmd.Flags()
	if fl.Changed("workers") {
		cfg.Workers = f.workers
	}
	if fl.Changed("interval") {
		cfg.CollectorInterval = f.interval
	}
	if fl.Changed("duration") {
		cfg.Duration = f.duration
	}
	if fl.Changed("drop-every") {
		cfg.DropEvery = f.dropEvery
	}
	if fl.Changed("relink-every") {
		cfg.RelinkEvery = f.relinkEvery
	}
	if f.noForceGC {
		cfg.ForceGC = false
	}
	if f.noPeriodic {
		cfg.PeriodicCollector = false
	}
	if f.noTightLoop {
		cfg.ContinuousCollector = false
	}
	return cfg, cfg.Validate()
}

func newLogger() (*slog.Logger, error) {
	level, err := refbridge.ParseLogLevel(f.logLevel)
	if err != nil {
		return nil, err
	}
	if f.debug && level > slog.LevelDebug {
		level = slog.LevelDebug
	}
	fd := os.Stderr.Fd()
	return refbridge.NewLogger(os.Stderr, refbridge.LogOptions{
		Level: level,
		Color: isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd),
	}), nil
}

func runStress(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}

	opts := append(cfg.BridgeOptions(),
		refbridge.WithLogger(logger),
		refbridge.WithDebug(f.debug),
		refbridge.WithMetrics(f.metricsAddr != ""),
	)
	bridge := refbridge.New(opts...)

	if f.metricsAddr != "" {
		srv := &http.Server{
			Addr:              f.metricsAddr,
			Handler:           promhttp.HandlerFor(bridge.MetricsRegistry(), promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "addr", f.metricsAddr, "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", "addr", f.metricsAddr)
	}

	h, err := harness.New(cfg, harness.WithBridge(bridge), harness.WithLogger(logger))
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, runErr := h.Run(ctx)
	if !rep.Hung {
		closeRep, err := bridge.Close()
		if err != nil {
			logger.Warn("closing bridge", "error", err)
		}
		rep.Close = closeRep
	}

	if f.reportPath != "" {
		if err := writeReport(f.reportPath, rep); err != nil {
			return err
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s: %s after %s (%d iterations, %d relinks, %d sweeps, %d freed)\n",
		rep.RunID, rep.Outcome, rep.Elapsed.Round(time.Millisecond), rep.Iterations, rep.Relinks, rep.Sweeps, rep.Freed)
	return runErr
}

func writeReport(path string, rep *harness.Report) error {
	data, err := yaml.Marshal(rep)
	if err != nil {
		return fmt.Errorf("encoding report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report: %w", err)
	}
	return nil
}
