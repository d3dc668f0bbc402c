// oopstime watches keyboard input and raises a desktop alert when the
// share of corrections among recent keystrokes exceeds a threshold.
//
//	oopstime                 Run the detector (same as "oopstime run")
//	oopstime run --simulate  Read key tokens from stdin instead of the OS
//	oopstime config path     Print the settings file location
//	oopstime config check    Validate the settings file
//	oopstime version         Print version information
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"oopstime/internal/config"
	"oopstime/internal/daemon"
	"oopstime/internal/keystroke"
	"oopstime/internal/logging"
)

// Set by -ldflags at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

type rootFlags struct {
	opts  *config.Options
	debug bool
}

func main() {
	daemon.Version = Version
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{opts: config.DefaultOptions()}

	rootCmd := &cobra.Command{
		Use:           "oopstime",
		Short:         "Alert when recent typing contains too many corrections",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return f.applyEnv(cmd)
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, f)
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&f.opts.ConfigPath, "config", f.opts.ConfigPath, "settings file (toml, yaml or json)")
	pf.StringVar(&f.opts.DataDir, "data-dir", f.opts.DataDir, "directory for the alert database and crash reports")
	pf.StringVar(&f.opts.SocketPath, "socket", f.opts.SocketPath, "control socket path")
	pf.StringVar(&f.opts.PIDFile, "pid-file", f.opts.PIDFile, "PID file path")
	pf.StringVar(&f.opts.DBPath, "db", f.opts.DBPath, "alert database path")
	pf.BoolVar(&f.debug, "debug", false, "log at debug level")
	pf.StringVar(&f.opts.LogLevel, "log-level", f.opts.LogLevel, "log level (debug, info, warn, error)")
	pf.StringVar(&f.opts.LogFormat, "log-format", f.opts.LogFormat, "log format (text, json)")
	pf.StringVar(&f.opts.LogOutput, "log-output", f.opts.LogOutput, "log destination (stdout, stderr, file, both)")
	pf.StringVar(&f.opts.LogPath, "log-file", f.opts.LogPath, "log file path")

	addRunFlags(rootCmd, f)

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the detector in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd, f)
		},
	}
	addRunFlags(runCmd, f)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(newConfigCmd(f))
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func addRunFlags(cmd *cobra.Command, f *rootFlags) {
	cmd.Flags().BoolVar(&f.opts.Simulate, "simulate", f.opts.Simulate, "read key tokens from stdin instead of the keyboard")
	cmd.Flags().BoolVar(&f.opts.NoNotify, "no-notify", f.opts.NoNotify, "log alerts instead of showing them")
	cmd.Flags().IntVar(&f.opts.QueueSize, "queue-size", f.opts.QueueSize, "capture queue capacity")
}

// applyEnv fills every option not set on the command line from OOPSTIME_*
// variables.
func (f *rootFlags) applyEnv(cmd *cobra.Command) error {
	env := *f.opts
	if err := env.ApplyEnvOverrides(); err != nil {
		return err
	}

	pick := func(name string, dst *string, v string) {
		if !cmd.Flags().Changed(name) {
			*dst = v
		}
	}
	pick("config", &f.opts.ConfigPath, env.ConfigPath)
	pick("data-dir", &f.opts.DataDir, env.DataDir)
	pick("socket", &f.opts.SocketPath, env.SocketPath)
	pick("pid-file", &f.opts.PIDFile, env.PIDFile)
	pick("db", &f.opts.DBPath, env.DBPath)
	pick("log-level", &f.opts.LogLevel, env.LogLevel)
	pick("log-format", &f.opts.LogFormat, env.LogFormat)
	pick("log-output", &f.opts.LogOutput, env.LogOutput)
	pick("log-file", &f.opts.LogPath, env.LogPath)

	if cmd.Flags().Lookup("queue-size") == nil || !cmd.Flags().Changed("queue-size") {
		f.opts.QueueSize = env.QueueSize
	}
	if cmd.Flags().Lookup("simulate") == nil || !cmd.Flags().Changed("simulate") {
		f.opts.Simulate = env.Simulate
	}
	if cmd.Flags().Lookup("no-notify") == nil || !cmd.Flags().Changed("no-notify") {
		f.opts.NoNotify = env.NoNotify
	}

	if f.debug {
		f.opts.LogLevel = "debug"
	}
	return nil
}

func newLogger(opts *config.Options) (*logging.Logger, error) {
	level, err := logging.ParseLevel(opts.LogLevel)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(opts.LogFormat)
	if err != nil {
		return nil, err
	}

	cfg := logging.DefaultConfig()
	cfg.Level = level
	cfg.Format = format
	cfg.Output = opts.LogOutput
	cfg.FilePath = opts.LogPath
	cfg.AddSource = level == logging.LevelDebug
	// The daemon tags each unit with its own component attribute.
	cfg.Component = ""
	return logging.New(cfg)
}

func runDaemon(cmd *cobra.Command, f *rootFlags) error {
	opts := f.opts
	if err := opts.Validate(); err != nil {
		return err
	}
	if err := opts.EnsureDirs(); err != nil {
		return err
	}

	logger, err := newLogger(opts)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	d, err := daemon.New(*opts, logger.Logger, daemon.Deps{})
	if err != nil {
		logger.Error("failed to start", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if sim, ok := d.Capture().(*keystroke.Simulated); ok {
		go feedStdin(ctx, sim, logger.Logger)
	}

	if err := d.Run(ctx); err != nil {
		if errors.Is(err, keystroke.ErrNotAvailable) {
			fmt.Fprintln(os.Stderr, "Keyboard capture is not available on this system.")
			fmt.Fprintln(os.Stderr, "Try: oopstime run --simulate")
		}
		return err
	}
	return nil
}

// feedStdin waits for the simulated capture to start, then presses every
// token read from stdin.
func feedStdin(ctx context.Context, sim *keystroke.Simulated, logger *slog.Logger) {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !sim.IsRunning() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}

	if err := sim.Feed(ctx, os.Stdin); err != nil {
		logger.Error("reading simulated keys failed", "error", err)
		return
	}
	logger.Debug("simulated input exhausted")
}

func newConfigCmd(f *rootFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the settings file",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the settings file path",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), f.opts.ConfigPath)
		},
	})

	configCmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Validate the settings file and print the effective values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return checkConfig(cmd, f.opts.ConfigPath)
		},
	})

	return configCmd
}

func checkConfig(cmd *cobra.Command, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("settings file: %w", err)
	}

	logger := logging.Discard()
	s, status, err := config.Load(path, logger.Logger)
	if err != nil {
		return err
	}
	if status != config.LoadStatusFile {
		return fmt.Errorf("%s is not a valid settings file", path)
	}

	out := cmd.OutOrStdout()
	settings := s.Settings()
	fmt.Fprintf(out, "%s: ok\n", path)
	fmt.Fprintf(out, "  threshold   %g\n", settings.Threshold)
	fmt.Fprintf(out, "  count       %d\n", settings.Count)
	fmt.Fprintf(out, "  interval    %ds\n", settings.Interval)
	fmt.Fprintf(out, "  afterallow  %t\n", settings.AfterAllow)
	fmt.Fprintf(out, "  alert when  more than %d corrections in %d keys\n", settings.ThresholdCount(), settings.Count)
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "oopstime %s\n", Version)
			fmt.Fprintf(cmd.OutOrStdout(), "  Build:    %s\n", BuildTime)
			fmt.Fprintf(cmd.OutOrStdout(), "  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Fprintf(cmd.OutOrStdout(), "  Go:       %s\n", strings.TrimPrefix(runtime.Version(), "go"))
		},
	}
}
