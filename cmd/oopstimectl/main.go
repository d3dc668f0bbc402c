// oopstimectl is the control CLI for a running oopstime daemon.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"oopstime/internal/config"
	"oopstime/internal/daemon"
	"oopstime/internal/health"
	"oopstime/internal/ipc"
	"oopstime/internal/monitor"
)

// Set by -ldflags at build time.
var Version = "dev"

type globalFlags struct {
	socket  string
	pidFile string
	timeout time.Duration
	json    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := config.DefaultOptions()
	if err := opts.ApplyEnvOverrides(); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
	g := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "oopstimectl",
		Short:         "Control a running oopstime daemon",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&g.socket, "socket", opts.SocketPath, "daemon control socket")
	pf.StringVar(&g.pidFile, "pid-file", opts.PIDFile, "daemon PID file")
	pf.DurationVar(&g.timeout, "timeout", 10*time.Second, "request timeout")
	pf.BoolVar(&g.json, "json", false, "print raw JSON")

	rootCmd.AddCommand(
		newPingCmd(g),
		newStatusCmd(g),
		newConfigCmd(g),
		newClearCmd(g),
		newAlertsCmd(g),
		newMetricsCmd(g),
		newHealthCmd(g),
		newStopCmd(g),
	)
	return rootCmd
}

// withClient connects, runs fn and closes the connection.
func withClient(cmd *cobra.Command, g *globalFlags, fn func(ctx context.Context, c *ipc.IPCClient) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), g.timeout)
	defer cancel()

	cfg := ipc.ClientConfig{
		SocketPath:     g.socket,
		ClientName:     "oopstimectl",
		ClientVersion:  Version,
		RequestTimeout: g.timeout,
	}
	client := ipc.NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		if errors.Is(err, ipc.ErrDaemonNotRunning) {
			return fmt.Errorf("%w (start it with: oopstime run)", err)
		}
		return err
	}
	defer client.Close()
	return fn(ctx, client)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPingCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the daemon answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.IPCClient) error {
				start := time.Now()
				if err := c.Ping(ctx); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "pong from oopstime %s in %s\n",
					c.ServerVersion(), time.Since(start).Round(time.Microsecond))
				return nil
			})
		},
	}
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the daemon state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.IPCClient) error {
				st, err := c.Status(ctx)
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(cmd.OutOrStdout(), st)
				}
				printStatus(cmd.OutOrStdout(), st)
				return nil
			})
		},
	}
}

func printStatus(w io.Writer, st *ipc.StatusResponse) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "Version\t%s\n", st.Version)
	fmt.Fprintf(tw, "Uptime\t%s\n", monitor.FormatInterval(int(st.Uptime.Seconds())))
	fmt.Fprintf(tw, "Capture\t%s\n", st.Capture)
	fmt.Fprintf(tw, "Config\t%s\n", st.ConfigPath)
	fmt.Fprintf(tw, "Mistakes\t%d (alert above %d)\n", st.Mistakes, st.ThresholdCount)
	fmt.Fprintf(tw, "History\t%d / %d keys\n", st.WindowLength, st.WindowCapacity)
	fmt.Fprintf(tw, "Queue\t%d / %d\n", st.QueueDepth, st.QueueCapacity)
	fmt.Fprintf(tw, "Keys classified\t%d\n", st.KeysClassified)
	fmt.Fprintf(tw, "Events dropped\t%d\n", st.EventsDropped)
	fmt.Fprintf(tw, "Events rejected\t%d\n", st.EventsRejected)
	fmt.Fprintf(tw, "Alerts fired\t%d\n", st.AlertsFired)
	tw.Flush()
}

func newConfigCmd(g *globalFlags) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Read or change the daemon settings",
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print the active settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.IPCClient) error {
				resp, err := c.GetConfig(ctx)
				if err != nil {
					return err
				}
				return printConfig(cmd.OutOrStdout(), g, resp)
			})
		},
	})

	var (
		threshold  float64
		count      int
		interval   int
		afterAllow bool
		save       bool
	)
	setCmd := &cobra.Command{
		Use:   "set",
		Short: "Change one or more settings in memory",
		Example: "  oopstimectl config set --threshold 0.1 --count 200\n" +
			"  oopstimectl config set --afterallow=false --save",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var req ipc.SetConfigRequest
			if cmd.Flags().Changed("threshold") {
				req.Threshold = &threshold
			}
			if cmd.Flags().Changed("count") {
				req.Count = &count
			}
			if cmd.Flags().Changed("interval") {
				req.Interval = &interval
			}
			if cmd.Flags().Changed("afterallow") {
				req.AfterAllow = &afterAllow
			}
			if req.Empty() {
				return errors.New("nothing to set; pass at least one of --threshold, --count, --interval, --afterallow")
			}

			return withClient(cmd, g, func(ctx context.Context, c *ipc.IPCClient) error {
				resp, err := c.SetConfig(ctx, req)
				if err != nil {
					return err
				}
				if save {
					if _, err := c.SaveConfig(ctx); err != nil {
						return fmt.Errorf("settings applied but not saved: %w", err)
					}
				}
				return printConfig(cmd.OutOrStdout(), g, resp)
			})
		},
	}
	setCmd.Flags().Float64Var(&threshold, "threshold", 0, "mistake ratio in [0,1]")
	setCmd.Flags().IntVar(&count, "count", 0, "history size in keystrokes")
	setCmd.Flags().IntVar(&interval, "interval", 0, "monitor period in seconds")
	setCmd.Flags().BoolVar(&afterAllow, "afterallow", false, "count a backspace right after an arrow key as a mistake")
	setCmd.Flags().BoolVar(&save, "save", false, "also write the settings file")
	configCmd.AddCommand(setCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Write the in-memory settings to the settings file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.IPCClient) error {
				resp, err := c.SaveConfig(ctx)
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved to %s\n", resp.Path)
				return nil
			})
		},
	})

	return configCmd
}

func printConfig(w io.Writer, g *globalFlags, resp *ipc.ConfigResponse) error {
	if g.json {
		return printJSON(w, resp)
	}
	s := resp.Settings
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "path\t%s\n", resp.Path)
	fmt.Fprintf(tw, "threshold\t%g\n", s.Threshold)
	fmt.Fprintf(tw, "count\t%d\n", s.Count)
	fmt.Fprintf(tw, "interval\t%d\n", s.Interval)
	fmt.Fprintf(tw, "afterallow\t%t\n", s.AfterAllow)
	return tw.Flush()
}

func newClearCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Empty the keystroke history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.IPCClient) error {
				resp, err := c.ClearHistory(ctx)
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "cleared %d keys (%d mistakes)\n", resp.Entries, resp.Mistakes)
				return nil
			})
		},
	}
}

func newAlertsCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List the most recent alerts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.IPCClient) error {
				alerts, err := c.RecentAlerts(ctx, limit)
				if err != nil {
					return err
				}
				if g.json {
					return printJSON(cmd.OutOrStdout(), alerts)
				}
				if len(alerts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "no alerts")
					return nil
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "FIRED\tMISTAKES\tLIMIT\tWINDOW\tNOTIFIED")
				for _, a := range alerts {
					notified := strconv.FormatBool(a.Notified)
					if a.NotifyError != "" {
						notified = "failed: " + a.NotifyError
					}
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n",
						a.FiredAt.Local().Format(time.DateTime), a.Mistakes, a.ThresholdCount, a.WindowSize, notified)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of alerts to show")
	return cmd
}

func newMetricsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "metrics",
		Short: "Print daemon metrics in Prometheus text format",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			format := "prometheus"
			if g.json {
				format = "json"
			}
			return withClient(cmd, g, func(ctx context.Context, c *ipc.IPCClient) error {
				text, err := c.Metrics(ctx, format)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), text)
				return nil
			})
		},
	}
}

func newHealthCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run the daemon's component checks",
		Long:  "Run the daemon's component checks. Exits non-zero when the daemon is unhealthy.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, g, func(ctx context.Context, c *ipc.IPCClient) error {
				report, err := c.Health(ctx)
				if err != nil {
					return err
				}
				if g.json {
					if err := printJSON(cmd.OutOrStdout(), report); err != nil {
						return err
					}
				} else {
					printHealth(cmd.OutOrStdout(), report)
				}
				if report.Status == health.StatusUnhealthy {
					return errors.New("daemon is unhealthy")
				}
				return nil
			})
		},
	}
}

func printHealth(w io.Writer, r *health.Report) {
	fmt.Fprintf(w, "%s (ready: %t)\n", r.Status, r.Ready)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, name := range r.Names() {
		res := r.Components[name]
		note := res.Message
		if res.Error != "" {
			note = res.Error
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", name, res.Status, note)
	}
	tw.Flush()
}

func newStopCmd(g *globalFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := daemon.NewManager(g.pidFile)
			if !m.IsRunning() {
				return errors.New("daemon is not running")
			}
			if err := m.SignalStop(); err != nil {
				return err
			}
			if err := m.WaitForStop(wait); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 10*time.Second, "how long to wait for shutdown")
	return cmd
}
