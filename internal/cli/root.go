// Package cli provides the command-line interface for mcwatch.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/treykane/mcwatch/internal/appconfig"
	"github.com/treykane/mcwatch/internal/connection"
	"github.com/treykane/mcwatch/internal/doctor"
	"github.com/treykane/mcwatch/internal/engine"
	"github.com/treykane/mcwatch/internal/events"
	"github.com/treykane/mcwatch/internal/model"
	"github.com/treykane/mcwatch/internal/ui"
	"github.com/treykane/mcwatch/internal/util"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	connection string
	logLevel   string
	cfg        appconfig.Config
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "mcwatch",
		Short:         "Follow, restart and debug Microclimate applications",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := appconfig.Load()
			if err != nil {
				return err
			}
			opts.cfg = cfg
			return setupLogging(cmd.ErrOrStderr(), cfg, opts.logLevel)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engine.New(opts.cfg, engine.Options{})
			if err != nil {
				return err
			}
			defer eng.Close()
			return ui.Run(cmd.Context(), eng, opts.connection)
		},
	}
	root.PersistentFlags().StringVarP(&opts.connection, "connection", "c", "", "connection name (defaults to the first configured)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	root.AddCommand(
		newStatusCmd(opts),
		newWatchCmd(opts),
		newLogsCmd(opts),
		newRestartCmd(opts),
		newAttachCmd(opts),
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newConnectionCmd(opts),
		newDoctorCmd(opts),
		newEventsCmd(opts),
	)
	return root
}

// setupLogging installs a text slog handler on w. The flag wins over the
// configured level.
func setupLogging(w io.Writer, cfg appconfig.Config, flagLevel string) error {
	level := cfg.SlogLevel()
	if strings.TrimSpace(flagLevel) != "" {
		if err := level.UnmarshalText([]byte(flagLevel)); err != nil {
			return fmt.Errorf("invalid --log-level %q", flagLevel)
		}
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return nil
}

// signalContext is cancelled by Ctrl+C or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// openRuntime builds an engine and loads the project list of the selected
// connection. The caller closes the engine.
func openRuntime(ctx context.Context, opts *rootOptions) (*engine.Engine, *engine.Runtime, error) {
	eng, err := engine.New(opts.cfg, engine.Options{})
	if err != nil {
		return nil, nil, err
	}
	rt, err := eng.Runtime(opts.connection)
	if err != nil {
		eng.Close()
		return nil, nil, err
	}
	if err := eng.Refresh(ctx, rt); err != nil {
		eng.Close()
		return nil, nil, err
	}
	return eng, rt, nil
}

// findApp resolves a project ID or name on rt.
func findApp(rt *engine.Runtime, idOrName string) (*connection.Application, error) {
	return rt.Conn.Find(idOrName)
}

// background runs the engine's sockets and pollers until the returned stop
// function is called.
func background(ctx context.Context, eng *engine.Engine) (context.Context, func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := eng.Run(ctx); err != nil {
			slog.Warn("engine stopped", "error", err)
		}
	}()
	return ctx, func() {
		cancel()
		<-done
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of every application",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer eng.Close()

			apps := rt.Conn.Apps()
			snaps := make([]model.AppSnapshot, 0, len(apps))
			for _, app := range apps {
				rt.Reconciler.PollOnce(cmd.Context(), app)
				snaps = append(snaps, app.Snapshot())
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, snaps)
			}
			fmt.Fprintf(out, "%-24s %-28s %-10s %-12s %-12s %-6s\n", "NAME", "PROJECT", "STATE", "BUILD", "MODE", "DEBUG")
			for _, s := range snaps {
				debug := "-"
				if s.HasDebugPort() {
					debug = fmt.Sprintf("%d", s.DebugPort)
				}
				fmt.Fprintf(out, "%-24s %-28s %-10s %-12s %-12s %-6s\n", s.Name, s.ProjectID, s.AppState, s.BuildStatus, util.EmptyDash(string(s.StartMode)), debug)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var metricsListen string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow application states without the dashboard",
		Long:  "Keeps every configured connection live and prints each state change. With --metrics-listen the Prometheus endpoint is served as well.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if metricsListen != "" {
				opts.cfg.Metrics.Listen = metricsListen
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			eng, err := engine.New(opts.cfg, engine.Options{})
			if err != nil {
				return err
			}
			defer eng.Close()
			eng.Start(ctx)
			ctx, stopEngine := background(ctx, eng)
			defer stopEngine()

			out := cmd.OutOrStdout()
			last := map[string]model.AppState{}
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				for _, rt := range eng.Runtimes() {
					for _, app := range rt.Conn.Apps() {
						key := rt.Config.Name + "/" + app.ProjectID()
						st := app.AppState()
						if prev, seen := last[key]; !seen || prev != st {
							fmt.Fprintf(out, "%s %-12s %-24s %s\n", time.Now().Format(time.TimeOnly), rt.Config.Name, app.Name(), st)
							last[key] = st
						}
					}
				}
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address (e.g. 127.0.0.1:9464)")
	return cmd
}

func newDoctorCmd(opts *rootOptions) *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Diagnose connections, credentials and the debugger client",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engine.New(opts.cfg, engine.Options{})
			if err != nil {
				return err
			}
			defer eng.Close()
			report, err := doctor.Run(cmd.Context(), opts.cfg, doctor.Options{Credentials: eng.Credentials()})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, report)
			}
			if len(report.Issues) == 0 {
				fmt.Fprintln(out, "no issues found")
				return nil
			}
			for _, issue := range report.Issues {
				fmt.Fprintf(out, "[%s] %s %s: %s\n", strings.ToUpper(string(issue.Severity)), issue.Check, issue.Target, issue.Message)
				fmt.Fprintf(out, "    -> %s\n", issue.Recommendation)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	return cmd
}

func newEventsCmd(opts *rootOptions) *cobra.Command {
	var (
		jsonOut   bool
		project   string
		eventType string
		since     time.Duration
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the state transition journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := events.NewStore()
			if err != nil {
				return err
			}
			q := events.Query{Connection: opts.connection, ProjectID: project, EventType: eventType, Limit: limit}
			if since > 0 {
				q.Since = time.Now().Add(-since)
			}
			evts, err := store.Read(q)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				return writeJSON(out, evts)
			}
			fmt.Fprintf(out, "%-20s %-12s %-28s %-18s %s\n", "TIME", "CONNECTION", "PROJECT", "TYPE", "DETAIL")
			for _, e := range evts {
				detail := e.Message
				if e.From != "" || e.To != "" {
					detail = strings.TrimSpace(fmt.Sprintf("%s -> %s %s", util.EmptyDash(string(e.From)), e.To, e.Message))
				}
				fmt.Fprintf(out, "%-20s %-12s %-28s %-18s %s\n", e.Timestamp.Local().Format(time.DateTime), util.EmptyDash(e.Connection), util.EmptyDash(e.ProjectID), e.EventType, detail)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output JSON")
	cmd.Flags().StringVar(&project, "project", "", "only events of this project ID")
	cmd.Flags().StringVar(&eventType, "type", "", "only events of this type (state_changed, wait_timeout, restart_requested, debug_attached, authorized)")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this (e.g. 1h)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events (0 for all)")
	return cmd
}

func newConnectionCmd(opts *rootOptions) *cobra.Command {
	root := &cobra.Command{Use: "connection", Short: "Manage configured Microclimate servers"}

	var hostID, clientID, redirectURI string
	add := &cobra.Command{
		Use:   "add <name> <url>",
		Short: "Add or replace a connection",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := appconfig.ConnectionConfig{
				Name:        args[0],
				URL:         util.NormalizeBaseURL(args[1]),
				HostID:      hostID,
				ClientID:    clientID,
				RedirectURI: redirectURI,
			}
			if cc.URL == "" {
				return fmt.Errorf("url is required")
			}
			replaced := false
			for i := range opts.cfg.Connections {
				if opts.cfg.Connections[i].Name == cc.Name {
					opts.cfg.Connections[i] = cc
					replaced = true
				}
			}
			if !replaced {
				opts.cfg.Connections = append(opts.cfg.Connections, cc)
			}
			if err := appconfig.Save(opts.cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved connection %s -> %s\n", cc.Name, cc.URL)
			return nil
		},
	}
	add.Flags().StringVar(&hostID, "host-id", "", "identifier credentials are stored under (defaults to the URL)")
	add.Flags().StringVar(&clientID, "client-id", "", "OAuth client id for browser login")
	add.Flags().StringVar(&redirectURI, "redirect-uri", "", "OAuth redirect URI for browser login")

	list := &cobra.Command{
		Use:   "list",
		Short: "List configured connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-16s %-40s %s\n", "NAME", "URL", "HOST-ID")
			for _, cc := range opts.cfg.Connections {
				fmt.Fprintf(out, "%-16s %-40s %s\n", cc.Name, cc.URL, cc.Host())
			}
			return nil
		},
	}

	remove := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kept := opts.cfg.Connections[:0]
			found := false
			for _, cc := range opts.cfg.Connections {
				if cc.Name == args[0] {
					found = true
					continue
				}
				kept = append(kept, cc)
			}
			if !found {
				return fmt.Errorf("connection not found: %s", args[0])
			}
			opts.cfg.Connections = kept
			if err := appconfig.Save(opts.cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed connection %s\n", args[0])
			return nil
		},
	}

	root.AddCommand(add, list, remove)
	return root
}
