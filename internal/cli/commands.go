package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/treykane/mcwatch/internal/auth"
	"github.com/treykane/mcwatch/internal/connection"
	"github.com/treykane/mcwatch/internal/debugattach"
	"github.com/treykane/mcwatch/internal/debugclient"
	"github.com/treykane/mcwatch/internal/engine"
	"github.com/treykane/mcwatch/internal/logstream"
	"github.com/treykane/mcwatch/internal/model"
	"github.com/treykane/mcwatch/internal/util"
)

// cliConsole is the console name log streams opened from the CLI use.
const cliConsole = "cli"

func newLogsCmd(opts *rootOptions) *cobra.Command {
	var (
		appLog   bool
		filePath string
	)
	cmd := &cobra.Command{
		Use:   "logs <app>",
		Short: "Follow the build log (default), the application log or a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			eng, rt, err := openRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer eng.Close()
			app, err := findApp(rt, args[0])
			if err != nil {
				return err
			}

			sink := logstream.NewWriterSink(cmd.OutOrStdout(), "----- log restarted -----")
			var sub *logstream.Subscription
			switch {
			case filePath != "":
				sub, err = eng.Logs().OpenFile(cliConsole, rt.LogTarget(app.ProjectID()), filePath, sink)
			case appLog:
				// Pushed logs need the socket.
				var stopEngine func()
				ctx, stopEngine = background(ctx, eng)
				defer stopEngine()
				sub, err = eng.Logs().OpenAppLog(cliConsole, rt.Conn, rt.LogTarget(app.ProjectID()), sink)
			default:
				sub, err = eng.Logs().OpenBuildLog(cliConsole, rt.Conn.Client(), rt.LogTarget(app.ProjectID()), sink)
			}
			if err != nil {
				return err
			}
			defer sub.Dispose()
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&appLog, "app", false, "follow the application log pushed over the socket")
	cmd.Flags().StringVar(&filePath, "file", "", "follow a local log file instead of a remote log")
	return cmd
}

func newRestartCmd(opts *rootOptions) *cobra.Command {
	var (
		modeArg   string
		attach    bool
		runClient bool
	)
	cmd := &cobra.Command{
		Use:   "restart <app>",
		Short: "Restart an application and wait until it is started",
		Long:  "Restarts the application in run, debug or debugNoInit mode and follows it through stopping, starting and started. In debug modes the new debug port is awaited; --attach verifies it with a JDWP handshake and --client opens the configured debugger on it.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, ok := model.ParseStartMode(modeArg)
			if !ok {
				return fmt.Errorf("invalid --mode %q (run, debug, debugNoInit)", modeArg)
			}
			if (attach || runClient) && !mode.IsDebug() {
				return fmt.Errorf("--attach and --client need a debug mode")
			}
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			eng, rt, err := openRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer eng.Close()
			app, err := findApp(rt, args[0])
			if err != nil {
				return err
			}
			// The debug port arrives over the socket.
			ctx, stopEngine := background(ctx, eng)
			defer stopEngine()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "restarting %s in %s mode\n", app.Name(), mode)
			res, err := eng.Restart(ctx, rt, app, engine.RestartOptions{
				Mode:     mode,
				Attach:   attach,
				Progress: func(stage string) { fmt.Fprintf(out, "  %s\n", stage) },
				Retry:    retryPrompt(cmd.InOrStdin(), out),
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s is %s\n", app.Name(), res.State)
			if res.Session != nil {
				describeSession(out, res.Session)
				_ = res.Session.Close()
			}
			if runClient {
				return runDebugClient(ctx, eng, rt, app, res.DebugPort)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&modeArg, "mode", "run", "start mode: run, debug or debugNoInit")
	cmd.Flags().BoolVar(&attach, "attach", false, "verify the debug port with a JDWP handshake")
	cmd.Flags().BoolVar(&runClient, "client", false, "open the debugger client once the debug port is known")
	return cmd
}

func newAttachCmd(opts *rootOptions) *cobra.Command {
	var runClient bool
	cmd := &cobra.Command{
		Use:   "attach <app>",
		Short: "Attach to an application already running in debug mode",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			eng, rt, err := openRuntime(ctx, opts)
			if err != nil {
				return err
			}
			defer eng.Close()
			app, err := findApp(rt, args[0])
			if err != nil {
				return err
			}
			if err := loadDebugPort(ctx, rt, app); err != nil {
				return err
			}
			if runClient {
				return runDebugClient(ctx, eng, rt, app, app.DebugPort())
			}
			out := cmd.OutOrStdout()
			sess, err := eng.Attach(ctx, rt, app, retryPrompt(cmd.InOrStdin(), out))
			if err != nil {
				return err
			}
			defer sess.Close()
			describeSession(out, sess)
			return nil
		},
	}
	cmd.Flags().BoolVar(&runClient, "client", false, "open the debugger client instead of a handshake check")
	return cmd
}

// loadDebugPort fills in the debug port the server publishes in its project
// list when none was pushed yet.
func loadDebugPort(ctx context.Context, rt *engine.Runtime, app *connection.Application) error {
	if app.DebugPort() > 0 {
		return nil
	}
	projects, err := rt.Conn.Client().ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if p.ProjectID != app.ProjectID() {
			continue
		}
		if port, err := util.ParsePort(p.Ports.ExposedDebugPort); err == nil {
			app.SetDebugPort(port)
			return nil
		}
	}
	return fmt.Errorf("%s has no debug port; restart it with --mode debug", app.Name())
}

func describeSession(w io.Writer, sess debugattach.Session) {
	fmt.Fprintf(w, "debugger attached at %s\n", sess.Address())
	if j, ok := sess.(*debugattach.JDWPSession); ok {
		if v, err := j.Version(5 * time.Second); err == nil {
			fmt.Fprintf(w, "  %s %s (JDWP %d.%d)\n", v.VMName, v.VMVersion, v.JDWPMajor, v.JDWPMinor)
		}
	}
}

func runDebugClient(ctx context.Context, eng *engine.Engine, rt *engine.Runtime, app *connection.Application, port int) error {
	if port <= 0 {
		return fmt.Errorf("%s has no debug port", app.Name())
	}
	client := debugclient.New(eng.Config().Debug.ClientCommand)
	if err := client.EnsureBinary(); err != nil {
		return err
	}
	return client.RunInteractive(ctx, engine.DebugHost(rt, app), port)
}

// retryPrompt asks whether to keep trying after an attach budget is spent.
// It only asks on an interactive terminal.
func retryPrompt(in io.Reader, out io.Writer) debugattach.RetryHook {
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}
	reader := bufio.NewReader(in)
	return func(args debugattach.Args, attempts int, lastErr error) bool {
		fmt.Fprintf(out, "could not attach to %s after %d attempts (%v). Keep trying? [y/N] ", args.Address(), attempts, lastErr)
		line, err := reader.ReadString('\n')
		if err != nil {
			return false
		}
		answer := strings.ToLower(strings.TrimSpace(line))
		return answer == "y" || answer == "yes"
	}
}

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var (
		user          string
		passwordStdin bool
	)
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Obtain and store a token for a connection",
		Long:  "With --user the password grant is used. Otherwise an authorization URL is printed; open it, approve, and paste the URL you were redirected to.",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := engine.New(opts.cfg, engine.Options{})
			if err != nil {
				return err
			}
			defer eng.Close()
			rt, err := eng.Runtime(opts.connection)
			if err != nil {
				return err
			}
			in := bufio.NewReader(cmd.InOrStdin())
			out := cmd.OutOrStdout()

			var tok auth.Token
			if user != "" {
				password, err := readPassword(cmd.InOrStdin(), in, out, passwordStdin)
				if err != nil {
					return err
				}
				tok, err = eng.Authorizer().PasswordGrant(cmd.Context(), eng.Endpoint(rt), rt.Config.Host(), user, password)
				if err != nil {
					return err
				}
			} else {
				authURL, err := eng.Authorizer().StartAuthorization(eng.Endpoint(rt), rt.Config.Host())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Open this URL and authorize:\n\n  %s\n\nThen paste the URL you were redirected to: ", authURL)
				line, err := in.ReadString('\n')
				if err != nil && !(errors.Is(err, io.EOF) && line != "") {
					eng.Authorizer().Cancel()
					return fmt.Errorf("read callback: %w", err)
				}
				tok, err = eng.Authorizer().HandleCallback(strings.TrimSpace(line))
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(out, "logged in to %s; token expires %s\n", tok.Host, tok.ExpiresAt.Local().Format(time.RFC1123))
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user name for the password grant")
	cmd.Flags().BoolVar(&passwordStdin, "password-stdin", false, "read the password from stdin")
	return cmd
}

// readPassword reads without echo on a terminal, otherwise one line.
func readPassword(raw io.Reader, in *bufio.Reader, out io.Writer, fromStdin bool) (string, error) {
	if f, ok := raw.(*os.File); ok && !fromStdin && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(out, "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored token of a connection",
		RunE: func(cmd *cobra.Command, args []string) error {
			cc, err := opts.cfg.FindConnection(opts.connection)
			if err != nil {
				return err
			}
			eng, err := engine.New(opts.cfg, engine.Options{})
			if err != nil {
				return err
			}
			defer eng.Close()
			if err := eng.Credentials().Delete(cc.Host()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed token for %s\n", cc.Host())
			return nil
		},
	}
}
