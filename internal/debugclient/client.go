// Package debugclient launches the interactive command-line debugger against
// an attached debug port.
//
// It does not speak the debug protocol itself. It shells out to the
// configured client binary (jdb by default), so the user gets that tool's
// full command set on their terminal.
//
// Arguments are passed via exec.Command's argv, never through a shell, so a
// hostname containing shell metacharacters cannot inject commands.
package debugclient

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/creack/pty"
)

// DefaultCommand is used when no client command is configured.
const DefaultCommand = "jdb"

// Client builds and runs debugger client processes.
//
// Client is stateless and safe for concurrent use. The zero value uses
// DefaultCommand.
type Client struct {
	Command string
}

// New creates a client for the given binary.
func New(command string) *Client { return &Client{Command: command} }

func (c *Client) binary() string {
	if c == nil || strings.TrimSpace(c.Command) == "" {
		return DefaultCommand
	}
	return strings.TrimSpace(c.Command)
}

// EnsureBinary checks that the debugger client is on PATH.
func (c *Client) EnsureBinary() error {
	if _, err := exec.LookPath(c.binary()); err != nil {
		return fmt.Errorf("%s binary not found in PATH", c.binary())
	}
	return nil
}

// BuildArgs returns the argv (without the binary) that attaches to
// host:port.
//
// Example output: ["-attach", "mc.local:7777"]
func (c *Client) BuildArgs(host string, port int) []string {
	return []string{"-attach", host + ":" + strconv.Itoa(port)}
}

// AttachCommand creates an exec.Cmd for an interactive debugger session.
// The command is not started and has no stdio configured, so callers can run
// it in a PTY (RunInteractive) or hand it to the TUI via tea.ExecProcess.
func (c *Client) AttachCommand(host string, port int) *exec.Cmd {
	return exec.Command(c.binary(), c.BuildArgs(host, port)...)
}

// RunInteractive runs the debugger client in a pseudo-terminal wired to the
// user's terminal and blocks until it exits. Cancelling ctx kills it.
func (c *Client) RunInteractive(ctx context.Context, host string, port int) error {
	cmd := c.AttachCommand(host, port)

	f, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	defer f.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = cmd.Process.Kill()
		case <-done:
		}
	}()

	go func() {
		_, _ = io.Copy(f, os.Stdin)
	}()
	_, _ = io.Copy(os.Stdout, f)

	return cmd.Wait()
}
