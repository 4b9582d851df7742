// Package debugattach waits for a restarted application to publish its debug
// port and then attaches to it, retrying while the remote JVM comes up.
package debugattach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/treykane/mcwatch/internal/metrics"
	"github.com/treykane/mcwatch/internal/model"
	"github.com/treykane/mcwatch/internal/util"
)

var (
	// ErrDebugPortTimeout means no port was published within the window.
	ErrDebugPortTimeout = errors.New("debug port not published in time")
	// ErrIllegalArguments is fatal: retrying with the same arguments cannot succeed.
	ErrIllegalArguments = errors.New("illegal debugger arguments")
	// ErrNoConnector means there is nothing to attach with.
	ErrNoConnector = errors.New("no attaching connector available")
	// ErrCancelled is returned when the caller cancelled the attach.
	ErrCancelled = errors.New("debugger attach cancelled")
)

// PortSource exposes the asynchronously published debug port.
// *connection.Application implements it.
type PortSource interface {
	DebugPort() int
}

// WaitForDebugPort re-reads the debug port until it is set or timeout
// elapses. The caller must have invalidated the port when the restart began.
// On timeout it returns model.DebugPortUnset and ErrDebugPortTimeout.
func WaitForDebugPort(ctx context.Context, app PortSource, timeout time.Duration) (int, error) {
	return waitForDebugPort(ctx, app, timeout, util.DebugPortPollInterval)
}

func waitForDebugPort(ctx context.Context, app PortSource, timeout, interval time.Duration) (int, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if port := app.DebugPort(); port > 0 {
			return port, nil
		}
		select {
		case <-ctx.Done():
			return model.DebugPortUnset, ErrCancelled
		case <-deadline.C:
			if port := app.DebugPort(); port > 0 {
				return port, nil
			}
			return model.DebugPortUnset, ErrDebugPortTimeout
		case <-ticker.C:
		}
	}
}

// Args parameterizes one attach.
type Args struct {
	Hostname string
	Port     int
	// TimeoutSeconds sets the attempt budget: four attempts per second.
	TimeoutSeconds int
}

func (a Args) Address() string { return fmt.Sprintf("%s:%d", a.Hostname, a.Port) }

func (a Args) validate() error {
	if strings.TrimSpace(a.Hostname) == "" {
		return fmt.Errorf("%w: hostname is empty", ErrIllegalArguments)
	}
	if err := util.ValidatePort(a.Port); err != nil {
		return fmt.Errorf("%w: %v", ErrIllegalArguments, err)
	}
	return nil
}

// Session is an attached debugger connection.
type Session interface {
	Address() string
	Close() error
}

// Connector performs a single attach attempt.
type Connector interface {
	Attach(ctx context.Context, args Args) (Session, error)
}

// RetryHook is consulted once the attempt budget is spent. Returning true
// grants one more full cycle of attempts.
type RetryHook func(args Args, attempts int, lastErr error) bool

// Attach results, used as metric labels.
const (
	resultOK        = "ok"
	resultRetry     = "retry"
	resultFatal     = "fatal"
	resultCancelled = "cancelled"
)

// Coordinator drives bounded attach retries against a Connector.
type Coordinator struct {
	Connector Connector
	Retry     RetryHook
	Metrics   *metrics.Metrics
	// Interval between attempts. Zero means util.AttachRetryInterval.
	Interval time.Duration
}

// Connect attempts to attach up to TimeoutSeconds*4 times. Illegal arguments
// fail at once. Any other attach error is retried until the budget is spent,
// at which point the retry hook decides whether to run another cycle.
func (c *Coordinator) Connect(ctx context.Context, args Args) (Session, error) {
	if c == nil || c.Connector == nil {
		return nil, ErrNoConnector
	}
	if err := args.validate(); err != nil {
		c.Metrics.ObserveAttach(resultFatal)
		return nil, err
	}
	if args.TimeoutSeconds <= 0 {
		args.TimeoutSeconds = util.DefaultDebugTimeoutSeconds
	}
	interval := c.Interval
	if interval <= 0 {
		interval = util.AttachRetryInterval
	}
	budget := args.TimeoutSeconds * 4

	attempts := 0
	var lastErr error
	for {
		for i := 0; i < budget; i++ {
			if ctx.Err() != nil {
				c.Metrics.ObserveAttach(resultCancelled)
				return nil, ErrCancelled
			}
			attempts++
			sess, err := c.Connector.Attach(ctx, args)
			if err == nil {
				c.Metrics.ObserveAttach(resultOK)
				slog.Info("debugger attached", "address", args.Address(), "attempts", attempts)
				return sess, nil
			}
			if errors.Is(err, ErrIllegalArguments) {
				c.Metrics.ObserveAttach(resultFatal)
				return nil, err
			}
			if ctx.Err() != nil {
				c.Metrics.ObserveAttach(resultCancelled)
				return nil, ErrCancelled
			}
			c.Metrics.ObserveAttach(resultRetry)
			lastErr = err
			slog.Debug("debugger attach failed", "address", args.Address(), "attempt", attempts, "error", err)

			select {
			case <-ctx.Done():
				c.Metrics.ObserveAttach(resultCancelled)
				return nil, ErrCancelled
			case <-time.After(interval):
			}
		}
		if c.Retry == nil || !c.Retry(args, attempts, lastErr) {
			return nil, fmt.Errorf("attach %s after %d attempts: %w", args.Address(), attempts, lastErr)
		}
		slog.Info("retrying debugger attach", "address", args.Address(), "attempts", attempts)
	}
}
