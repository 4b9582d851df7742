// Package util provides common utility functions and constants used across the
// mcwatch application. This package is intentionally kept dependency-free
// (no imports from other internal/* packages) to serve as a shared foundation
// without introducing circular dependencies.
package util

import "time"

const (
	// DefaultPollInterval is the pause between two application status polls
	// for one tracked project. Each project polls on its own schedule.
	// Used by: internal/appconfig (Default, Load) and internal/reconcile.
	DefaultPollInterval = 2 * time.Second

	// DefaultRequestTimeout bounds a single status request. Remote servers are
	// routinely slow while a project restarts, so a request that exceeds this
	// limit is skipped and retried on the next cycle rather than reported.
	DefaultRequestTimeout = 5 * time.Second

	// DefaultBuildLogInterval is the cadence of the build-log HEAD check.
	DefaultBuildLogInterval = 5 * time.Second

	// DefaultFilePollInterval is the cadence of the local file tail. Local I/O
	// is cheap, so this is much shorter than the remote build-log interval.
	DefaultFilePollInterval = time.Second

	// DefaultProjectRefreshInterval is how often the project list is re-read
	// to pick up created and deleted projects.
	DefaultProjectRefreshInterval = 10 * time.Second

	// SocketRetryInterval and SocketRetryMax bound the reconnect backoff of
	// the shared socket.
	SocketRetryInterval = time.Second
	SocketRetryMax      = 30 * time.Second

	// DebugPortPollInterval is how often WaitForDebugPort re-reads the port.
	DebugPortPollInterval = 250 * time.Millisecond

	// AttachRetryInterval is the pause between two debugger attach attempts.
	// Coordinator.Connect makes four attempts per configured timeout second.
	AttachRetryInterval = 250 * time.Millisecond

	// DefaultDebugTimeoutSeconds is the fallback debugger attach timeout.
	DefaultDebugTimeoutSeconds = 60

	// DefaultAuthConnectTimeout bounds the TCP connect of a password-grant
	// token request so that a misconfigured host fails fast.
	DefaultAuthConnectTimeout = 5 * time.Second

	// DefaultRefreshSeconds is the fallback interval (in seconds) for the TUI
	// dashboard's periodic snapshot refresh.
	// Used by: internal/ui/ui.go (tickCmd, clampRefresh) and
	//          internal/appconfig/config.go (Default, Load).
	DefaultRefreshSeconds = 2
)
