package model

import "strings"

// AppState is the run state of a remote application as mirrored locally.
type AppState string

const (
	AppStarting AppState = "STARTING"
	AppStarted  AppState = "STARTED"
	AppStopping AppState = "STOPPING"
	AppStopped  AppState = "STOPPED"
	AppUnknown  AppState = "UNKNOWN"
)

var appStateByStatus = map[string]AppState{
	"started":  AppStarted,
	"starting": AppStarting,
	"stopping": AppStopping,
	"stopped":  AppStopped,
}

// ParseAppState maps a remote appStatus value to an AppState.
// The second result is false when the value is not one of the recognized
// statuses, in which case AppUnknown is returned.
func ParseAppState(status string) (AppState, bool) {
	st, ok := appStateByStatus[strings.ToLower(strings.TrimSpace(status))]
	if !ok {
		return AppUnknown, false
	}
	return st, true
}

// RemoteStatus returns the wire value for s, or "" for AppUnknown.
func (s AppState) RemoteStatus() string {
	for k, v := range appStateByStatus {
		if v == s {
			return k
		}
	}
	return ""
}

// BuildStatus is the last reported build status of an application.
type BuildStatus string

const (
	BuildQueued     BuildStatus = "QUEUED"
	BuildInProgress BuildStatus = "IN_PROGRESS"
	BuildSuccess    BuildStatus = "SUCCESS"
	BuildFailed     BuildStatus = "FAILED"
	BuildUnknown    BuildStatus = "UNKNOWN"
)

// ParseBuildStatus maps a remote buildStatus value ("queued", "inProgress",
// "success", "failed") to a BuildStatus.
func ParseBuildStatus(status string) BuildStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "queued":
		return BuildQueued
	case "inprogress", "in_progress":
		return BuildInProgress
	case "success":
		return BuildSuccess
	case "failed":
		return BuildFailed
	default:
		return BuildUnknown
	}
}

// StartMode selects how the remote application is launched.
type StartMode string

const (
	StartRun         StartMode = "run"
	StartDebug       StartMode = "debug"
	StartDebugNoInit StartMode = "debugNoInit"
)

// ParseStartMode accepts the wire values and a few CLI spellings.
func ParseStartMode(s string) (StartMode, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "run", "":
		return StartRun, true
	case "debug":
		return StartDebug, true
	case "debugnoinit", "debug_no_init", "debug-no-init":
		return StartDebugNoInit, true
	}
	return StartRun, false
}

// IsDebug reports whether the mode exposes a debug port.
func (m StartMode) IsDebug() bool {
	return m == StartDebug || m == StartDebugNoInit
}

// DebugPortUnset marks a debug port that is not known yet, or that was
// invalidated by a restart.
const DebugPortUnset = -1

// LogSource identifies which log a console follows.
type LogSource string

const (
	LogBuild LogSource = "build"
	LogApp   LogSource = "app"
	LogFile  LogSource = "file"
)

// AppSnapshot is a point-in-time copy of an application's mirrored fields.
type AppSnapshot struct {
	ProjectID           string      `json:"project_id"`
	Name                string      `json:"name"`
	Host                string      `json:"host"`
	AppState            AppState    `json:"app_state"`
	BuildStatus         BuildStatus `json:"build_status"`
	DetailedBuildStatus string      `json:"detailed_build_status,omitempty"`
	StartMode           StartMode   `json:"start_mode"`
	DebugPort           int         `json:"debug_port"`
	ExposedPort         int         `json:"exposed_port,omitempty"`
}

// HasDebugPort reports whether a usable debug port is known.
func (s AppSnapshot) HasDebugPort() bool {
	return s.DebugPort > 0
}
