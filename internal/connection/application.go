package connection

import (
	"sync"

	"github.com/treykane/mcwatch/internal/model"
)

// Application is the local mirror of one remote project. The reconciler and
// socket events mutate it; every accessor is safe for concurrent use.
type Application struct {
	projectID string

	mu                  sync.RWMutex
	name                string
	host                string
	appState            model.AppState
	buildStatus         model.BuildStatus
	detailedBuildStatus string
	startMode           model.StartMode
	debugPort           int
	exposedPort         int
}

// NewApplication creates an application in the UNKNOWN state with no debug
// port.
func NewApplication(projectID, name, host string) *Application {
	return &Application{
		projectID:   projectID,
		name:        name,
		host:        host,
		appState:    model.AppUnknown,
		buildStatus: model.BuildUnknown,
		startMode:   model.StartRun,
		debugPort:   model.DebugPortUnset,
	}
}

func (a *Application) ProjectID() string { return a.projectID }

func (a *Application) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.name
}

func (a *Application) Host() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.host
}

// AppState returns the last observed run state.
func (a *Application) AppState() model.AppState {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.appState
}

// SetAppState overwrites the run state and returns the previous value.
func (a *Application) SetAppState(st model.AppState) model.AppState {
	a.mu.Lock()
	defer a.mu.Unlock()
	prev := a.appState
	a.appState = st
	return prev
}

// SetBuildStatus records the build status and its free-text detail.
func (a *Application) SetBuildStatus(st model.BuildStatus, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.buildStatus = st
	a.detailedBuildStatus = detail
}

func (a *Application) StartMode() model.StartMode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.startMode
}

func (a *Application) SetStartMode(m model.StartMode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.startMode = m
}

// DebugPort returns the published debug port or model.DebugPortUnset.
func (a *Application) DebugPort() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.debugPort
}

// SetDebugPort publishes a debug port. Non-positive values unset it.
func (a *Application) SetDebugPort(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if port <= 0 {
		port = model.DebugPortUnset
	}
	a.debugPort = port
}

// InvalidateDebugPort forgets the debug port. Called when a restart starts so
// the previous port is never handed to a debugger.
func (a *Application) InvalidateDebugPort() {
	a.SetDebugPort(model.DebugPortUnset)
}

func (a *Application) SetExposedPort(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.exposedPort = port
}

func (a *Application) setIdentity(name, host string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if name != "" {
		a.name = name
	}
	if host != "" {
		a.host = host
	}
}

// Snapshot returns a copy of all mirrored fields.
func (a *Application) Snapshot() model.AppSnapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return model.AppSnapshot{
		ProjectID:           a.projectID,
		Name:                a.name,
		Host:                a.host,
		AppState:            a.appState,
		BuildStatus:         a.buildStatus,
		DetailedBuildStatus: a.detailedBuildStatus,
		StartMode:           a.startMode,
		DebugPort:           a.debugPort,
		ExposedPort:         a.exposedPort,
	}
}
