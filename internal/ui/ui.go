package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/treykane/mcwatch/internal/auth"
	"github.com/treykane/mcwatch/internal/debugclient"
	"github.com/treykane/mcwatch/internal/engine"
	"github.com/treykane/mcwatch/internal/history"
	"github.com/treykane/mcwatch/internal/logstream"
	"github.com/treykane/mcwatch/internal/model"
	"github.com/treykane/mcwatch/internal/util"
)

// dashboardConsole is the console name the dashboard opens log streams under.
const dashboardConsole = "dashboard"

// maxLogBytes bounds what the log pane keeps in memory.
const maxLogBytes = 256 * 1024

type tickMsg time.Time

type statusMsg string

type restartDoneMsg struct {
	name string
	res  engine.RestartResult
	err  error
}

type loginDoneMsg struct {
	tok auth.Token
	err error
}

// viewSink receives log deliveries from stream goroutines. The dashboard
// drains it on every tick.
type viewSink struct {
	mu    sync.Mutex
	buf   strings.Builder
	dirty bool
}

func (s *viewSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.Reset()
	s.dirty = true
	return nil
}

func (s *viewSink) Append(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf.WriteString(text)
	if s.buf.Len() > maxLogBytes {
		kept := s.buf.String()[s.buf.Len()-maxLogBytes:]
		if i := strings.IndexByte(kept, '\n'); i >= 0 {
			kept = kept[i+1:]
		}
		s.buf.Reset()
		s.buf.WriteString(kept)
	}
	s.dirty = true
	return nil
}

// take returns the buffered text when it changed since the last call.
func (s *viewSink) take() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return "", false
	}
	s.dirty = false
	return s.buf.String(), true
}

type dashboardModel struct {
	ctx context.Context
	eng *engine.Engine
	rt  *engine.Runtime
	dbg *debugclient.Client

	apps        []model.AppSnapshot
	filtered    []model.AppSnapshot
	sel         int
	filter      string
	filterMode  bool
	recentFirst bool
	showHelp    bool
	status      string
	busy        map[string]bool
	width       int
	height      int

	logView  viewport.Model
	logSink  *viewSink
	logSub   *logstream.Subscription
	logTitle string

	form *loginForm
}

func newDashboard(ctx context.Context, eng *engine.Engine, rt *engine.Runtime) dashboardModel {
	m := dashboardModel{
		ctx:     ctx,
		eng:     eng,
		rt:      rt,
		dbg:     debugclient.New(eng.Config().Debug.ClientCommand),
		busy:    make(map[string]bool),
		logView: viewport.New(100, 12),
	}
	m.reload()
	m.status = "Ready. Select an application; b/a open its build/app log, R restarts, D restarts in debug mode."
	return m
}

func (m *dashboardModel) reload() {
	if m.rt == nil {
		return
	}
	apps := m.rt.Conn.Apps()
	m.apps = make([]model.AppSnapshot, 0, len(apps))
	for _, a := range apps {
		m.apps = append(m.apps, a.Snapshot())
	}
	sort.Slice(m.apps, func(i, j int) bool { return m.apps[i].Name < m.apps[j].Name })
	m.applyFilter()
}

// touch records activity on app for the recent-first ordering.
func (m dashboardModel) touch(app model.AppSnapshot) {
	if m.rt == nil {
		return
	}
	if err := history.Touch(history.Key(m.rt.Config.Name, app.ProjectID)); err != nil {
		slog.Debug("failed to record history", "project", app.ProjectID, "error", err)
	}
}

func (m *dashboardModel) applyFilter() {
	base := m.apps
	if m.recentFirst && m.rt != nil {
		if lastUsed, err := history.LastUsed(); err == nil {
			base = history.SortAppsRecent(m.apps, m.rt.Config.Name, lastUsed)
		}
	}
	if strings.TrimSpace(m.filter) == "" {
		m.filtered = append([]model.AppSnapshot(nil), base...)
	} else {
		f := strings.ToLower(strings.TrimSpace(m.filter))
		m.filtered = nil
		for _, a := range base {
			if strings.Contains(strings.ToLower(a.Name), f) || strings.Contains(strings.ToLower(a.ProjectID), f) {
				m.filtered = append(m.filtered, a)
			}
		}
	}
	if m.sel >= len(m.filtered) {
		m.sel = len(m.filtered) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
}

func (m dashboardModel) selected() (model.AppSnapshot, bool) {
	if len(m.filtered) == 0 {
		return model.AppSnapshot{}, false
	}
	return m.filtered[m.sel], true
}

func tickCmd(seconds int) tea.Cmd {
	return tea.Tick(time.Duration(clampRefresh(seconds))*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m dashboardModel) refreshSeconds() int {
	if m.eng == nil {
		return util.DefaultRefreshSeconds
	}
	return m.eng.Config().UI.RefreshSeconds
}

func (m dashboardModel) Init() tea.Cmd {
	return tickCmd(m.refreshSeconds())
}

// drainLog moves new sink content into the viewport, following the tail
// when the user has not scrolled up.
func (m *dashboardModel) drainLog() {
	if m.logSink == nil {
		return
	}
	text, ok := m.logSink.take()
	if !ok {
		return
	}
	follow := m.logView.AtBottom()
	m.logView.SetContent(text)
	if follow {
		m.logView.GotoBottom()
	}
}

func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.reload()
		m.drainLog()
		return m, tickCmd(m.refreshSeconds())
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.logView.Width = max(m.effectiveWidth()-4, 20)
		m.logView.Height = max(m.height/3, 6)
		return m, nil
	case statusMsg:
		m.status = string(msg)
		return m, nil
	case restartDoneMsg:
		delete(m.busy, msg.name)
		m.status = describeRestart(msg)
		m.reload()
		return m, nil
	case loginDoneMsg:
		if msg.err != nil {
			m.status = "Login failed: " + msg.err.Error()
			return m, nil
		}
		m.eng.UseToken(msg.tok)
		m.status = fmt.Sprintf("Logged in to %s until %s", msg.tok.Host, msg.tok.ExpiresAt.Local().Format(time.RFC822))
		return m, nil
	case tea.KeyMsg:
		if m.form != nil {
			return m.updateForm(msg)
		}
		if m.filterMode {
			return m.updateFilter(msg), nil
		}
		return m.updateKeys(msg)
	}
	return m, nil
}

func (m dashboardModel) updateFilter(msg tea.KeyMsg) dashboardModel {
	switch msg.String() {
	case "enter", "esc":
		m.filterMode = false
	case "backspace":
		if len(m.filter) > 0 {
			m.filter = m.filter[:len(m.filter)-1]
		}
	default:
		if len(msg.String()) == 1 {
			m.filter += msg.String()
		}
	}
	m.applyFilter()
	return m
}

func (m dashboardModel) updateForm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "esc" {
		m.form = nil
		if m.eng != nil {
			m.eng.Authorizer().Cancel()
		}
		m.status = "Login cancelled"
		return m, nil
	}
	res, cmd := m.form.update(msg)
	if res == nil {
		return m, cmd
	}
	m.form = nil
	m.status = "Logging in..."
	eng, rt, ctx := m.eng, m.rt, m.ctx
	return m, func() tea.Msg {
		if res.callback != "" {
			tok, err := eng.Authorizer().HandleCallback(res.callback)
			return loginDoneMsg{tok: tok, err: err}
		}
		tok, err := eng.Authorizer().PasswordGrant(ctx, eng.Endpoint(rt), rt.Config.Host(), res.user, res.password)
		return loginDoneMsg{tok: tok, err: err}
	}
}

func (m dashboardModel) updateKeys(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		m.closeLog()
		return m, tea.Quit
	case "j", "down":
		if m.sel < len(m.filtered)-1 {
			m.sel++
		}
	case "k", "up":
		if m.sel > 0 {
			m.sel--
		}
	case "/":
		m.filterMode = true
		m.status = "Filter mode: type and press Enter"
	case "?":
		m.showHelp = !m.showHelp
	case "s":
		m.recentFirst = !m.recentFirst
		m.applyFilter()
		if m.recentFirst {
			m.status = "Sorted by recent activity"
		} else {
			m.status = "Sorted by name"
		}
	case "pgup", "pgdown", "ctrl+u", "ctrl+d":
		var cmd tea.Cmd
		m.logView, cmd = m.logView.Update(msg)
		return m, cmd
	case "b", "a":
		app, ok := m.selected()
		if !ok {
			break
		}
		source := model.LogBuild
		if msg.String() == "a" {
			source = model.LogApp
		}
		if err := m.openLog(app, source); err != nil {
			m.status = "Cannot open log: " + err.Error()
		} else {
			m.touch(app)
			m.status = fmt.Sprintf("Following %s log of %s", source, app.Name)
		}
	case "x":
		m.closeLog()
		m.status = "Log closed"
	case "R", "D":
		app, ok := m.selected()
		if !ok || m.rt == nil {
			break
		}
		if m.busy[app.Name] {
			m.status = app.Name + " is already restarting"
			break
		}
		mode := model.StartRun
		if msg.String() == "D" {
			mode = model.StartDebug
		}
		target, found := m.rt.Conn.Get(app.ProjectID)
		if !found {
			break
		}
		m.busy[app.Name] = true
		m.touch(app)
		m.status = fmt.Sprintf("Restarting %s in %s mode...", app.Name, mode)
		eng, rt, ctx := m.eng, m.rt, m.ctx
		return m, func() tea.Msg {
			res, err := eng.Restart(ctx, rt, target, engine.RestartOptions{Mode: mode})
			return restartDoneMsg{name: target.Name(), res: res, err: err}
		}
	case "c":
		app, ok := m.selected()
		if !ok || m.rt == nil {
			break
		}
		if !app.HasDebugPort() {
			m.status = app.Name + " has no debug port; press D to restart it in debug mode"
			break
		}
		if err := m.dbg.EnsureBinary(); err != nil {
			m.status = err.Error()
			break
		}
		target, found := m.rt.Conn.Get(app.ProjectID)
		if !found {
			break
		}
		m.touch(app)
		cmd := m.dbg.AttachCommand(engine.DebugHost(m.rt, target), app.DebugPort)
		return m, tea.ExecProcess(cmd, func(err error) tea.Msg {
			if err != nil {
				return statusMsg("debugger exited: " + err.Error())
			}
			return statusMsg("debugger session closed")
		})
	case "L":
		if m.eng == nil || m.rt == nil {
			break
		}
		authURL, err := m.eng.Authorizer().StartAuthorization(m.eng.Endpoint(m.rt), m.rt.Config.Host())
		if err != nil {
			m.status = "Login unavailable: " + err.Error()
			break
		}
		m.form = newLoginForm(authURL)
		m.status = "Log in with a password, or open the URL and paste the callback"
	}
	return m, nil
}

func (m *dashboardModel) openLog(app model.AppSnapshot, source model.LogSource) error {
	if m.eng == nil || m.rt == nil {
		return fmt.Errorf("no connection")
	}
	m.closeLog()
	sink := &viewSink{}
	var (
		sub *logstream.Subscription
		err error
	)
	switch source {
	case model.LogBuild:
		sub, err = m.eng.Logs().OpenBuildLog(dashboardConsole, m.rt.Conn.Client(), m.rt.LogTarget(app.ProjectID), sink)
	default:
		sub, err = m.eng.Logs().OpenAppLog(dashboardConsole, m.rt.Conn, m.rt.LogTarget(app.ProjectID), sink)
	}
	if err != nil {
		return err
	}
	m.logSink = sink
	m.logSub = sub
	m.logTitle = fmt.Sprintf("%s log: %s", source, app.Name)
	m.logView.SetContent("")
	return nil
}

func (m *dashboardModel) closeLog() {
	if m.logSub != nil {
		m.logSub.Dispose()
	}
	m.logSub = nil
	m.logSink = nil
	m.logTitle = ""
}

func describeRestart(msg restartDoneMsg) string {
	if msg.err != nil {
		return fmt.Sprintf("Restart of %s failed: %v", msg.name, msg.err)
	}
	if msg.res.DebugPort > 0 {
		return fmt.Sprintf("%s is %s; debug port %d (press c to attach)", msg.name, msg.res.State, msg.res.DebugPort)
	}
	return fmt.Sprintf("%s is %s", msg.name, msg.res.State)
}

func stateStyle(st model.AppState) lipgloss.Style {
	color := lipgloss.Color("244")
	switch st {
	case model.AppStarted:
		color = lipgloss.Color("42")
	case model.AppStarting, model.AppStopping:
		color = lipgloss.Color("214")
	case model.AppStopped:
		color = lipgloss.Color("196")
	}
	return lipgloss.NewStyle().Foreground(color)
}

func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("Microclimate Dashboard")
	conn := "-"
	if m.rt != nil {
		conn = m.rt.Config.Name + " (" + m.rt.Config.URL + ")"
	}
	subhead := fmt.Sprintf("connection=%s apps=%d shown=%d refresh=%ds", conn, len(m.apps), len(m.filtered), clampRefresh(m.refreshSeconds()))

	left := strings.Builder{}
	left.WriteString("j/k to navigate; [*] means restart in progress.\n")
	for i, a := range m.filtered {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		mark := " "
		if m.busy[a.Name] {
			mark = "*"
		}
		left.WriteString(fmt.Sprintf("%s[%s] %-22s %s\n", cursor, mark, a.Name, stateStyle(a.AppState).Render(string(a.AppState))))
	}
	if len(m.filtered) == 0 {
		left.WriteString("  (no applications)\n")
	}

	detail := strings.Builder{}
	if a, ok := m.selected(); ok {
		debugPort := "-"
		if a.HasDebugPort() {
			debugPort = fmt.Sprintf("%d", a.DebugPort)
		}
		detail.WriteString(fmt.Sprintf("Name: %s\nProject: %s\nHost: %s\nState: %s\nBuild: %s %s\nMode: %s\nDebug port: %s\n",
			a.Name, a.ProjectID, util.EmptyDash(a.Host), a.AppState, a.BuildStatus, a.DetailedBuildStatus, util.EmptyDash(string(a.StartMode)), debugPort))
	} else {
		detail.WriteString("Pick an application to view its state.\n")
	}

	filterLine := fmt.Sprintf("Filter: %s", m.filter)
	if m.filterMode {
		filterLine += " (typing...)"
	}
	quickHelp := "Keys: b build log | a app log | x close log | R restart | D debug restart | c attach | L login | s sort | / filter | ? help | q quit"

	width := m.effectiveWidth()
	sections := []string{head, subhead, filterLine, quickHelp, m.renderMainPanels(left.String(), detail.String())}
	if m.logTitle != "" {
		sections = append(sections, m.renderPanel(m.logTitle, m.logView.View(), width, lipgloss.Color("63")))
	}
	if m.form != nil {
		sections = append(sections, m.form.view(m.renderPanel, width))
	}
	if m.showHelp {
		sections = append(sections, m.renderPanel("Help", helpBlock(), width, lipgloss.Color("244")))
	}
	sections = append(sections, m.renderPanel("Status", m.status, width, lipgloss.Color("205")))
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// Run opens the dashboard on the named connection until the user quits.
// The engine's sockets and pollers run for the lifetime of the dashboard.
func Run(ctx context.Context, eng *engine.Engine, connection string) error {
	rt, err := eng.Runtime(connection)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	eng.Start(ctx)
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx) }()

	p := tea.NewProgram(newDashboard(ctx, eng, rt), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	cancel()
	<-done
	eng.Logs().DisposeAll()
	return err
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return util.DefaultRefreshSeconds
	}
	return seconds
}

func (m dashboardModel) renderMainPanels(appsPanel, detailsPanel string) string {
	width := m.effectiveWidth()
	if width < 96 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel("Applications", appsPanel, width, lipgloss.Color("39")),
			m.renderPanel("Details", detailsPanel, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width / 2
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel("Applications", appsPanel, leftWidth, lipgloss.Color("39")),
		m.renderPanel("Details", detailsPanel, rightWidth, lipgloss.Color("69")),
	)
}

func helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection.",
		"  Filtering: press /, type name or project id, then Enter.",
		"  Sorting: s toggles recently used applications first.",
		"  Logs: b follows the build log, a the application log; PgUp/PgDn scroll, x closes.",
		"  Restart: R restarts in run mode, D in debug mode and waits for the debug port.",
		"  Debugger: c opens the configured debugger client on the debug port.",
		"  Login: L starts a login; Esc cancels it.",
		"  Quit: press q (or Ctrl+C); open log streams are closed.",
	}, "\n")
}

func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
