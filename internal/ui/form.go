package ui

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type formMode int

const (
	formModeSelect formMode = iota
	formModePassword
	formModeBrowser
)

// loginMethods are offered in this order on the first screen.
var loginMethods = []struct {
	mode  formMode
	label string
	hint  string
}{
	{formModePassword, "Password", "Exchange a user name and password for a token"},
	{formModeBrowser, "Browser", "Authorize in a browser and paste the redirect URL"},
}

// loginResult carries either a callback URL or a user/password pair.
type loginResult struct {
	user     string
	password string
	callback string
}

type loginForm struct {
	mode    formMode
	choice  int
	authURL string

	user     textinput.Model
	password textinput.Model
	onPass   bool

	callback textinput.Model
	errMsg   string
}

func newTextInput(placeholder string, limit, width int) textinput.Model {
	ti := textinput.New()
	ti.Placeholder = placeholder
	ti.CharLimit = limit
	ti.Width = width
	return ti
}

func newLoginForm(authURL string) *loginForm {
	f := &loginForm{
		mode:     formModeSelect,
		authURL:  authURL,
		user:     newTextInput("developer", 256, 40),
		password: newTextInput("password", 256, 40),
		callback: newTextInput("mcwatch://callback#access_token=...&state=...", 4096, 60),
	}
	f.password.EchoMode = textinput.EchoPassword
	f.password.EchoCharacter = '*'
	return f
}

// active returns the input that receives keystrokes in the current mode.
func (f *loginForm) active() *textinput.Model {
	switch {
	case f.mode == formModeBrowser:
		return &f.callback
	case f.onPass:
		return &f.password
	default:
		return &f.user
	}
}

func (f *loginForm) focusActive() tea.Cmd {
	f.user.Blur()
	f.password.Blur()
	f.callback.Blur()
	in := f.active()
	in.Focus()
	return in.Cursor.BlinkCmd()
}

func (f *loginForm) update(msg tea.KeyMsg) (*loginResult, tea.Cmd) {
	key := msg.String()
	if f.mode == formModeSelect {
		switch key {
		case "j", "down":
			f.choice = min(f.choice+1, len(loginMethods)-1)
		case "k", "up":
			f.choice = max(f.choice-1, 0)
		case "enter":
			f.mode = loginMethods[f.choice].mode
			f.onPass = false
			return nil, f.focusActive()
		}
		return nil, nil
	}

	switch {
	case key == "enter":
		res, err := f.submit()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return res, nil
	case f.mode == formModePassword && (key == "tab" || key == "shift+tab"):
		f.onPass = !f.onPass
		return nil, f.focusActive()
	}
	in := f.active()
	var cmd tea.Cmd
	*in, cmd = in.Update(msg)
	f.errMsg = ""
	return nil, cmd
}

func (f *loginForm) submit() (*loginResult, error) {
	if f.mode == formModeBrowser {
		cb, err := parseCallbackInput(f.callback.Value())
		if err != nil {
			return nil, err
		}
		return &loginResult{callback: cb}, nil
	}
	user := strings.TrimSpace(f.user.Value())
	switch {
	case user == "":
		return nil, errors.New("user is required")
	case f.password.Value() == "":
		return nil, errors.New("password is required")
	}
	return &loginResult{user: user, password: f.password.Value()}, nil
}

// parseCallbackInput checks that a pasted redirect looks like an
// authorization callback before it is handed to the authorizer.
func parseCallbackInput(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", errors.New("callback URL cannot be empty")
	}
	u, err := url.Parse(input)
	if err != nil || u.Scheme == "" {
		return "", errors.New("callback must be a full URL")
	}
	fragment, _ := url.ParseQuery(u.Fragment)
	if fragment.Get("state") == "" && u.Query().Get("state") == "" {
		return "", errors.New("callback has no state parameter")
	}
	return input, nil
}

func (f *loginForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	var (
		title string
		b     strings.Builder
	)
	switch f.mode {
	case formModeSelect:
		title = "Login"
		b.WriteString("Choose login method:\n\n")
		for i, m := range loginMethods {
			fmt.Fprintf(&b, "%s[%s]  %s\n", marker(i == f.choice), m.label, m.hint)
		}
		b.WriteString("\nj/k to select, Enter to confirm, Esc to cancel")
	case formModePassword:
		title = "Login - Password"
		fmt.Fprintf(&b, "%s%-10s %s\n", marker(!f.onPass), "User:", f.user.View())
		fmt.Fprintf(&b, "%s%-10s %s\n", marker(f.onPass), "Password:", f.password.View())
		f.writeError(&b)
		b.WriteString("\nTab switches field, Enter submits, Esc cancels")
	case formModeBrowser:
		title = "Login - Browser"
		fmt.Fprintf(&b, "Open this URL and authorize:\n\n  %s\n\n", f.authURL)
		fmt.Fprintf(&b, "Then paste the URL you were redirected to:\n\n  %s\n", f.callback.View())
		f.writeError(&b)
		b.WriteString("\nEnter to submit, Esc to cancel")
	}
	return renderPanel(title, b.String(), width, lipgloss.Color("214"))
}

func marker(selected bool) string {
	if selected {
		return "> "
	}
	return "  "
}

func (f *loginForm) writeError(b *strings.Builder) {
	if f.errMsg == "" {
		return
	}
	b.WriteString("\n" + lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Render("Error: "+f.errMsg) + "\n")
}
