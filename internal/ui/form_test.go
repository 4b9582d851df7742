package ui

import (
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func keyRunes(s string) tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)} }

var keyEnter = tea.KeyMsg{Type: tea.KeyEnter}

func TestParseCallbackInput(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{name: "fragment callback", input: "mcwatch://callback#access_token=x&state=abc"},
		{name: "query callback", input: "mcwatch://callback?error=access_denied&state=abc"},
		{name: "surrounding spaces", input: "  mcwatch://callback#state=abc  "},
		{name: "empty input", input: "", wantErr: true},
		{name: "whitespace only", input: "   ", wantErr: true},
		{name: "not a url", input: "access_token=x&state=abc", wantErr: true},
		{name: "missing state", input: "mcwatch://callback#access_token=x", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseCallbackInput(tt.input)
			if tt.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestPasswordFormRequiresBothFields(t *testing.T) {
	f := newLoginForm("https://mc.example/oauth/authorize")
	f.update(keyEnter) // choose password
	if f.mode != formModePassword {
		t.Fatalf("expected password mode, got %v", f.mode)
	}
	if res, _ := f.update(keyEnter); res != nil || f.errMsg != "user is required" {
		t.Fatalf("expected user validation error, got %+v %q", res, f.errMsg)
	}

	f.update(keyRunes("dev"))
	f.update(tea.KeyMsg{Type: tea.KeyTab})
	if res, _ := f.update(keyEnter); res != nil || f.errMsg != "password is required" {
		t.Fatalf("expected password validation error, got %+v %q", res, f.errMsg)
	}
	f.update(keyRunes("hunter2"))
	res, _ := f.update(keyEnter)
	if res == nil || res.user != "dev" || res.password != "hunter2" || res.callback != "" {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestBrowserFormReturnsCallback(t *testing.T) {
	f := newLoginForm("https://mc.example/oauth/authorize")
	f.update(keyRunes("j"))
	f.update(keyEnter)
	if f.mode != formModeBrowser {
		t.Fatalf("expected browser mode, got %v", f.mode)
	}
	f.update(keyRunes("mcwatch://callback#access_token=t&state=s"))
	res, _ := f.update(keyEnter)
	if res == nil || res.callback != "mcwatch://callback#access_token=t&state=s" {
		t.Fatalf("unexpected result %+v (err %q)", res, f.errMsg)
	}
}
