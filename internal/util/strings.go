package util

import "strings"

// DefaultString returns the fallback value if v is empty or consists entirely
// of whitespace; otherwise it returns v unchanged.
//
// Examples:
//
//	DefaultString("hello", "world")  → "hello"
//	DefaultString("",      "world")  → "world"
//	DefaultString("  ",    "world")  → "world"
func DefaultString(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// EmptyDash returns "-" if s is empty or whitespace; otherwise s unchanged.
// Used by the CLI tables and the TUI detail panel for optional fields such as
// the detailed build status.
func EmptyDash(s string) string {
	return DefaultString(s, "-")
}

// NormalizeBaseURL trims whitespace and trailing slashes and adds an http://
// scheme when none is present.
//
// Examples:
//
//	NormalizeBaseURL("mc.local:9090/")        → "http://mc.local:9090"
//	NormalizeBaseURL(" https://mc.example ")  → "https://mc.example"
func NormalizeBaseURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return ""
	}
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = "http://" + u
	}
	return strings.TrimRight(u, "/")
}
