package security

import (
	"os"
	"regexp"
	"strings"
)

var (
	tokenParam  = regexp.MustCompile(`((?:access_token|password|state)=)[^&#\s]+`)
	bearerValue = regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._~+/=-]+`)
)

// UserMessage returns err's text with secrets and the home directory
// removed, for printing in the terminal.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	return RedactMessage(err.Error())
}

// RedactMessage masks token-like values and shortens home directory paths.
func RedactMessage(msg string) string {
	if msg == "" {
		return msg
	}
	out := tokenParam.ReplaceAllString(msg, "${1}[redacted]")
	out = bearerValue.ReplaceAllString(out, "${1}[redacted]")
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		out = strings.ReplaceAll(out, home, "~")
	}
	return out
}
