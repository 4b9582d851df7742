package util

import (
	"fmt"
	"strconv"
	"strings"
)

// TCP port bounds accepted for exposed and debug ports.
const (
	MinPort = 1
	MaxPort = 65535
)

// ValidatePort reports an error when port cannot be dialed.
func ValidatePort(port int) error {
	if port < MinPort || port > MaxPort {
		return fmt.Errorf("port %d out of range (must be %d-%d)", port, MinPort, MaxPort)
	}
	return nil
}

// ParsePort parses a port the server sends as a string. Blank input is an
// error so callers can tell "no port" from port zero.
func ParsePort(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty port")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	if err := ValidatePort(n); err != nil {
		return 0, err
	}
	return n, nil
}
