// Package security audits the local file posture of mcwatch and redacts
// secrets from user-visible messages.
package security

import (
	"cmp"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/treykane/mcwatch/internal/appconfig"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type AuditReport struct {
	Findings []Finding `json:"findings"`
}

func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects the permissions of the files mcwatch keeps and the
// transport of every configured connection.
func RunLocalAudit(cfg appconfig.Config) (AuditReport, error) {
	var findings []Finding

	cfgDir, err := appconfig.ConfigDir()
	if err != nil {
		return AuditReport{}, err
	}
	checkPathPerm(&findings, cfgDir, 0o700, false)
	for _, name := range []string{"config.yaml", "events.jsonl", "history.json", "credentials.age"} {
		checkPathPerm(&findings, filepath.Join(cfgDir, name), 0o600, true)
	}
	if identity, err := appconfig.IdentityFilePath(); err == nil {
		// The identity decrypts every stored token.
		if f, ok := permFinding(identity, 0o600, true); ok {
			f.Severity = SeverityHigh
			findings = append(findings, f)
		}
	}

	for _, cc := range cfg.Connections {
		u, err := url.Parse(cc.URL)
		if err != nil || u.Scheme != "http" || isLoopback(u.Hostname()) {
			continue
		}
		findings = append(findings, Finding{
			Severity:       SeverityMedium,
			Target:         cc.Name,
			Message:        "bearer tokens are sent over plain HTTP to " + u.Host,
			Recommendation: "use an https:// URL for remote Microclimate servers",
		})
	}

	if addr := strings.TrimSpace(cfg.Metrics.Listen); addr != "" {
		host, _, err := net.SplitHostPort(addr)
		if err == nil && !isLoopback(host) {
			findings = append(findings, Finding{
				Severity:       SeverityLow,
				Target:         "metrics.listen",
				Message:        "metrics endpoint is reachable from other hosts (" + addr + ")",
				Recommendation: "bind metrics to 127.0.0.1 unless a remote scraper needs it",
			})
		}
	}

	slices.SortFunc(findings, func(a, b Finding) int {
		if c := cmp.Compare(severityRank(b.Severity), severityRank(a.Severity)); c != 0 {
			return c
		}
		if c := strings.Compare(a.Target, b.Target); c != 0 {
			return c
		}
		return strings.Compare(a.Message, b.Message)
	})
	return AuditReport{Findings: findings}, nil
}

func isLoopback(host string) bool {
	if host == "" {
		// ":9464" listens on every interface.
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

var severityRanks = map[Severity]int{SeverityLow: 1, SeverityMedium: 2, SeverityHigh: 3}

func severityRank(s Severity) int { return severityRanks[s] }

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	if f, ok := permFinding(path, max, isFile); ok {
		*findings = append(*findings, f)
	}
}

// permFinding reports path when its mode grants bits outside max. A missing
// path is fine; mcwatch creates it with the right mode.
func permFinding(path string, max os.FileMode, isFile bool) (Finding, bool) {
	st, err := os.Stat(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return Finding{}, false
	case err != nil:
		return Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        "cannot stat: " + err.Error(),
			Recommendation: "check the path by hand",
		}, true
	}
	extra := st.Mode().Perm() &^ max
	if extra == 0 {
		return Finding{}, false
	}
	kind := map[bool]string{true: "file", false: "directory"}[isFile]
	return Finding{
		Severity:       SeverityMedium,
		Target:         path,
		Message:        fmt.Sprintf("%s mode %#o also grants %#o", kind, st.Mode().Perm(), extra),
		Recommendation: fmt.Sprintf("chmod %#o %s", max, path),
	}, true
}
