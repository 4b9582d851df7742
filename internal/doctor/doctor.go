// Package doctor runs local and remote diagnostics for the configured
// Microclimate connections.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/treykane/mcwatch/internal/appconfig"
	"github.com/treykane/mcwatch/internal/credstore"
	"github.com/treykane/mcwatch/internal/debugclient"
	"github.com/treykane/mcwatch/internal/mcclient"
	"github.com/treykane/mcwatch/internal/security"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// CredentialReader is the read side of the credential store.
type CredentialReader interface {
	Get(host string) (credstore.Credential, bool, error)
}

// Options tunes a run. Zero values select the defaults.
type Options struct {
	Credentials CredentialReader
	// Now is the clock used for expiry checks.
	Now func() time.Time
}

// Run checks every configured connection concurrently, the debugger client
// binary and the local file posture. Issues are sorted by severity.
func Run(ctx context.Context, cfg appconfig.Config, opts Options) (Report, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	var (
		mu     sync.Mutex
		issues []Issue
		wg     sync.WaitGroup
	)
	add := func(found ...Issue) {
		mu.Lock()
		issues = append(issues, found...)
		mu.Unlock()
	}

	if len(cfg.Connections) == 0 {
		add(Issue{
			Severity:       SeverityHigh,
			Check:          "no-connections",
			Target:         "config.yaml",
			Message:        "no Microclimate connections are configured",
			Recommendation: "add a connection with `mcwatch connection add <name> <url>`",
		})
	}
	for _, cc := range cfg.Connections {
		cc := cc
		wg.Add(1)
		go func() {
			defer wg.Done()
			add(checkConnection(ctx, cfg, cc, opts)...)
		}()
	}

	dbg := debugclient.New(cfg.Debug.ClientCommand)
	if err := dbg.EnsureBinary(); err != nil {
		add(Issue{
			Severity:       SeverityLow,
			Check:          "debug-client",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "install a JDK or set debug.client_command to attach from the terminal",
		})
	}
	if audit, err := security.RunLocalAudit(cfg); err == nil {
		for _, f := range audit.Findings {
			// Both packages use the same severity names.
			add(Issue{
				Severity:       Severity(f.Severity),
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}
	wg.Wait()

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

func checkConnection(ctx context.Context, cfg appconfig.Config, cc appconfig.ConnectionConfig, opts Options) []Issue {
	var issues []Issue
	var token string

	if opts.Credentials != nil {
		cred, ok, err := opts.Credentials.Get(cc.Host())
		switch {
		case err != nil:
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "credentials-unreadable",
				Target:         cc.Name,
				Message:        err.Error(),
				Recommendation: "remove the credential store and log in again",
			})
		case !ok:
			issues = append(issues, Issue{
				Severity:       SeverityLow,
				Check:          "credentials-missing",
				Target:         cc.Name,
				Message:        "no stored token",
				Recommendation: fmt.Sprintf("run `mcwatch login --connection %s` if the server requires authentication", cc.Name),
			})
		case cred.Expired(opts.Now()):
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "credentials-expired",
				Target:         cc.Name,
				Message:        "stored token expired at " + cred.ExpiresAt.Format(time.RFC3339),
				Recommendation: fmt.Sprintf("run `mcwatch login --connection %s`", cc.Name),
			})
		default:
			token = cred.Token
		}
	}

	client, err := mcclient.New(cc.URL,
		mcclient.WithTimeout(cfg.RequestTimeout()),
		mcclient.WithToken(func() string { return token }),
	)
	if err != nil {
		return append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "connection-url",
			Target:         cc.Name,
			Message:        err.Error(),
			Recommendation: "fix the connection URL in config.yaml",
		})
	}
	if _, err := client.Ping(ctx); err != nil {
		issues = append(issues, classifyPing(cc, err))
	}
	return issues
}

func classifyPing(cc appconfig.ConnectionConfig, err error) Issue {
	issue := Issue{Target: cc.Name, Message: err.Error()}
	var apiErr mcclient.APIError
	switch {
	case mcclient.IsConnRefused(err):
		issue.Severity = SeverityHigh
		issue.Check = "connection-refused"
		issue.Recommendation = "check that Microclimate is running at " + cc.URL
	case mcclient.IsTimeout(err):
		issue.Severity = SeverityMedium
		issue.Check = "connection-timeout"
		issue.Recommendation = "the server is slow or unreachable; raise reconcile.request_timeout_ms if it is busy"
	case errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden):
		issue.Severity = SeverityHigh
		issue.Check = "connection-unauthorized"
		issue.Recommendation = fmt.Sprintf("run `mcwatch login --connection %s`", cc.Name)
	default:
		issue.Severity = SeverityHigh
		issue.Check = "connection-error"
		issue.Recommendation = "inspect the server logs"
	}
	return issue
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
