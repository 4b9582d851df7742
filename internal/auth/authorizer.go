// Package auth drives logins against a Microclimate server.
//
// Browser logins use the OAuth implicit grant. Only one can be pending per
// process: starting a new one silently replaces the previous, so only the
// most recent attempt's state nonce can ever complete. The password grant
// skips the browser and exchanges credentials directly.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"

	"github.com/treykane/mcwatch/internal/events"
	"github.com/treykane/mcwatch/internal/metrics"
	"github.com/treykane/mcwatch/internal/util"
)

// ErrNoPendingAuthorization is returned by HandleCallback for a callback
// that arrived while nothing was pending. Callers treat it as a no-op.
var ErrNoPendingAuthorization = errors.New("auth: no authorization pending")

// AuthError is an authorization failure reported by the server or detected
// while validating its answer. Description carries the server's text verbatim.
type AuthError struct {
	Code        string
	Description string
	Status      int
}

func (e *AuthError) Error() string {
	msg := "authorization failed: " + e.Code
	if e.Description != "" {
		msg += ": " + e.Description
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (HTTP %d)", e.Status)
	}
	return msg
}

// CodeInvalidState is the AuthError code for a callback whose state nonce
// does not match the pending authorization.
const CodeInvalidState = "invalid_state"

// Callback outcomes, used as metric labels.
const (
	outcomeSuccess  = "success"
	outcomeStale    = "stale"
	outcomeMismatch = "state_mismatch"
	outcomeDenied   = "denied"
	outcomeInvalid  = "invalid"
)

// CredentialSaver persists a token per host. *credstore.Store implements it.
type CredentialSaver interface {
	Save(host, token string, expiresAt time.Time) error
}

// Journal records successful logins. *events.Store implements it.
type Journal interface {
	Append(events.Event) error
}

// Endpoint locates the authorization server of one connection.
type Endpoint struct {
	BaseURL       string
	AuthorizePath string
	TokenPath     string
	ClientID      string
	RedirectURI   string
}

// Token is a persisted credential.
type Token struct {
	Host        string
	AccessToken string
	ExpiresAt   time.Time
	Scope       string
	TokenType   string
}

type pendingAuthorization struct {
	hostID string
	state  string
}

// Options configures an Authorizer.
type Options struct {
	ConnectTimeout time.Duration
	Metrics        *metrics.Metrics
	Journal        Journal
	// Now defaults to time.Now.
	Now func() time.Time
}

// Authorizer owns the single pending authorization of the process.
type Authorizer struct {
	store   CredentialSaver
	metrics *metrics.Metrics
	journal Journal
	now     func() time.Time
	http    *http.Client

	mu      sync.Mutex
	pending *pendingAuthorization
}

// New creates an Authorizer persisting credentials to store.
func New(store CredentialSaver, opts Options) *Authorizer {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = util.DefaultAuthConnectTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.TLSHandshakeTimeout = opts.ConnectTimeout
	return &Authorizer{
		store:   store,
		metrics: opts.Metrics,
		journal: opts.Journal,
		now:     opts.Now,
		http:    &http.Client{Transport: transport, Timeout: 4 * opts.ConnectTimeout},
	}
}

// StartAuthorization begins a browser login for hostID and returns the URL
// to open. Any authorization still pending is discarded.
func (a *Authorizer) StartAuthorization(ep Endpoint, hostID string) (string, error) {
	if strings.TrimSpace(hostID) == "" {
		return "", errors.New("auth: host id is empty")
	}
	state, err := randomState()
	if err != nil {
		return "", err
	}
	u, err := url.Parse(util.NormalizeBaseURL(ep.BaseURL) + ep.AuthorizePath)
	if err != nil {
		return "", fmt.Errorf("auth: invalid authorize url: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "token")
	q.Set("client_id", ep.ClientID)
	q.Set("redirect_uri", ep.RedirectURI)
	q.Set("state", state)
	u.RawQuery = q.Encode()

	a.mu.Lock()
	if a.pending != nil {
		slog.Debug("replacing pending authorization", "host", a.pending.hostID)
	}
	a.pending = &pendingAuthorization{hostID: hostID, state: state}
	a.mu.Unlock()
	return u.String(), nil
}

// Pending returns the host of the pending authorization, if any.
func (a *Authorizer) Pending() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return "", false
	}
	return a.pending.hostID, true
}

// Cancel drops the pending authorization.
func (a *Authorizer) Cancel() {
	a.mu.Lock()
	a.pending = nil
	a.mu.Unlock()
}

// HandleCallback completes the pending authorization from the redirect URI.
// Parameters are read from the fragment (implicit grant) and the query.
//
// With nothing pending it returns ErrNoPendingAuthorization. A state that
// does not match the pending nonce is rejected with CodeInvalidState and the
// pending authorization is left in place. A matching callback always clears
// it, whether it carries a token or an error.
func (a *Authorizer) HandleCallback(uri string) (Token, error) {
	calledAt := a.now()
	params, err := callbackParams(uri)
	if err != nil {
		a.metrics.ObserveAuthCallback(outcomeInvalid)
		return Token{}, &AuthError{Code: "invalid_callback", Description: err.Error()}
	}

	a.mu.Lock()
	p := a.pending
	switch {
	case p == nil:
		a.mu.Unlock()
		slog.Info("ignoring authorization callback with nothing pending")
		a.metrics.ObserveAuthCallback(outcomeStale)
		return Token{}, ErrNoPendingAuthorization
	case subtle.ConstantTimeCompare([]byte(params.Get("state")), []byte(p.state)) != 1:
		a.mu.Unlock()
		slog.Warn("authorization callback state mismatch", "host", p.hostID)
		a.metrics.ObserveAuthCallback(outcomeMismatch)
		return Token{}, &AuthError{Code: CodeInvalidState, Description: "callback state does not match the pending authorization"}
	}
	a.pending = nil
	a.mu.Unlock()

	if code := params.Get("error"); code != "" {
		a.metrics.ObserveAuthCallback(outcomeDenied)
		return Token{}, &AuthError{Code: code, Description: params.Get("error_description")}
	}
	resp := tokenResponse{
		AccessToken: params.Get("access_token"),
		Scope:       params.Get("scope"),
		TokenType:   params.Get("token_type"),
	}
	if raw := params.Get("expires_in"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			a.metrics.ObserveAuthCallback(outcomeInvalid)
			return Token{}, &AuthError{Code: "invalid_token_response", Description: "expires_in is not a number: " + raw}
		}
		resp.ExpiresIn = n
	}
	tok, err := a.persist(p.hostID, resp, calledAt)
	if err != nil {
		a.metrics.ObserveAuthCallback(outcomeInvalid)
		return Token{}, err
	}
	a.metrics.ObserveAuthCallback(outcomeSuccess)
	return tok, nil
}

func callbackParams(uri string) (url.Values, error) {
	u, err := url.Parse(strings.TrimSpace(uri))
	if err != nil {
		return nil, err
	}
	params := u.Query()
	if u.Fragment != "" {
		frag, err := url.ParseQuery(u.Fragment)
		if err != nil {
			return nil, err
		}
		for k, v := range frag {
			params[k] = v
		}
	}
	return params, nil
}

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	Scope            string `json:"scope"`
	TokenType        string `json:"token_type"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// persist computes the absolute expiry and saves the token. Without an
// expires_in the token's own exp claim is used.
func (a *Authorizer) persist(hostID string, resp tokenResponse, issuedAt time.Time) (Token, error) {
	if resp.AccessToken == "" {
		return Token{}, &AuthError{Code: "invalid_token_response", Description: "access_token missing"}
	}
	var expiresAt time.Time
	if resp.ExpiresIn > 0 {
		expiresAt = issuedAt.Add(time.Duration(resp.ExpiresIn) * time.Second)
	} else if exp, ok := jwtExpiry(resp.AccessToken); ok {
		expiresAt = exp
	} else {
		return Token{}, &AuthError{Code: "invalid_token_response", Description: "token lifetime missing"}
	}
	if err := a.store.Save(hostID, resp.AccessToken, expiresAt); err != nil {
		return Token{}, fmt.Errorf("save credential: %w", err)
	}
	slog.Info("authorized", "host", hostID, "expires", expiresAt.Format(time.RFC3339))
	if a.journal != nil {
		if err := a.journal.Append(events.Event{Connection: hostID, EventType: events.TypeAuthorized,
			Message: "token expires " + expiresAt.UTC().Format(time.RFC3339)}); err != nil {
			slog.Warn("failed to journal event", "type", events.TypeAuthorized, "error", err)
		}
	}
	return Token{Host: hostID, AccessToken: resp.AccessToken, ExpiresAt: expiresAt, Scope: resp.Scope, TokenType: resp.TokenType}, nil
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is only inspected for bookkeeping.
func jwtExpiry(token string) (time.Time, bool) {
	var claims jwtlib.RegisteredClaims
	if _, _, err := jwtlib.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}

// PasswordGrant exchanges a username and password for a token and persists
// it under hostID. The connect timeout keeps a misconfigured host from
// hanging the caller.
func (a *Authorizer) PasswordGrant(ctx context.Context, ep Endpoint, hostID, username, password string) (Token, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", username)
	form.Set("password", password)
	if ep.ClientID != "" {
		form.Set("client_id", ep.ClientID)
	}
	endpoint := util.NormalizeBaseURL(ep.BaseURL) + ep.TokenPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	issuedAt := a.now()
	resp, err := a.http.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Token{}, fmt.Errorf("read token response: %w", err)
	}

	var tr tokenResponse
	decodeErr := json.Unmarshal(body, &tr)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		aerr := &AuthError{Code: tr.Error, Description: tr.ErrorDescription, Status: resp.StatusCode}
		if decodeErr != nil || aerr.Code == "" {
			aerr.Code = "http_error"
			aerr.Description = strings.TrimSpace(string(body))
		}
		return Token{}, aerr
	}
	if decodeErr != nil {
		return Token{}, &AuthError{Code: "invalid_token_response", Description: decodeErr.Error(), Status: resp.StatusCode}
	}
	return a.persist(hostID, tr, issuedAt)
}

func randomState() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
