package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

type savedCred struct {
	token     string
	expiresAt time.Time
}

type memStore struct {
	mu    sync.Mutex
	creds map[string]savedCred
}

func (m *memStore) Save(host, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		m.creds = map[string]savedCred{}
	}
	m.creds[host] = savedCred{token: token, expiresAt: expiresAt}
	return nil
}

var testEndpoint = Endpoint{
	BaseURL:       "https://mc.example",
	AuthorizePath: "/oauth/authorize",
	TokenPath:     "/oauth/token",
	ClientID:      "mcwatch",
	RedirectURI:   "mcwatch://callback",
}

func stateOf(t *testing.T, authorizeURL string) string {
	t.Helper()
	u, err := url.Parse(authorizeURL)
	if err != nil {
		t.Fatal(err)
	}
	return u.Query().Get("state")
}

func fixedClock(at time.Time) func() time.Time { return func() time.Time { return at } }

func TestStartAuthorizationBuildsURL(t *testing.T) {
	a := New(&memStore{}, Options{})
	raw, err := a.StartAuthorization(testEndpoint, "mc.example")
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(raw)
	q := u.Query()
	if u.Path != "/oauth/authorize" || q.Get("response_type") != "token" || q.Get("client_id") != "mcwatch" || q.Get("redirect_uri") != "mcwatch://callback" {
		t.Fatalf("unexpected authorize url %s", raw)
	}
	if len(q.Get("state")) < 40 {
		t.Fatalf("state nonce too short: %q", q.Get("state"))
	}
	if host, ok := a.Pending(); !ok || host != "mc.example" {
		t.Fatalf("expected pending for mc.example, got %q %v", host, ok)
	}
}

func TestSingleFlightOnlyLatestNonceCompletes(t *testing.T) {
	store := &memStore{}
	a := New(store, Options{})
	urlA, _ := a.StartAuthorization(testEndpoint, "A")
	urlB, _ := a.StartAuthorization(testEndpoint, "B")
	stateA, stateB := stateOf(t, urlA), stateOf(t, urlB)
	if stateA == stateB {
		t.Fatal("nonces must differ")
	}

	_, err := a.HandleCallback("mcwatch://callback#access_token=x&expires_in=60&state=" + stateA)
	var aerr *AuthError
	if !errors.As(err, &aerr) || aerr.Code != CodeInvalidState {
		t.Fatalf("expected invalid_state, got %v", err)
	}
	if len(store.creds) != 0 {
		t.Fatal("stale callback must not persist anything")
	}
	if host, ok := a.Pending(); !ok || host != "B" {
		t.Fatal("mismatched callback must leave B pending")
	}

	if _, err := a.HandleCallback("mcwatch://callback#access_token=tok-b&expires_in=60&state=" + stateB); err != nil {
		t.Fatalf("expected B to complete, got %v", err)
	}
	if store.creds["B"].token != "tok-b" {
		t.Fatalf("expected B credential, got %+v", store.creds)
	}
}

func TestCallbackWithNothingPendingIsNoop(t *testing.T) {
	store := &memStore{}
	a := New(store, Options{})
	_, err := a.HandleCallback("mcwatch://callback#access_token=x&state=whatever")
	if !errors.Is(err, ErrNoPendingAuthorization) {
		t.Fatalf("expected ErrNoPendingAuthorization, got %v", err)
	}

	u, _ := a.StartAuthorization(testEndpoint, "A")
	state := stateOf(t, u)
	if _, err := a.HandleCallback("mcwatch://callback#access_token=x&expires_in=5&state=" + state); err != nil {
		t.Fatal(err)
	}
	// duplicate delivery of the same callback
	if _, err := a.HandleCallback("mcwatch://callback#access_token=x&expires_in=5&state=" + state); !errors.Is(err, ErrNoPendingAuthorization) {
		t.Fatalf("expected duplicate to be ignored, got %v", err)
	}
}

func TestCallbackPersistsExpiryFromLifetime(t *testing.T) {
	store := &memStore{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := New(store, Options{Now: fixedClock(at)})
	u, _ := a.StartAuthorization(testEndpoint, "mc.example")

	tok, err := a.HandleCallback("mcwatch://callback#access_token=abc&token_type=bearer&expires_in=3600&state=" + stateOf(t, u))
	if err != nil {
		t.Fatal(err)
	}
	want := at.Add(time.Hour)
	if !tok.ExpiresAt.Equal(want) || !store.creds["mc.example"].expiresAt.Equal(want) {
		t.Fatalf("expected expiry %s, got %s / %s", want, tok.ExpiresAt, store.creds["mc.example"].expiresAt)
	}
	if _, ok := a.Pending(); ok {
		t.Fatal("pending must be cleared after success")
	}
}

func TestCallbackErrorSurfacesDescriptionVerbatim(t *testing.T) {
	store := &memStore{}
	a := New(store, Options{})
	u, _ := a.StartAuthorization(testEndpoint, "mc.example")
	_, err := a.HandleCallback("mcwatch://callback?error=access_denied&error_description=User+said+no%21&state=" + stateOf(t, u))
	var aerr *AuthError
	if !errors.As(err, &aerr) || aerr.Code != "access_denied" || aerr.Description != "User said no!" {
		t.Fatalf("unexpected error %v", err)
	}
	if _, ok := a.Pending(); ok {
		t.Fatal("a failed callback still consumes the pending authorization")
	}
}

func TestCallbackFallsBackToJWTExpiry(t *testing.T) {
	exp := time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)
	signed, err := jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, jwtlib.RegisteredClaims{
		ExpiresAt: jwtlib.NewNumericDate(exp),
	}).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	store := &memStore{}
	a := New(store, Options{})
	u, _ := a.StartAuthorization(testEndpoint, "mc.example")
	tok, err := a.HandleCallback("mcwatch://callback#access_token=" + signed + "&state=" + stateOf(t, u))
	if err != nil {
		t.Fatal(err)
	}
	if !tok.ExpiresAt.Equal(exp) {
		t.Fatalf("expected exp claim %s, got %s", exp, tok.ExpiresAt)
	}
}

func TestConcurrentStartAndCallback(t *testing.T) {
	a := New(&memStore{}, Options{})
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = a.StartAuthorization(testEndpoint, "h")
		}()
		go func() {
			defer wg.Done()
			_, _ = a.HandleCallback("mcwatch://callback#access_token=x&expires_in=1&state=guess")
		}()
	}
	wg.Wait()
}

func TestPasswordGrant(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		if r.PostForm.Get("grant_type") != "password" || r.PostForm.Get("password") != "hunter2" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"Bad credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"pw-token","expires_in":120,"scope":"all","token_type":"bearer"}`))
	}))
	defer srv.Close()

	store := &memStore{}
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := New(store, Options{Now: fixedClock(at)})
	ep := testEndpoint
	ep.BaseURL = srv.URL

	tok, err := a.PasswordGrant(context.Background(), ep, "mc.example", "dev", "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "pw-token" || !tok.ExpiresAt.Equal(at.Add(2*time.Minute)) {
		t.Fatalf("unexpected token %+v", tok)
	}

	_, err = a.PasswordGrant(context.Background(), ep, "mc.example", "dev", "wrong")
	var aerr *AuthError
	if !errors.As(err, &aerr) || aerr.Code != "invalid_grant" || aerr.Description != "Bad credentials" || aerr.Status != http.StatusUnauthorized {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestPasswordGrantNonJSONError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway down", http.StatusBadGateway)
	}))
	defer srv.Close()
	a := New(&memStore{}, Options{})
	ep := testEndpoint
	ep.BaseURL = srv.URL
	_, err := a.PasswordGrant(context.Background(), ep, "h", "u", "p")
	var aerr *AuthError
	if !errors.As(err, &aerr) || aerr.Code != "http_error" || aerr.Description != "gateway down" {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestCallbackRejectsMissingOrPartialState(t *testing.T) {
	a := New(&memStore{}, Options{})
	u, _ := a.StartAuthorization(testEndpoint, "A")
	state := stateOf(t, u)

	for _, cb := range []string{
		"mcwatch://callback#access_token=x&expires_in=60",
		"mcwatch://callback#access_token=x&expires_in=60&state=" + state[:len(state)/2],
		"mcwatch://callback#access_token=x&expires_in=60&state=" + state + "x",
	} {
		_, err := a.HandleCallback(cb)
		var aerr *AuthError
		if !errors.As(err, &aerr) || aerr.Code != CodeInvalidState {
			t.Fatalf("%s: expected invalid_state, got %v", cb, err)
		}
	}
	if _, ok := a.Pending(); !ok {
		t.Fatal("rejected callbacks must leave the authorization pending")
	}
}
