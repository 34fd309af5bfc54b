package mijnted

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/evcc-io/evcc/util"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

const (
	testClientID = "test-client"
	testUnit     = "unit-1"
	testUser     = "user@example.com"
	testPassword = "secret-password"
)

var tokenSeq atomic.Int64

func testLogger() *util.Logger {
	return util.NewLogger("test")
}

// mintToken returns a HS256 signed JWT. A zero exp omits the exp claim.
func mintToken(t *testing.T, exp time.Time, extra jwt.MapClaims) string {
	t.Helper()

	claims := jwt.MapClaims{"jti": fmt.Sprint(tokenSeq.Add(1))}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	for k, v := range extra {
		claims[k] = v
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	return token
}

func unitClaims() jwt.MapClaims {
	return jwt.MapClaims{
		CLAIM_RESIDENTIAL_UNITS: testUnit,
		CLAIM_OCCUPANT_ID:       "occupant-1",
	}
}

// fakeB2C emulates the hosted login pages, the token endpoint and the API.
type fakeB2C struct {
	*httptest.Server
	t *testing.T

	mu            sync.Mutex
	authorizePage string
	loginResponse string
	codeInBody    bool
	challenge     string
	referer       string
	userAgent     string
	refreshScope  string
	refresh       http.HandlerFunc

	logins    atomic.Int32
	exchanges atomic.Int32
	refreshes atomic.Int32

	// server side connection states
	connsOpened atomic.Int32
	connsClosed atomic.Int32

	api *http.ServeMux
}

func newFakeB2C(t *testing.T) *fakeB2C {
	f := &fakeB2C{
		t:             t,
		authorizePage: `<script>var SETTINGS = {"csrf":"csrf-token","transId":"StateProperties=tx1","api":"CombinedSigninAndSignup"};</script>`,
		loginResponse: `{"status":"200"}`,
		api:           http.NewServeMux(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /authorize", f.handleAuthorize)
	mux.HandleFunc("GET /signin", f.handleSignin)
	mux.HandleFunc("POST /login", f.handleLogin)
	mux.HandleFunc("GET /confirm", f.handleConfirm)
	mux.HandleFunc("POST /token", f.handleToken)
	mux.Handle("/api/", http.StripPrefix("/api", f.api))

	f.Server = httptest.NewUnstartedServer(mux)
	f.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		switch state {
		case http.StateNew:
			f.connsOpened.Add(1)
		case http.StateClosed, http.StateHijacked:
			f.connsClosed.Add(1)
		}
	}
	f.Start()
	t.Cleanup(f.Close)

	return f
}

// connsReleased reports whether every accepted connection has been closed.
func (f *fakeB2C) connsReleased() bool {
	opened := f.connsOpened.Load()
	return opened > 0 && opened == f.connsClosed.Load()
}

func (f *fakeB2C) endpoints() Endpoints {
	return Endpoints{
		API:       f.URL + "/api",
		Authorize: f.URL + "/authorize",
		Token:     f.URL + "/token",
		Login:     f.URL + "/login",
		Confirm:   f.URL + "/confirm",
		Origin:    f.URL,
	}
}

func (f *fakeB2C) config() Config {
	return Config{
		ClientID:  testClientID,
		Endpoints: f.endpoints(),
		Retry:     &RetryPolicy{MaxRetries: 3, Delay: time.Millisecond},
	}
}

func (f *fakeB2C) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.challenge = r.URL.Query().Get("code_challenge")
	f.userAgent = r.UserAgent()
	f.mu.Unlock()

	http.Redirect(w, r, "/signin?"+r.URL.RawQuery, http.StatusFound)
}

func (f *fakeB2C) handleSignin(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	page := f.authorizePage
	f.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: "x-ms-cpim-trans", Value: "trans"})
	w.Header().Set("Content-Type", "text/html")
	_, _ = io.WriteString(w, page)
}

func (f *fakeB2C) handleLogin(w http.ResponseWriter, r *http.Request) {
	f.logins.Add(1)

	f.mu.Lock()
	f.referer = r.Referer()
	resp := f.loginResponse
	f.mu.Unlock()

	if _, err := r.Cookie("x-ms-cpim-trans"); err != nil {
		http.Error(w, "missing session cookie", http.StatusBadRequest)
		return
	}

	if r.Header.Get("X-CSRF-TOKEN") != "csrf-token" || r.URL.Query().Get("tx") != "StateProperties=tx1" {
		http.Error(w, "invalid transaction", http.StatusBadRequest)
		return
	}

	if err := r.ParseForm(); err != nil || r.PostForm.Get("email") != testUser || r.PostForm.Get("password") != testPassword {
		_, _ = io.WriteString(w, `{"status":"400","message":"invalid username or password"}`)
		return
	}

	_, _ = io.WriteString(w, resp)
}

func (f *fakeB2C) handleConfirm(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("csrf_token") != "csrf-token" {
		http.Error(w, "invalid csrf", http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	inBody := f.codeInBody
	f.mu.Unlock()

	if inBody {
		_, _ = io.WriteString(w, `<html><script>window.location = "https://mijnted.nl/?code=body-code";</script></html>`)
		return
	}

	w.Header().Set("Location", "https://mijnted.nl/?code=location-code")
	w.WriteHeader(http.StatusFound)
}

func (f *fakeB2C) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		f.exchanges.Add(1)

		f.mu.Lock()
		challenge := f.challenge
		f.mu.Unlock()

		if oauth2.S256ChallengeFromVerifier(r.PostForm.Get("code_verifier")) != challenge {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant", "error_description": "pkce mismatch"})
			return
		}

		idClaims := unitClaims()
		idClaims[CLAIM_RESIDENTIAL_UNITS] = []any{testUnit}
		idClaims["code"] = r.PostForm.Get("code")

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":             mintToken(f.t, time.Now().Add(time.Hour), unitClaims()),
			"id_token":                 mintToken(f.t, time.Now().Add(time.Hour), idClaims),
			"refresh_token":            fmt.Sprintf("login-refresh-%d", f.exchanges.Load()),
			"refresh_token_expires_in": "1209600",
			"token_type":               "Bearer",
			"expires_in":               3600,
		})

	case "refresh_token":
		n := f.refreshes.Add(1)

		f.mu.Lock()
		f.refreshScope = r.PostForm.Get("scope")
		handler := f.refresh
		f.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"access_token":             mintToken(f.t, time.Now().Add(time.Hour), unitClaims()),
			"refresh_token":            fmt.Sprintf("refreshed-%d", n),
			"refresh_token_expires_in": 86400,
			"token_type":               "Bearer",
		})

	default:
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unsupported_grant_type"})
	}
}

func (f *fakeB2C) setRefresh(h http.HandlerFunc) {
	f.update(func() { f.refresh = h })
}

// update changes the fake's behaviour under its lock.
func (f *fakeB2C) update(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn()
}

func (f *fakeB2C) recorded() (referer, userAgent, refreshScope string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.referer, f.userAgent, f.refreshScope
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}
}

func textBody(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, body)
	}
}

func bearer(r *http.Request) string {
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func staticCredentials(user, password string) CredentialsFunc {
	return func(context.Context) (string, string, error) {
		return user, password, nil
	}
}
