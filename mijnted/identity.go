package mijnted

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/evcc-io/evcc/util"
	"github.com/evcc-io/evcc/util/request"
	"github.com/evcc-io/evcc/util/transport"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

var (
	csrfPattern    = regexp.MustCompile(`["']csrf["']\s*:\s*["']([^"']+)["']`)
	transIDPattern = regexp.MustCompile(`["']transId["']\s*:\s*["']([^"']+)["']`)
	codePattern    = regexp.MustCompile(`code=([A-Za-z0-9\-_]+)`)

	loginSuccessMarkers = []string{`"status":"200"`, `"status": "200"`}

	// errInvalidGrant marks a refresh token the provider no longer accepts
	errInvalidGrant = errors.New(oauthErrorInvalidGrant)
)

// Scope requested by the authorization code grant.
var Scope = strings.Join([]string{oidc.ScopeOpenID, "profile", oidc.ScopeOfflineAccess}, " ")

// Identity talks to the hosted B2C login and the token endpoint.
type Identity struct {
	log       *util.Logger
	client    *request.Helper
	transport *http.Transport
	clientID  string
	endpoints Endpoints
	timeout   time.Duration
}

// pkceState lives for exactly one Login call.
type pkceState struct {
	verifier  string
	challenge string
	nonce     string
	csrf      string
	transID   string
	code      string
}

// NewIdentity creates an Identity for the given client id.
func NewIdentity(log *util.Logger, clientID string, endpoints Endpoints, timeout time.Duration) *Identity {
	client, t := newClient(log, timeout)

	return &Identity{
		log:       log,
		client:    client,
		transport: t,
		clientID:  clientID,
		endpoints: endpoints.withDefaults(),
		timeout:   timeout,
	}
}

// newClient returns a helper together with its base transport, the helper's
// round tripper does not pass CloseIdleConnections through.
func newClient(log *util.Logger, timeout time.Duration) (*request.Helper, *http.Transport) {
	t := transport.Default()

	client := &request.Helper{Client: &http.Client{
		Timeout:   timeout,
		Transport: request.NewTripper(log, t),
	}}

	return client, t
}

// Close releases idle connections of the token endpoint client.
func (v *Identity) Close() {
	v.transport.CloseIdleConnections()
}

// loginClient returns a fresh client with its own cookie jar, the hosted pages
// keep their session in cookies.
func (v *Identity) loginClient() (*request.Helper, *http.Transport) {
	client, t := newClient(v.log, v.timeout)
	client.Jar, _ = cookiejar.New(nil)
	client.Transport = &headerTransport{
		base: client.Transport,
		header: http.Header{
			"User-Agent":      {BROWSER_USER_AGENT},
			"Accept":          {"text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8"},
			"Accept-Language": {"en-US,en;q=0.5"},
		},
	}
	return client, t
}

// Login obtains a token set by scripting the hosted login pages, the provider
// does not offer a password grant.
func (v *Identity) Login(ctx context.Context, user, password string) (*TokenResponse, error) {
	v.log.Redact(user, password)
	v.log.INFO.Printf("starting authentication flow for user: %s", user)

	client, t := v.loginClient()
	defer t.CloseIdleConnections()

	state := pkceState{
		verifier: oauth2.GenerateVerifier(),
		nonce:    uuid.NewString(),
	}
	state.challenge = oauth2.S256ChallengeFromVerifier(state.verifier)

	body, referer, err := v.authorize(ctx, client, &state)
	if err != nil {
		return nil, err
	}

	if state.csrf, state.transID, err = extractPageState(body); err != nil {
		v.log.ERROR.Println("could not extract csrf token or transaction id from authorization page")
		return nil, err
	}

	if err := v.submitCredentials(ctx, client, &state, user, password, referer); err != nil {
		return nil, err
	}

	if state.code, err = v.confirm(ctx, client, &state); err != nil {
		return nil, err
	}

	return v.exchange(ctx, client, &state)
}

func (v *Identity) authorize(ctx context.Context, client *request.Helper, state *pkceState) (string, string, error) {
	data := url.Values{
		"client_id":             {v.clientID},
		"redirect_uri":          {v.endpoints.Redirect},
		"scope":                 {Scope},
		"response_type":         {"code"},
		"code_challenge":        {state.challenge},
		"code_challenge_method": {"S256"},
		"nonce":                 {state.nonce},
		"response_mode":         {"query"},
	}

	uri := v.endpoints.Authorize + "?" + data.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", "", apiError("could not create authorize request", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", "", transportError("could not fetch authorization page", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", transportError("could not read authorization page", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", "", statusError(ErrAPI, resp.StatusCode, string(body), "could not fetch authorization page")
	}

	// redirects have been followed, the final page is the referer
	return string(body), resp.Request.URL.String(), nil
}

func extractPageState(body string) (string, string, error) {
	csrf := submatch(csrfPattern, body)
	transID := submatch(transIDPattern, body)

	if csrf == "" || transID == "" {
		return "", "", newError(ErrAPI, "could not initialize login flow (tokens not found)", nil)
	}

	return csrf, transID, nil
}

func submatch(re *regexp.Regexp, s string) string {
	if m := re.FindStringSubmatch(s); len(m) > 1 {
		return m[1]
	}
	return ""
}

func (v *Identity) submitCredentials(ctx context.Context, client *request.Helper, state *pkceState, user, password, referer string) error {
	params := url.Values{
		"request_type": {loginRequestType},
		"email":        {user},
		"password":     {password},
	}

	query := url.Values{
		"tx": {state.transID},
		"p":  {v.endpoints.Policy},
	}

	uri := v.endpoints.Login + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, strings.NewReader(params.Encode()))
	if err != nil {
		return apiError("could not create login request", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded; charset=UTF-8")
	req.Header.Set("X-CSRF-TOKEN", state.csrf)
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	req.Header.Set("Origin", v.endpoints.Origin)
	req.Header.Set("Referer", referer)

	resp, err := client.Do(req)
	if err != nil {
		return transportError("network error during login", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError("could not read login response", err)
	}

	if resp.StatusCode != http.StatusOK {
		v.log.ERROR.Printf("login request failed with http %d", resp.StatusCode)
		return statusError(ErrAuthentication, resp.StatusCode, string(body), "login failed")
	}

	// the provider reports failures inside a 200 response
	for _, marker := range loginSuccessMarkers {
		if strings.Contains(string(body), marker) {
			return nil
		}
	}

	v.log.WARN.Println("login request returned 200 but status indicates failure")
	return newError(ErrAuthentication, "invalid credentials or login blocked by server", nil)
}

func (v *Identity) confirm(ctx context.Context, client *request.Helper, state *pkceState) (string, error) {
	query := url.Values{
		"rememberMe": {"false"},
		"csrf_token": {state.csrf},
		"tx":         {state.transID},
		"p":          {v.endpoints.Policy},
	}

	uri := v.endpoints.Confirm + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return "", apiError("could not create confirm request", err)
	}

	noRedirect := *client.Client
	noRedirect.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	resp, err := noRedirect.Do(req)
	if err != nil {
		return "", transportError("network error during code retrieval", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transportError("could not read confirm response", err)
	}

	location := resp.Header.Get("Location")
	code := codeFromLocation(location)
	if code == "" {
		code = submatch(codePattern, string(body))
	}

	if code == "" {
		v.log.ERROR.Printf("could not extract authorization code, status: %d, location: %s", resp.StatusCode, location)
		return "", newError(ErrAPI, "authentication successful, but failed to retrieve authorization code", nil)
	}

	v.log.DEBUG.Println("got authorization code")

	return code, nil
}

func codeFromLocation(location string) string {
	if location == "" {
		return ""
	}

	u, err := url.Parse(location)
	if err != nil {
		return ""
	}

	return u.Query().Get("code")
}

func (v *Identity) exchange(ctx context.Context, client *request.Helper, state *pkceState) (*TokenResponse, error) {
	params := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {v.clientID},
		"scope":         {Scope},
		"code":          {state.code},
		"redirect_uri":  {v.endpoints.Redirect},
		"code_verifier": {state.verifier},
	}

	status, body, err := v.postToken(ctx, client, params)
	if err != nil {
		return nil, err
	}

	var res TokenResponse
	if err := json.Unmarshal(body, &res); err != nil {
		v.log.ERROR.Printf("invalid json response from token endpoint: %v", err)
		return nil, &Error{Kind: ErrAPI, Status: status, Body: string(body), Msg: "invalid response from token endpoint", Err: err}
	}

	if res.Error != "" {
		desc := res.ErrorDescription
		if desc == "" {
			desc = res.Error
		}
		v.log.ERROR.Printf("token exchange failed: %s", desc)
		return nil, statusError(ErrAuthentication, status, string(body), "token exchange failed: "+desc)
	}

	if status < 200 || status >= 300 {
		return nil, statusError(ErrAPI, status, string(body), "token exchange failed")
	}

	return &res, nil
}

// RefreshToken runs the refresh_token grant. A refresh token the provider
// rejects with invalid_grant yields an ErrAuthentication wrapping
// errInvalidGrant.
func (v *Identity) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	params := url.Values{
		"client_id":     {v.clientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
		// the client id in scope makes B2C issue an access token
		"scope": {v.clientID + " " + Scope},
	}

	status, body, err := v.postToken(ctx, v.client, params)
	if err != nil {
		return nil, err
	}

	if status != http.StatusOK {
		v.log.ERROR.Printf("token refresh failed: %d - %s", status, body)

		var res TokenResponse
		if json.Unmarshal(body, &res) == nil && res.Error == oauthErrorInvalidGrant {
			return nil, &Error{Kind: ErrAuthentication, Status: status, Body: string(body), Msg: "refresh token rejected: " + res.ErrorDescription, Err: errInvalidGrant}
		}

		if status == http.StatusUnauthorized {
			return nil, statusError(ErrAuthentication, status, string(body), "token refresh unauthorized")
		}

		return nil, statusError(ErrAPI, status, string(body), "token refresh failed")
	}

	var res TokenResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, &Error{Kind: ErrAPI, Status: status, Body: string(body), Msg: "invalid response from token endpoint", Err: err}
	}

	return &res, nil
}

func (v *Identity) postToken(ctx context.Context, client *request.Helper, params url.Values) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.endpoints.Token, strings.NewReader(params.Encode()))
	if err != nil {
		return 0, nil, apiError("could not create token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, transportError("network error during token request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, transportError("could not read token response", err)
	}

	return resp.StatusCode, body, nil
}

// headerTransport adds default headers without overriding explicit ones.
type headerTransport struct {
	base   http.RoundTripper
	header http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, v := range t.header {
		if req.Header.Get(k) == "" {
			req.Header[k] = v
		}
	}

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}

	return base.RoundTrip(req)
}
