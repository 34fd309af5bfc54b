package mijnted

import (
	"context"
	"strings"
	"time"
)

const (
	// refresh tokens closer to expiry than this are rotated instead of refreshed
	DefaultProactiveRefreshThreshold = 12 * time.Hour

	// assumed refresh token lifetime if the token endpoint does not report one
	DefaultRefreshTokenLifetime = 24 * time.Hour

	DefaultRequestTimeout = 10 * time.Second
)

// TokenUpdateFunc receives the full credential set after every successful
// token mutation. Errors are logged, never propagated.
type TokenUpdateFunc func(ctx context.Context, creds Credentials) error

// CredentialsFunc supplies username and password for credential rotation.
type CredentialsFunc func(ctx context.Context) (username, password string, err error)

// Endpoints collects all remote URLs. Zero values are replaced by the
// production endpoints.
type Endpoints struct {
	API       string
	Authorize string
	Token     string
	Login     string
	Confirm   string
	Origin    string
	Redirect  string
	Policy    string
}

// DefaultEndpoints are the production endpoints.
var DefaultEndpoints = Endpoints{
	API:       API_URL_BASE,
	Authorize: AUTHORIZE_URL,
	Token:     TOKEN_URL,
	Login:     LOGIN_URL,
	Confirm:   CONFIRM_URL,
	Origin:    AUTH_ORIGIN,
	Redirect:  REDIRECT_URI,
	Policy:    AUTH_POLICY,
}

func (e Endpoints) withDefaults() Endpoints {
	def := DefaultEndpoints
	for _, f := range []struct {
		dst *string
		val string
	}{
		{&e.API, def.API},
		{&e.Authorize, def.Authorize},
		{&e.Token, def.Token},
		{&e.Login, def.Login},
		{&e.Confirm, def.Confirm},
		{&e.Origin, def.Origin},
		{&e.Redirect, def.Redirect},
		{&e.Policy, def.Policy},
	} {
		if *f.dst == "" {
			*f.dst = f.val
		}
	}
	e.API = strings.TrimSuffix(e.API, "/")
	return e
}

// Config configures a Session and the Connection built on it.
type Config struct {
	ClientID string

	// Seed pre-populates the credential set, typically from storage.
	Seed Credentials

	OnTokenUpdate  TokenUpdateFunc
	GetCredentials CredentialsFunc

	// Retry applies to refresh and rotation; nil selects DefaultRetryPolicy.
	Retry                     *RetryPolicy
	RequestTimeout            time.Duration
	ProactiveRefreshThreshold time.Duration
	RefreshTokenLifetime      time.Duration

	// ReuseValidAccessToken skips the refresh cycle in Authenticate while the
	// held access token is valid and the refresh token is outside the proactive
	// window. When false every Authenticate refreshes.
	ReuseValidAccessToken bool

	Endpoints Endpoints
}

// Validate normalizes cfg in place and fills defaults.
func (cfg *Config) Validate() error {
	cfg.ClientID = strings.TrimSpace(cfg.ClientID)
	if cfg.ClientID == "" {
		return newError(ErrConfiguration, "client id is required", nil)
	}

	if cfg.Retry == nil {
		retry := DefaultRetryPolicy
		cfg.Retry = &retry
	}
	if err := cfg.Retry.validate(); err != nil {
		return err
	}

	if cfg.RequestTimeout < 0 || cfg.ProactiveRefreshThreshold < 0 || cfg.RefreshTokenLifetime < 0 {
		return newError(ErrConfiguration, "durations must be non-negative", nil)
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ProactiveRefreshThreshold == 0 {
		cfg.ProactiveRefreshThreshold = DefaultProactiveRefreshThreshold
	}
	if cfg.RefreshTokenLifetime == 0 {
		cfg.RefreshTokenLifetime = DefaultRefreshTokenLifetime
	}

	cfg.Endpoints = cfg.Endpoints.withDefaults()

	return nil
}
