package mijnted

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/evcc-io/evcc/util"
	"golang.org/x/oauth2"
)

// Session owns the credential set of one account. Token refresh and credential
// rotation are serialized, new state is only applied after a fully successful
// operation.
type Session struct {
	log      *util.Logger
	identity *Identity

	retry          RetryPolicy
	threshold      time.Duration
	lifetime       time.Duration
	reuse          bool
	onTokenUpdate  TokenUpdateFunc
	getCredentials CredentialsFunc
	now            func() time.Time

	mu    sync.Mutex
	creds Credentials

	// serializes refresh and rotation
	refreshMu sync.Mutex
}

// NewSession creates a session from cfg. No network calls are made.
func NewSession(log *util.Logger, cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	creds := cfg.Seed
	if !creds.RefreshTokenExpiresAt.IsZero() {
		creds.RefreshTokenExpiresAt = creds.RefreshTokenExpiresAt.UTC()
	}
	redact(log, creds.AccessToken, creds.RefreshToken)

	s := &Session{
		log:            log,
		identity:       NewIdentity(log, cfg.ClientID, cfg.Endpoints, cfg.RequestTimeout),
		retry:          *cfg.Retry,
		threshold:      cfg.ProactiveRefreshThreshold,
		lifetime:       cfg.RefreshTokenLifetime,
		reuse:          cfg.ReuseValidAccessToken,
		onTokenUpdate:  cfg.OnTokenUpdate,
		getCredentials: cfg.GetCredentials,
		now:            time.Now,
		creds:          creds,
	}

	return s, nil
}

func redact(log *util.Logger, items ...string) {
	for _, item := range items {
		if item != "" {
			log.Redact(item)
		}
	}
}

// Credentials returns a copy of the current credential set.
func (s *Session) Credentials() Credentials {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds
}

func (s *Session) AccessToken() string {
	return s.Credentials().AccessToken
}

func (s *Session) RefreshToken() string {
	return s.Credentials().RefreshToken
}

func (s *Session) ResidentialUnit() string {
	return s.Credentials().ResidentialUnit
}

func (s *Session) RefreshTokenExpiresAt() time.Time {
	return s.Credentials().RefreshTokenExpiresAt
}

// AuthenticateWithCredentials runs the hosted login flow and returns the token
// set together with the refresh token expiry. Session state is not touched.
func (s *Session) AuthenticateWithCredentials(ctx context.Context, user, password string) (*TokenResponse, time.Time, error) {
	res, err := s.identity.Login(ctx, user, password)
	if err != nil {
		return nil, time.Time{}, err
	}

	if res.AccessToken == "" && res.IDToken != "" {
		s.log.DEBUG.Println("no access token in response, using id token")
		res.AccessToken = res.IDToken
	}
	redact(s.log, res.AccessToken, res.RefreshToken, res.IDToken)

	lifetime, ok := res.RefreshLifetime()
	if !ok {
		s.log.DEBUG.Printf("refresh token lifetime missing, assuming %v", s.lifetime)
		lifetime = s.lifetime
	}

	return res, s.now().UTC().Add(lifetime), nil
}

// ShouldProactivelyRefresh is true if the refresh token expiry is unknown or
// closer than the proactive refresh threshold.
func (s *Session) ShouldProactivelyRefresh() bool {
	return shouldRotate(s.RefreshTokenExpiresAt(), s.now(), s.threshold)
}

func shouldRotate(expiresAt, now time.Time, threshold time.Duration) bool {
	return expiresAt.IsZero() || expiresAt.Sub(now) < threshold
}

// IsAccessTokenExpired checks token, or the held access token if empty.
func (s *Session) IsAccessTokenExpired(token string) bool {
	if token == "" {
		token = s.AccessToken()
	}
	return isTokenExpiredAt(token, s.now().UTC())
}

// RefreshAccessToken obtains a new access token, rotating the refresh token
// through the credentials callback when it is about to expire or rejected.
func (s *Session) RefreshAccessToken(ctx context.Context) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	return s.refresh(ctx)
}

// Login replaces the credential set by running the login flow with the
// credentials callback, regardless of the refresh token state.
func (s *Session) Login(ctx context.Context) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	return s.rotateWithCredentials(ctx)
}

// Authenticate makes sure an access token is held. Unless reuse is enabled
// this always performs a refresh cycle.
func (s *Session) Authenticate(ctx context.Context) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if s.reuse {
		if token := s.AccessToken(); token != "" && !s.IsAccessTokenExpired(token) && !s.ShouldProactivelyRefresh() {
			s.log.DEBUG.Println("reusing valid access token")
			s.populateClaims(token)
			return token, nil
		}
	}

	return s.refresh(ctx)
}

// refreshAfter refreshes unless a concurrent caller already replaced stale.
func (s *Session) refreshAfter(ctx context.Context, stale string) (string, error) {
	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	if token := s.AccessToken(); token != "" && token != stale {
		return token, nil
	}

	return s.refresh(ctx)
}

// Token implements oauth2.TokenSource. A refresh it triggers runs with a
// background context, use TokenSource to bound it.
func (s *Session) Token() (*oauth2.Token, error) {
	return s.token(context.Background())
}

// TokenSource returns an oauth2.TokenSource whose refreshes run with ctx.
func (s *Session) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &sessionTokenSource{ctx: ctx, session: s}
}

type sessionTokenSource struct {
	ctx     context.Context
	session *Session
}

func (ts *sessionTokenSource) Token() (*oauth2.Token, error) {
	return ts.session.token(ts.ctx)
}

func (s *Session) token(ctx context.Context) (*oauth2.Token, error) {
	token := s.AccessToken()
	if token == "" || s.IsAccessTokenExpired(token) {
		var err error
		if token, err = s.refreshAfter(ctx, token); err != nil {
			return nil, err
		}
	}

	res := &oauth2.Token{
		AccessToken:  token,
		TokenType:    "Bearer",
		RefreshToken: s.RefreshToken(),
	}

	if claims, ok := DecodeToken(token); ok {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			res.Expiry = exp.Time
		}
	}

	return res, nil
}

func (s *Session) refresh(ctx context.Context) (string, error) {
	refreshToken := s.RefreshToken()
	if refreshToken == "" {
		return "", newError(ErrAuthentication, "no refresh token available", nil)
	}

	if s.ShouldProactivelyRefresh() {
		s.log.INFO.Printf("refresh token expires soon (%s), rotating", s.describeExpiry())
		return s.rotateWithCredentials(ctx)
	}

	res, err := Retry(ctx, s.log, "token refresh", s.retry, RetryOn(ErrConnection, ErrTimeout), func(ctx context.Context) (*TokenResponse, error) {
		return s.identity.RefreshToken(ctx, refreshToken)
	})

	if errors.Is(err, errInvalidGrant) {
		s.log.WARN.Println("refresh token rejected as invalid grant, rotating")
		return s.rotateWithCredentials(ctx)
	}

	if err != nil {
		return "", apiError("token refresh failed", err)
	}

	access := res.AccessToken
	if access == "" {
		s.log.DEBUG.Println("no access token in response, using id token")
		access = res.IDToken
	}
	if access == "" {
		return "", newError(ErrAuthentication, "access token missing in response", nil)
	}
	redact(s.log, access, res.RefreshToken, res.IDToken)

	s.mu.Lock()
	s.creds.AccessToken = access
	if res.RefreshToken != "" {
		s.creds.RefreshToken = res.RefreshToken
	}
	if lifetime, ok := res.RefreshLifetime(); ok {
		s.advanceExpiry(s.now().UTC().Add(lifetime))
	}
	s.populateClaimsLocked(res.IDToken)
	s.populateClaimsLocked(access)
	creds := s.creds
	s.mu.Unlock()

	s.log.DEBUG.Println("access token refreshed")
	s.notify(ctx, creds)

	return access, nil
}

type rotation struct {
	res       *TokenResponse
	expiresAt time.Time
}

func (s *Session) rotateWithCredentials(ctx context.Context) (string, error) {
	if s.getCredentials == nil {
		s.log.ERROR.Println("refresh token expired and no credentials callback registered")
		return "", newError(ErrGrantExpired, "no stored credentials to rotate the refresh token, please re-authenticate", nil)
	}

	rot, err := Retry(ctx, s.log, "credential rotation", s.retry, RetryAny, func(ctx context.Context) (rotation, error) {
		user, password, err := s.getCredentials(ctx)
		if err != nil {
			return rotation{}, fmt.Errorf("could not get credentials: %w", err)
		}
		if user == "" || password == "" {
			return rotation{}, errors.New("stored credentials are incomplete")
		}

		res, expiresAt, err := s.AuthenticateWithCredentials(ctx, user, password)
		if err != nil {
			return rotation{}, err
		}

		if res.AccessToken == "" || res.RefreshToken == "" {
			return rotation{}, newError(ErrAuthentication, "tokens missing after re-authentication", nil)
		}

		return rotation{res: res, expiresAt: expiresAt}, nil
	})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", apiError("credential rotation aborted", ctxErr)
		}
		return "", newError(ErrGrantExpired, "credential rotation failed", err)
	}

	s.mu.Lock()
	s.creds.AccessToken = rot.res.AccessToken
	s.creds.RefreshToken = rot.res.RefreshToken
	s.advanceExpiry(rot.expiresAt)
	s.populateClaimsLocked(rot.res.IDToken)
	s.populateClaimsLocked(rot.res.AccessToken)
	creds := s.creds
	s.mu.Unlock()

	s.log.INFO.Printf("refresh token rotated, expires at %s", creds.RefreshTokenExpiresAt.Format(time.RFC3339))
	s.notify(ctx, creds)

	return creds.AccessToken, nil
}

// advanceExpiry keeps the refresh token expiry monotonic. Caller holds mu.
func (s *Session) advanceExpiry(expiresAt time.Time) {
	if expiresAt.After(s.creds.RefreshTokenExpiresAt) {
		s.creds.RefreshTokenExpiresAt = expiresAt
	}
}

func (s *Session) populateClaims(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.populateClaimsLocked(token)
}

// populateClaimsLocked fills identity claims that are still unset. Caller holds mu.
func (s *Session) populateClaimsLocked(token string) {
	if token == "" {
		return
	}

	claims, ok := DecodeToken(token)
	if !ok {
		s.log.DEBUG.Println("could not decode token claims")
		return
	}

	for _, f := range []struct {
		dst   *string
		names []string
	}{
		{&s.creds.ResidentialUnit, []string{CLAIM_RESIDENTIAL_UNITS, CLAIM_RESIDENTIAL_UNITS_ALT}},
		{&s.creds.OccupantID, []string{CLAIM_OCCUPANT_ID}},
		{&s.creds.BillingUnits, []string{CLAIM_BILLING_UNITS}},
		{&s.creds.UserRole, []string{CLAIM_USER_ROLE}},
	} {
		if *f.dst == "" {
			*f.dst = firstClaimValue(claims, f.names...)
		}
	}
}

func (s *Session) notify(ctx context.Context, creds Credentials) {
	if s.onTokenUpdate == nil {
		return
	}

	if err := s.onTokenUpdate(ctx, creds); err != nil {
		s.log.WARN.Printf("error in token update callback: %v", err)
	}
}

func (s *Session) describeExpiry() string {
	exp := s.RefreshTokenExpiresAt()
	if exp.IsZero() {
		return "expiry unknown"
	}
	return "in " + exp.Sub(s.now()).Round(time.Second).String()
}
