package mijnted

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/evcc-io/evcc/util"
	"github.com/evcc-io/evcc/util/request"
)

// Connection is the MijnTed API connection
type Connection struct {
	log     *util.Logger
	session *Session
	baseURL string
	timeout time.Duration

	mu            sync.Mutex
	client        *request.Helper
	transport     *http.Transport
	deliveryType  string
	deliveryTypes []any
}

// NewConnection creates a new MijnTed connection. No network calls are made
// until the first request.
func NewConnection(log *util.Logger, cfg Config) (*Connection, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	session, err := NewSession(log, cfg)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		log:     log,
		session: session,
		baseURL: cfg.Endpoints.API,
		timeout: cfg.RequestTimeout,
	}

	return conn, nil
}

// Session returns the session owning the credentials.
func (c *Connection) Session() *Session {
	return c.session
}

func (c *Connection) AccessToken() string {
	return c.session.AccessToken()
}

func (c *Connection) RefreshToken() string {
	return c.session.RefreshToken()
}

func (c *Connection) ResidentialUnit() string {
	return c.session.ResidentialUnit()
}

func (c *Connection) RefreshTokenExpiresAt() time.Time {
	return c.session.RefreshTokenExpiresAt()
}

// DeliveryType returns the routing selector used by most endpoints.
func (c *Connection) DeliveryType() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deliveryType
}

func (c *Connection) httpClient() *request.Helper {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		c.client, c.transport = newClient(c.log, c.timeout)
	}

	return c.client
}

// Close releases the network session. It is safe to call multiple times.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.transport.CloseIdleConnections()
		c.client, c.transport = nil, nil
	}

	c.session.identity.Close()

	return nil
}

// Authenticate runs a token refresh cycle and fetches the delivery types to
// establish the routing context.
func (c *Connection) Authenticate(ctx context.Context) error {
	if _, err := c.session.Authenticate(ctx); err != nil {
		return err
	}

	_, err := c.DeliveryTypes(ctx)
	return err
}

// Request performs an authenticated request against the API. A 401 triggers
// exactly one token refresh and retry.
func (c *Connection) Request(ctx context.Context, method, path string, query url.Values) (any, error) {
	uri := c.baseURL + path
	if len(query) > 0 {
		uri += "?" + query.Encode()
	}

	token := c.session.AccessToken()
	if token == "" {
		var err error
		if token, err = c.session.refreshAfter(ctx, ""); err != nil {
			return nil, err
		}
	}

	resp, err := c.do(ctx, method, uri, token)
	if err != nil {
		return nil, err
	}

	if resp.status == http.StatusUnauthorized {
		c.log.DEBUG.Printf("access token rejected by %s, refreshing", path)

		if token, err = c.session.refreshAfter(ctx, token); err != nil {
			return nil, err
		}

		if resp, err = c.do(ctx, method, uri, token); err != nil {
			return nil, err
		}

		if resp.status == http.StatusUnauthorized {
			return nil, statusError(ErrAuthentication, resp.status, string(resp.body), "unauthorized after token refresh")
		}
	}

	if resp.status != http.StatusOK {
		c.log.ERROR.Printf("%s %s failed: %d - %s", method, path, resp.status, resp.body)
		return nil, statusError(ErrAPI, resp.status, string(resp.body), fmt.Sprintf("%s %s failed", method, path))
	}

	return parseBody(resp.contentType, resp.body)
}

type response struct {
	status      int
	contentType string
	body        []byte
}

func (c *Connection) do(ctx context.Context, method, uri, token string) (response, error) {
	req, err := http.NewRequestWithContext(ctx, method, uri, nil)
	if err != nil {
		return response{}, apiError("could not create request", err)
	}

	req.Header = c.getHttpHeader(token)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return response{}, transportError(fmt.Sprintf("%s %s", method, req.URL.Path), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, transportError("could not read response body", err)
	}

	return response{
		status:      resp.StatusCode,
		contentType: resp.Header.Get("Content-Type"),
		body:        body,
	}, nil
}

// Returns the http header for requests to the MijnTed API
func (c *Connection) getHttpHeader(token string) http.Header {
	return http.Header{
		"Authorization": {"Bearer " + token},
		"User-Agent":    {USER_AGENT},
		"Accept":        {"application/json, text/plain, */*"},
	}
}

func (c *Connection) get(ctx context.Context, path string, query url.Values) (any, error) {
	return c.Request(ctx, http.MethodGet, path, query)
}

// unit returns the residential unit path segment. The unit is a token claim,
// read from the held access token or, without one, after authenticating.
func (c *Connection) unit(ctx context.Context) (string, error) {
	if c.session.ResidentialUnit() == "" {
		if token := c.session.AccessToken(); token != "" {
			c.session.populateClaims(token)
		} else if _, err := c.session.refreshAfter(ctx, ""); err != nil {
			return "", err
		}
	}

	unit := c.session.ResidentialUnit()
	if unit == "" {
		return "", newError(ErrAPI, "residential unit unknown", nil)
	}
	return url.PathEscape(unit), nil
}

// route returns the residential unit and delivery type path segments,
// fetching the delivery types if not known yet.
func (c *Connection) route(ctx context.Context) (string, string, error) {
	unit, err := c.unit(ctx)
	if err != nil {
		return "", "", err
	}

	deliveryType := c.DeliveryType()
	if deliveryType == "" {
		if _, err := c.DeliveryTypes(ctx); err != nil {
			return "", "", err
		}
		if deliveryType = c.DeliveryType(); deliveryType == "" {
			return "", "", newError(ErrAPI, "no delivery type available", nil)
		}
	}

	return unit, url.PathEscape(deliveryType), nil
}

// DeliveryTypes returns the delivery types of the residential unit and selects
// the first one for routing.
func (c *Connection) DeliveryTypes(ctx context.Context) ([]any, error) {
	unit, err := c.unit(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.get(ctx, fmt.Sprintf(DELIVERY_TYPES_URL, unit), nil)
	if err != nil {
		return nil, err
	}

	list := asList(res)

	c.mu.Lock()
	c.deliveryTypes = list
	if len(list) > 0 {
		if dt := deliveryTypeValue(list[0]); dt != "" {
			c.deliveryType = dt
		}
	}
	c.mu.Unlock()

	return list, nil
}

func deliveryTypeValue(v any) string {
	if m, ok := v.(map[string]any); ok {
		for _, key := range []string{"deliveryType", "id", "value"} {
			if s := stringValue(m[key]); s != "" {
				return s
			}
		}
		return ""
	}
	return stringValue(v)
}

func (c *Connection) EnergyUsage(ctx context.Context, year int) (map[string]any, error) {
	unit, dt, err := c.route(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.get(ctx, fmt.Sprintf(ENERGY_USAGE_URL, year, unit, dt), nil)
	if err != nil {
		return nil, err
	}

	return asMap(res), nil
}

// LastSyncDate returns the date of the last data synchronization as reported,
// e.g. 18/12/2025.
func (c *Connection) LastSyncDate(ctx context.Context, year int) (string, error) {
	unit, dt, err := c.route(ctx)
	if err != nil {
		return "", err
	}

	res, err := c.get(ctx, fmt.Sprintf(LAST_SYNC_DATE_URL, unit, dt, year), nil)
	if err != nil {
		return "", err
	}

	return asString(res), nil
}

// DeviceStatuses returns the per-device readings. A zero from returns the
// statuses of the whole year.
func (c *Connection) DeviceStatuses(ctx context.Context, year int, from time.Time) ([]any, error) {
	unit, dt, err := c.route(ctx)
	if err != nil {
		return nil, err
	}

	var query url.Values
	if !from.IsZero() {
		query = url.Values{"fromDate": {from.Format(DEVICE_STATUSES_DATE_FORMAT)}}
	}

	res, err := c.get(ctx, fmt.Sprintf(DEVICE_STATUSES_URL, unit, dt, year), query)
	if err != nil {
		return nil, err
	}

	return asList(res), nil
}

func (c *Connection) UsageInsight(ctx context.Context, year int) (map[string]any, error) {
	unit, dt, err := c.route(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.get(ctx, fmt.Sprintf(USAGE_INSIGHT_URL, year, unit, dt), nil)
	if err != nil {
		return nil, err
	}

	return asMap(res), nil
}

func (c *Connection) ActiveModel(ctx context.Context) (string, error) {
	unit, dt, err := c.route(ctx)
	if err != nil {
		return "", err
	}

	res, err := c.get(ctx, fmt.Sprintf(ACTIVE_MODEL_URL, unit, dt), nil)
	if err != nil {
		return "", err
	}

	return asString(res), nil
}

func (c *Connection) ResidentialUnitDetail(ctx context.Context) (map[string]any, error) {
	unit, err := c.unit(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.get(ctx, fmt.Sprintf(RESIDENTIAL_UNIT_DETAIL_URL, unit), nil)
	if err != nil {
		return nil, err
	}

	return asMap(res), nil
}

func (c *Connection) UsagePerRoom(ctx context.Context, year int) (map[string]any, error) {
	unit, dt, err := c.route(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.get(ctx, fmt.Sprintf(USAGE_PER_ROOM_URL, year, unit, dt), nil)
	if err != nil {
		return nil, err
	}

	return asMap(res), nil
}

func (c *Connection) UnitOfMeasures(ctx context.Context, year int) ([]any, error) {
	unit, dt, err := c.route(ctx)
	if err != nil {
		return nil, err
	}

	res, err := c.get(ctx, fmt.Sprintf(UNIT_OF_MEASURES_URL, unit, dt, year), nil)
	if err != nil {
		return nil, err
	}

	return asList(res), nil
}
