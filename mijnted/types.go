package mijnted

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"golang.org/x/oauth2"
)

const (
	API_URL_BASE = "https://ted-prod-function-app.azurewebsites.net/api"

	AUTH_TENANT   = "mytedprod"
	AUTH_POLICY   = "B2C_1_user"
	AUTH_ORIGIN   = "https://" + AUTH_TENANT + ".b2clogin.com"
	AUTH_BASE_URL = AUTH_ORIGIN + "/" + AUTH_TENANT + ".onmicrosoft.com/" + AUTH_POLICY

	AUTHORIZE_URL = AUTH_BASE_URL + "/oauth2/v2.0/authorize"
	TOKEN_URL     = AUTH_BASE_URL + "/oauth2/v2.0/token"
	LOGIN_URL     = AUTH_BASE_URL + "/SelfAsserted"
	CONFIRM_URL   = AUTH_BASE_URL + "/api/CombinedSigninAndSignup/confirmed"
	REDIRECT_URI  = "https://mijnted.nl/"

	USER_AGENT         = "MijnTed-Go/1.0"
	BROWSER_USER_AGENT = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

const (
	DELIVERY_TYPES_URL          = "/address/deliveryTypes/%s"
	ENERGY_USAGE_URL            = "/residentialUnitUsage/%d/%s/%s"
	LAST_SYNC_DATE_URL          = "/getLastSyncDate/%s/%s/%d"
	DEVICE_STATUSES_URL         = "/deviceStatuses/%s/%s/%d"
	USAGE_INSIGHT_URL           = "/usageInsight/%d/%s/%s"
	ACTIVE_MODEL_URL            = "/activeModel/%s/%s"
	RESIDENTIAL_UNIT_DETAIL_URL = "/residentialUnitDetailItem/%s"
	USAGE_PER_ROOM_URL          = "/residentialUnitUsagePerRoom/%d/%s/%s"
	UNIT_OF_MEASURES_URL        = "/unitOfMeasures/%s/%s/%d"

	// fromDate query format of the device statuses endpoint
	DEVICE_STATUSES_DATE_FORMAT = "02-01-2006"
)

// id token claims
const (
	CLAIM_RESIDENTIAL_UNITS     = "extension_ResidentialUnits"
	CLAIM_RESIDENTIAL_UNITS_ALT = "https://ted-prod-function-app.azurewebsites.net/residential_units"
	CLAIM_OCCUPANT_ID           = "extension_OccupantID"
	CLAIM_BILLING_UNITS         = "extension_BillingUnits"
	CLAIM_USER_ROLE             = "extension_UserRole"
)

const (
	oauthErrorInvalidGrant = "invalid_grant"
	loginRequestType       = "RESPONSE"
)

// TokenResponse is the token endpoint payload for both the authorization code
// and the refresh token grant.
type TokenResponse struct {
	oauth2.Token
	IDToken               string          `json:"id_token,omitempty"`
	IDTokenExpiresIn      int64           `json:"id_token_expires_in,omitempty"`
	RefreshTokenExpiresIn json.RawMessage `json:"refresh_token_expires_in,omitempty"`
	NotBefore             int64           `json:"not_before,omitempty"`
	Scope                 string          `json:"scope,omitempty"`
	Error                 string          `json:"error,omitempty"`
	ErrorDescription      string          `json:"error_description,omitempty"`
}

// RefreshLifetime returns refresh_token_expires_in, which the provider sends
// either as number or as numeric string.
func (t *TokenResponse) RefreshLifetime() (time.Duration, bool) {
	raw := bytes.Trim(bytes.TrimSpace(t.RefreshTokenExpiresIn), `"`)
	if len(raw) == 0 {
		return 0, false
	}

	secs, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || secs <= 0 {
		return 0, false
	}

	return time.Duration(secs * float64(time.Second)), true
}

// Credentials is the credential set owned by a Session. It is handed to the
// token update callback and can be fed back as Config.Seed.
type Credentials struct {
	AccessToken           string    `json:"access_token,omitempty"`
	RefreshToken          string    `json:"refresh_token,omitempty"`
	RefreshTokenExpiresAt time.Time `json:"refresh_token_expires_at,omitzero"`
	ResidentialUnit       string    `json:"residential_unit,omitempty"`
	OccupantID            string    `json:"occupant_id,omitempty"`
	BillingUnits          string    `json:"billing_units,omitempty"`
	UserRole              string    `json:"user_role,omitempty"`
}

// Snapshot is the result of fetching all resources of a residential unit once.
type Snapshot struct {
	Timestamp             time.Time          `json:"timestamp"`
	ResidentialUnit       string             `json:"residentialUnit"`
	DeliveryType          string             `json:"deliveryType"`
	DeliveryTypes         []any              `json:"deliveryTypes"`
	EnergyUsageTotal      float64            `json:"energyUsageTotal"`
	EnergyUsage           map[string]any     `json:"energyUsage"`
	EnergyUsageLastYear   map[string]any     `json:"energyUsageLastYear"`
	LastSyncDate          string             `json:"lastSyncDate"`
	DeviceStatuses        []any              `json:"deviceStatuses"`
	UsageInsight          map[string]any     `json:"usageInsight"`
	UsageInsightLastYear  map[string]any     `json:"usageInsightLastYear"`
	ActiveModel           string             `json:"activeModel"`
	ResidentialUnitDetail map[string]any     `json:"residentialUnitDetail"`
	RoomUsage             map[string]float64 `json:"roomUsage"`
	UnitOfMeasures        []any              `json:"unitOfMeasures"`
}
