package external

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"entitlebridge/internal/types"
)

// Identity provider endpoint paths. The provider exposes separate resource
// namespaces for auth, users, tenants, and entitlements.
const (
	identityPathAuthVendor   = "/auth/vendor"
	identityPathUserByEmail  = "/identity/resources/users/v1/email"
	identityPathTenants      = "/tenants/resources/tenants/v1"
	identityPathUsers        = "/identity/resources/users/v2"
	identityPathEntitlements = "/entitlements/resources/entitlements/v1"
)

// headerTenantID carries the tenant context on user-creation calls; the
// provider scopes the new user by this header, not by a body field.
const headerTenantID = "x-tenant-id"

// IdentityClientConfig holds the configuration for creating an IdentityClient.
type IdentityClientConfig struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Logger       *slog.Logger
}

// IdentityClient implements IdentityAPI by making direct HTTP calls to the
// identity provider's REST API through BaseClient. This routes all requests
// through the platform's resilience infrastructure (circuit breaker, error
// mapping) and makes testing with httptest straightforward.
//
// The client performs no in-process retries: a failed provisioning step
// surfaces as a 500 to Stripe, and the webhook redelivery schedule is the
// retry mechanism.
type IdentityClient struct {
	base         *BaseClient
	baseURL      string
	clientID     string
	clientSecret string
	logger       *slog.Logger
}

// NewIdentityClient creates a new IdentityClient. The httpClient timeout
// bounds each individual call so a slow provider cannot hold the inbound
// webhook open indefinitely.
func NewIdentityClient(httpClient *http.Client, cfg IdentityClientConfig) *IdentityClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := NewBaseClient(
		httpClient,
		"identity",
		NoRetryPolicy(),
		"EntitleBridge/1.0",
		WithSleepFunc(time.Sleep),
	)

	return &IdentityClient{
		base:         base,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		logger:       logger,
	}
}

// NewIdentityClientWithBase creates an IdentityClient with a pre-configured
// BaseClient. This is useful for testing when you want to control the
// BaseClient configuration.
func NewIdentityClientWithBase(base *BaseClient, cfg IdentityClientConfig) *IdentityClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &IdentityClient{
		base:         base,
		baseURL:      strings.TrimSuffix(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		logger:       logger,
	}
}

// ---------------------------------------------------------------------------
// IdentityAPI Implementation
// ---------------------------------------------------------------------------

// identityAuthRequest is the vendor token exchange payload.
type identityAuthRequest struct {
	ClientID string `json:"clientId"`
	Secret   string `json:"secret"`
}

// identityAuthResponse carries the bearer token returned by the provider.
type identityAuthResponse struct {
	Token string `json:"token"`
}

// Authenticate exchanges the vendor credentials for a bearer token.
func (c *IdentityClient) Authenticate(ctx context.Context) (string, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, identityPathAuthVendor, "", "", identityAuthRequest{
		ClientID: c.clientID,
		Secret:   c.clientSecret,
	})
	if err != nil {
		return "", c.wrapTransportError("Authenticate", types.ErrCodeAuthVendorFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", c.handleErrorResponse(resp, "Authenticate", types.ErrCodeAuthVendorFailed)
	}

	var auth identityAuthResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", types.NewAppError(
			types.ErrCodeAuthVendorFailed,
			"failed to decode vendor token response",
			err,
		)
	}
	if auth.Token == "" {
		return "", types.NewAppError(
			types.ErrCodeAuthVendorFailed,
			"vendor token response contained an empty token",
			nil,
		)
	}

	return auth.Token, nil
}

// GetUserByEmail looks up a user by email. A 404 from the provider is the
// expected "new customer" signal and returns (nil, false, nil); the flow
// branches on found, never on error shape.
func (c *IdentityClient) GetUserByEmail(ctx context.Context, token, email string) (*types.IdentityUser, bool, error) {
	path := identityPathUserByEmail + "/" + url.PathEscape(email)

	resp, err := c.doJSON(ctx, http.MethodGet, path, token, "", nil)
	if err != nil {
		return nil, false, c.wrapTransportError("GetUserByEmail", types.ErrCodeUpstreamIdentityFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, c.handleErrorResponse(resp, "GetUserByEmail", types.ErrCodeUpstreamIdentityFailed)
	}

	var user types.IdentityUser
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return nil, false, types.NewAppError(
			types.ErrCodeUpstreamIdentityFailed,
			"failed to decode user lookup response",
			err,
		)
	}

	return &user, true, nil
}

// CreateAccount creates the tenant container for a new customer. The caller
// supplies a deterministic tenant ID so redelivered webhooks converge on the
// same tenant instead of minting duplicates.
func (c *IdentityClient) CreateAccount(ctx context.Context, token string, account types.IdentityAccount) error {
	resp, err := c.doJSON(ctx, http.MethodPost, identityPathTenants, token, "", account)
	if err != nil {
		return c.wrapTransportError("CreateAccount", types.ErrCodeUpstreamIdentityFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp, "CreateAccount", types.ErrCodeUpstreamIdentityFailed)
	}

	// The provider echoes the tenant back; nothing in it is needed beyond
	// the ID the caller already chose.
	return nil
}

// CreateUser creates a user inside the given tenant.
func (c *IdentityClient) CreateUser(ctx context.Context, token string, tenantID string, user types.NewIdentityUser) (*types.IdentityUser, error) {
	resp, err := c.doJSON(ctx, http.MethodPost, identityPathUsers, token, tenantID, user)
	if err != nil {
		return nil, c.wrapTransportError("CreateUser", types.ErrCodeUpstreamIdentityFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.handleErrorResponse(resp, "CreateUser", types.ErrCodeUpstreamIdentityFailed)
	}

	var created types.IdentityUser
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return nil, types.NewAppError(
			types.ErrCodeUpstreamIdentityFailed,
			"failed to decode user creation response",
			err,
		)
	}
	if created.TenantID == "" {
		created.TenantID = tenantID
	}

	return &created, nil
}

// CreateEntitlement upserts the feature grant for the tenant/user pair.
func (c *IdentityClient) CreateEntitlement(ctx context.Context, token string, entitlement types.Entitlement) error {
	resp, err := c.doJSON(ctx, http.MethodPost, identityPathEntitlements, token, "", entitlement)
	if err != nil {
		return c.wrapTransportError("CreateEntitlement", types.ErrCodeUpstreamIdentityFailed, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.handleErrorResponse(resp, "CreateEntitlement", types.ErrCodeUpstreamIdentityFailed)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Health Probe
// ---------------------------------------------------------------------------

// Name identifies the probe in health check responses.
func (c *IdentityClient) Name() string { return "identity_api" }

// Check verifies the identity provider is reachable by exchanging vendor
// credentials for a token. A provider that can authenticate us can serve the
// rest of the flow.
func (c *IdentityClient) Check(ctx context.Context) error {
	_, err := c.Authenticate(ctx)
	return err
}

// ---------------------------------------------------------------------------
// Request / Error Helpers
// ---------------------------------------------------------------------------

// doJSON performs a JSON request against the identity provider. The token and
// tenantID parameters are optional; empty values omit the corresponding
// header.
func (c *IdentityClient) doJSON(ctx context.Context, method, path, token, tenantID string, payload any) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request payload: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if tenantID != "" {
		req.Header.Set(headerTenantID, tenantID)
	}

	return c.base.Do(req)
}

// identityErrorResponse represents the JSON error body returned by the
// identity provider. The provider sometimes returns "errors" as an array and
// sometimes a single "message" string.
type identityErrorResponse struct {
	Errors  []string `json:"errors"`
	Message string   `json:"message"`
}

// summary flattens the error body into a single diagnostic string.
func (e *identityErrorResponse) summary() string {
	if len(e.Errors) > 0 {
		return strings.Join(e.Errors, "; ")
	}
	return e.Message
}

// handleErrorResponse reads a provider error response and maps it to a
// types.AppError carrying the status code and upstream error body for
// diagnostics.
func (c *IdentityClient) handleErrorResponse(resp *http.Response, operation string, code types.ErrorCode) error {
	body, readErr := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	if readErr != nil {
		return types.NewAppErrorWithDetails(
			code,
			fmt.Sprintf("%s: identity provider returned status %d and response body was unreadable", operation, resp.StatusCode),
			readErr,
			map[string]any{"status": resp.StatusCode},
		)
	}

	details := map[string]any{"status": resp.StatusCode}

	var providerErr identityErrorResponse
	if jsonErr := json.Unmarshal(body, &providerErr); jsonErr == nil && providerErr.summary() != "" {
		details["upstream_error"] = providerErr.summary()
	} else if len(body) > 0 {
		details["upstream_body"] = string(body)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		code = types.ErrCodeUpstreamRateLimited
	case resp.StatusCode >= 500:
		code = types.ErrCodeUpstreamUnavailable
	}

	return types.NewAppErrorWithDetails(
		code,
		fmt.Sprintf("%s: identity provider returned status %d", operation, resp.StatusCode),
		nil,
		details,
	)
}

// wrapTransportError wraps a BaseClient transport error with operation context.
func (c *IdentityClient) wrapTransportError(operation string, code types.ErrorCode, err error) error {
	// If it's already an AppError from BaseClient (circuit breaker open,
	// upstream unavailable), return it as-is since it already has the right
	// error code.
	if _, ok := err.(*types.AppError); ok {
		return err
	}
	return types.NewAppError(
		code,
		fmt.Sprintf("%s: identity provider request failed", operation),
		err,
	)
}

// ---------------------------------------------------------------------------
// Interface Compliance
// ---------------------------------------------------------------------------

var _ IdentityAPI = (*IdentityClient)(nil)
