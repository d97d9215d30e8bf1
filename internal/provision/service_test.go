package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"entitlebridge/internal/types"
)

// mockIdentityAPI records the sequence of identity-provider calls and serves
// configurable responses per operation.
type mockIdentityAPI struct {
	calls []string

	authToken string
	authErr   error

	lookupUser  *types.IdentityUser
	lookupFound bool
	lookupErr   error

	createAccountErr error
	createdAccounts  []types.IdentityAccount

	createUserResult *types.IdentityUser
	createUserErr    error
	createdUsers     []types.NewIdentityUser
	createUserTenant string

	entitlementErr error
	entitlements   []types.Entitlement
	gotTokens      []string
}

func (m *mockIdentityAPI) Authenticate(_ context.Context) (string, error) {
	m.calls = append(m.calls, "authenticate")
	if m.authErr != nil {
		return "", m.authErr
	}
	return m.authToken, nil
}

func (m *mockIdentityAPI) GetUserByEmail(_ context.Context, token, _ string) (*types.IdentityUser, bool, error) {
	m.calls = append(m.calls, "get_user")
	m.gotTokens = append(m.gotTokens, token)
	return m.lookupUser, m.lookupFound, m.lookupErr
}

func (m *mockIdentityAPI) CreateAccount(_ context.Context, token string, account types.IdentityAccount) error {
	m.calls = append(m.calls, "create_account")
	m.gotTokens = append(m.gotTokens, token)
	m.createdAccounts = append(m.createdAccounts, account)
	return m.createAccountErr
}

func (m *mockIdentityAPI) CreateUser(_ context.Context, token string, tenantID string, user types.NewIdentityUser) (*types.IdentityUser, error) {
	m.calls = append(m.calls, "create_user")
	m.gotTokens = append(m.gotTokens, token)
	m.createUserTenant = tenantID
	m.createdUsers = append(m.createdUsers, user)
	if m.createUserErr != nil {
		return nil, m.createUserErr
	}
	return m.createUserResult, nil
}

func (m *mockIdentityAPI) CreateEntitlement(_ context.Context, token string, entitlement types.Entitlement) error {
	m.calls = append(m.calls, "create_entitlement")
	m.gotTokens = append(m.gotTokens, token)
	m.entitlements = append(m.entitlements, entitlement)
	return m.entitlementErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRequest() types.ProvisioningRequest {
	return types.ProvisioningRequest{
		Email:       "a@x.com",
		DisplayName: "Jane Doe",
		PriceID:     "price_pro_yearly",
		ExpiresAt:   time.Date(2027, 3, 15, 12, 0, 0, 0, time.UTC),
	}
}

func TestProvision_NewCustomerCreatesAccountAndUser(t *testing.T) {
	identity := &mockIdentityAPI{
		authToken: "tok-1",
		createUserResult: &types.IdentityUser{
			ID:       "user-new",
			TenantID: TenantIDForEmail("a@x.com"),
			Email:    "a@x.com",
		},
	}
	p := NewProvisioner(identity, testLogger())

	if err := p.Provision(context.Background(), testRequest(), "feat-pro"); err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}

	wantCalls := []string{"authenticate", "get_user", "create_account", "create_user", "create_entitlement"}
	if len(identity.calls) != len(wantCalls) {
		t.Fatalf("calls = %v, want %v", identity.calls, wantCalls)
	}
	for i, call := range wantCalls {
		if identity.calls[i] != call {
			t.Errorf("call %d = %q, want %q", i, identity.calls[i], call)
		}
	}

	// Account uses the deterministic tenant ID and the customer's name.
	account := identity.createdAccounts[0]
	if account.TenantID != TenantIDForEmail("a@x.com") {
		t.Errorf("account.TenantID = %q, want deterministic ID", account.TenantID)
	}
	if account.Name != "Jane Doe" {
		t.Errorf("account.Name = %q, want Jane Doe", account.Name)
	}

	// User creation targets the same tenant.
	if identity.createUserTenant != account.TenantID {
		t.Errorf("user tenant = %q, want %q", identity.createUserTenant, account.TenantID)
	}

	// Entitlement references the created user and carries the expiry.
	ent := identity.entitlements[0]
	if ent.UserID != "user-new" || ent.TenantID != account.TenantID {
		t.Errorf("entitlement = %+v", ent)
	}
	if ent.FeatureID != "feat-pro" {
		t.Errorf("featureID = %q, want feat-pro", ent.FeatureID)
	}
	if !ent.ExpiresAt.Equal(testRequest().ExpiresAt) {
		t.Errorf("ExpiresAt = %v", ent.ExpiresAt)
	}

	// Every call after authenticate carries the vendor token.
	for i, tok := range identity.gotTokens {
		if tok != "tok-1" {
			t.Errorf("call %d token = %q, want tok-1", i, tok)
		}
	}
}

func TestProvision_ExistingUserSkipsCreation(t *testing.T) {
	identity := &mockIdentityAPI{
		authToken:   "tok-1",
		lookupFound: true,
		lookupUser:  &types.IdentityUser{ID: "user-old", TenantID: "tenant-old", Email: "a@x.com"},
	}
	p := NewProvisioner(identity, testLogger())

	if err := p.Provision(context.Background(), testRequest(), "feat-pro"); err != nil {
		t.Fatalf("Provision returned error: %v", err)
	}

	for _, call := range identity.calls {
		if call == "create_account" || call == "create_user" {
			t.Errorf("unexpected %s call for existing user", call)
		}
	}

	ent := identity.entitlements[0]
	if ent.UserID != "user-old" || ent.TenantID != "tenant-old" {
		t.Errorf("entitlement should target the existing user, got %+v", ent)
	}
}

func TestProvision_AuthFailureStopsFlow(t *testing.T) {
	authErr := types.NewAppError(types.ErrCodeAuthVendorFailed, "bad credentials", nil)
	identity := &mockIdentityAPI{authErr: authErr}
	p := NewProvisioner(identity, testLogger())

	err := p.Provision(context.Background(), testRequest(), "feat-pro")
	if !errors.Is(err, authErr) {
		t.Fatalf("expected auth error passed through, got: %v", err)
	}

	if len(identity.calls) != 1 {
		t.Errorf("expected only the authenticate call, got %v", identity.calls)
	}
}

func TestProvision_EntitlementFailureAfterCreation(t *testing.T) {
	entErr := types.NewAppError(types.ErrCodeUpstreamUnavailable, "upstream returned 500", nil)
	identity := &mockIdentityAPI{
		authToken:        "tok-1",
		createUserResult: &types.IdentityUser{ID: "user-new", TenantID: "tenant-new"},
		entitlementErr:   entErr,
	}
	p := NewProvisioner(identity, testLogger())

	err := p.Provision(context.Background(), testRequest(), "feat-pro")
	if !errors.Is(err, entErr) {
		t.Fatalf("expected entitlement error passed through, got: %v", err)
	}

	// Account and user creation were each attempted exactly once before the
	// failure; redelivery replays the whole flow.
	if len(identity.createdAccounts) != 1 || len(identity.createdUsers) != 1 {
		t.Errorf("creation attempts = %d accounts, %d users; want 1 and 1",
			len(identity.createdAccounts), len(identity.createdUsers))
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %T", err)
	}
	if !appErr.Fatal() {
		t.Error("entitlement failure must be fatal so the sender redelivers")
	}
}

func TestProvision_LookupFailureStopsBeforeCreation(t *testing.T) {
	lookupErr := types.NewAppError(types.ErrCodeUpstreamIdentityFailed, "lookup failed", nil)
	identity := &mockIdentityAPI{authToken: "tok-1", lookupErr: lookupErr}
	p := NewProvisioner(identity, testLogger())

	err := p.Provision(context.Background(), testRequest(), "feat-pro")
	if !errors.Is(err, lookupErr) {
		t.Fatalf("expected lookup error passed through, got: %v", err)
	}
	if len(identity.createdAccounts) != 0 || len(identity.entitlements) != 0 {
		t.Error("no creation or entitlement calls should follow a failed lookup")
	}
}

func TestTenantIDForEmail_Deterministic(t *testing.T) {
	first := TenantIDForEmail("a@x.com")
	second := TenantIDForEmail("a@x.com")
	other := TenantIDForEmail("b@x.com")

	if first != second {
		t.Errorf("tenant ID not deterministic: %q vs %q", first, second)
	}
	if first == other {
		t.Error("different emails must derive different tenant IDs")
	}
	if len(first) != 36 {
		t.Errorf("tenant ID %q is not a canonical UUID string", first)
	}
}

// Re-running the flow after a partial failure (account created, user creation
// failed) must converge on the same tenant ID.
func TestProvision_RedeliveryConvergesOnSameTenant(t *testing.T) {
	firstAttempt := &mockIdentityAPI{
		authToken:     "tok-1",
		createUserErr: types.NewAppError(types.ErrCodeUpstreamUnavailable, "user creation failed", nil),
	}
	p := NewProvisioner(firstAttempt, testLogger())
	if err := p.Provision(context.Background(), testRequest(), "feat-pro"); err == nil {
		t.Fatal("expected first attempt to fail")
	}

	secondAttempt := &mockIdentityAPI{
		authToken:        "tok-2",
		createUserResult: &types.IdentityUser{ID: "user-new", TenantID: TenantIDForEmail("a@x.com")},
	}
	p = NewProvisioner(secondAttempt, testLogger())
	if err := p.Provision(context.Background(), testRequest(), "feat-pro"); err != nil {
		t.Fatalf("expected redelivery to succeed, got: %v", err)
	}

	if firstAttempt.createdAccounts[0].TenantID != secondAttempt.createdAccounts[0].TenantID {
		t.Error("redelivery targeted a different tenant ID")
	}
}
