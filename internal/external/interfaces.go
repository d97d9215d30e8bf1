package external

import (
	"context"

	"entitlebridge/internal/types"
)

// ---------------------------------------------------------------------------
// Identity Provider Integration
// ---------------------------------------------------------------------------

// IdentityAPI abstracts the identity/entitlements provider. Implementations
// translate between domain types and the provider's REST endpoints.
//
// Every call is narrow and sequential: the provisioning flow chains them
// (authenticate, lookup, create account, create user, entitle) and each step
// depends on the previous step's result. None of the operations retry
// internally; webhook redelivery is the retry mechanism.
type IdentityAPI interface {
	// Authenticate exchanges the vendor client ID and secret for a bearer
	// token scoped to this request. The token authorizes all subsequent
	// calls for the same delivery.
	Authenticate(ctx context.Context) (token string, err error)

	// GetUserByEmail looks up a user by email address. A provider 404 is
	// not an error: it returns found=false so the flow can branch into
	// account creation. Any other non-success response is returned as an
	// error.
	GetUserByEmail(ctx context.Context, token, email string) (user *types.IdentityUser, found bool, err error)

	// CreateAccount creates the tenant container for a new customer.
	CreateAccount(ctx context.Context, token string, account types.IdentityAccount) error

	// CreateUser creates a user inside the given tenant. The tenant context
	// travels in a request header, not the body, per the provider's API.
	CreateUser(ctx context.Context, token string, tenantID string, user types.NewIdentityUser) (*types.IdentityUser, error)

	// CreateEntitlement upserts a time-bounded feature grant for the
	// tenant/user pair. Re-sending the same grant must not duplicate it;
	// the provider treats (tenant, user, feature) as the upsert key.
	CreateEntitlement(ctx context.Context, token string, entitlement types.Entitlement) error
}

// WebhookVerifier abstracts Stripe webhook signature checking.
type WebhookVerifier interface {
	// Verify validates a webhook payload against the provided signature header
	// and signing secret. Returns nil on success, an error on failure.
	Verify(payload []byte, header string, secret string) error
}
