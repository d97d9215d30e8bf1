// Package provision implements the identity upsert flow that turns a
// normalized purchase event into an entitlement grant.
//
// The flow is strictly sequential because every step depends on the previous
// step's result: authenticate, look up the user by email, create the account
// and user when the lookup misses, then upsert the entitlement. Each step is
// one identity-provider call; a failure anywhere surfaces as a fatal error so
// Stripe redelivers the webhook and the whole flow replays.
package provision

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"entitlebridge/internal/external"
	"entitlebridge/internal/types"
)

// tenantNamespace is the UUIDv5 namespace for deriving tenant IDs from
// customer emails. Deterministic derivation makes account creation convergent
// across redeliveries: two deliveries for the same email always target the
// same tenant ID, so the provider's create call either succeeds or collides
// with the tenant the earlier delivery already created.
var tenantNamespace = uuid.MustParse("8f2e5b1a-9c4d-4e6f-b3a7-d15c08e94a62")

// defaultUserProvider is the auth provider tag sent on user creation.
const defaultUserProvider = "local"

// Provisioner runs the idempotent entitlement upsert flow.
type Provisioner struct {
	identity external.IdentityAPI
	logger   *slog.Logger
}

// NewProvisioner wires the identity client into a Provisioner. Plan
// resolution happens before this flow runs: an unmapped price must be
// acknowledged without any identity-provider call, so the resolver lives in
// the webhook handler.
func NewProvisioner(identity external.IdentityAPI, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{
		identity: identity,
		logger:   logger,
	}
}

// TenantIDForEmail derives the deterministic tenant ID for a customer email.
func TenantIDForEmail(email string) string {
	return uuid.NewSHA1(tenantNamespace, []byte(email)).String()
}

// Provision executes the upsert flow for one normalized purchase event:
//
//  1. Authenticate: exchange vendor credentials for a bearer token.
//  2. Lookup: find the user by email.
//  3. Ensure: when the lookup misses, create the account (deterministic
//     tenant ID) and then the user inside it.
//  4. Entitle: upsert the feature grant with the computed expiry.
//
// The featureID has already been resolved by the caller; an unmapped price
// never reaches this flow. Every returned error is a *types.AppError with a
// fatal code: the caller answers 500 and Stripe's redelivery schedule retries
// the whole flow.
func (p *Provisioner) Provision(ctx context.Context, req types.ProvisioningRequest, featureID string) error {
	token, err := p.identity.Authenticate(ctx)
	if err != nil {
		return err
	}

	user, found, err := p.identity.GetUserByEmail(ctx, token, req.Email)
	if err != nil {
		return err
	}

	if !found {
		user, err = p.createAccountAndUser(ctx, token, req)
		if err != nil {
			return err
		}
	} else {
		p.logger.InfoContext(ctx, "existing user found, skipping account creation",
			slog.String("user_id", user.ID),
			slog.String("tenant_id", user.TenantID),
		)
	}

	entitlement := types.Entitlement{
		TenantID:  user.TenantID,
		UserID:    user.ID,
		FeatureID: featureID,
		ExpiresAt: req.ExpiresAt,
	}
	if err := p.identity.CreateEntitlement(ctx, token, entitlement); err != nil {
		return err
	}

	p.logger.InfoContext(ctx, "entitlement granted",
		slog.String("tenant_id", user.TenantID),
		slog.String("user_id", user.ID),
		slog.String("feature_id", featureID),
		slog.Time("expires_at", req.ExpiresAt),
	)

	return nil
}

// createAccountAndUser provisions the tenant container and the user record
// for a first-time customer. The tenant ID is derived from the email, so a
// redelivered webhook that already created the account converges on the same
// tenant instead of minting a duplicate.
func (p *Provisioner) createAccountAndUser(ctx context.Context, token string, req types.ProvisioningRequest) (*types.IdentityUser, error) {
	tenantID := TenantIDForEmail(req.Email)

	account := types.IdentityAccount{
		TenantID: tenantID,
		Name:     req.DisplayName,
	}
	if err := p.identity.CreateAccount(ctx, token, account); err != nil {
		return nil, err
	}

	newUser := types.NewIdentityUser{
		Email:    req.Email,
		Name:     req.DisplayName,
		Provider: defaultUserProvider,
	}
	created, err := p.identity.CreateUser(ctx, token, tenantID, newUser)
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "account and user created",
		slog.String("tenant_id", tenantID),
		slog.String("user_id", created.ID),
	)

	return created, nil
}
