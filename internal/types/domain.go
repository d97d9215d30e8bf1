// Package types defines the shared domain types, error taxonomy, and
// context helpers for the entitlebridge service.
//
// Nothing here is persisted: every entity's lifecycle is scoped to a single
// webhook invocation. The identity provider owns users, accounts, and
// entitlements; this service only creates and reads references to them.
package types

import "time"

// Stripe event type discriminators handled by the provisioning webhook.
const (
	EventCheckoutCompleted = "checkout.session.completed"
	EventScheduleCreated   = "subscription_schedule.created"
)

// DefaultDisplayName is the placeholder used when the payment event carries
// no customer name.
const DefaultDisplayName = "Stripe Customer"

// ProvisioningRequest is the canonical, shape-independent view of a
// subscription purchase event. Both supported Stripe event shapes normalize
// into this struct before any identity-provider call is made.
type ProvisioningRequest struct {
	// Email identifies the purchasing customer. Always non-empty; extraction
	// fails with a tagged error when the event carries no email.
	Email string

	// DisplayName is the customer's name, or DefaultDisplayName when the
	// event does not carry one.
	DisplayName string

	// PriceID is the Stripe price identifier of the purchased plan.
	PriceID string

	// ExpiresAt is when the granted entitlement lapses, in UTC.
	ExpiresAt time.Time
}

// IdentityUser is a user record in the identity provider, either fetched
// (existing) or freshly created.
type IdentityUser struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	Email    string `json:"email"`
}

// NewIdentityUser is the creation payload for a user. The tenant context is
// not part of the body; it travels in a request header on the create call.
type NewIdentityUser struct {
	Email    string   `json:"email"`
	Name     string   `json:"name"`
	RoleIDs  []string `json:"roleIds,omitempty"`
	Provider string   `json:"provider"`
}

// IdentityAccount is the identity provider's organizational container
// (tenant) for one paying customer. Created on demand when no user exists
// for the purchasing email.
type IdentityAccount struct {
	TenantID string `json:"tenantId"`
	Name     string `json:"name"`
}

// Entitlement is a time-bounded grant of a named feature to a tenant/user
// pair. The identity provider upserts on (tenantId, userId, featureId), so
// re-granting refreshes the expiry instead of duplicating.
type Entitlement struct {
	TenantID  string    `json:"tenantId"`
	UserID    string    `json:"userId"`
	FeatureID string    `json:"featureId"`
	ExpiresAt time.Time `json:"expirationDate"`
}
