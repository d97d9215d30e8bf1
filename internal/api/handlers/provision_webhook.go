// Package handlers contains the HTTP handler implementations for the
// entitlebridge API.
//
// The provisioning webhook is NOT behind auth middleware -- it is called
// directly by Stripe. Security is provided by verifying the Stripe-Signature
// header over the raw body using HMAC-SHA256.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"entitlebridge/internal/billing"
	"entitlebridge/internal/core"
	"entitlebridge/internal/external"
	"entitlebridge/internal/types"
)

// maxWebhookBodySize is the maximum allowed size of a Stripe webhook payload (64 KB).
// Stripe webhook payloads are typically small; this limit protects against abuse.
const maxWebhookBodySize = 64 * 1024

// unmappedPriceMessage is the acknowledgment reason for a price ID with no
// feature mapping. The gap is in this deployment's configuration, not
// Stripe's data, so redelivery cannot fix it.
const unmappedPriceMessage = "Internal mapping error"

// EntitlementProvisioner runs the identity upsert flow for one normalized
// purchase event. This is the subset of the provision service the webhook
// handler needs.
type EntitlementProvisioner interface {
	Provision(ctx context.Context, req types.ProvisioningRequest, featureID string) error
}

// webhookAck is the acknowledgment body returned for every accepted delivery.
// Error is set for non-retryable data/config gaps: the delivery is accepted
// (Stripe must not redeliver) but the reason is surfaced for operators.
type webhookAck struct {
	Received bool   `json:"received"`
	Error    string `json:"error,omitempty"`
}

// ProvisionWebhookHandler handles subscription purchase events from Stripe
// and mirrors them into the identity provider as entitlements.
type ProvisionWebhookHandler struct {
	verifier    external.WebhookVerifier
	provisioner EntitlementProvisioner
	plans       billing.PlanResolver
	secret      string
	logger      *slog.Logger
}

// NewProvisionWebhookHandler creates a ProvisionWebhookHandler with the
// provided dependencies.
func NewProvisionWebhookHandler(
	verifier external.WebhookVerifier,
	provisioner EntitlementProvisioner,
	plans billing.PlanResolver,
	secret string,
	logger *slog.Logger,
) *ProvisionWebhookHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProvisionWebhookHandler{
		verifier:    verifier,
		provisioner: provisioner,
		plans:       plans,
		secret:      secret,
		logger:      logger,
	}
}

// RegisterRoutes mounts the provisioning webhook endpoint. This is public (no
// auth middleware); the signature check is the authentication.
func (h *ProvisionWebhookHandler) RegisterRoutes(r chi.Router) {
	r.Post("/webhooks/stripe/provision", h.Handle)
}

// Handle processes one webhook delivery:
//
//  1. Reads the raw body (size-capped) and the Stripe-Signature header.
//  2. Verifies the signature over the exact raw bytes; failure is a 400 hard
//     stop before any side effect.
//  3. Parses the event envelope and normalizes it into a ProvisioningRequest.
//     Shape gaps (missing email/items/expiry, unsupported type) are
//     acknowledged with 200 so Stripe stops redelivering data it cannot fix.
//  4. Resolves the price to a feature. An unmapped price is a config gap,
//     acknowledged with 200 and an error reason, with no identity call made.
//  5. Runs the provisioning flow. Any failure there is plausibly transient
//     and answers 500 so Stripe's redelivery schedule retries it.
func (h *ProvisionWebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	// Step 1: Read the raw body with size limit. The signature is computed
	// over these exact bytes; no decoding happens before verification.
	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodySize)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.logger.WarnContext(r.Context(), "failed to read webhook body",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookBodyUnreadable,
			"failed to read request body",
			err,
		))
		return
	}

	// Step 2: Verify the Stripe-Signature header.
	sigHeader := r.Header.Get("Stripe-Signature")
	if sigHeader == "" {
		h.logger.WarnContext(r.Context(), "missing Stripe-Signature header")
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookSignatureMissing,
			"missing Stripe-Signature header",
			nil,
		))
		return
	}

	if err := h.verifier.Verify(payload, sigHeader, h.secret); err != nil {
		h.logger.WarnContext(r.Context(), "webhook signature verification failed",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookSignatureInvalid,
			"webhook signature verification failed",
			err,
		))
		return
	}

	// Step 3: Parse the event envelope.
	var event stripeWebhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.ErrorContext(r.Context(), "failed to parse webhook event JSON",
			"error", err,
		)
		core.Error(w, r, types.NewAppError(
			types.ErrCodeWebhookPayloadInvalidJSON,
			"invalid webhook event JSON",
			err,
		))
		return
	}

	h.logger.InfoContext(r.Context(), "processing stripe webhook event",
		"event_id", event.ID,
		"event_type", event.Type,
	)

	req, err := event.normalize()
	if err != nil {
		h.acknowledgeGap(w, r, &event, err)
		return
	}

	// Step 4: Resolve the price to a feature before touching the identity
	// provider. An unmapped price makes no identity call at all.
	featureID, ok := h.plans.Resolve(req.PriceID)
	if !ok {
		h.logger.ErrorContext(r.Context(), "no feature mapping for price",
			"event_id", event.ID,
			"price_id", req.PriceID,
		)
		core.JSON(w, r, http.StatusOK, webhookAck{Received: true, Error: unmappedPriceMessage})
		return
	}

	// Step 5: Run the provisioning flow.
	if err := h.provisioner.Provision(r.Context(), req, featureID); err != nil {
		h.logger.ErrorContext(r.Context(), "provisioning failed",
			"event_id", event.ID,
			"event_type", event.Type,
			"price_id", req.PriceID,
			"feature_id", featureID,
			"error", err,
		)
		// Fatal: answer 500 so Stripe redelivers. The flow replays from the
		// top on redelivery; the identity provider's upsert semantics and
		// the deterministic tenant ID make the replay converge.
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
}

// acknowledgeGap answers a non-retryable extraction gap. Unsupported event
// types are acknowledged silently (Stripe sends whatever types the endpoint
// is subscribed to); data gaps are acknowledged with the reason so operators
// can chase the defect, since redelivering the same bytes cannot fix it.
func (h *ProvisionWebhookHandler) acknowledgeGap(w http.ResponseWriter, r *http.Request, event *stripeWebhookEvent, err error) {
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		core.Error(w, r, err)
		return
	}

	if appErr.Code == types.ErrCodeEventUnsupportedType {
		h.logger.InfoContext(r.Context(), "ignoring unsupported webhook event type",
			"event_id", event.ID,
			"event_type", event.Type,
		)
		core.JSON(w, r, http.StatusOK, webhookAck{Received: true})
		return
	}

	h.logger.ErrorContext(r.Context(), "webhook event extraction failed",
		"event_id", event.ID,
		"event_type", event.Type,
		"code", string(appErr.Code),
		"error", err,
	)
	core.JSON(w, r, http.StatusOK, webhookAck{Received: true, Error: appErr.Message})
}
