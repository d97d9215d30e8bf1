package handlers

import (
	"encoding/json"
	"time"

	"entitlebridge/internal/types"
)

// ---------------------------------------------------------------------------
// Stripe Event Parsing
// ---------------------------------------------------------------------------

// stripeWebhookEvent is a minimal representation of a Stripe webhook event
// tailored to extract the fields the provisioning flow needs. We avoid
// importing the full stripe.Event type to keep the handler decoupled from the
// stripe-go library and to make testing straightforward.
type stripeWebhookEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// stripeEventData wraps the event data object.
type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

// stripeCheckoutSessionObj represents the minimal fields from a
// checkout.session.completed event's data object. The subscription field is
// the expanded subscription carrying the period end used as the entitlement
// expiry.
type stripeCheckoutSessionObj struct {
	CustomerDetails *stripeCustomerDetails `json:"customer_details"`
	LineItems       stripeLineItems        `json:"line_items"`
	Subscription    *stripeSubscriptionObj `json:"subscription"`
}

type stripeCustomerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type stripeLineItems struct {
	Data []stripeLineItem `json:"data"`
}

type stripeLineItem struct {
	Price stripePrice `json:"price"`
}

type stripePrice struct {
	ID string `json:"id"`
}

type stripeSubscriptionObj struct {
	CurrentPeriodEnd int64 `json:"current_period_end"`
}

// stripeScheduleObj represents the minimal fields from a
// subscription_schedule.created event's data object. The customer field is
// the expanded customer; phases carry the purchased price and the phase end
// used as the entitlement expiry.
type stripeScheduleObj struct {
	Customer   *stripeScheduleCustomer `json:"customer"`
	CanceledAt int64                   `json:"canceled_at"`
	Phases     []stripeSchedulePhase   `json:"phases"`
}

type stripeScheduleCustomer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type stripeSchedulePhase struct {
	EndDate int64                     `json:"end_date"`
	Items   []stripeSchedulePhaseItem `json:"items"`
}

type stripeSchedulePhaseItem struct {
	Price string `json:"price"`
}

// normalize converts the event into the canonical ProvisioningRequest,
// dispatching on the event type. Extraction is total: any structural gap
// returns a tagged *types.AppError with an event_ code, never a panic or an
// untyped error.
func (e *stripeWebhookEvent) normalize() (types.ProvisioningRequest, error) {
	switch e.Type {
	case types.EventCheckoutCompleted:
		return e.normalizeCheckoutSession()
	case types.EventScheduleCreated:
		return e.normalizeSubscriptionSchedule()
	default:
		return types.ProvisioningRequest{}, types.NewAppErrorWithDetails(
			types.ErrCodeEventUnsupportedType,
			"unsupported event type",
			nil,
			map[string]any{"event_type": e.Type},
		)
	}
}

// normalizeCheckoutSession extracts the provisioning fields from a
// checkout.session.completed event: customer email/name from
// customer_details, the price from the first line item, and the expiry from
// the expanded subscription's current period end.
func (e *stripeWebhookEvent) normalizeCheckoutSession() (types.ProvisioningRequest, error) {
	var session stripeCheckoutSessionObj
	if err := e.unmarshalObject(&session); err != nil {
		return types.ProvisioningRequest{}, err
	}

	if session.CustomerDetails == nil || session.CustomerDetails.Email == "" {
		return types.ProvisioningRequest{}, types.NewAppError(
			types.ErrCodeEventMissingEmail,
			"checkout session carries no customer email",
			nil,
		)
	}

	if len(session.LineItems.Data) == 0 || session.LineItems.Data[0].Price.ID == "" {
		return types.ProvisioningRequest{}, types.NewAppError(
			types.ErrCodeEventMissingItems,
			"checkout session carries no line items",
			nil,
		)
	}

	if session.Subscription == nil || session.Subscription.CurrentPeriodEnd <= 0 {
		return types.ProvisioningRequest{}, types.NewAppError(
			types.ErrCodeEventMissingExpiry,
			"checkout session carries no subscription period end",
			nil,
		)
	}

	name := session.CustomerDetails.Name
	if name == "" {
		name = types.DefaultDisplayName
	}

	return types.ProvisioningRequest{
		Email:       session.CustomerDetails.Email,
		DisplayName: name,
		PriceID:     session.LineItems.Data[0].Price.ID,
		ExpiresAt:   time.Unix(session.Subscription.CurrentPeriodEnd, 0).UTC(),
	}, nil
}

// normalizeSubscriptionSchedule extracts the provisioning fields from a
// subscription_schedule.created event: customer email/name from the expanded
// customer, the price from the first phase's first item, and the expiry from
// canceled_at when present, else the first phase's end date.
func (e *stripeWebhookEvent) normalizeSubscriptionSchedule() (types.ProvisioningRequest, error) {
	var schedule stripeScheduleObj
	if err := e.unmarshalObject(&schedule); err != nil {
		return types.ProvisioningRequest{}, err
	}

	if schedule.Customer == nil || schedule.Customer.Email == "" {
		return types.ProvisioningRequest{}, types.NewAppError(
			types.ErrCodeEventMissingEmail,
			"subscription schedule carries no customer email",
			nil,
		)
	}

	if len(schedule.Phases) == 0 || len(schedule.Phases[0].Items) == 0 || schedule.Phases[0].Items[0].Price == "" {
		return types.ProvisioningRequest{}, types.NewAppError(
			types.ErrCodeEventMissingPhases,
			"subscription schedule carries no phase items",
			nil,
		)
	}

	// Cancellation wins over the scheduled phase end: a canceled schedule's
	// entitlement lapses at cancellation time.
	expiry := schedule.CanceledAt
	if expiry <= 0 {
		expiry = schedule.Phases[0].EndDate
	}
	if expiry <= 0 {
		return types.ProvisioningRequest{}, types.NewAppError(
			types.ErrCodeEventMissingExpiry,
			"subscription schedule carries neither canceled_at nor a phase end date",
			nil,
		)
	}

	name := schedule.Customer.Name
	if name == "" {
		name = types.DefaultDisplayName
	}

	return types.ProvisioningRequest{
		Email:       schedule.Customer.Email,
		DisplayName: name,
		PriceID:     schedule.Phases[0].Items[0].Price,
		ExpiresAt:   time.Unix(expiry, 0).UTC(),
	}, nil
}

// unmarshalObject decodes data.object into dst, tagging structural failures
// as extraction errors rather than payload errors: the envelope already
// parsed, so a malformed object is a shape gap in the event data.
func (e *stripeWebhookEvent) unmarshalObject(dst any) error {
	var data stripeEventData
	if err := json.Unmarshal(e.Data, &data); err != nil {
		return types.NewAppError(
			types.ErrCodeEventMissingItems,
			"event data envelope is malformed",
			err,
		)
	}
	if err := json.Unmarshal(data.Object, dst); err != nil {
		return types.NewAppError(
			types.ErrCodeEventMissingItems,
			"event data object is malformed",
			err,
		)
	}
	return nil
}
