package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	stripe "github.com/stripe/stripe-go/v82"

	"entitlebridge/internal/billing"
	"entitlebridge/internal/external"
	"entitlebridge/internal/types"
)

// ---------------------------------------------------------------------------
// Mock Implementations
// ---------------------------------------------------------------------------

// mockWebhookVerifier implements external.WebhookVerifier for testing.
type mockWebhookVerifier struct {
	shouldFail bool
	err        error
}

func (m *mockWebhookVerifier) Verify(payload []byte, header string, secret string) error {
	if m.shouldFail {
		if m.err != nil {
			return m.err
		}
		return errors.New("signature verification failed")
	}
	return nil
}

// mockProvisioner implements EntitlementProvisioner for testing.
type mockProvisioner struct {
	calls []provisionCall
	err   error
}

type provisionCall struct {
	Req       types.ProvisioningRequest
	FeatureID string
}

func (m *mockProvisioner) Provision(ctx context.Context, req types.ProvisioningRequest, featureID string) error {
	m.calls = append(m.calls, provisionCall{Req: req, FeatureID: featureID})
	return m.err
}

// ---------------------------------------------------------------------------
// Test Helpers
// ---------------------------------------------------------------------------

const testPlanPrice = "price_pro_monthly"
const testPlanFeature = "feat_pro"

// buildWebhookEvent creates a JSON-encoded Stripe event for testing.
func buildWebhookEvent(eventType string, eventID string, dataObject interface{}) []byte {
	objBytes, _ := json.Marshal(dataObject)
	event := map[string]interface{}{
		"id":      eventID,
		"type":    eventType,
		"created": time.Now().Unix(),
		"data": map[string]interface{}{
			"object": json.RawMessage(objBytes),
		},
	}
	b, _ := json.Marshal(event)
	return b
}

// buildCheckoutEvent creates a checkout.session.completed event with an
// expanded subscription carrying the period end.
func buildCheckoutEvent(email, name, priceID string, periodEnd int64) []byte {
	obj := map[string]interface{}{
		"customer_details": map[string]string{
			"email": email,
			"name":  name,
		},
		"line_items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"price": map[string]string{"id": priceID}},
			},
		},
		"subscription": map[string]interface{}{
			"current_period_end": periodEnd,
		},
	}
	return buildWebhookEvent(types.EventCheckoutCompleted, "evt_checkout_1", obj)
}

// buildScheduleEvent creates a subscription_schedule.created event with an
// expanded customer and one phase.
func buildScheduleEvent(email, name, priceID string, endDate, canceledAt int64) []byte {
	obj := map[string]interface{}{
		"customer": map[string]string{
			"email": email,
			"name":  name,
		},
		"canceled_at": canceledAt,
		"phases": []map[string]interface{}{
			{
				"end_date": endDate,
				"items": []map[string]interface{}{
					{"price": priceID},
				},
			},
		},
	}
	return buildWebhookEvent(types.EventScheduleCreated, "evt_schedule_1", obj)
}

// newTestHandler creates a ProvisionWebhookHandler with mock dependencies and
// a single-entry plan table.
func newTestHandler(verifier external.WebhookVerifier, provisioner *mockProvisioner) *ProvisionWebhookHandler {
	plans := billing.NewStaticPlanResolver(map[string]string{
		testPlanPrice: testPlanFeature,
	})
	return NewProvisionWebhookHandler(
		verifier,
		provisioner,
		plans,
		"whsec_test_secret",
		nil, // Use default logger
	)
}

// doProvisionRequest performs an HTTP request to the webhook handler.
func doProvisionRequest(handler *ProvisionWebhookHandler, body []byte, sigHeader string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe/provision", bytes.NewReader(body))
	if sigHeader != "" {
		req.Header.Set("Stripe-Signature", sigHeader)
	}
	rr := httptest.NewRecorder()
	handler.Handle(rr, req)
	return rr
}

// decodeAck decodes the {received, error} acknowledgment body.
func decodeAck(t *testing.T, rr *httptest.ResponseRecorder) webhookAck {
	t.Helper()
	var ack webhookAck
	if err := json.Unmarshal(rr.Body.Bytes(), &ack); err != nil {
		t.Fatalf("failed to decode ack body %q: %v", rr.Body.String(), err)
	}
	return ack
}

// decodeErrorCode extracts error.code from the error response envelope.
func decodeErrorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var errResp map[string]map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &errResp); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	code, _ := errResp["error"]["code"].(string)
	return code
}

// ---------------------------------------------------------------------------
// Tests: Signature Verification
// ---------------------------------------------------------------------------

func TestProvisionWebhook_MissingSignature(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	body := buildCheckoutEvent("alice@example.com", "Alice", testPlanPrice, time.Now().Unix())
	rr := doProvisionRequest(handler, body, "")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != string(types.ErrCodeWebhookSignatureMissing) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeWebhookSignatureMissing, code)
	}
	if len(provisioner.calls) != 0 {
		t.Errorf("expected no provisioning calls, got %d", len(provisioner.calls))
	}
}

func TestProvisionWebhook_InvalidSignature(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{shouldFail: true}, provisioner)

	body := buildCheckoutEvent("alice@example.com", "Alice", testPlanPrice, time.Now().Unix())
	rr := doProvisionRequest(handler, body, "t=12345,v1=bad_signature")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != string(types.ErrCodeWebhookSignatureInvalid) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeWebhookSignatureInvalid, code)
	}
	if len(provisioner.calls) != 0 {
		t.Errorf("expected no provisioning calls, got %d", len(provisioner.calls))
	}
}

// TestProvisionWebhook_RealSignature exercises the handler with the real
// Stripe verifier and a signature generated over the exact raw bytes.
func TestProvisionWebhook_RealSignature(t *testing.T) {
	secret := "whsec_test_secret"
	provisioner := &mockProvisioner{}
	plans := billing.NewStaticPlanResolver(map[string]string{testPlanPrice: testPlanFeature})
	handler := NewProvisionWebhookHandler(&external.StripeVerifier{}, provisioner, plans, secret, nil)

	body := buildCheckoutEvent("alice@example.com", "Alice", testPlanPrice, time.Now().Unix())
	sp := stripe.GenerateTestSignedPayload(&stripe.UnsignedPayload{
		Payload: body,
		Secret:  secret,
	})

	rr := doProvisionRequest(handler, body, sp.Header)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d; body: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	if len(provisioner.calls) != 1 {
		t.Fatalf("expected 1 provisioning call, got %d", len(provisioner.calls))
	}

	// Same secret, different bytes: must be rejected before any side effect.
	tampered := bytes.Replace(body, []byte("alice@example.com"), []byte("mallory@evil.com"), 1)
	rr = doProvisionRequest(handler, tampered, sp.Header)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d for tampered body, got %d", http.StatusBadRequest, rr.Code)
	}
	if len(provisioner.calls) != 1 {
		t.Errorf("expected no additional provisioning calls, got %d", len(provisioner.calls))
	}
}

func TestProvisionWebhook_InvalidJSON(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	rr := doProvisionRequest(handler, []byte("{not json"), "t=12345,v1=valid")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != string(types.ErrCodeWebhookPayloadInvalidJSON) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeWebhookPayloadInvalidJSON, code)
	}
}

func TestProvisionWebhook_OversizedBody(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	body := bytes.Repeat([]byte("a"), maxWebhookBodySize+1)
	rr := doProvisionRequest(handler, body, "t=12345,v1=valid")

	if rr.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
	if code := decodeErrorCode(t, rr); code != string(types.ErrCodeWebhookBodyUnreadable) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeWebhookBodyUnreadable, code)
	}
}

// ---------------------------------------------------------------------------
// Tests: Checkout Session Events
// ---------------------------------------------------------------------------

func TestProvisionWebhook_CheckoutCompleted(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	periodEnd := time.Now().AddDate(0, 1, 0).Unix()
	body := buildCheckoutEvent("alice@example.com", "Alice Smith", testPlanPrice, periodEnd)
	rr := doProvisionRequest(handler, body, "t=12345,v1=valid")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d; body: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	ack := decodeAck(t, rr)
	if !ack.Received || ack.Error != "" {
		t.Errorf("expected clean ack, got %+v", ack)
	}

	if len(provisioner.calls) != 1 {
		t.Fatalf("expected 1 provisioning call, got %d", len(provisioner.calls))
	}
	call := provisioner.calls[0]
	if call.Req.Email != "alice@example.com" {
		t.Errorf("expected email %q, got %q", "alice@example.com", call.Req.Email)
	}
	if call.Req.DisplayName != "Alice Smith" {
		t.Errorf("expected display name %q, got %q", "Alice Smith", call.Req.DisplayName)
	}
	if call.Req.PriceID != testPlanPrice {
		t.Errorf("expected price %q, got %q", testPlanPrice, call.Req.PriceID)
	}
	if call.FeatureID != testPlanFeature {
		t.Errorf("expected feature %q, got %q", testPlanFeature, call.FeatureID)
	}
	expectedExpiry := time.Unix(periodEnd, 0).UTC()
	if !call.Req.ExpiresAt.Equal(expectedExpiry) {
		t.Errorf("expected expiry %v, got %v", expectedExpiry, call.Req.ExpiresAt)
	}
}

func TestProvisionWebhook_CheckoutMissingName(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	body := buildCheckoutEvent("bob@example.com", "", testPlanPrice, time.Now().Unix())
	rr := doProvisionRequest(handler, body, "t=12345,v1=valid")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(provisioner.calls) != 1 {
		t.Fatalf("expected 1 provisioning call, got %d", len(provisioner.calls))
	}
	if got := provisioner.calls[0].Req.DisplayName; got != types.DefaultDisplayName {
		t.Errorf("expected default display name %q, got %q", types.DefaultDisplayName, got)
	}
}

func TestProvisionWebhook_CheckoutMissingEmail(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	body := buildCheckoutEvent("", "Alice", testPlanPrice, time.Now().Unix())
	rr := doProvisionRequest(handler, body, "t=12345,v1=valid")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	ack := decodeAck(t, rr)
	if !ack.Received {
		t.Error("expected received=true")
	}
	if ack.Error == "" {
		t.Error("expected an error reason in the acknowledgment")
	}
	if len(provisioner.calls) != 0 {
		t.Errorf("expected no provisioning calls, got %d", len(provisioner.calls))
	}
}

func TestProvisionWebhook_CheckoutMissingLineItems(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	obj := map[string]interface{}{
		"customer_details": map[string]string{"email": "alice@example.com"},
		"line_items":       map[string]interface{}{"data": []interface{}{}},
		"subscription":     map[string]interface{}{"current_period_end": time.Now().Unix()},
	}
	body := buildWebhookEvent(types.EventCheckoutCompleted, "evt_no_items", obj)
	rr := doProvisionRequest(handler, body, "t=12345,v1=valid")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	ack := decodeAck(t, rr)
	if !ack.Received || ack.Error == "" {
		t.Errorf("expected ack with error reason, got %+v", ack)
	}
	if len(provisioner.calls) != 0 {
		t.Errorf("expected no provisioning calls, got %d", len(provisioner.calls))
	}
}

func TestProvisionWebhook_CheckoutMissingSubscription(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	obj := map[string]interface{}{
		"customer_details": map[string]string{"email": "alice@example.com"},
		"line_items": map[string]interface{}{
			"data": []map[string]interface{}{
				{"price": map[string]string{"id": testPlanPrice}},
			},
		},
		// No expanded subscription: no expiry source.
	}
	body := buildWebhookEvent(types.EventCheckoutCompleted, "evt_no_sub", obj)
	rr := doProvisionRequest(handler, body, "t=12345,v1=valid")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if ack := decodeAck(t, rr); !ack.Received || ack.Error == "" {
		t.Errorf("expected ack with error reason, got %+v", ack)
	}
	if len(provisioner.calls) != 0 {
		t.Errorf("expected no provisioning calls, got %d", len(provisioner.calls))
	}
}

// ---------------------------------------------------------------------------
// Tests: Subscription Schedule Events
// ---------------------------------------------------------------------------

func TestProvisionWebhook_ScheduleCreated(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	endDate := time.Now().AddDate(1, 0, 0).Unix()
	body := buildScheduleEvent("carol@example.com", "Carol", testPlanPrice, endDate, 0)
	rr := doProvisionRequest(handler, body, "t=12345,v1=valid")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d; body: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	if len(provisioner.calls) != 1 {
		t.Fatalf("expected 1 provisioning call, got %d", len(provisioner.calls))
	}
	call := provisioner.calls[0]
	if call.Req.Email != "carol@example.com" {
		t.Errorf("expected email %q, got %q", "carol@example.com", call.Req.Email)
	}
	expectedExpiry := time.Unix(endDate, 0).UTC()
	if !call.Req.ExpiresAt.Equal(expectedExpiry) {
		t.Errorf("expected expiry %v, got %v", expectedExpiry, call.Req.ExpiresAt)
	}
}

func TestProvisionWebhook_ScheduleCanceledAtWins(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	endDate := time.Now().AddDate(1, 0, 0).Unix()
	canceledAt := time.Now().AddDate(0, 0, 7).Unix()
	body := buildScheduleEvent("carol@example.com", "Carol", testPlanPrice, endDate, canceledAt)
	rr := doProvisionRequest(handler, body, "t=12345,v1=valid")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(provisioner.calls) != 1 {
		t.Fatalf("expected 1 provisioning call, got %d", len(provisioner.calls))
	}
	expectedExpiry := time.Unix(canceledAt, 0).UTC()
	if got := provisioner.calls[0].Req.ExpiresAt; !got.Equal(expectedExpiry) {
		t.Errorf("expected cancellation expiry %v, got %v", expectedExpiry, got)
	}
}

func TestProvisionWebhook_ScheduleMissingPhases(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	obj := map[string]interface{}{
		"customer": map[string]string{"email": "carol@example.com"},
		"phases":   []interface{}{},
	}
	body := buildWebhookEvent(types.EventScheduleCreated, "evt_no_phases", obj)
	rr := doProvisionRequest(handler, body, "t=12345,v1=valid")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if ack := decodeAck(t, rr); !ack.Received || ack.Error == "" {
		t.Errorf("expected ack with error reason, got %+v", ack)
	}
	if len(provisioner.calls) != 0 {
		t.Errorf("expected no provisioning calls, got %d", len(provisioner.calls))
	}
}

// ---------------------------------------------------------------------------
// Tests: Event Routing and Mapping
// ---------------------------------------------------------------------------

func TestProvisionWebhook_UnsupportedEventType(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	body := buildWebhookEvent("invoice.paid", "evt_other", map[string]interface{}{})
	rr := doProvisionRequest(handler, body, "t=12345,v1=valid")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	// Unsupported types are ignored silently: clean ack, no error field.
	ack := decodeAck(t, rr)
	if !ack.Received || ack.Error != "" {
		t.Errorf("expected clean ack for unsupported type, got %+v", ack)
	}
	if len(provisioner.calls) != 0 {
		t.Errorf("expected no provisioning calls, got %d", len(provisioner.calls))
	}
}

func TestProvisionWebhook_UnmappedPrice(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	body := buildCheckoutEvent("alice@example.com", "Alice", "price_not_in_table", time.Now().Unix())
	rr := doProvisionRequest(handler, body, "t=12345,v1=valid")

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	ack := decodeAck(t, rr)
	if !ack.Received {
		t.Error("expected received=true")
	}
	if ack.Error != unmappedPriceMessage {
		t.Errorf("expected error %q, got %q", unmappedPriceMessage, ack.Error)
	}
	if len(provisioner.calls) != 0 {
		t.Errorf("expected no provisioning calls for unmapped price, got %d", len(provisioner.calls))
	}
}

func TestProvisionWebhook_ProvisioningFailure(t *testing.T) {
	provisioner := &mockProvisioner{
		err: types.NewAppError(
			types.ErrCodeUpstreamIdentityFailed,
			"identity provider request failed",
			errors.New("502 from upstream"),
		),
	}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	body := buildCheckoutEvent("alice@example.com", "Alice", testPlanPrice, time.Now().Unix())
	rr := doProvisionRequest(handler, body, "t=12345,v1=valid")

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d; body: %s", http.StatusInternalServerError, rr.Code, rr.Body.String())
	}
	if code := decodeErrorCode(t, rr); code != string(types.ErrCodeUpstreamIdentityFailed) {
		t.Errorf("expected error code %q, got %q", types.ErrCodeUpstreamIdentityFailed, code)
	}
}

// ---------------------------------------------------------------------------
// Tests: Routing
// ---------------------------------------------------------------------------

func TestProvisionWebhook_RegisterRoutes(t *testing.T) {
	provisioner := &mockProvisioner{}
	handler := newTestHandler(&mockWebhookVerifier{}, provisioner)

	router := chi.NewRouter()
	handler.RegisterRoutes(router)

	body := buildCheckoutEvent("alice@example.com", "Alice", testPlanPrice, time.Now().Unix())
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe/provision", bytes.NewReader(body))
	req.Header.Set("Stripe-Signature", "t=12345,v1=valid")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if len(provisioner.calls) != 1 {
		t.Errorf("expected 1 provisioning call, got %d", len(provisioner.calls))
	}
}
