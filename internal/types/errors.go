package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Webhook verification (400). These stop processing before any side effect.
	ErrCodeWebhookBodyUnreadable     ErrorCode = "webhook_body_unreadable"
	ErrCodeWebhookSignatureMissing   ErrorCode = "webhook_signature_missing"
	ErrCodeWebhookSignatureInvalid   ErrorCode = "webhook_signature_invalid"
	ErrCodeWebhookPayloadInvalidJSON ErrorCode = "webhook_payload_invalid_json"

	// Event data gaps. Never surfaced as an error status: the webhook is
	// acknowledged with 200 because redelivery cannot fix malformed data.
	ErrCodeEventUnsupportedType ErrorCode = "event_unsupported_type"
	ErrCodeEventMissingEmail    ErrorCode = "event_missing_email"
	ErrCodeEventMissingItems    ErrorCode = "event_missing_line_items"
	ErrCodeEventMissingPhases   ErrorCode = "event_missing_phases"
	ErrCodeEventMissingExpiry   ErrorCode = "event_missing_expiry"

	// Configuration gaps. Acknowledged like data gaps, logged for operators.
	ErrCodePlanMappingMissing ErrorCode = "plan_mapping_missing"

	// Vendor auth + identity upstream (500). Fatal and retryable: the sender
	// redelivers on any 5xx, which is the intended recovery mechanism.
	ErrCodeAuthVendorFailed       ErrorCode = "auth_vendor_failed"
	ErrCodeUpstreamIdentityFailed ErrorCode = "upstream_identity_failed"
	ErrCodeUpstreamRateLimited    ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable    ErrorCode = "upstream_unavailable"

	// Internal (500)
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
//
// Upstream and vendor-auth failures map to 500 rather than 502: the webhook
// sender redelivers on any server-error status, and 500 is the documented
// contract for fatal provisioning failures.
//
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "webhook_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "event_"), s == string(ErrCodePlanMappingMissing):
		// Acknowledged gaps; handlers never pass these to the error writer,
		// but a safe mapping exists in case one leaks.
		return http.StatusOK // 200
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the service.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// Fatal reports whether the error should abort the webhook with a server
// error so the sender redelivers. Data and configuration gaps are not fatal;
// vendor auth, upstream and internal failures are.
func (e *AppError) Fatal() bool {
	s := string(e.Code)
	return strings.HasPrefix(s, "auth_") ||
		strings.HasPrefix(s, "upstream_") ||
		strings.HasPrefix(s, "internal_")
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
