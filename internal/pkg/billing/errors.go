package billing

import (
	"errors"

	"github.com/gofiber/fiber/v2"
)

var (
	// ErrInvalidSignature is returned when no configured secret verifies the delivery.
	ErrInvalidSignature = errors.New("billing: invalid webhook signature")

	// ErrNotConfigured is returned when webhook verification has no secrets.
	ErrNotConfigured = errors.New("billing: webhook secrets not configured")

	// ErrInvalidPayload is returned for bodies that cannot be decoded into an event.
	ErrInvalidPayload = errors.New("billing: invalid webhook payload")

	// ErrDuplicateEvent marks a delivery whose event id was already seen.
	ErrDuplicateEvent = errors.New("billing: duplicate event")

	// ErrFilteredEvent marks a delivery dropped by the allowlist.
	ErrFilteredEvent = errors.New("billing: event type filtered")

	// ErrUnresolvedPrice means a price could not be mapped to a plan tier.
	// Callers keep the current plan.
	ErrUnresolvedPrice = errors.New("billing: unresolved price")

	// ErrProviderAPI wraps failures talking to the payment provider.
	ErrProviderAPI = errors.New("billing: provider api error")

	// ErrStoreUnavailable means the dedup store could not be reached and
	// processing continued without replay protection.
	ErrStoreUnavailable = errors.New("billing: dedup store unavailable")

	ErrAccountNotFound      = errors.New("billing: account not found")
	ErrNoSubscription       = errors.New("billing: no subscription for customer")
	ErrInvalidDowngrade     = errors.New("billing: invalid downgrade target")
	ErrReconcileRunning     = errors.New("billing: reconciliation already running")
	ErrProviderNotAvailable = errors.New("billing: provider api not configured")
)

// HTTPStatus maps an ingestion error to the status the provider should see.
// Anything that is not a verification or configuration problem is
// acknowledged so the provider does not retry a non-transient condition.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return fiber.StatusOK
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrInvalidPayload):
		return fiber.StatusBadRequest
	case errors.Is(err, ErrNotConfigured):
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusOK
	}
}

// ErrorCode is the machine readable error string used in JSON responses.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, ErrNotConfigured):
		return "not_configured"
	case errors.Is(err, ErrAccountNotFound):
		return "account_not_found"
	case errors.Is(err, ErrNoSubscription):
		return "no_subscription"
	case errors.Is(err, ErrInvalidDowngrade):
		return "invalid_downgrade"
	case errors.Is(err, ErrReconcileRunning):
		return "reconcile_running"
	case errors.Is(err, ErrProviderNotAvailable):
		return "provider_not_configured"
	case errors.Is(err, ErrProviderAPI):
		return "provider_error"
	default:
		return "internal_error"
	}
}
