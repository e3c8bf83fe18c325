package billing

import "errors"

var (
	// Webhook verification errors
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnsupportedEvent = errors.New("unsupported event")
	ErrPayloadTooLarge  = errors.New("webhook payload too large")

	// Webhook processing errors
	ErrWebhookEventNotFound = errors.New("webhook event not found")
	ErrEventNotReplayable   = errors.New("only failed webhook events can be replayed")
	ErrInvalidTransition    = errors.New("invalid webhook event status transition")
	ErrMalformedEvent       = errors.New("malformed event payload")
	ErrAccountUnresolved    = errors.New("event does not reference a known account")

	// Subscription errors
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// Payment errors
	ErrPaymentNotFound = errors.New("payment not found")

	// Provider errors
	ErrProviderUnavailable = errors.New("billing provider unavailable")
)
