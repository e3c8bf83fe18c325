package billing

import "context"

// Provider is the billing provider client
type Provider interface {
	// VerifyWebhookSignature checks the signature header against the payload
	// and returns the verified event
	VerifyWebhookSignature(payload []byte, signature string) (ProviderEvent, error)

	// ParseEvent parses a previously verified payload, used for replay
	ParseEvent(payload []byte) (ProviderEvent, error)

	// DecodeEvent decodes the event object for a recognized event kind
	DecodeEvent(event ProviderEvent) (EventObject, error)

	// FetchSubscription retrieves the provider's current view of a subscription
	FetchSubscription(ctx context.Context, providerSubscriptionID string) (ProviderSubscription, error)
}

// Notifier delivers billing notices to account holders
type Notifier interface {
	SendRenewalReminder(ctx context.Context, notice RenewalNotice) error
	SendTrialEnding(ctx context.Context, notice TrialEndingNotice) error
}

// WebhookIngestor verifies, deduplicates and applies provider events
type WebhookIngestor interface {
	// Receive verifies the payload, records the event and processes it.
	// Transient handler failures continue retrying after Receive returns.
	Receive(ctx context.Context, payload []byte, signature string) (ReceiveResult, error)

	// Replay re-runs a failed event with a fresh attempt budget
	Replay(ctx context.Context, eventID string) (WebhookEvent, error)

	// GetEvent retrieves a recorded event
	GetEvent(ctx context.Context, eventID string) (WebhookEvent, error)

	// ListFailed lists events that exhausted their attempts
	ListFailed(ctx context.Context, limit int) ([]WebhookEvent, error)

	// ResumePending runs one attempt for retrying events whose next attempt is
	// due and which no background retry owns, e.g. after a restart
	ResumePending(ctx context.Context) (int, error)

	// Shutdown waits for background retries to finish or ctx to expire
	Shutdown(ctx context.Context) error
}
