package webhook

import (
	"context"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
)

// Disabled is the ingestor used when no billing provider is configured. It
// rejects deliveries and holds no events.
type Disabled struct{}

var _ billing.WebhookIngestor = Disabled{}

func (Disabled) Receive(ctx context.Context, payload []byte, signature string) (billing.ReceiveResult, error) {
	return billing.ReceiveResult{}, billing.ErrProviderUnavailable
}

func (Disabled) Replay(ctx context.Context, eventID string) (billing.WebhookEvent, error) {
	return billing.WebhookEvent{}, billing.ErrProviderUnavailable
}

func (Disabled) GetEvent(ctx context.Context, eventID string) (billing.WebhookEvent, error) {
	return billing.WebhookEvent{}, billing.ErrWebhookEventNotFound
}

func (Disabled) ListFailed(ctx context.Context, limit int) ([]billing.WebhookEvent, error) {
	return []billing.WebhookEvent{}, nil
}

func (Disabled) ResumePending(ctx context.Context) (int, error) {
	return 0, nil
}

func (Disabled) Shutdown(ctx context.Context) error {
	return nil
}
