package billing

import (
	"context"
	"time"
)

// SubscriptionRepository handles subscription data operations
type SubscriptionRepository interface {
	// GetByProviderID retrieves a subscription by the provider's subscription ID
	GetByProviderID(ctx context.Context, providerSubscriptionID string) (Subscription, error)

	// GetLatestByAccountID retrieves the most recently updated subscription of an account
	GetLatestByAccountID(ctx context.Context, accountID string) (Subscription, error)

	// GetLatestByCustomerID retrieves the most recently updated subscription of a provider customer
	GetLatestByCustomerID(ctx context.Context, providerCustomerID string) (Subscription, error)

	// Upsert creates or updates a subscription keyed by provider subscription ID
	Upsert(ctx context.Context, subscription Subscription) (Subscription, error)

	// ListStale retrieves subscriptions in the given statuses not synced since the cutoff
	ListStale(ctx context.Context, syncedBefore time.Time, statuses []SubscriptionStatus, limit int) ([]Subscription, error)

	// MarkSynced records that a subscription was compared against the provider
	MarkSynced(ctx context.Context, id string, at time.Time) error
}

// PaymentRepository handles payment record data operations
type PaymentRepository interface {
	// Upsert creates or updates a payment keyed by provider payment ID
	Upsert(ctx context.Context, payment PaymentRecord) (PaymentRecord, error)

	// GetByProviderID retrieves a payment by the provider's payment ID
	GetByProviderID(ctx context.Context, providerPaymentID string) (PaymentRecord, error)

	// ListByAccountID retrieves the most recent payments of an account
	ListByAccountID(ctx context.Context, accountID string, limit int) ([]PaymentRecord, error)
}

// WebhookEventRepository handles webhook event data operations
type WebhookEventRepository interface {
	// CreateIfNotExists inserts the event unless its provider event ID is already
	// recorded. Returns the stored event and whether it was created by this call.
	CreateIfNotExists(ctx context.Context, event WebhookEvent) (WebhookEvent, bool, error)

	// GetByID retrieves an event by its ID
	GetByID(ctx context.Context, id string) (WebhookEvent, error)

	// GetByProviderEventID retrieves an event by the provider's event ID
	GetByProviderEventID(ctx context.Context, providerEventID string) (WebhookEvent, error)

	// Update persists status, attempt and result fields
	Update(ctx context.Context, event WebhookEvent) error

	// ListByStatus retrieves events in a status, oldest first
	ListByStatus(ctx context.Context, status WebhookStatus, limit int) ([]WebhookEvent, error)

	// DeleteTerminalBefore deletes up to limit terminal events created before the cutoff
	DeleteTerminalBefore(ctx context.Context, before time.Time, limit int) (int64, error)
}
