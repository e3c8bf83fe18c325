package billing

import (
	"encoding/json"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the closed set of subscription states the service understands.
// Provider statuses that do not map onto a known state become SubscriptionStatusUnknown.
type SubscriptionStatus string

const (
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusUnknown    SubscriptionStatus = "unknown"
)

// AccountStatus converts the subscription status into the account status it implies.
// The second value is false for SubscriptionStatusUnknown.
func (s SubscriptionStatus) AccountStatus() (account.Status, bool) {
	switch s {
	case SubscriptionStatusActive:
		return account.StatusActive, true
	case SubscriptionStatusPastDue:
		return account.StatusPastDue, true
	case SubscriptionStatusCanceled:
		return account.StatusCanceled, true
	case SubscriptionStatusIncomplete:
		return account.StatusIncomplete, true
	case SubscriptionStatusTrialing:
		return account.StatusTrialing, true
	default:
		return "", false
	}
}

// GrantsPro reports whether a subscription in this status entitles the owner to PRO
func (s SubscriptionStatus) GrantsPro() bool {
	switch s {
	case SubscriptionStatusActive, SubscriptionStatusTrialing, SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}

// Subscription is the local mirror of one provider-side billing object
type Subscription struct {
	ID                     string             `json:"id"`
	AccountID              string             `json:"account_id"`
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	ProviderCustomerID     string             `json:"provider_customer_id"`
	Status                 SubscriptionStatus `json:"status"`
	Tier                   account.Tier       `json:"tier"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	CanceledAt             *time.Time         `json:"canceled_at,omitempty"`
	LastSyncedAt           *time.Time         `json:"last_synced_at,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// Entitlement derives the account fields this subscription implies
func (s Subscription) Entitlement() (account.EntitlementUpdate, bool) {
	status, ok := s.Status.AccountStatus()
	if !ok {
		return account.EntitlementUpdate{}, false
	}
	tier := account.TierFree
	if s.Status.GrantsPro() {
		tier = account.TierPro
	}
	return account.EntitlementUpdate{
		Tier:               tier,
		Status:             status,
		CurrentPeriodStart: s.CurrentPeriodStart,
		CurrentPeriodEnd:   s.CurrentPeriodEnd,
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
	}, true
}

// PaymentStatus is the state of a provider payment attempt
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

// PaymentRecord mirrors a provider payment attempt
type PaymentRecord struct {
	ID                string          `json:"id"`
	AccountID         string          `json:"account_id"`
	ProviderPaymentID string          `json:"provider_payment_id"`
	ProviderInvoiceID *string         `json:"provider_invoice_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            PaymentStatus   `json:"status"`
	FailureReason     *string         `json:"failure_reason,omitempty"`
	OccurredAt        time.Time       `json:"occurred_at"`
	CreatedAt         time.Time       `json:"created_at"`
}

// WebhookStatus is the processing state of an inbound provider event
type WebhookStatus string

const (
	WebhookStatusReceived   WebhookStatus = "received"
	WebhookStatusProcessing WebhookStatus = "processing"
	WebhookStatusProcessed  WebhookStatus = "processed"
	WebhookStatusFailed     WebhookStatus = "failed"
	WebhookStatusRetrying   WebhookStatus = "retrying"
	WebhookStatusIgnored    WebhookStatus = "ignored"
)

// IsTerminal reports whether no further processing happens from this state
func (s WebhookStatus) IsTerminal() bool {
	switch s {
	case WebhookStatusProcessed, WebhookStatusFailed, WebhookStatusIgnored:
		return true
	default:
		return false
	}
}

// CanTransitionTo enforces the forward-only event state machine.
// RETRYING -> PROCESSING is the only loop; FAILED -> RETRYING is reserved for operator replay.
func (s WebhookStatus) CanTransitionTo(next WebhookStatus) bool {
	switch s {
	case WebhookStatusReceived:
		return next == WebhookStatusProcessing || next == WebhookStatusIgnored
	case WebhookStatusProcessing:
		return next == WebhookStatusProcessed || next == WebhookStatusFailed || next == WebhookStatusRetrying
	case WebhookStatusRetrying:
		return next == WebhookStatusProcessing || next == WebhookStatusFailed
	case WebhookStatusFailed:
		return next == WebhookStatusRetrying
	default:
		return false
	}
}

// WebhookEvent is the idempotency and audit record of a provider event
type WebhookEvent struct {
	ID              string          `json:"id"`
	ProviderEventID string          `json:"provider_event_id"`
	EventType       string          `json:"event_type"`
	Status          WebhookStatus   `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	LastAttemptAt   *time.Time      `json:"last_attempt_at,omitempty"`
	NextAttemptAt   *time.Time      `json:"next_attempt_at,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	PayloadHash     string          `json:"payload_hash"`
	Result          *string         `json:"result,omitempty"`
	Error           *string         `json:"error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}
