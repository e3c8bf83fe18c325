package billing

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// EventKind is the closed set of provider event types the ingestor dispatches on
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionCreated EventKind = "subscription_created"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventPaymentSucceeded    EventKind = "payment_succeeded"
	EventPaymentFailed       EventKind = "payment_failed"
	EventChargeRefunded      EventKind = "charge_refunded"
	EventTrialWillEnd        EventKind = "trial_will_end"
	EventUnknown             EventKind = "unknown"
)

// ProviderEvent is a verified provider event before any handler runs
type ProviderEvent struct {
	ID      string
	Type    string
	Kind    EventKind
	Created time.Time
	Data    json.RawMessage
	Payload []byte
}

// ProviderSubscription is the provider's view of a subscription
type ProviderSubscription struct {
	ID                 string
	CustomerID         string
	Status             SubscriptionStatus
	RawStatus          string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	TrialEnd           *time.Time
	Metadata           map[string]string
}

// ProviderInvoice is the provider's view of an invoice payment attempt
type ProviderInvoice struct {
	ID             string
	PaymentID      string
	CustomerID     string
	SubscriptionID string
	Amount         decimal.Decimal
	Currency       string
	FailureReason  string
	PeriodEnd      *time.Time
	Created        time.Time
}

// ProviderCheckout is a completed checkout session
type ProviderCheckout struct {
	ID                string
	CustomerID        string
	SubscriptionID    string
	ClientReferenceID string
	Metadata          map[string]string
}

// ProviderCharge is a charge, used for refunds
type ProviderCharge struct {
	ID             string
	PaymentID      string
	InvoiceID      string
	CustomerID     string
	AmountRefunded decimal.Decimal
	Currency       string
	Refunded       bool
}

// EventObject holds the decoded object of an event; exactly one field is set
type EventObject struct {
	Subscription *ProviderSubscription
	Invoice      *ProviderInvoice
	Checkout     *ProviderCheckout
	Charge       *ProviderCharge
}

// ReceiveResult is returned to the webhook caller
type ReceiveResult struct {
	Received        bool          `json:"received"`
	EventID         string        `json:"event_id,omitempty"`
	ProviderEventID string        `json:"provider_event_id"`
	Status          WebhookStatus `json:"status"`
	Duplicate       bool          `json:"duplicate"`
}

// RenewalNotice is sent ahead of a period end
type RenewalNotice struct {
	AccountID         string
	Email             string
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
}

// TrialEndingNotice is sent when the provider announces a trial end
type TrialEndingNotice struct {
	AccountID string
	Email     string
	TrialEnd  time.Time
}
