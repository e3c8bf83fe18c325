package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/config"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// Client implements billing.Provider on top of the official Stripe SDK
type Client struct {
	webhookSecret string
	tolerance     time.Duration
	subscriptions *subscription.Client
}

// NewClient creates a Stripe client. A zero tolerance uses the SDK default.
func NewClient(cfg config.StripeConfig) *Client {
	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Client{
		webhookSecret: cfg.WebhookSecret,
		tolerance:     tolerance,
		subscriptions: &subscription.Client{
			B:   stripelib.GetBackend(stripelib.APIBackend),
			Key: cfg.SecretKey,
		},
	}
}

var _ billing.Provider = (*Client)(nil)

// VerifyWebhookSignature checks the Stripe-Signature header and timestamp
// tolerance, then parses the event envelope
func (c *Client) VerifyWebhookSignature(payload []byte, signature string) (billing.ProviderEvent, error) {
	if strings.TrimSpace(signature) == "" {
		return billing.ProviderEvent{}, billing.ErrMissingSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signature, c.webhookSecret, c.tolerance); err != nil {
		return billing.ProviderEvent{}, fmt.Errorf("%w: %v", billing.ErrInvalidSignature, err)
	}

	return c.ParseEvent(payload)
}

// ParseEvent parses a Stripe event envelope without verifying a signature
func (c *Client) ParseEvent(payload []byte) (billing.ProviderEvent, error) {
	var event stripelib.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return billing.ProviderEvent{}, fmt.Errorf("%w: %v", billing.ErrUnsupportedEvent, err)
	}
	if event.ID == "" || event.Type == "" || event.Data == nil {
		return billing.ProviderEvent{}, fmt.Errorf("%w: event id, type and data are required", billing.ErrUnsupportedEvent)
	}

	return billing.ProviderEvent{
		ID:      event.ID,
		Type:    string(event.Type),
		Kind:    KindOf(string(event.Type)),
		Created: time.Unix(event.Created, 0).UTC(),
		Data:    event.Data.Raw,
		Payload: payload,
	}, nil
}

// KindOf maps a Stripe event type onto the closed set of kinds the ingestor handles
func KindOf(eventType string) billing.EventKind {
	switch eventType {
	case "checkout.session.completed":
		return billing.EventCheckoutCompleted
	case "customer.subscription.created":
		return billing.EventSubscriptionCreated
	case "customer.subscription.updated":
		return billing.EventSubscriptionUpdated
	case "customer.subscription.deleted":
		return billing.EventSubscriptionDeleted
	case "customer.subscription.trial_will_end":
		return billing.EventTrialWillEnd
	case "invoice.payment_succeeded", "invoice.paid":
		return billing.EventPaymentSucceeded
	case "invoice.payment_failed":
		return billing.EventPaymentFailed
	case "charge.refunded":
		return billing.EventChargeRefunded
	default:
		return billing.EventUnknown
	}
}

// FetchSubscription retrieves the current subscription from Stripe. A missing
// subscription maps to billing.ErrSubscriptionNotFound; transport and 5xx
// failures map to billing.ErrProviderUnavailable.
func (c *Client) FetchSubscription(ctx context.Context, providerSubscriptionID string) (billing.ProviderSubscription, error) {
	if err := ctx.Err(); err != nil {
		return billing.ProviderSubscription{}, err
	}
	if c.subscriptions.Key == "" {
		return billing.ProviderSubscription{}, fmt.Errorf("%w: stripe secret key not configured", billing.ErrProviderUnavailable)
	}

	sub, err := c.subscriptions.Get(providerSubscriptionID, nil)
	if err != nil {
		return billing.ProviderSubscription{}, translateError(providerSubscriptionID, err)
	}
	return fromSDKSubscription(sub), nil
}

func translateError(id string, err error) error {
	var serr *stripelib.Error
	if errors.As(err, &serr) {
		switch {
		case serr.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, id)
		case serr.HTTPStatusCode == http.StatusTooManyRequests || serr.HTTPStatusCode >= 500:
			return fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
		default:
			return fmt.Errorf("fetch subscription %s: %w", id, err)
		}
	}
	return fmt.Errorf("%w: %v", billing.ErrProviderUnavailable, err)
}

func fromSDKSubscription(sub *stripelib.Subscription) billing.ProviderSubscription {
	out := billing.ProviderSubscription{
		ID:                sub.ID,
		Status:            MapSubscriptionStatus(string(sub.Status)),
		RawStatus:         string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(sub.CanceledAt),
		TrialEnd:          unixPtr(sub.TrialEnd),
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil && len(sub.Items.Data) > 0 && sub.Items.Data[0] != nil {
		item := sub.Items.Data[0]
		out.CurrentPeriodStart = unixPtr(item.CurrentPeriodStart)
		out.CurrentPeriodEnd = unixPtr(item.CurrentPeriodEnd)
	}
	return out
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
