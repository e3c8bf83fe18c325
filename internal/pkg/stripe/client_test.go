package stripe

import (
	"fmt"
	"testing"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/config"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

func newTestClient() *Client {
	return NewClient(config.StripeConfig{WebhookSecret: testSecret, WebhookTolerance: 5 * time.Minute})
}

func sign(payload string, at time.Time) *webhook.SignedPayload {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    testSecret,
		Timestamp: at,
		Scheme:    "v1",
	})
}

func eventJSON(id, eventType, object string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":1735689600,"data":{"object":%s}}`, id, eventType, object)
}

func TestVerifyWebhookSignature_Valid(t *testing.T) {
	// Setup
	c := newTestClient()
	signed := sign(eventJSON("evt_1", "customer.subscription.updated", `{"id":"sub_1","status":"active"}`), time.Now())

	// Act
	event, err := c.VerifyWebhookSignature(signed.Payload, signed.Header)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, billing.EventSubscriptionUpdated, event.Kind)
	assert.JSONEq(t, `{"id":"sub_1","status":"active"}`, string(event.Data))
}

func TestVerifyWebhookSignature_Rejects(t *testing.T) {
	c := newTestClient()
	payload := eventJSON("evt_1", "invoice.payment_failed", `{"id":"in_1"}`)

	t.Run("missing signature", func(t *testing.T) {
		_, err := c.VerifyWebhookSignature([]byte(payload), "")
		assert.ErrorIs(t, err, billing.ErrMissingSignature)
	})

	t.Run("wrong secret", func(t *testing.T) {
		signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
			Payload: []byte(payload), Secret: "whsec_other", Timestamp: time.Now(), Scheme: "v1",
		})
		_, err := c.VerifyWebhookSignature(signed.Payload, signed.Header)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("tampered payload", func(t *testing.T) {
		signed := sign(payload, time.Now())
		_, err := c.VerifyWebhookSignature([]byte(eventJSON("evt_2", "invoice.payment_failed", `{"id":"in_1"}`)), signed.Header)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("timestamp outside tolerance", func(t *testing.T) {
		signed := sign(payload, time.Now().Add(-10*time.Minute))
		_, err := c.VerifyWebhookSignature(signed.Payload, signed.Header)
		assert.ErrorIs(t, err, billing.ErrInvalidSignature)
	})

	t.Run("signed but not an event", func(t *testing.T) {
		signed := sign(`not json`, time.Now())
		_, err := c.VerifyWebhookSignature(signed.Payload, signed.Header)
		assert.ErrorIs(t, err, billing.ErrUnsupportedEvent)
	})
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, billing.EventCheckoutCompleted, KindOf("checkout.session.completed"))
	assert.Equal(t, billing.EventPaymentSucceeded, KindOf("invoice.paid"))
	assert.Equal(t, billing.EventChargeRefunded, KindOf("charge.refunded"))
	assert.Equal(t, billing.EventUnknown, KindOf("customer.created"))
}

func TestMapSubscriptionStatus(t *testing.T) {
	assert.Equal(t, billing.SubscriptionStatusPastDue, MapSubscriptionStatus("unpaid"))
	assert.Equal(t, billing.SubscriptionStatusCanceled, MapSubscriptionStatus("incomplete_expired"))
	assert.Equal(t, billing.SubscriptionStatusActive, MapSubscriptionStatus("active"))
	assert.Equal(t, billing.SubscriptionStatusUnknown, MapSubscriptionStatus("paused"))
}

func TestDecodeEvent_Subscription(t *testing.T) {
	c := newTestClient()
	event := billing.ProviderEvent{
		Type: "customer.subscription.updated",
		Kind: billing.EventSubscriptionUpdated,
		Data: []byte(`{"id":"sub_1","customer":"cus_1","status":"past_due","cancel_at_period_end":true,
			"items":{"data":[{"current_period_start":1735689600,"current_period_end":1738368000}]},
			"metadata":{"account_id":"acc_1"}}`),
	}

	obj, err := c.DecodeEvent(event)

	require.NoError(t, err)
	require.NotNil(t, obj.Subscription)
	assert.Equal(t, "cus_1", obj.Subscription.CustomerID)
	assert.Equal(t, billing.SubscriptionStatusPastDue, obj.Subscription.Status)
	assert.True(t, obj.Subscription.CancelAtPeriodEnd)
	require.NotNil(t, obj.Subscription.CurrentPeriodEnd)
	assert.Equal(t, time.Unix(1738368000, 0).UTC(), *obj.Subscription.CurrentPeriodEnd)
	assert.Equal(t, "acc_1", obj.Subscription.Metadata["account_id"])
}

func TestDecodeEvent_InvoiceFailed(t *testing.T) {
	c := newTestClient()
	event := billing.ProviderEvent{
		Kind: billing.EventPaymentFailed,
		Data: []byte(`{"id":"in_1","customer":"cus_1","amount_due":1999,"amount_paid":0,"currency":"usd",
			"attempt_count":2,"parent":{"subscription_details":{"subscription":"sub_1"}}}`),
	}

	obj, err := c.DecodeEvent(event)

	require.NoError(t, err)
	require.NotNil(t, obj.Invoice)
	assert.Equal(t, "sub_1", obj.Invoice.SubscriptionID)
	assert.Equal(t, "in_1", obj.Invoice.PaymentID)
	assert.True(t, decimal.RequireFromString("19.99").Equal(obj.Invoice.Amount))
	assert.Equal(t, "USD", obj.Invoice.Currency)
	assert.Equal(t, "payment attempt 2 failed", obj.Invoice.FailureReason)
}

func TestDecodeEvent_Malformed(t *testing.T) {
	c := newTestClient()

	_, err := c.DecodeEvent(billing.ProviderEvent{Kind: billing.EventSubscriptionUpdated, Data: []byte(`{"id":`)})
	assert.ErrorIs(t, err, billing.ErrMalformedEvent)

	_, err = c.DecodeEvent(billing.ProviderEvent{Kind: billing.EventChargeRefunded, Data: []byte(`{}`)})
	assert.ErrorIs(t, err, billing.ErrMalformedEvent)

	_, err = c.DecodeEvent(billing.ProviderEvent{Kind: billing.EventUnknown, Type: "customer.created", Data: []byte(`{}`)})
	assert.ErrorIs(t, err, billing.ErrUnsupportedEvent)
}

func TestMinorUnits(t *testing.T) {
	assert.True(t, decimal.RequireFromString("10.50").Equal(MinorUnits(1050, "usd")))
	assert.True(t, decimal.NewFromInt(1050).Equal(MinorUnits(1050, "JPY")))
}
