package stripe

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/shopspring/decimal"
)

// Minimal wire shapes. Expandable references arrive as plain ids in webhook
// payloads, so they are decoded as strings.

type subscriptionObject struct {
	ID                string            `json:"id"`
	Customer          string            `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CanceledAt        int64             `json:"canceled_at"`
	TrialEnd          int64             `json:"trial_end"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type invoiceObject struct {
	ID            string `json:"id"`
	Customer      string `json:"customer"`
	Subscription  string `json:"subscription"`
	PaymentIntent string `json:"payment_intent"`
	AmountPaid    int64  `json:"amount_paid"`
	AmountDue     int64  `json:"amount_due"`
	Currency      string `json:"currency"`
	AttemptCount  int64  `json:"attempt_count"`
	PeriodEnd     int64  `json:"period_end"`
	Created       int64  `json:"created"`
	Parent        struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				End int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

type checkoutObject struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	Customer          string            `json:"customer"`
	Subscription      string            `json:"subscription"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
}

type chargeObject struct {
	ID             string `json:"id"`
	PaymentIntent  string `json:"payment_intent"`
	Invoice        string `json:"invoice"`
	Customer       string `json:"customer"`
	AmountRefunded int64  `json:"amount_refunded"`
	Currency       string `json:"currency"`
	Refunded       bool   `json:"refunded"`
	FailureMessage string `json:"failure_message"`
}

// DecodeEvent decodes the event object for the event's kind
func (c *Client) DecodeEvent(event billing.ProviderEvent) (billing.EventObject, error) {
	switch event.Kind {
	case billing.EventSubscriptionCreated, billing.EventSubscriptionUpdated,
		billing.EventSubscriptionDeleted, billing.EventTrialWillEnd:
		var obj subscriptionObject
		if err := decode(event.Data, &obj, "subscription"); err != nil {
			return billing.EventObject{}, err
		}
		if obj.ID == "" {
			return billing.EventObject{}, fmt.Errorf("%w: subscription id missing", billing.ErrMalformedEvent)
		}
		sub := obj.toProvider()
		return billing.EventObject{Subscription: &sub}, nil

	case billing.EventPaymentSucceeded, billing.EventPaymentFailed:
		var obj invoiceObject
		if err := decode(event.Data, &obj, "invoice"); err != nil {
			return billing.EventObject{}, err
		}
		if obj.ID == "" {
			return billing.EventObject{}, fmt.Errorf("%w: invoice id missing", billing.ErrMalformedEvent)
		}
		inv := obj.toProvider(event.Kind)
		return billing.EventObject{Invoice: &inv}, nil

	case billing.EventCheckoutCompleted:
		var obj checkoutObject
		if err := decode(event.Data, &obj, "checkout.session"); err != nil {
			return billing.EventObject{}, err
		}
		if obj.ID == "" {
			return billing.EventObject{}, fmt.Errorf("%w: checkout session id missing", billing.ErrMalformedEvent)
		}
		return billing.EventObject{Checkout: &billing.ProviderCheckout{
			ID:                obj.ID,
			CustomerID:        obj.Customer,
			SubscriptionID:    obj.Subscription,
			ClientReferenceID: obj.ClientReferenceID,
			Metadata:          obj.Metadata,
		}}, nil

	case billing.EventChargeRefunded:
		var obj chargeObject
		if err := decode(event.Data, &obj, "charge"); err != nil {
			return billing.EventObject{}, err
		}
		if obj.ID == "" {
			return billing.EventObject{}, fmt.Errorf("%w: charge id missing", billing.ErrMalformedEvent)
		}
		paymentID := obj.PaymentIntent
		if paymentID == "" {
			paymentID = obj.ID
		}
		return billing.EventObject{Charge: &billing.ProviderCharge{
			ID:             obj.ID,
			PaymentID:      paymentID,
			InvoiceID:      obj.Invoice,
			CustomerID:     obj.Customer,
			AmountRefunded: MinorUnits(obj.AmountRefunded, obj.Currency),
			Currency:       strings.ToUpper(obj.Currency),
			Refunded:       obj.Refunded,
		}}, nil

	default:
		return billing.EventObject{}, fmt.Errorf("%w: %s", billing.ErrUnsupportedEvent, event.Type)
	}
}

func decode(data json.RawMessage, v any, what string) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty %s object", billing.ErrMalformedEvent, what)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", billing.ErrMalformedEvent, what, err)
	}
	return nil
}

func (o subscriptionObject) toProvider() billing.ProviderSubscription {
	sub := billing.ProviderSubscription{
		ID:                o.ID,
		CustomerID:        o.Customer,
		Status:            MapSubscriptionStatus(o.Status),
		RawStatus:         o.Status,
		CancelAtPeriodEnd: o.CancelAtPeriodEnd,
		CanceledAt:        unixPtr(o.CanceledAt),
		TrialEnd:          unixPtr(o.TrialEnd),
		Metadata:          o.Metadata,
	}
	if len(o.Items.Data) > 0 {
		sub.CurrentPeriodStart = unixPtr(o.Items.Data[0].CurrentPeriodStart)
		sub.CurrentPeriodEnd = unixPtr(o.Items.Data[0].CurrentPeriodEnd)
	}
	return sub
}

func (o invoiceObject) toProvider(kind billing.EventKind) billing.ProviderInvoice {
	subscriptionID := o.Subscription
	if subscriptionID == "" {
		subscriptionID = o.Parent.SubscriptionDetails.Subscription
	}
	paymentID := o.PaymentIntent
	if paymentID == "" {
		paymentID = o.ID
	}
	amount := o.AmountPaid
	if kind == billing.EventPaymentFailed || amount == 0 {
		amount = o.AmountDue
	}

	inv := billing.ProviderInvoice{
		ID:             o.ID,
		PaymentID:      paymentID,
		CustomerID:     o.Customer,
		SubscriptionID: subscriptionID,
		Amount:         MinorUnits(amount, o.Currency),
		Currency:       strings.ToUpper(o.Currency),
	}
	if t := unixPtr(o.Created); t != nil {
		inv.Created = *t
	}
	periodEnd := o.PeriodEnd
	if len(o.Lines.Data) > 0 && o.Lines.Data[0].Period.End > 0 {
		periodEnd = o.Lines.Data[0].Period.End
	}
	inv.PeriodEnd = unixPtr(periodEnd)

	if kind == billing.EventPaymentFailed {
		switch {
		case o.LastFinalizationError != nil && o.LastFinalizationError.Message != "":
			inv.FailureReason = o.LastFinalizationError.Message
		default:
			inv.FailureReason = fmt.Sprintf("payment attempt %d failed", o.AttemptCount)
		}
	}
	return inv
}

// zeroDecimal lists currencies Stripe bills in whole units
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true, "kmf": true,
	"krw": true, "mga": true, "pyg": true, "rwf": true, "ugx": true, "vnd": true,
	"vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// MinorUnits converts a Stripe amount in the currency's smallest unit to a decimal
func MinorUnits(amount int64, currency string) decimal.Decimal {
	if zeroDecimal[strings.ToLower(currency)] {
		return decimal.NewFromInt(amount)
	}
	return decimal.New(amount, -2)
}
