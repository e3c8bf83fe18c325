package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/retry"
)

// dispatch runs the handler for the event kind inside the caller's
// transaction. Errors wrapped with retry.Permanent end the event FAILED;
// anything else is retried.
func (s *webhookService) dispatch(ctx context.Context, event billing.ProviderEvent) (string, error) {
	obj, err := s.provider.DecodeEvent(event)
	if err != nil {
		return "", retry.Permanent(err)
	}

	switch event.Kind {
	case billing.EventCheckoutCompleted:
		return s.handleCheckoutCompleted(ctx, *obj.Checkout)
	case billing.EventSubscriptionCreated:
		return s.handleSubscriptionCreated(ctx, *obj.Subscription)
	case billing.EventSubscriptionUpdated, billing.EventSubscriptionDeleted:
		return s.handleSubscriptionChanged(ctx, *obj.Subscription)
	case billing.EventPaymentSucceeded:
		return s.handlePaymentSucceeded(ctx, *obj.Invoice)
	case billing.EventPaymentFailed:
		return s.handlePaymentFailed(ctx, *obj.Invoice)
	case billing.EventChargeRefunded:
		return s.handleChargeRefunded(ctx, *obj.Charge)
	case billing.EventTrialWillEnd:
		return s.handleTrialWillEnd(ctx, *obj.Subscription)
	default:
		return "", retry.Permanent(fmt.Errorf("%w: %s", billing.ErrUnsupportedEvent, event.Type))
	}
}

func (s *webhookService) handleCheckoutCompleted(ctx context.Context, checkout billing.ProviderCheckout) (string, error) {
	if checkout.SubscriptionID == "" {
		return "checkout has no subscription, nothing to apply", nil
	}

	accountID, err := s.resolveCheckoutAccount(ctx, checkout)
	if err != nil {
		return "", err
	}

	ps, err := s.provider.FetchSubscription(ctx, checkout.SubscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return "", retry.Permanent(err)
		}
		return "", fmt.Errorf("fetch subscription: %w", err)
	}
	if ps.CustomerID == "" {
		ps.CustomerID = checkout.CustomerID
	}

	existing, err := s.existingSubscription(ctx, ps.ID)
	if err != nil {
		return "", err
	}
	res, err := s.applier.Apply(ctx, existing, ps, accountID)
	if err != nil {
		return "", s.classify(err)
	}
	return describe("checkout applied", res), nil
}

func (s *webhookService) handleSubscriptionCreated(ctx context.Context, ps billing.ProviderSubscription) (string, error) {
	existing, err := s.existingSubscription(ctx, ps.ID)
	if err != nil {
		return "", err
	}

	accountID := ""
	if existing != nil {
		accountID = existing.AccountID
	} else {
		accountID, err = s.resolveSubscriptionAccount(ctx, ps)
		if err != nil {
			return "", err
		}
	}

	res, err := s.applier.Apply(ctx, existing, ps, accountID)
	if err != nil {
		return "", s.classify(err)
	}
	return describe("subscription created", res), nil
}

// handleSubscriptionChanged covers updates and deletions of a subscription
// that must already be mirrored locally
func (s *webhookService) handleSubscriptionChanged(ctx context.Context, ps billing.ProviderSubscription) (string, error) {
	existing, err := s.subscriptions.GetByProviderID(ctx, ps.ID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return "", retry.Permanent(fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, ps.ID))
		}
		return "", fmt.Errorf("get subscription: %w", err)
	}

	res, err := s.applier.Apply(ctx, &existing, ps, existing.AccountID)
	if err != nil {
		return "", s.classify(err)
	}
	return describe("subscription "+string(ps.Status), res), nil
}

func (s *webhookService) handlePaymentSucceeded(ctx context.Context, inv billing.ProviderInvoice) (string, error) {
	accountID, err := s.resolveInvoiceAccount(ctx, inv)
	if err != nil {
		return "", err
	}

	payment, err := s.recordPayment(ctx, accountID, inv, billing.PaymentStatusSucceeded)
	if err != nil {
		return "", err
	}

	recovered, err := s.accounts.TransitionStatus(ctx, accountID, account.StatusPastDue, account.StatusActive)
	if err != nil {
		return "", fmt.Errorf("transition account status: %w", err)
	}
	if recovered {
		slog.Info("Account recovered from past due", "account_id", accountID, "invoice_id", inv.ID)
		return fmt.Sprintf("payment %s recorded, account reactivated", payment.ProviderPaymentID), nil
	}
	return fmt.Sprintf("payment %s recorded", payment.ProviderPaymentID), nil
}

func (s *webhookService) handlePaymentFailed(ctx context.Context, inv billing.ProviderInvoice) (string, error) {
	accountID, err := s.resolveInvoiceAccount(ctx, inv)
	if err != nil {
		return "", err
	}

	payment, err := s.recordPayment(ctx, accountID, inv, billing.PaymentStatusFailed)
	if err != nil {
		return "", err
	}
	if payment.Status != billing.PaymentStatusFailed {
		return fmt.Sprintf("payment %s already %s, failure ignored", payment.ProviderPaymentID, payment.Status), nil
	}

	moved, err := s.accounts.TransitionStatus(ctx, accountID, account.StatusActive, account.StatusPastDue)
	if err != nil {
		return "", fmt.Errorf("transition account status: %w", err)
	}
	if moved {
		slog.Warn("Account moved to past due", "account_id", accountID, "invoice_id", inv.ID, "reason", inv.FailureReason)
		return fmt.Sprintf("payment %s failed, account past due", payment.ProviderPaymentID), nil
	}
	return fmt.Sprintf("payment %s failed", payment.ProviderPaymentID), nil
}

// recordPayment upserts the payment without moving a settled payment back
// to failed when events arrive out of order
func (s *webhookService) recordPayment(ctx context.Context, accountID string, inv billing.ProviderInvoice, status billing.PaymentStatus) (billing.PaymentRecord, error) {
	existing, err := s.payments.GetByProviderID(ctx, inv.PaymentID)
	switch {
	case err == nil:
		if status == billing.PaymentStatusFailed &&
			(existing.Status == billing.PaymentStatusSucceeded || existing.Status == billing.PaymentStatusRefunded) {
			return existing, nil
		}
	case !errors.Is(err, billing.ErrPaymentNotFound):
		return billing.PaymentRecord{}, fmt.Errorf("get payment: %w", err)
	}

	occurredAt := inv.Created
	if occurredAt.IsZero() {
		occurredAt = s.clock.Now().UTC()
	}
	record := billing.PaymentRecord{
		AccountID:         accountID,
		ProviderPaymentID: inv.PaymentID,
		Amount:            inv.Amount,
		Currency:          inv.Currency,
		Status:            status,
		OccurredAt:        occurredAt,
	}
	if inv.ID != "" {
		invoiceID := inv.ID
		record.ProviderInvoiceID = &invoiceID
	}
	if inv.FailureReason != "" {
		reason := inv.FailureReason
		record.FailureReason = &reason
	}

	stored, err := s.payments.Upsert(ctx, record)
	if err != nil {
		return billing.PaymentRecord{}, fmt.Errorf("upsert payment: %w", err)
	}
	return stored, nil
}

func (s *webhookService) handleChargeRefunded(ctx context.Context, charge billing.ProviderCharge) (string, error) {
	payment, err := s.payments.GetByProviderID(ctx, charge.PaymentID)
	if errors.Is(err, billing.ErrPaymentNotFound) && charge.InvoiceID != "" {
		payment, err = s.payments.GetByProviderID(ctx, charge.InvoiceID)
	}
	if err != nil {
		if errors.Is(err, billing.ErrPaymentNotFound) {
			return "", retry.Permanent(fmt.Errorf("%w: charge %s", billing.ErrPaymentNotFound, charge.ID))
		}
		return "", fmt.Errorf("get payment: %w", err)
	}

	if !charge.Refunded {
		return fmt.Sprintf("partial refund of %s %s on payment %s", charge.AmountRefunded.StringFixed(2), charge.Currency, payment.ProviderPaymentID), nil
	}
	if payment.Status == billing.PaymentStatusRefunded {
		return fmt.Sprintf("payment %s already refunded", payment.ProviderPaymentID), nil
	}

	payment.Status = billing.PaymentStatusRefunded
	payment.FailureReason = nil
	if _, err := s.payments.Upsert(ctx, payment); err != nil {
		return "", fmt.Errorf("upsert payment: %w", err)
	}
	slog.Info("Payment refunded", "account_id", payment.AccountID, "payment_id", payment.ProviderPaymentID)
	return fmt.Sprintf("payment %s refunded", payment.ProviderPaymentID), nil
}

func (s *webhookService) handleTrialWillEnd(ctx context.Context, ps billing.ProviderSubscription) (string, error) {
	existing, err := s.subscriptions.GetByProviderID(ctx, ps.ID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return "", retry.Permanent(fmt.Errorf("%w: %s", billing.ErrSubscriptionNotFound, ps.ID))
		}
		return "", fmt.Errorf("get subscription: %w", err)
	}
	if ps.TrialEnd == nil {
		return "trial end not set, nothing to send", nil
	}

	acc, err := s.accounts.GetByID(ctx, existing.AccountID)
	if err != nil {
		return "", s.classify(fmt.Errorf("get account: %w", err))
	}
	if s.notifier == nil || acc.Email == "" {
		return "no notifier or email, notice skipped", nil
	}

	err = s.notifier.SendTrialEnding(ctx, billing.TrialEndingNotice{
		AccountID: acc.ID,
		Email:     acc.Email,
		TrialEnd:  *ps.TrialEnd,
	})
	if err != nil {
		return "", fmt.Errorf("send trial ending notice: %w", err)
	}
	return "trial ending notice sent", nil
}

// classify marks errors no retry can fix as permanent
func (s *webhookService) classify(err error) error {
	if errors.Is(err, account.ErrAccountNotFound) {
		return retry.Permanent(err)
	}
	return err
}

func describe(prefix string, res ApplyResult) string {
	switch {
	case res.StatusUnknown:
		return prefix + ", status unknown, account unchanged"
	case res.Changed():
		return prefix + ", entitlement applied"
	default:
		return prefix + ", no changes"
	}
}
