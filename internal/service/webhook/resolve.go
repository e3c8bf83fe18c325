package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/retry"
)

// MetadataAccountID is the metadata key checkout sessions and subscriptions
// carry the local account id under
const MetadataAccountID = "account_id"

func (s *webhookService) existingSubscription(ctx context.Context, providerSubscriptionID string) (*billing.Subscription, error) {
	sub, err := s.subscriptions.GetByProviderID(ctx, providerSubscriptionID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

// resolveCheckoutAccount tries metadata, then client_reference_id, then a
// previous subscription of the same customer
func (s *webhookService) resolveCheckoutAccount(ctx context.Context, checkout billing.ProviderCheckout) (string, error) {
	candidates := []string{checkout.Metadata[MetadataAccountID], checkout.ClientReferenceID}
	for _, id := range candidates {
		if id == "" {
			continue
		}
		return s.verifyAccount(ctx, id)
	}
	return s.accountByCustomer(ctx, checkout.CustomerID)
}

func (s *webhookService) resolveSubscriptionAccount(ctx context.Context, ps billing.ProviderSubscription) (string, error) {
	if id := ps.Metadata[MetadataAccountID]; id != "" {
		return s.verifyAccount(ctx, id)
	}
	return s.accountByCustomer(ctx, ps.CustomerID)
}

// resolveInvoiceAccount resolves through the subscription first. An invoice
// can arrive before the checkout that creates the subscription, so an
// unresolved account is retried.
func (s *webhookService) resolveInvoiceAccount(ctx context.Context, inv billing.ProviderInvoice) (string, error) {
	if inv.SubscriptionID != "" {
		sub, err := s.existingSubscription(ctx, inv.SubscriptionID)
		if err != nil {
			return "", err
		}
		if sub != nil {
			return sub.AccountID, nil
		}
	}
	return s.accountByCustomer(ctx, inv.CustomerID)
}

func (s *webhookService) accountByCustomer(ctx context.Context, customerID string) (string, error) {
	if customerID == "" {
		return "", fmt.Errorf("%w: no customer reference", billing.ErrAccountUnresolved)
	}
	sub, err := s.subscriptions.GetLatestByCustomerID(ctx, customerID)
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			return "", fmt.Errorf("%w: customer %s", billing.ErrAccountUnresolved, customerID)
		}
		return "", fmt.Errorf("get subscription by customer: %w", err)
	}
	return sub.AccountID, nil
}

// verifyAccount confirms an account id taken from provider metadata exists
func (s *webhookService) verifyAccount(ctx context.Context, id string) (string, error) {
	if _, err := s.accounts.GetByID(ctx, id); err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			return "", retry.Permanent(fmt.Errorf("%w: %s", account.ErrAccountNotFound, id))
		}
		return "", fmt.Errorf("get account: %w", err)
	}
	return id, nil
}
