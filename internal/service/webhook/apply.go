package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/jonboulle/clockwork"
)

// ApplyResult reports what applying a provider subscription changed
type ApplyResult struct {
	Subscription        billing.Subscription
	SubscriptionChanged bool
	AccountChanged      bool
	// StatusUnknown is set when the provider status has no local meaning and
	// the account was left untouched
	StatusUnknown bool
}

// Changed reports whether any local row was modified
func (r ApplyResult) Changed() bool {
	return r.SubscriptionChanged || r.AccountChanged
}

// Applier mirrors a provider subscription locally and moves the owning
// account to the entitlement it implies. The provider's view always wins.
type Applier struct {
	subscriptions billing.SubscriptionRepository
	accounts      account.AccountRepository
	clock         clockwork.Clock
}

// NewApplier creates an Applier
func NewApplier(subscriptions billing.SubscriptionRepository, accounts account.AccountRepository, clock clockwork.Clock) *Applier {
	return &Applier{
		subscriptions: subscriptions,
		accounts:      accounts,
		clock:         clock,
	}
}

// Apply upserts ps for accountID. existing is nil when the subscription is
// not yet mirrored locally.
func (a *Applier) Apply(ctx context.Context, existing *billing.Subscription, ps billing.ProviderSubscription, accountID string) (ApplyResult, error) {
	now := a.clock.Now().UTC()

	next := billing.Subscription{
		AccountID:              accountID,
		ProviderSubscriptionID: ps.ID,
		ProviderCustomerID:     ps.CustomerID,
		Status:                 ps.Status,
		Tier:                   account.TierFree,
		CurrentPeriodStart:     ps.CurrentPeriodStart,
		CurrentPeriodEnd:       ps.CurrentPeriodEnd,
		CancelAtPeriodEnd:      ps.CancelAtPeriodEnd,
		CanceledAt:             ps.CanceledAt,
		LastSyncedAt:           &now,
	}
	if ps.Status.GrantsPro() {
		next.Tier = account.TierPro
	}

	var result ApplyResult
	if existing != nil {
		next.ID = existing.ID
		if next.ProviderCustomerID == "" {
			next.ProviderCustomerID = existing.ProviderCustomerID
		}
		if ps.Status == billing.SubscriptionStatusUnknown {
			// Keep the last known tier so an unrecognized status cannot grant or revoke PRO
			next.Tier = existing.Tier
		}
		result.SubscriptionChanged = subscriptionDiffers(*existing, next)
	} else {
		result.SubscriptionChanged = true
	}

	if result.SubscriptionChanged {
		stored, err := a.subscriptions.Upsert(ctx, next)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("upsert subscription: %w", err)
		}
		result.Subscription = stored
	} else {
		if err := a.subscriptions.MarkSynced(ctx, existing.ID, now); err != nil {
			return ApplyResult{}, fmt.Errorf("mark subscription synced: %w", err)
		}
		result.Subscription = *existing
		result.Subscription.LastSyncedAt = &now
	}

	update, ok := result.Subscription.Entitlement()
	if !ok {
		slog.Warn("Provider subscription status unknown, account left unchanged",
			"subscription_id", ps.ID,
			"raw_status", ps.RawStatus,
			"account_id", accountID,
		)
		result.StatusUnknown = true
		return result, nil
	}

	changed, err := a.applyEntitlement(ctx, accountID, update, now)
	if err != nil {
		return ApplyResult{}, err
	}
	result.AccountChanged = changed
	return result, nil
}

func (a *Applier) applyEntitlement(ctx context.Context, accountID string, update account.EntitlementUpdate, now time.Time) (bool, error) {
	acc, err := a.accounts.GetByID(ctx, accountID)
	if err != nil {
		return false, fmt.Errorf("get account: %w", err)
	}
	if !entitlementDiffers(acc, update) {
		return false, nil
	}

	// Losing PRO goes through Downgrade so the usage window restarts the same
	// way it does on expiry
	if acc.IsPro() && update.Tier == account.TierFree {
		if _, err := a.accounts.Downgrade(ctx, accountID, acc.Status, acc.CurrentPeriodEnd, now); err != nil {
			return false, fmt.Errorf("downgrade account: %w", err)
		}
	}
	if err := a.accounts.UpdateEntitlement(ctx, accountID, update); err != nil {
		if errors.Is(err, account.ErrAccountNotFound) {
			return false, err
		}
		return false, fmt.Errorf("update account entitlement: %w", err)
	}

	slog.Info("Account entitlement updated",
		"account_id", accountID,
		"tier", update.Tier,
		"status", update.Status,
		"previous_tier", acc.Tier,
		"previous_status", acc.Status,
	)
	return true, nil
}

func subscriptionDiffers(a, b billing.Subscription) bool {
	return a.AccountID != b.AccountID ||
		a.ProviderCustomerID != b.ProviderCustomerID ||
		a.Status != b.Status ||
		a.Tier != b.Tier ||
		a.CancelAtPeriodEnd != b.CancelAtPeriodEnd ||
		!timeEqual(a.CurrentPeriodStart, b.CurrentPeriodStart) ||
		!timeEqual(a.CurrentPeriodEnd, b.CurrentPeriodEnd) ||
		!timeEqual(a.CanceledAt, b.CanceledAt)
}

func entitlementDiffers(acc account.Account, u account.EntitlementUpdate) bool {
	return acc.Tier != u.Tier ||
		acc.Status != u.Status ||
		acc.CancelAtPeriodEnd != u.CancelAtPeriodEnd ||
		!timeEqual(acc.CurrentPeriodStart, u.CurrentPeriodStart) ||
		!timeEqual(acc.CurrentPeriodEnd, u.CurrentPeriodEnd)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
