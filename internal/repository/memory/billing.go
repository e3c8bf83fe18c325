package memory

import (
	"context"
	"slices"
	"sort"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
)

type subscriptionRepository struct {
	s *Store
}

func (r *subscriptionRepository) GetByProviderID(ctx context.Context, providerSubscriptionID string) (billing.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, sub := range r.s.data.subscriptions {
		if sub.ProviderSubscriptionID == providerSubscriptionID {
			return sub, nil
		}
	}
	return billing.Subscription{}, billing.ErrSubscriptionNotFound
}

func (r *subscriptionRepository) latest(match func(billing.Subscription) bool) (billing.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var found *billing.Subscription
	for _, sub := range r.s.data.subscriptions {
		if !match(sub) {
			continue
		}
		if found == nil || sub.UpdatedAt.After(found.UpdatedAt) {
			s := sub
			found = &s
		}
	}
	if found == nil {
		return billing.Subscription{}, billing.ErrSubscriptionNotFound
	}
	return *found, nil
}

func (r *subscriptionRepository) GetLatestByAccountID(ctx context.Context, accountID string) (billing.Subscription, error) {
	return r.latest(func(s billing.Subscription) bool { return s.AccountID == accountID })
}

func (r *subscriptionRepository) GetLatestByCustomerID(ctx context.Context, providerCustomerID string) (billing.Subscription, error) {
	return r.latest(func(s billing.Subscription) bool { return s.ProviderCustomerID == providerCustomerID })
}

func (r *subscriptionRepository) Upsert(ctx context.Context, sub billing.Subscription) (billing.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	for id, existing := range r.s.data.subscriptions {
		if existing.ProviderSubscriptionID != sub.ProviderSubscriptionID {
			continue
		}
		sub.ID = id
		sub.AccountID = existing.AccountID
		sub.CreatedAt = existing.CreatedAt
		if sub.LastSyncedAt == nil {
			sub.LastSyncedAt = existing.LastSyncedAt
		}
		sub.UpdatedAt = now
		r.s.data.subscriptions[id] = sub
		return sub, nil
	}

	sub.ID = newID()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	r.s.data.subscriptions[sub.ID] = sub
	return sub, nil
}

func (r *subscriptionRepository) ListStale(ctx context.Context, syncedBefore time.Time, statuses []billing.SubscriptionStatus, limit int) ([]billing.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	cursor := func(s billing.Subscription) time.Time {
		if s.LastSyncedAt != nil {
			return *s.LastSyncedAt
		}
		return s.UpdatedAt
	}

	var out []billing.Subscription
	for _, sub := range r.s.data.subscriptions {
		if slices.Contains(statuses, sub.Status) && cursor(sub).Before(syncedBefore) {
			out = append(out, sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return cursor(out[i]).Before(cursor(out[j])) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *subscriptionRepository) MarkSynced(ctx context.Context, id string, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sub, ok := r.s.data.subscriptions[id]
	if !ok {
		return billing.ErrSubscriptionNotFound
	}
	sub.LastSyncedAt = &at
	r.s.data.subscriptions[id] = sub
	return nil
}

type paymentRepository struct {
	s *Store
}

func (r *paymentRepository) Upsert(ctx context.Context, p billing.PaymentRecord) (billing.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for id, existing := range r.s.data.payments {
		if existing.ProviderPaymentID != p.ProviderPaymentID {
			continue
		}
		existing.Status = p.Status
		existing.FailureReason = p.FailureReason
		if p.ProviderInvoiceID != nil {
			existing.ProviderInvoiceID = p.ProviderInvoiceID
		}
		r.s.data.payments[id] = existing
		return existing, nil
	}

	p.ID = newID()
	p.CreatedAt = r.s.now()
	r.s.data.payments[p.ID] = p
	return p, nil
}

func (r *paymentRepository) GetByProviderID(ctx context.Context, providerPaymentID string) (billing.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, p := range r.s.data.payments {
		if p.ProviderPaymentID == providerPaymentID {
			return p, nil
		}
	}
	return billing.PaymentRecord{}, billing.ErrPaymentNotFound
}

func (r *paymentRepository) ListByAccountID(ctx context.Context, accountID string, limit int) ([]billing.PaymentRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []billing.PaymentRecord
	for _, p := range r.s.data.payments {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.After(out[j].OccurredAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type webhookEventRepository struct {
	s *Store
}

func (r *webhookEventRepository) CreateIfNotExists(ctx context.Context, e billing.WebhookEvent) (billing.WebhookEvent, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.data.events {
		if existing.ProviderEventID == e.ProviderEventID {
			return existing, false, nil
		}
	}

	now := r.s.now()
	e.ID = newID()
	e.AttemptCount = 0
	e.CreatedAt = now
	e.UpdatedAt = now
	r.s.data.events[e.ID] = e
	return e, true, nil
}

func (r *webhookEventRepository) GetByID(ctx context.Context, id string) (billing.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.data.events[id]
	if !ok {
		return billing.WebhookEvent{}, billing.ErrWebhookEventNotFound
	}
	return e, nil
}

func (r *webhookEventRepository) GetByProviderEventID(ctx context.Context, providerEventID string) (billing.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, e := range r.s.data.events {
		if e.ProviderEventID == providerEventID {
			return e, nil
		}
	}
	return billing.WebhookEvent{}, billing.ErrWebhookEventNotFound
}

func (r *webhookEventRepository) Update(ctx context.Context, e billing.WebhookEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	existing, ok := r.s.data.events[e.ID]
	if !ok {
		return billing.ErrWebhookEventNotFound
	}
	existing.Status = e.Status
	existing.AttemptCount = e.AttemptCount
	existing.LastAttemptAt = e.LastAttemptAt
	existing.NextAttemptAt = e.NextAttemptAt
	existing.Result = e.Result
	existing.Error = e.Error
	existing.UpdatedAt = r.s.now()
	r.s.data.events[e.ID] = existing
	return nil
}

func (r *webhookEventRepository) ListByStatus(ctx context.Context, status billing.WebhookStatus, limit int) ([]billing.WebhookEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []billing.WebhookEvent
	for _, e := range r.s.data.events {
		if e.Status == status {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *webhookEventRepository) DeleteTerminalBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var ids []string
	for id, e := range r.s.data.events {
		if e.Status.IsTerminal() && e.CreatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.s.data.events[ids[i]].CreatedAt.Before(r.s.data.events[ids[j]].CreatedAt)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		delete(r.s.data.events, id)
	}
	return int64(len(ids)), nil
}
