package memory

import (
	"context"
	"errors"
	"slices"
	"sort"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
)

type accountRepository struct {
	s *Store
}

func (r *accountRepository) GetByID(ctx context.Context, id string) (account.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.data.accounts[id]
	if !ok {
		return account.Account{}, account.ErrAccountNotFound
	}
	return a, nil
}

func (r *accountRepository) Create(ctx context.Context, a account.Account) (account.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	if a.ID == "" {
		a.ID = newID()
	}
	if existing, ok := r.s.data.accounts[a.ID]; ok {
		return existing, nil
	}
	if a.Tier == "" {
		a.Tier = account.TierFree
	}
	if a.Status == "" {
		a.Status = account.StatusActive
	}
	if a.PreferredMode == "" {
		a.PreferredMode = account.ModeStandard
	}
	if a.WeeklyUsageResetAt.IsZero() {
		a.WeeklyUsageResetAt = now
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	r.s.data.accounts[a.ID] = a
	return a, nil
}

func matchesFilter(a account.Account, f account.Filter) bool {
	if len(f.Tiers) > 0 && !slices.Contains(f.Tiers, a.Tier) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, a.Status) {
		return false
	}
	if f.PeriodEndBefore != nil && (a.CurrentPeriodEnd == nil || !a.CurrentPeriodEnd.Before(*f.PeriodEndBefore)) {
		return false
	}
	if f.PeriodEndAfter != nil && (a.CurrentPeriodEnd == nil || !a.CurrentPeriodEnd.After(*f.PeriodEndAfter)) {
		return false
	}
	if f.UsageResetBefore != nil && a.WeeklyUsageResetAt.After(*f.UsageResetBefore) {
		return false
	}
	if f.AfterID != "" && a.ID <= f.AfterID {
		return false
	}
	return true
}

func (r *accountRepository) List(ctx context.Context, filter account.Filter) ([]account.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var out []account.Account
	for _, a := range r.s.data.accounts {
		if matchesFilter(a, filter) {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (r *accountRepository) update(id string, fn func(a *account.Account) bool) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.data.accounts[id]
	if !ok {
		return false, account.ErrAccountNotFound
	}
	if !fn(&a) {
		return false, nil
	}
	a.UpdatedAt = r.s.now()
	r.s.data.accounts[id] = a
	return true, nil
}

func (r *accountRepository) UpdateEntitlement(ctx context.Context, id string, u account.EntitlementUpdate) error {
	_, err := r.update(id, func(a *account.Account) bool {
		a.Tier = u.Tier
		a.Status = u.Status
		a.CurrentPeriodStart = u.CurrentPeriodStart
		a.CurrentPeriodEnd = u.CurrentPeriodEnd
		a.CancelAtPeriodEnd = u.CancelAtPeriodEnd
		return true
	})
	return err
}

func (r *accountRepository) TransitionStatus(ctx context.Context, id string, from account.Status, to account.Status) (bool, error) {
	changed, err := r.update(id, func(a *account.Account) bool {
		if a.Status != from {
			return false
		}
		a.Status = to
		return true
	})
	if errors.Is(err, account.ErrAccountNotFound) {
		return false, nil
	}
	return changed, err
}

func (r *accountRepository) Downgrade(ctx context.Context, id string, expectedStatus account.Status, expectedPeriodEnd *time.Time, now time.Time) (bool, error) {
	changed, err := r.update(id, func(a *account.Account) bool {
		if a.Tier != account.TierPro || a.Status != expectedStatus || !samePeriodEnd(a.CurrentPeriodEnd, expectedPeriodEnd) {
			return false
		}
		a.Tier = account.TierFree
		a.Status = account.StatusCanceled
		a.CancelAtPeriodEnd = false
		a.WeeklyUsageCount = 0
		a.WeeklyUsageResetAt = now
		a.PreferredMode = account.ModeStandard
		return true
	})
	if errors.Is(err, account.ErrAccountNotFound) {
		return false, nil
	}
	return changed, err
}

func (r *accountRepository) AdvanceUsageWindow(ctx context.Context, id string, expected time.Time, next time.Time) (bool, error) {
	changed, err := r.update(id, func(a *account.Account) bool {
		if !a.WeeklyUsageResetAt.Equal(expected) {
			return false
		}
		a.WeeklyUsageCount = 0
		a.WeeklyUsageResetAt = next
		return true
	})
	if errors.Is(err, account.ErrAccountNotFound) {
		return false, nil
	}
	return changed, err
}

func (r *accountRepository) MarkRenewalReminderSent(ctx context.Context, id string, periodEnd time.Time) error {
	_, err := r.update(id, func(a *account.Account) bool {
		a.RenewalReminderSentFor = &periodEnd
		return true
	})
	return err
}

func (r *accountRepository) SetPreferredMode(ctx context.Context, id string, mode account.ProcessingMode) error {
	_, err := r.update(id, func(a *account.Account) bool {
		a.PreferredMode = mode
		return true
	})
	return err
}

type usageRepository struct {
	s *Store
}

func (r *usageRepository) Record(ctx context.Context, record account.UsageRecord, window time.Duration) (account.Account, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a, ok := r.s.data.accounts[record.AccountID]
	if !ok {
		return account.Account{}, account.ErrAccountNotFound
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.s.now()
	}
	if record.ID == "" {
		record.ID = newID()
	}

	if a.UsageWindowElapsed(record.CreatedAt, window) {
		a.WeeklyUsageResetAt = a.WeeklyUsageResetAt.Add(window * time.Duration(account.ElapsedWindows(a.WeeklyUsageResetAt, record.CreatedAt, window)))
		a.WeeklyUsageCount = record.Count
	} else {
		a.WeeklyUsageCount += record.Count
	}
	a.LifetimeUsageCount += int64(record.Count)
	a.UpdatedAt = record.CreatedAt

	r.s.data.accounts[a.ID] = a
	r.s.data.usage[record.ID] = record
	return a, nil
}

func (r *usageRepository) DeleteBefore(ctx context.Context, before time.Time, limit int) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var ids []string
	for id, rec := range r.s.data.usage {
		if rec.CreatedAt.Before(before) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return r.s.data.usage[ids[i]].CreatedAt.Before(r.s.data.usage[ids[j]].CreatedAt)
	})
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	for _, id := range ids {
		delete(r.s.data.usage, id)
	}
	return int64(len(ids)), nil
}

func samePeriodEnd(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
