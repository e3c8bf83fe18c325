package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/config"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/lifecycle"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/database"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/metrics"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/service/webhook"
	"github.com/jonboulle/clockwork"
)

// maxCleanupBatches bounds one cleanup run
const maxCleanupBatches = 100

// syncStatuses are the subscription states that can still change provider-side
var syncStatuses = []billing.SubscriptionStatus{
	billing.SubscriptionStatusActive,
	billing.SubscriptionStatusTrialing,
	billing.SubscriptionStatusPastDue,
	billing.SubscriptionStatusIncomplete,
	billing.SubscriptionStatusUnknown,
}

type lifecycleService struct {
	accounts      account.AccountRepository
	usage         account.UsageRepository
	subscriptions billing.SubscriptionRepository
	events        billing.WebhookEventRepository
	provider      billing.Provider
	notifier      billing.Notifier
	transactor    database.Transactor
	applier       *webhook.Applier
	clock         clockwork.Clock
	cfg           config.LifecycleConfig
	window        time.Duration
}

// NewLifecycleService creates the lifecycle service. provider and notifier may
// be nil, in which case sync and reminders report themselves as skipped.
func NewLifecycleService(
	accounts account.AccountRepository,
	usage account.UsageRepository,
	subscriptions billing.SubscriptionRepository,
	events billing.WebhookEventRepository,
	provider billing.Provider,
	notifier billing.Notifier,
	transactor database.Transactor,
	clock clockwork.Clock,
	cfg *config.Config,
) lifecycle.LifecycleService {
	lc := cfg.Lifecycle
	if lc.BatchSize <= 0 {
		lc.BatchSize = 500
	}
	return &lifecycleService{
		accounts:      accounts,
		usage:         usage,
		subscriptions: subscriptions,
		events:        events,
		provider:      provider,
		notifier:      notifier,
		transactor:    transactor,
		applier:       webhook.NewApplier(subscriptions, accounts, clock),
		clock:         clock,
		cfg:           lc,
		window:        cfg.Usage.Window,
	}
}

// run wraps an operation with timing, logging and metrics
func (s *lifecycleService) run(ctx context.Context, op lifecycle.Operation, fn func(ctx context.Context, res *lifecycle.Result) error) lifecycle.Result {
	res := lifecycle.Result{
		Operation: op,
		StartedAt: s.clock.Now().UTC(),
		Details:   map[string]any{},
	}

	err := fn(ctx, &res)
	res.Duration = s.clock.Since(res.StartedAt)
	res.Success = err == nil
	if err != nil {
		res.Error = err.Error()
		slog.Error("Lifecycle operation failed", "operation", op, "processed", res.ProcessedCount, "error", err)
	} else {
		slog.Info("Lifecycle operation completed", "operation", op, "processed", res.ProcessedCount, "duration", res.Duration)
	}
	if len(res.Details) == 0 {
		res.Details = nil
	}
	metrics.LifecycleProcessedTotal.WithLabelValues(string(op)).Add(float64(res.ProcessedCount))
	return res
}

// eachAccount pages through accounts matching filter in id order
func (s *lifecycleService) eachAccount(ctx context.Context, filter account.Filter, fn func(acc account.Account) error) error {
	filter.Limit = s.cfg.BatchSize
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := s.accounts.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("list accounts: %w", err)
		}
		for _, acc := range page {
			if err := fn(acc); err != nil {
				return err
			}
		}
		if len(page) < filter.Limit {
			return nil
		}
		filter.AfterID = page[len(page)-1].ID
	}
}

// ==================== Subscription Sync ====================

func (s *lifecycleService) SyncSubscriptionStatus(ctx context.Context) lifecycle.Result {
	return s.run(ctx, lifecycle.OpSyncSubscriptionStatus, func(ctx context.Context, res *lifecycle.Result) error {
		if s.provider == nil {
			res.Details["skipped"] = lifecycle.ErrProviderNotEnabled.Error()
			return nil
		}

		now := s.clock.Now().UTC()
		stale, err := s.subscriptions.ListStale(ctx, now.Add(-s.cfg.SyncStaleAfter), syncStatuses, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list stale subscriptions: %w", err)
		}

		var checked, missing, unknown, failed int
		var lastErr error
		for _, sub := range stale {
			if ctx.Err() != nil {
				break
			}
			checked++

			ps, err := s.provider.FetchSubscription(ctx, sub.ProviderSubscriptionID)
			if err != nil {
				if errors.Is(err, billing.ErrSubscriptionNotFound) {
					missing++
					slog.Warn("Subscription missing at provider", "subscription_id", sub.ProviderSubscriptionID, "account_id", sub.AccountID)
					if err := s.subscriptions.MarkSynced(ctx, sub.ID, now); err != nil {
						failed++
						lastErr = err
					}
					continue
				}
				failed++
				lastErr = err
				slog.Warn("Subscription sync failed", "subscription_id", sub.ProviderSubscriptionID, "error", err)
				continue
			}

			var applied webhook.ApplyResult
			err = s.transactor.WithinTransaction(ctx, func(ctx context.Context) error {
				var err error
				applied, err = s.applier.Apply(ctx, &sub, ps, sub.AccountID)
				return err
			})
			if err != nil {
				failed++
				lastErr = err
				slog.Warn("Subscription sync failed", "subscription_id", sub.ProviderSubscriptionID, "error", err)
				continue
			}
			if applied.StatusUnknown {
				unknown++
			}
			if applied.Changed() {
				res.ProcessedCount++
				slog.Info("Subscription reconciled with provider",
					"subscription_id", sub.ProviderSubscriptionID,
					"account_id", sub.AccountID,
					"local_status", sub.Status,
					"provider_status", ps.Status,
				)
			}
		}

		res.Details["checked"] = checked
		res.Details["changed"] = res.ProcessedCount
		res.Details["missing"] = missing
		res.Details["unknown_status"] = unknown
		res.Details["failed"] = failed
		if failed > 0 {
			return fmt.Errorf("%d of %d subscriptions failed to sync: %w", failed, checked, lastErr)
		}
		return ctx.Err()
	})
}

// ==================== Usage Reset ====================

func (s *lifecycleService) ResetWeeklyUsage(ctx context.Context) lifecycle.Result {
	return s.run(ctx, lifecycle.OpResetWeeklyUsage, func(ctx context.Context, res *lifecycle.Result) error {
		now := s.clock.Now().UTC()
		cutoff := now.Add(-s.window)

		return s.eachAccount(ctx, account.Filter{
			Tiers:            []account.Tier{account.TierFree},
			UsageResetBefore: &cutoff,
		}, func(acc account.Account) error {
			// Step along the window grid so reset_at never drifts toward now
			windows := account.ElapsedWindows(acc.WeeklyUsageResetAt, now, s.window)
			if windows < 1 {
				return nil
			}
			next := acc.WeeklyUsageResetAt.Add(s.window * time.Duration(windows))
			changed, err := s.accounts.AdvanceUsageWindow(ctx, acc.ID, acc.WeeklyUsageResetAt, next)
			if err != nil {
				return fmt.Errorf("advance usage window: %w", err)
			}
			if changed {
				res.ProcessedCount++
			}
			return nil
		})
	})
}

// ==================== Grace & Expiry ====================

func (s *lifecycleService) HandleGracePeriods(ctx context.Context) lifecycle.Result {
	return s.run(ctx, lifecycle.OpHandleGracePeriods, func(ctx context.Context, res *lifecycle.Result) error {
		now := s.clock.Now().UTC()
		inGrace := 0

		err := s.eachAccount(ctx, account.Filter{
			Tiers:           []account.Tier{account.TierPro},
			Statuses:        []account.Status{account.StatusPastDue},
			PeriodEndBefore: &now,
		}, func(acc account.Account) error {
			if acc.InGrace(now, s.cfg.GracePeriod) {
				inGrace++
				return nil
			}
			changed, err := s.accounts.Downgrade(ctx, acc.ID, acc.Status, acc.CurrentPeriodEnd, now)
			if err != nil {
				return fmt.Errorf("downgrade account: %w", err)
			}
			if changed {
				res.ProcessedCount++
				slog.Info("Grace period elapsed, account downgraded",
					"account_id", acc.ID,
					"period_end", acc.CurrentPeriodEnd,
					"grace_period", s.cfg.GracePeriod,
				)
			}
			return nil
		})
		res.Details["in_grace"] = inGrace
		res.Details["downgraded"] = res.ProcessedCount
		return err
	})
}

func (s *lifecycleService) ProcessExpiredSubscriptions(ctx context.Context) lifecycle.Result {
	return s.run(ctx, lifecycle.OpProcessExpiredSubscriptions, func(ctx context.Context, res *lifecycle.Result) error {
		now := s.clock.Now().UTC()

		return s.eachAccount(ctx, account.Filter{
			Tiers: []account.Tier{account.TierPro},
		}, func(acc account.Account) error {
			if acc.EffectiveTier(now, s.cfg.GracePeriod) == account.TierPro {
				return nil
			}
			changed, err := s.accounts.Downgrade(ctx, acc.ID, acc.Status, acc.CurrentPeriodEnd, now)
			if err != nil {
				return fmt.Errorf("downgrade account: %w", err)
			}
			if changed {
				res.ProcessedCount++
				slog.Info("Subscription expired, account downgraded",
					"account_id", acc.ID,
					"status", acc.Status,
					"period_end", acc.CurrentPeriodEnd,
					"cancel_at_period_end", acc.CancelAtPeriodEnd,
				)
			}
			return nil
		})
	})
}

// ==================== Reminders ====================

func (s *lifecycleService) SendRenewalReminders(ctx context.Context) lifecycle.Result {
	return s.run(ctx, lifecycle.OpSendRenewalReminders, func(ctx context.Context, res *lifecycle.Result) error {
		if s.notifier == nil {
			res.Details["skipped"] = "notifier is not configured"
			return nil
		}

		now := s.clock.Now().UTC()
		horizon := now.Add(s.cfg.ReminderHorizon)
		var alreadySent, noEmail, failed int
		var lastErr error

		err := s.eachAccount(ctx, account.Filter{
			Tiers:           []account.Tier{account.TierPro},
			Statuses:        []account.Status{account.StatusActive, account.StatusTrialing},
			PeriodEndAfter:  &now,
			PeriodEndBefore: &horizon,
		}, func(acc account.Account) error {
			periodEnd := *acc.CurrentPeriodEnd
			if acc.RenewalReminderSentFor != nil && acc.RenewalReminderSentFor.Equal(periodEnd) {
				alreadySent++
				return nil
			}
			if acc.Email == "" {
				noEmail++
				return nil
			}

			err := s.notifier.SendRenewalReminder(ctx, billing.RenewalNotice{
				AccountID:         acc.ID,
				Email:             acc.Email,
				PeriodEnd:         periodEnd,
				CancelAtPeriodEnd: acc.CancelAtPeriodEnd,
			})
			if err != nil {
				// One failed send must not stop the rest of the batch
				failed++
				lastErr = err
				slog.Warn("Renewal reminder failed", "account_id", acc.ID, "error", err)
				return nil
			}
			if err := s.accounts.MarkRenewalReminderSent(ctx, acc.ID, periodEnd); err != nil {
				return fmt.Errorf("mark renewal reminder sent: %w", err)
			}
			res.ProcessedCount++
			return nil
		})

		res.Details["sent"] = res.ProcessedCount
		res.Details["already_sent"] = alreadySent
		res.Details["no_email"] = noEmail
		res.Details["failed"] = failed
		if err != nil {
			return err
		}
		if failed > 0 {
			return fmt.Errorf("%d renewal reminders failed: %w", failed, lastErr)
		}
		return nil
	})
}

// ==================== Cleanup ====================

func (s *lifecycleService) CleanupOldData(ctx context.Context, opts lifecycle.CleanupOptions) lifecycle.Result {
	return s.run(ctx, lifecycle.OpCleanupOldData, func(ctx context.Context, res *lifecycle.Result) error {
		days := opts.RetentionDays
		if days == 0 {
			days = s.cfg.RetentionDays
		}
		if days <= 0 {
			return lifecycle.ErrInvalidRetention
		}

		cutoff := s.clock.Now().UTC().AddDate(0, 0, -days)
		res.Details["retention_days"] = days
		res.Details["cutoff"] = cutoff

		usageDeleted, err := s.deleteInBatches(ctx, func(ctx context.Context) (int64, error) {
			return s.usage.DeleteBefore(ctx, cutoff, s.cfg.BatchSize)
		})
		res.Details["usage_records_deleted"] = usageDeleted
		if err != nil {
			return fmt.Errorf("delete usage records: %w", err)
		}

		eventsDeleted, err := s.deleteInBatches(ctx, func(ctx context.Context) (int64, error) {
			return s.events.DeleteTerminalBefore(ctx, cutoff, s.cfg.BatchSize)
		})
		res.Details["webhook_events_deleted"] = eventsDeleted
		res.ProcessedCount = int(usageDeleted + eventsDeleted)
		if err != nil {
			return fmt.Errorf("delete webhook events: %w", err)
		}
		return nil
	})
}

func (s *lifecycleService) deleteInBatches(ctx context.Context, deleteBatch func(ctx context.Context) (int64, error)) (int64, error) {
	var total int64
	for i := 0; i < maxCleanupBatches; i++ {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := deleteBatch(ctx)
		if err != nil {
			return total, err
		}
		total += n
		if n < int64(s.cfg.BatchSize) {
			break
		}
	}
	return total, nil
}

// ==================== Dispatch ====================

func (s *lifecycleService) Run(ctx context.Context, op lifecycle.Operation) lifecycle.Result {
	switch op {
	case lifecycle.OpSyncSubscriptionStatus:
		return s.SyncSubscriptionStatus(ctx)
	case lifecycle.OpResetWeeklyUsage:
		return s.ResetWeeklyUsage(ctx)
	case lifecycle.OpHandleGracePeriods:
		return s.HandleGracePeriods(ctx)
	case lifecycle.OpProcessExpiredSubscriptions:
		return s.ProcessExpiredSubscriptions(ctx)
	case lifecycle.OpSendRenewalReminders:
		return s.SendRenewalReminders(ctx)
	case lifecycle.OpCleanupOldData:
		return s.CleanupOldData(ctx, lifecycle.CleanupOptions{})
	default:
		return lifecycle.Result{
			Operation: op,
			StartedAt: s.clock.Now().UTC(),
			Error:     fmt.Sprintf("%s: %s", lifecycle.ErrUnknownOperation, op),
		}
	}
}

func (s *lifecycleService) RunAll(ctx context.Context) lifecycle.RunAllResult {
	out := lifecycle.RunAllResult{
		Success:   true,
		StartedAt: s.clock.Now().UTC(),
		Results:   make([]lifecycle.Result, 0, len(lifecycle.Operations)),
	}
	for _, op := range lifecycle.Operations {
		res := s.Run(ctx, op)
		out.Results = append(out.Results, res)
		out.ProcessedCount += res.ProcessedCount
		if !res.Success {
			out.Success = false
		}
	}
	slog.Info("Lifecycle run completed", "success", out.Success, "processed", out.ProcessedCount)
	return out
}
