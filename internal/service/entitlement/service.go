package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/config"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/entitlement"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/metrics"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// recordTimeout bounds one asynchronous usage write
const recordTimeout = 10 * time.Second

type entitlementService struct {
	accounts account.AccountRepository
	usage    account.UsageRepository
	payments billing.PaymentRepository
	clock    clockwork.Clock

	freeLimit   int
	window      time.Duration
	grace       time.Duration
	adminBypass bool
	upgradeURL  string
	policies    map[entitlement.Capability]entitlement.Policy

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewEntitlementService(
	accounts account.AccountRepository,
	usage account.UsageRepository,
	payments billing.PaymentRepository,
	clock clockwork.Clock,
	cfg *config.Config,
) entitlement.EntitlementService {
	if cfg.Gate.AdminBypass {
		slog.Warn("Entitlement admin bypass is enabled, tier and usage checks are disabled")
	}
	return &entitlementService{
		accounts:    accounts,
		usage:       usage,
		payments:    payments,
		clock:       clock,
		freeLimit:   cfg.Usage.FreeWeeklyLimit,
		window:      cfg.Usage.Window,
		grace:       cfg.Lifecycle.GracePeriod,
		adminBypass: cfg.Gate.AdminBypass,
		upgradeURL:  cfg.Gate.UpgradeURL,
		policies: map[entitlement.Capability]entitlement.Policy{
			entitlement.CapabilityEnhancedMode:  policyOrDefault(cfg.Gate.EnhancedModePolicy, entitlement.PolicyFallback),
			entitlement.CapabilityPriorityQueue: policyOrDefault(cfg.Gate.PriorityQueuePolicy, entitlement.PolicyBlock),
		},
	}
}

func policyOrDefault(value string, fallback entitlement.Policy) entitlement.Policy {
	p := entitlement.Policy(strings.ToLower(strings.TrimSpace(value)))
	if !p.IsValid() {
		return fallback
	}
	return p
}

func (s *entitlementService) EnsureAccount(ctx context.Context, accountID string, email string) (account.Account, error) {
	if accountID == "" {
		return account.Account{}, account.ErrAccountIDMissing
	}
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, account.ErrAccountNotFound) {
		return account.Account{}, fmt.Errorf("get account: %w", err)
	}

	acc, err = s.accounts.Create(ctx, account.Account{
		ID:                 accountID,
		Email:              email,
		Tier:               account.TierFree,
		Status:             account.StatusActive,
		PreferredMode:      account.ModeStandard,
		WeeklyUsageResetAt: s.clock.Now().UTC(),
	})
	if err != nil {
		return account.Account{}, fmt.Errorf("create account: %w", err)
	}
	slog.Info("Account provisioned", "account_id", acc.ID)
	return acc, nil
}

// ==================== Gate ====================

func (s *entitlementService) Gate(ctx context.Context, accountID string, req entitlement.Request) (entitlement.Evaluation, error) {
	class := req.Class

	if class.Kind == entitlement.KindBypass || s.adminBypass {
		eval := entitlement.Evaluation{Decision: entitlement.Decision{
			Outcome:   entitlement.OutcomeAllowed,
			Unlimited: true,
			Bypassed:  true,
		}}
		if class.ModeAware {
			mode := req.RequestedMode
			if mode == "" {
				mode = account.ModeStandard
			}
			eval.Mode = &entitlement.ModeDecision{
				Requested:          mode,
				Effective:          mode,
				CapabilityDecision: entitlement.CapabilityDecision{Granted: true},
			}
		}
		s.observe(class, eval.Decision)
		return eval, nil
	}

	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return entitlement.Evaluation{}, err
	}
	now := s.clock.Now().UTC()
	effective := acc.EffectiveTier(now, s.grace)

	// 1. Tier restriction
	if d, denied := s.tierDecision(class, effective); denied {
		s.observe(class, d)
		return entitlement.Evaluation{Decision: d}, nil
	}

	// 2. Mode and capability
	var eval entitlement.Evaluation
	if class.ModeAware {
		requested := req.RequestedMode
		if requested == "" {
			requested = acc.PreferredMode
		}
		mode, err := s.modeDecision(acc, effective, requested)
		if err != nil {
			return entitlement.Evaluation{}, err
		}
		eval.Mode = &mode
		if mode.Blocked {
			eval.Decision = s.capabilityDenied(mode.CapabilityDecision, effective)
			s.observe(class, eval.Decision)
			return eval, nil
		}

		if req.Priority {
			priority, err := s.capabilityDecision(entitlement.CapabilityPriorityQueue, effective)
			if err != nil {
				return entitlement.Evaluation{}, err
			}
			eval.Priority = &priority
			if priority.Blocked {
				eval.Decision = s.capabilityDenied(priority, effective)
				s.observe(class, eval.Decision)
				return eval, nil
			}
		}
	}

	// 3. Usage metering
	eval.Decision = s.meterDecision(acc, class, effective, now)
	s.observe(class, eval.Decision)
	return eval, nil
}

func (s *entitlementService) Check(ctx context.Context, accountID string, class entitlement.Classification) (entitlement.Decision, error) {
	class.ModeAware = false
	eval, err := s.Gate(ctx, accountID, entitlement.Request{Class: class})
	if err != nil {
		return entitlement.Decision{}, err
	}
	return eval.Decision, nil
}

func (s *entitlementService) tierDecision(class entitlement.Classification, effective account.Tier) (entitlement.Decision, bool) {
	if class.Kind != entitlement.KindTierRestricted {
		return entitlement.Decision{}, false
	}
	required := class.RequiredTier
	if required == "" {
		required = account.TierPro
	}
	if required == account.TierFree || effective == account.TierPro {
		return entitlement.Decision{}, false
	}
	return entitlement.Decision{
		Outcome:      entitlement.OutcomeUpgradeRequired,
		Code:         entitlement.CodeUpgradeRequired,
		Message:      entitlement.ErrUpgradeRequired.Error(),
		CurrentTier:  effective,
		RequiredTier: required,
		UpgradeURL:   s.upgradeURL,
	}, true
}

func (s *entitlementService) capabilityDenied(cd entitlement.CapabilityDecision, effective account.Tier) entitlement.Decision {
	return entitlement.Decision{
		Outcome:      entitlement.OutcomeUpgradeRequired,
		Code:         entitlement.CodeCapabilityRequired,
		Message:      cd.Reason,
		CurrentTier:  effective,
		RequiredTier: account.TierPro,
		UpgradeURL:   s.upgradeURL,
	}
}

func (s *entitlementService) meterDecision(acc account.Account, class entitlement.Classification, effective account.Tier, now time.Time) entitlement.Decision {
	d := entitlement.Decision{Outcome: entitlement.OutcomeAllowed, CurrentTier: effective}
	if !class.IsMetered() || effective == account.TierPro {
		d.Unlimited = true
		return d
	}

	count := class.UsageCount
	if count < 1 {
		count = 1
	}
	used := acc.CurrentWeeklyUsage(now, s.window)
	resetAt := acc.NextUsageReset(now, s.window)
	remaining := max(s.freeLimit-used, 0)

	d.Limit = s.freeLimit
	d.Remaining = remaining
	d.ResetAt = &resetAt
	if used+count > s.freeLimit {
		d.Outcome = entitlement.OutcomeRateLimited
		d.Code = entitlement.CodeUsageLimitExceeded
		d.Message = fmt.Sprintf("%s: %d of %d used this week", entitlement.ErrUsageLimitExceeded, used, s.freeLimit)
		d.Remaining = 0
		d.RetryAfter = resetAt.Sub(now)
		d.UpgradeURL = s.upgradeURL
	}
	return d
}

func (s *entitlementService) observe(class entitlement.Classification, d entitlement.Decision) {
	kind := string(class.Kind)
	if kind == "" {
		kind = "unclassified"
	}
	outcome := string(d.Outcome)
	if d.Bypassed {
		outcome = "bypassed"
	}
	metrics.GateDecisionsTotal.WithLabelValues(kind, outcome).Inc()
}

// ==================== Capabilities ====================

func (s *entitlementService) capabilityDecision(capability entitlement.Capability, effective account.Tier) (entitlement.CapabilityDecision, error) {
	policy, ok := s.policies[capability]
	if !ok {
		return entitlement.CapabilityDecision{}, fmt.Errorf("%w: %s", entitlement.ErrUnknownCapability, capability)
	}

	cd := entitlement.CapabilityDecision{Capability: capability, Policy: policy}
	if effective == account.TierPro {
		cd.Granted = true
		return cd, nil
	}

	cd.UpgradeURL = s.upgradeURL
	switch policy {
	case entitlement.PolicyFallback:
		cd.FellBack = true
		cd.Reason = fmt.Sprintf("%s requires a PRO subscription, using the default instead", capability)
		metrics.ModeFallbacksTotal.WithLabelValues(string(capability)).Inc()
	default:
		cd.Blocked = true
		cd.Reason = fmt.Sprintf("%s requires a PRO subscription", capability)
	}
	return cd, nil
}

func (s *entitlementService) modeDecision(acc account.Account, effective account.Tier, requested account.ProcessingMode) (entitlement.ModeDecision, error) {
	if !requested.IsValid() {
		return entitlement.ModeDecision{}, fmt.Errorf("%w: %q", account.ErrInvalidMode, requested)
	}
	if requested == account.ModeStandard {
		return entitlement.ModeDecision{
			Requested:          requested,
			Effective:          account.ModeStandard,
			CapabilityDecision: entitlement.CapabilityDecision{Granted: true},
		}, nil
	}

	cd, err := s.capabilityDecision(entitlement.CapabilityEnhancedMode, effective)
	if err != nil {
		return entitlement.ModeDecision{}, err
	}
	md := entitlement.ModeDecision{Requested: requested, Effective: requested, CapabilityDecision: cd}
	if cd.FellBack {
		md.Effective = account.ModeStandard
		slog.Info("Processing mode fell back", "account_id", acc.ID, "requested", requested, "effective", md.Effective)
	}
	return md, nil
}

func (s *entitlementService) ResolveCapability(ctx context.Context, accountID string, capability entitlement.Capability) (entitlement.CapabilityDecision, error) {
	if s.adminBypass {
		return entitlement.CapabilityDecision{Capability: capability, Policy: s.policies[capability], Granted: true}, nil
	}
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return entitlement.CapabilityDecision{}, err
	}
	return s.capabilityDecision(capability, acc.EffectiveTier(s.clock.Now().UTC(), s.grace))
}

func (s *entitlementService) ResolveMode(ctx context.Context, accountID string, requested account.ProcessingMode) (entitlement.ModeDecision, error) {
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return entitlement.ModeDecision{}, err
	}
	if requested == "" {
		requested = acc.PreferredMode
	}
	effective := acc.EffectiveTier(s.clock.Now().UTC(), s.grace)
	if s.adminBypass {
		effective = account.TierPro
	}
	return s.modeDecision(acc, effective, requested)
}

// ==================== Usage ====================

func (s *entitlementService) RecordUsage(ctx context.Context, accountID string, usageType account.UsageType, count int, correlationID string) (account.UsageSummary, error) {
	if !usageType.IsValid() {
		return account.UsageSummary{}, account.ErrInvalidUsageType
	}
	if count < 1 {
		return account.UsageSummary{}, account.ErrInvalidUsageCount
	}

	now := s.clock.Now().UTC()
	acc, err := s.usage.Record(ctx, account.UsageRecord{
		ID:            uuid.NewString(),
		AccountID:     accountID,
		UsageType:     usageType,
		Count:         count,
		CorrelationID: correlationID,
		CreatedAt:     now,
	}, s.window)
	if err != nil {
		metrics.UsageRecordedTotal.WithLabelValues(string(usageType), "error").Inc()
		if errors.Is(err, account.ErrAccountNotFound) {
			return account.UsageSummary{}, err
		}
		return account.UsageSummary{}, fmt.Errorf("record usage: %w", err)
	}
	metrics.UsageRecordedTotal.WithLabelValues(string(usageType), "recorded").Inc()
	return s.summary(acc, now), nil
}

func (s *entitlementService) RecordUsageAsync(accountID string, usageType account.UsageType, count int, correlationID string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		metrics.UsageRecordedTotal.WithLabelValues(string(usageType), "dropped").Inc()
		slog.Warn("Usage dropped after shutdown", "account_id", accountID, "usage_type", usageType, "error", entitlement.ErrRecorderClosed)
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()

		if _, err := s.RecordUsage(ctx, accountID, usageType, count, correlationID); err != nil {
			slog.Error("Failed to record usage",
				"account_id", accountID,
				"usage_type", usageType,
				"count", count,
				"correlation_id", correlationID,
				"error", err,
			)
		}
	}()
}

func (s *entitlementService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *entitlementService) summary(acc account.Account, now time.Time) account.UsageSummary {
	used := acc.CurrentWeeklyUsage(now, s.window)
	out := account.UsageSummary{
		Used:    used,
		ResetAt: acc.NextUsageReset(now, s.window),
	}
	if acc.EffectiveTier(now, s.grace) == account.TierPro {
		out.Unlimited = true
		return out
	}
	out.Limit = s.freeLimit
	out.Remaining = max(s.freeLimit-used, 0)
	return out
}

func (s *entitlementService) Usage(ctx context.Context, accountID string) (account.UsageSummary, error) {
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return account.UsageSummary{}, err
	}
	return s.summary(acc, s.clock.Now().UTC()), nil
}

// ==================== Account View ====================

func (s *entitlementService) Snapshot(ctx context.Context, accountID string) (entitlement.Snapshot, error) {
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return entitlement.Snapshot{}, err
	}
	now := s.clock.Now().UTC()
	effective := acc.EffectiveTier(now, s.grace)
	isPro := effective == account.TierPro

	return entitlement.Snapshot{
		AccountID:         acc.ID,
		Tier:              acc.Tier,
		EffectiveTier:     effective,
		Status:            acc.Status,
		CurrentPeriodEnd:  acc.CurrentPeriodEnd,
		CancelAtPeriodEnd: acc.CancelAtPeriodEnd,
		InGrace:           acc.IsPro() && acc.InGrace(now, s.grace),
		PreferredMode:     acc.PreferredMode,
		Usage:             s.summary(acc, now),
		LifetimeUsage:     acc.LifetimeUsageCount,
		Capabilities: map[entitlement.Capability]bool{
			entitlement.CapabilityEnhancedMode:  isPro,
			entitlement.CapabilityPriorityQueue: isPro,
		},
	}, nil
}

func (s *entitlementService) Payments(ctx context.Context, accountID string, limit int) ([]billing.PaymentRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	payments, err := s.payments.ListByAccountID(ctx, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	if payments == nil {
		payments = []billing.PaymentRecord{}
	}
	return payments, nil
}

func (s *entitlementService) SetPreferredMode(ctx context.Context, accountID string, mode account.ProcessingMode) error {
	if !mode.IsValid() {
		return account.ErrInvalidMode
	}
	acc, err := s.accounts.GetByID(ctx, accountID)
	if err != nil {
		return err
	}
	if mode == account.ModeEnhanced && !s.adminBypass && acc.EffectiveTier(s.clock.Now().UTC(), s.grace) != account.TierPro {
		return entitlement.ErrCapabilityRequired
	}
	if err := s.accounts.SetPreferredMode(ctx, accountID, mode); err != nil {
		return fmt.Errorf("set preferred mode: %w", err)
	}
	return nil
}
