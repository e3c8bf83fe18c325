package account

import "time"

// Tier is the billing tier of an account
type Tier string

const (
	TierFree Tier = "free"
	TierPro  Tier = "pro"
)

// Status mirrors the subscription status the account is currently entitled under
type Status string

const (
	StatusActive     Status = "active"
	StatusPastDue    Status = "past_due"
	StatusCanceled   Status = "canceled"
	StatusIncomplete Status = "incomplete"
	StatusTrialing   Status = "trialing"
)

// ProcessingMode is the processing mode an account prefers for metered operations
type ProcessingMode string

const (
	ModeStandard ProcessingMode = "standard"
	ModeEnhanced ProcessingMode = "enhanced"
)

// IsValid reports whether the mode is a known processing mode
func (m ProcessingMode) IsValid() bool {
	return m == ModeStandard || m == ModeEnhanced
}

// UsageType classifies a metered operation
type UsageType string

const (
	UsageResumeProcessing UsageType = "resume_processing"
	UsageCoverLetter      UsageType = "cover_letter"
	UsageBulkProcessing   UsageType = "bulk_processing"
)

// IsValid reports whether the usage type is known
func (u UsageType) IsValid() bool {
	switch u {
	case UsageResumeProcessing, UsageCoverLetter, UsageBulkProcessing:
		return true
	}
	return false
}

// Account is an identity plus its entitlement snapshot
type Account struct {
	ID                     string         `json:"id"`
	Email                  string         `json:"email"`
	Tier                   Tier           `json:"tier"`
	Status                 Status         `json:"status"`
	CurrentPeriodStart     *time.Time     `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time     `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool           `json:"cancel_at_period_end"`
	WeeklyUsageCount       int            `json:"weekly_usage_count"`
	WeeklyUsageResetAt     time.Time      `json:"weekly_usage_reset_at"`
	LifetimeUsageCount     int64          `json:"lifetime_usage_count"`
	PreferredMode          ProcessingMode `json:"preferred_mode"`
	RenewalReminderSentFor *time.Time     `json:"-"`
	CreatedAt              time.Time      `json:"created_at"`
	UpdatedAt              time.Time      `json:"updated_at"`
}

// IsPro reports whether the stored tier is PRO, regardless of status
func (a Account) IsPro() bool {
	return a.Tier == TierPro
}

// InGrace reports whether a lapsed period is still covered by the grace window.
// Only past-due accounts, or active accounts that missed a renewal, qualify;
// an account set to cancel at period end gets no grace.
func (a Account) InGrace(now time.Time, grace time.Duration) bool {
	if a.CurrentPeriodEnd == nil {
		return false
	}
	switch a.Status {
	case StatusPastDue:
	case StatusActive:
		if a.CancelAtPeriodEnd {
			return false
		}
	default:
		return false
	}
	end := *a.CurrentPeriodEnd
	return !now.Before(end) && now.Before(end.Add(grace))
}

// EffectiveTier is the tier the account is entitled to right now
func (a Account) EffectiveTier(now time.Time, grace time.Duration) Tier {
	if a.Tier != TierPro {
		return TierFree
	}
	switch a.Status {
	case StatusActive, StatusTrialing, StatusPastDue:
		if a.CurrentPeriodEnd == nil || now.Before(*a.CurrentPeriodEnd) || a.InGrace(now, grace) {
			return TierPro
		}
	}
	return TierFree
}

// UsageWindowElapsed reports whether the weekly window has rolled over without a reset yet
func (a Account) UsageWindowElapsed(now time.Time, window time.Duration) bool {
	return !now.Before(a.WeeklyUsageResetAt.Add(window))
}

// NextUsageReset returns the reset boundary the current counter runs until
func (a Account) NextUsageReset(now time.Time, window time.Duration) time.Time {
	return a.WeeklyUsageResetAt.Add(window * time.Duration(ElapsedWindows(a.WeeklyUsageResetAt, now, window)+1))
}

// CurrentWeeklyUsage returns the counter as it applies now, treating an
// elapsed window as already reset
func (a Account) CurrentWeeklyUsage(now time.Time, window time.Duration) int {
	if a.UsageWindowElapsed(now, window) {
		return 0
	}
	return a.WeeklyUsageCount
}

// ElapsedWindows returns how many whole windows separate resetAt from now
func ElapsedWindows(resetAt, now time.Time, window time.Duration) int64 {
	if window <= 0 || now.Before(resetAt) {
		return 0
	}
	return int64(now.Sub(resetAt) / window)
}

// UsageRecord is an append-only fact written after a metered operation succeeds
type UsageRecord struct {
	ID            string    `json:"id"`
	AccountID     string    `json:"account_id"`
	UsageType     UsageType `json:"usage_type"`
	Count         int       `json:"count"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}
