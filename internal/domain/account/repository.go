package account

import (
	"context"
	"time"
)

// AccountRepository handles account data operations
type AccountRepository interface {
	// GetByID retrieves an account by its ID
	GetByID(ctx context.Context, id string) (Account, error)

	// Create creates a new account. If an account with the same id already
	// exists it is returned unchanged.
	Create(ctx context.Context, account Account) (Account, error)

	// List retrieves accounts matching the filter
	List(ctx context.Context, filter Filter) ([]Account, error)

	// UpdateEntitlement overwrites tier, status and billing period fields
	UpdateEntitlement(ctx context.Context, id string, update EntitlementUpdate) error

	// TransitionStatus moves the account from one status to another only if
	// it is still in the expected status. Reports whether a row changed.
	TransitionStatus(ctx context.Context, id string, from Status, to Status) (bool, error)

	// Downgrade moves a PRO account to FREE, canceled, with a fresh usage
	// window starting at now. It applies only while the account still has the
	// status and period end the caller decided on. Reports whether a row changed.
	Downgrade(ctx context.Context, id string, expectedStatus Status, expectedPeriodEnd *time.Time, now time.Time) (bool, error)

	// AdvanceUsageWindow zeroes the weekly counter and moves the reset
	// timestamp, only if the reset timestamp still equals expected
	AdvanceUsageWindow(ctx context.Context, id string, expected time.Time, next time.Time) (bool, error)

	// MarkRenewalReminderSent stores the period end a reminder was sent for
	MarkRenewalReminderSent(ctx context.Context, id string, periodEnd time.Time) error

	// SetPreferredMode updates the account's preferred processing mode
	SetPreferredMode(ctx context.Context, id string, mode ProcessingMode) error
}

// UsageRepository handles usage record data operations
type UsageRepository interface {
	// Record appends a usage record and atomically increments the weekly and
	// lifetime counters. An elapsed window is rolled over in the same update.
	Record(ctx context.Context, record UsageRecord, window time.Duration) (Account, error)

	// DeleteBefore deletes up to limit usage records created before the cutoff
	DeleteBefore(ctx context.Context, before time.Time, limit int) (int64, error)
}
