package entitlement

import (
	"context"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
)

// EntitlementService answers entitlement questions for protected routes
type EntitlementService interface {
	// EnsureAccount returns the account, provisioning a FREE account on first sight
	EnsureAccount(ctx context.Context, accountID string, email string) (account.Account, error)

	// Gate runs bypass, tier restriction, mode and capability resolution and
	// usage metering in that order
	Gate(ctx context.Context, accountID string, req Request) (Evaluation, error)

	// Check runs tier restriction and usage metering for an operation
	Check(ctx context.Context, accountID string, class Classification) (Decision, error)

	// ResolveCapability applies the configured policy for a capability
	ResolveCapability(ctx context.Context, accountID string, capability Capability) (CapabilityDecision, error)

	// ResolveMode picks the processing mode an operation actually runs in
	ResolveMode(ctx context.Context, accountID string, requested account.ProcessingMode) (ModeDecision, error)

	// RecordUsage synchronously records a completed metered operation
	RecordUsage(ctx context.Context, accountID string, usageType account.UsageType, count int, correlationID string) (account.UsageSummary, error)

	// RecordUsageAsync queues RecordUsage to run after the response is written
	RecordUsageAsync(accountID string, usageType account.UsageType, count int, correlationID string)

	// Usage returns the weekly quota view
	Usage(ctx context.Context, accountID string) (account.UsageSummary, error)

	// Snapshot returns the full entitlement view of an account
	Snapshot(ctx context.Context, accountID string) (Snapshot, error)

	// Payments lists recent payments of an account
	Payments(ctx context.Context, accountID string, limit int) ([]billing.PaymentRecord, error)

	// SetPreferredMode stores the account's preferred processing mode
	SetPreferredMode(ctx context.Context, accountID string, mode account.ProcessingMode) error

	// Shutdown waits for queued usage writes
	Shutdown(ctx context.Context) error
}
