package lifecycle

import "context"

// LifecycleService holds the idempotent reconciliation operations.
// Every operation reports failures through Result rather than aborting a batch.
type LifecycleService interface {
	SyncSubscriptionStatus(ctx context.Context) Result
	ResetWeeklyUsage(ctx context.Context) Result
	HandleGracePeriods(ctx context.Context) Result
	ProcessExpiredSubscriptions(ctx context.Context) Result
	SendRenewalReminders(ctx context.Context) Result
	CleanupOldData(ctx context.Context, opts CleanupOptions) Result

	// Run executes a single operation by name with default options
	Run(ctx context.Context, op Operation) Result

	// RunAll executes every operation in order; one failure does not stop the rest
	RunAll(ctx context.Context) RunAllResult
}
