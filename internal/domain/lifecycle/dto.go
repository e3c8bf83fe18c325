package lifecycle

import (
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/validator"
)

// Operation names a reconciliation operation
type Operation string

const (
	OpSyncSubscriptionStatus      Operation = "sync_subscription_status"
	OpResetWeeklyUsage            Operation = "reset_weekly_usage"
	OpHandleGracePeriods          Operation = "handle_grace_periods"
	OpProcessExpiredSubscriptions Operation = "process_expired_subscriptions"
	OpSendRenewalReminders        Operation = "send_renewal_reminders"
	OpCleanupOldData              Operation = "cleanup_old_data"
)

// Operations lists every operation in RunAll order
var Operations = []Operation{
	OpSyncSubscriptionStatus,
	OpResetWeeklyUsage,
	OpHandleGracePeriods,
	OpProcessExpiredSubscriptions,
	OpSendRenewalReminders,
	OpCleanupOldData,
}

// ParseOperation resolves an operation by name
func ParseOperation(name string) (Operation, error) {
	for _, op := range Operations {
		if string(op) == name {
			return op, nil
		}
	}
	return "", ErrUnknownOperation
}

// Result is the outcome of one operation run
type Result struct {
	Operation      Operation      `json:"operation"`
	Success        bool           `json:"success"`
	ProcessedCount int            `json:"processed_count"`
	Details        map[string]any `json:"details,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      time.Time      `json:"started_at"`
	Duration       time.Duration  `json:"duration"`
}

// RunAllResult aggregates every operation of a RunAll pass
type RunAllResult struct {
	Success        bool      `json:"success"`
	ProcessedCount int       `json:"processed_count"`
	Results        []Result  `json:"results"`
	StartedAt      time.Time `json:"started_at"`
}

// CleanupOptions overrides the configured retention for one run
type CleanupOptions struct {
	RetentionDays int `json:"retention_days"`
}

// RunOperationRequest carries optional overrides for a manual run
type RunOperationRequest struct {
	RetentionDays *int `json:"retention_days,omitempty"`
}

func (r *RunOperationRequest) Validate() error {
	var errs validator.ValidationErrors

	if r.RetentionDays != nil && *r.RetentionDays <= 0 {
		errs = append(errs, validator.ValidationError{
			Field:   "retention_days",
			Message: "retention_days must be positive",
		})
	}

	if len(errs) > 0 {
		return errs
	}

	return nil
}

// CreateTaskRequest adds a custom interval task to the scheduler
type CreateTaskRequest struct {
	Name            string `json:"name"`
	Operation       string `json:"operation"`
	IntervalMinutes int    `json:"interval_minutes"`
}

func (r *CreateTaskRequest) Validate() error {
	var errs validator.ValidationErrors

	if validator.IsEmpty(r.Name) {
		errs = append(errs, validator.ValidationError{
			Field:   "name",
			Message: "name is required",
		})
	}
	if len(r.Name) > 100 {
		errs = append(errs, validator.ValidationError{
			Field:   "name",
			Message: "name must not exceed 100 characters",
		})
	}
	if validator.IsEmpty(r.Operation) {
		errs = append(errs, validator.ValidationError{
			Field:   "operation",
			Message: "operation is required",
		})
	}
	if r.IntervalMinutes < 1 {
		errs = append(errs, validator.ValidationError{
			Field:   "interval_minutes",
			Message: "interval_minutes must be at least 1",
		})
	}

	if len(errs) > 0 {
		return errs
	}

	return nil
}

// Interval returns the requested cadence
func (r *CreateTaskRequest) Interval() time.Duration {
	return time.Duration(r.IntervalMinutes) * time.Minute
}
