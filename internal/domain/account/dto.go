package account

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/validator"
)

// Filter selects accounts for batch reconciliation. Results are ordered by id
// and AfterID continues a previous page.
type Filter struct {
	Tiers            []Tier
	Statuses         []Status
	PeriodEndBefore  *time.Time
	PeriodEndAfter   *time.Time
	UsageResetBefore *time.Time
	AfterID          string
	Limit            int
}

// EntitlementUpdate carries the provider-authoritative fields applied by
// webhooks and sync passes
type EntitlementUpdate struct {
	Tier               Tier
	Status             Status
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}

// UsageSummary is the caller-facing view of the weekly quota
type UsageSummary struct {
	Used      int       `json:"used"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	Unlimited bool      `json:"unlimited"`
	ResetAt   time.Time `json:"reset_at"`
}

// UpdatePreferencesRequest changes the stored processing mode
type UpdatePreferencesRequest struct {
	PreferredMode ProcessingMode `json:"preferred_mode"`
}

func (r *UpdatePreferencesRequest) Validate() error {
	var errs validator.ValidationErrors

	if validator.IsEmpty(string(r.PreferredMode)) {
		errs = append(errs, validator.ValidationError{
			Field:   "preferred_mode",
			Message: "preferred_mode is required",
		})
	} else if !r.PreferredMode.IsValid() {
		errs = append(errs, validator.ValidationError{
			Field:   "preferred_mode",
			Message: "preferred_mode must be one of: standard, enhanced",
		})
	}

	if len(errs) > 0 {
		return errs
	}

	return nil
}

// MaxBulkItems caps the number of documents in one bulk request
const MaxBulkItems = 50

// ProcessRequest submits a single document for processing
type ProcessRequest struct {
	Input json.RawMessage `json:"input"`
}

func (r *ProcessRequest) Validate() error {
	var errs validator.ValidationErrors

	if len(r.Input) == 0 || string(r.Input) == "null" {
		errs = append(errs, validator.ValidationError{
			Field:   "input",
			Message: "input is required",
		})
	}

	if len(errs) > 0 {
		return errs
	}

	return nil
}

// BulkProcessRequest submits several documents as one job
type BulkProcessRequest struct {
	Items []json.RawMessage `json:"items"`
}

func (r *BulkProcessRequest) Validate() error {
	var errs validator.ValidationErrors

	if len(r.Items) == 0 {
		errs = append(errs, validator.ValidationError{
			Field:   "items",
			Message: "items must not be empty",
		})
	}
	if len(r.Items) > MaxBulkItems {
		errs = append(errs, validator.ValidationError{
			Field:   "items",
			Message: fmt.Sprintf("items must not exceed %d entries", MaxBulkItems),
		})
	}

	if len(errs) > 0 {
		return errs
	}

	return nil
}
