package response

import (
	"errors"
	"net/http"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/entitlement"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/lifecycle"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/cron"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/jwt"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/processing"
	"github.com/cmlabs-hris/entitlement-backend-go/internal/pkg/validator"
)

// HandleError maps domain errors to HTTP responses
func HandleError(w http.ResponseWriter, err error) {
	// Check if it's a validation error
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) {
		ValidationError(w, validationErrs.ToMap())
		return
	}

	switch {
	// Auth errors
	case errors.Is(err, jwt.ErrMissingAccountID), errors.Is(err, jwt.ErrWrongTokenType):
		Unauthorized(w, err.Error())
	case errors.Is(err, account.ErrAdminPrivilegeRequired):
		Forbidden(w, "Admin privilege required")

	// Account domain errors
	case errors.Is(err, account.ErrAccountNotFound):
		NotFound(w, "Account not found")
	case errors.Is(err, account.ErrAccountIDMissing), errors.Is(err, account.ErrInvalidAccountID):
		Unauthorized(w, err.Error())
	case errors.Is(err, account.ErrInvalidMode),
		errors.Is(err, account.ErrInvalidUsageType),
		errors.Is(err, account.ErrInvalidUsageCount):
		BadRequest(w, err.Error(), nil)

	// Entitlement domain errors
	case errors.Is(err, entitlement.ErrCapabilityRequired):
		Denied(w, http.StatusForbidden, entitlement.CodeCapabilityRequired, err.Error(), nil)
	case errors.Is(err, entitlement.ErrUpgradeRequired):
		Denied(w, http.StatusForbidden, entitlement.CodeUpgradeRequired, err.Error(), nil)

	// Billing domain errors
	case errors.Is(err, billing.ErrMissingSignature), errors.Is(err, billing.ErrInvalidSignature),
		errors.Is(err, billing.ErrUnsupportedEvent):
		BadRequest(w, err.Error(), nil)
	case errors.Is(err, billing.ErrPayloadTooLarge):
		PayloadTooLarge(w, err.Error())
	case errors.Is(err, billing.ErrWebhookEventNotFound):
		NotFound(w, "Webhook event not found")
	case errors.Is(err, billing.ErrEventNotReplayable):
		Conflict(w, err.Error())
	case errors.Is(err, billing.ErrProviderUnavailable):
		ServiceUnavailable(w, "Billing provider unavailable")

	// Lifecycle and scheduler errors
	case errors.Is(err, lifecycle.ErrUnknownOperation), errors.Is(err, cron.ErrUnknownOperation):
		BadRequest(w, err.Error(), nil)
	case errors.Is(err, lifecycle.ErrInvalidRetention):
		BadRequest(w, err.Error(), nil)
	case errors.Is(err, cron.ErrTaskNotFound):
		NotFound(w, "Task not found")
	case errors.Is(err, cron.ErrTaskExists), errors.Is(err, cron.ErrBaselineTask):
		Conflict(w, err.Error())
	case errors.Is(err, cron.ErrIntervalTooShort),
		errors.Is(err, cron.ErrInvalidCadence),
		errors.Is(err, cron.ErrInvalidTaskName):
		BadRequest(w, err.Error(), nil)

	// Processing worker errors
	case errors.Is(err, processing.ErrRejected):
		BadRequest(w, err.Error(), nil)
	case errors.Is(err, processing.ErrWorkerUnavailable):
		ServiceUnavailable(w, "Processing is temporarily unavailable")

	// Default
	default:
		InternalServerError(w, "An unexpected error occurred")
	}
}
