package stripe

import "github.com/cmlabs-hris/entitlement-backend-go/internal/domain/billing"

// MapSubscriptionStatus converts a Stripe subscription status into the local
// closed set. Statuses with no local meaning, such as paused, map to Unknown.
func MapSubscriptionStatus(raw string) billing.SubscriptionStatus {
	switch raw {
	case "active":
		return billing.SubscriptionStatusActive
	case "trialing":
		return billing.SubscriptionStatusTrialing
	case "past_due", "unpaid":
		return billing.SubscriptionStatusPastDue
	case "canceled", "incomplete_expired":
		return billing.SubscriptionStatusCanceled
	case "incomplete":
		return billing.SubscriptionStatusIncomplete
	default:
		return billing.SubscriptionStatusUnknown
	}
}
