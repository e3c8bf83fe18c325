package entitlement

import (
	"time"

	"github.com/cmlabs-hris/entitlement-backend-go/internal/domain/account"
)

// Kind is how the gate treats an inbound operation
type Kind string

const (
	KindBypass         Kind = "bypass"
	KindStandard       Kind = "standard"
	KindTierRestricted Kind = "tier_restricted"
	KindMetered        Kind = "metered"
)

// Classification describes the gating rules for one operation
type Classification struct {
	Kind         Kind              `json:"kind"`
	RequiredTier account.Tier      `json:"required_tier,omitempty"`
	UsageType    account.UsageType `json:"usage_type,omitempty"`
	UsageCount   int               `json:"usage_count,omitempty"`
	// ModeAware operations run in a processing mode and may ask for priority
	ModeAware bool `json:"mode_aware,omitempty"`
}

// IsMetered reports whether the operation consumes weekly quota
func (c Classification) IsMetered() bool {
	return c.UsageType != ""
}

// Capability is a narrower feature checked after the tier restriction
type Capability string

const (
	CapabilityEnhancedMode  Capability = "enhanced_mode"
	CapabilityPriorityQueue Capability = "priority_queue"
)

// Policy decides what happens when an account lacks a capability
type Policy string

const (
	PolicyBlock    Policy = "block"
	PolicyFallback Policy = "fallback"
)

// IsValid reports whether the policy is known
func (p Policy) IsValid() bool {
	return p == PolicyBlock || p == PolicyFallback
}

// Outcome is the result of an entitlement check
type Outcome string

const (
	OutcomeAllowed         Outcome = "allowed"
	OutcomeUpgradeRequired Outcome = "upgrade_required"
	OutcomeRateLimited     Outcome = "rate_limited"
)

// Machine-readable denial codes
const (
	CodeUpgradeRequired    = "UPGRADE_REQUIRED"
	CodeUsageLimitExceeded = "USAGE_LIMIT_EXCEEDED"
	CodeCapabilityRequired = "CAPABILITY_REQUIRED"
)

// Decision is the answer to an entitlement check
type Decision struct {
	Outcome      Outcome       `json:"outcome"`
	Code         string        `json:"code,omitempty"`
	Message      string        `json:"message,omitempty"`
	CurrentTier  account.Tier  `json:"current_tier"`
	RequiredTier account.Tier  `json:"required_tier,omitempty"`
	Limit        int           `json:"limit,omitempty"`
	Remaining    int           `json:"remaining"`
	Unlimited    bool          `json:"unlimited"`
	ResetAt      *time.Time    `json:"reset_at,omitempty"`
	RetryAfter   time.Duration `json:"-"`
	UpgradeURL   string        `json:"upgrade_url,omitempty"`
	Bypassed     bool          `json:"-"`
}

// Allowed reports whether the operation may proceed
func (d Decision) Allowed() bool {
	return d.Outcome == OutcomeAllowed
}

// CapabilityDecision is the answer to a capability check
type CapabilityDecision struct {
	Capability Capability `json:"capability"`
	Policy     Policy     `json:"policy"`
	Granted    bool       `json:"granted"`
	FellBack   bool       `json:"fell_back"`
	Blocked    bool       `json:"blocked"`
	Reason     string     `json:"reason,omitempty"`
	UpgradeURL string     `json:"upgrade_url,omitempty"`
}

// ModeDecision resolves a requested processing mode
type ModeDecision struct {
	Requested account.ProcessingMode `json:"requested"`
	Effective account.ProcessingMode `json:"effective"`
	CapabilityDecision
}

// Request is one operation presented to the gate
type Request struct {
	Class Classification
	// RequestedMode is empty when the caller did not ask for a mode; the
	// account preference applies then
	RequestedMode account.ProcessingMode
	Priority      bool
}

// Evaluation is the full gate answer. Mode and Priority are set for
// mode-aware operations that got past the tier check.
type Evaluation struct {
	Decision Decision
	Mode     *ModeDecision
	Priority *CapabilityDecision
}

// Snapshot is the account-facing entitlement view
type Snapshot struct {
	AccountID         string                 `json:"account_id"`
	Tier              account.Tier           `json:"tier"`
	EffectiveTier     account.Tier           `json:"effective_tier"`
	Status            account.Status         `json:"status"`
	CurrentPeriodEnd  *time.Time             `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool                   `json:"cancel_at_period_end"`
	InGrace           bool                   `json:"in_grace"`
	PreferredMode     account.ProcessingMode `json:"preferred_mode"`
	Usage             account.UsageSummary   `json:"usage"`
	LifetimeUsage     int64                  `json:"lifetime_usage"`
	Capabilities      map[Capability]bool    `json:"capabilities"`
}
