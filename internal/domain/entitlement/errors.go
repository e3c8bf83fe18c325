package entitlement

import "errors"

var (
	ErrUpgradeRequired    = errors.New("this operation requires a PRO subscription")
	ErrUsageLimitExceeded = errors.New("weekly usage limit reached")
	ErrCapabilityRequired = errors.New("capability not available on current plan")
	ErrUnknownCapability  = errors.New("unknown capability")
	ErrRecorderClosed     = errors.New("usage recorder is shut down")
)
