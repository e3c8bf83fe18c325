package account

import "errors"

var (
	// Account errors
	ErrAccountNotFound  = errors.New("account not found")
	ErrAccountIDMissing = errors.New("account id is required")
	ErrInvalidAccountID = errors.New("account id must be a UUID")
	ErrInvalidMode      = errors.New("invalid processing mode")

	// Access errors
	ErrAdminPrivilegeRequired = errors.New("admin privilege required")

	// Usage errors
	ErrInvalidUsageCount = errors.New("usage count must be positive")
	ErrInvalidUsageType  = errors.New("invalid usage type")
)
