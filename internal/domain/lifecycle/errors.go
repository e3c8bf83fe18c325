package lifecycle

import "errors"

var (
	ErrUnknownOperation   = errors.New("unknown lifecycle operation")
	ErrInvalidRetention   = errors.New("retention days must be positive")
	ErrProviderNotEnabled = errors.New("billing provider is not configured")
)
