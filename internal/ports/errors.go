package ports

import "errors"

// Standard application-level errors.
// Adapters should wrap underlying infrastructure errors with these standard errors.
var (
	// General Errors
	ErrUnknown            = errors.New("unknown error occurred")
	ErrInvalidRequest     = errors.New("invalid request parameters or format")
	ErrNotFound           = errors.New("resource not found")
	ErrTimeout            = errors.New("operation timed out")
	ErrContextCanceled    = errors.New("operation canceled via context")
	ErrConfigurationError = errors.New("invalid or missing configuration")

	// Exchange Specific Errors
	ErrExchangeUnavailable  = errors.New("exchange API is unavailable")
	ErrConnectionFailed     = errors.New("failed to connect to the exchange")
	ErrRateLimited          = errors.New("API rate limit exceeded")
	ErrAuthenticationFailed = errors.New("exchange authentication failed (check API keys)")
	ErrInvalidAPIKeys       = errors.New("invalid API keys or permissions")
	ErrInsufficientFunds    = errors.New("insufficient funds for operation")
	ErrOrderNotFound        = errors.New("order not found on the exchange")
	ErrPositionNotFound     = errors.New("position not found on the exchange")
	ErrOrderPlacementFailed = errors.New("failed to place order")
	ErrOrderCancelFailed    = errors.New("failed to cancel order")
	ErrUnsupportedVenue     = errors.New("operation not supported by this venue")

	// Policy Errors (signal rejected before any remote call)
	ErrStrategyPaused      = errors.New("strategy is paused or inactive")
	ErrCycleExhausted      = errors.New("single-cycle strategy already completed a trade")
	ErrDirectionNotAllowed = errors.New("signal side blocked by strategy direction filter")
	ErrDuplicatePosition   = errors.New("open position already exists and averaging is disabled")
	ErrNotionalTooLow      = errors.New("order notional value below exchange minimum")
	ErrExecutionDisabled   = errors.New("neither testnet nor real-account execution is enabled")
	ErrMissingCredentials  = errors.New("strategy has no API credentials")

	// Database Specific Errors
	ErrDuplicateEntry = errors.New("database record already exists")
	ErrDBConnection   = errors.New("database connection error")
	ErrQueryFailed    = errors.New("database query failed")
	ErrUpdateFailed   = errors.New("database update failed")
)
