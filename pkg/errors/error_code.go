package errors

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeInvalidQuantity      ErrorCode = 100
	ErrCodeInvalidOrder         ErrorCode = 101
	ErrCodeInvalidRiskTargets   ErrorCode = 102
	ErrCodeInvalidConfiguration ErrorCode = 103
	ErrCodeInvalidParameter     ErrorCode = 104
	ErrCodeInvalidExitPrice     ErrorCode = 105

	// Market data errors (200-299)
	ErrCodeNoMarketPrice   ErrorCode = 200
	ErrCodeFeedUnavailable ErrorCode = 201

	// Account errors (300-399)
	ErrCodeInsufficientEquity ErrorCode = 300

	// Persistence errors (400-499)
	ErrCodeRequestConflict  ErrorCode = 400
	ErrCodePositionNotFound ErrorCode = 401
	ErrCodePositionClosed   ErrorCode = 402
	ErrCodeStorageFailed    ErrorCode = 403
	ErrCodeBalanceConflict  ErrorCode = 404

	// Risk monitor errors (500-599)
	ErrCodeTriggerCloseFailed ErrorCode = 500
)
