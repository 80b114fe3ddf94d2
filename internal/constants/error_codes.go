package constants

const (
	// Codes the client recognises in the {"error":{"code":...}} envelope.
	ErrCodeRateLimited  = "RATE_LIMIT_EXCEEDED"
	ErrCodeInvalidCreds = "INVALID_CREDENTIALS"
	ErrCodeConflict     = "CONFLICT"
)
