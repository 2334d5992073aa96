package models

// ErrorCode is the machine-readable code in an error response body
type ErrorCode string

const (
	ErrorCodeBadRequest         ErrorCode = "BAD_REQUEST"
	ErrorCodeUnauthorized       ErrorCode = "UNAUTHORIZED"
	ErrorCodeForbidden          ErrorCode = "FORBIDDEN"
	ErrorCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrorCodePrecondition       ErrorCode = "PRECONDITION_FAILED"
	ErrorCodeInvalidState       ErrorCode = "INVALID_STATE_TRANSITION"
	ErrorCodeTooManyToScan      ErrorCode = "TOO_MANY_TO_SCAN"
	ErrorCodeConfiguration      ErrorCode = "CONFIGURATION_ERROR"
	ErrorCodeAuditUnavailable   ErrorCode = "AUDIT_UNAVAILABLE"
	ErrorCodeInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrorCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)
