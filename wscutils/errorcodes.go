package wscutils

// Canonical error codes carried in the error envelope.
const (
	ErrCodeInternal       = "INTERNAL"
	ErrCodeInvalidJSON    = "INVALID_JSON"
	ErrCodeValidation     = "VALIDATION"
	ErrCodeUnauthorized   = "UNAUTHORIZED"
	ErrCodeForbidden      = "FORBIDDEN"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeRateLimited    = "RATE_LIMITED"
	ErrCodeTimeout        = "REQUEST_TIMEOUT"
	ErrCodeMissingPrompts = "MISSING_PROMPTS"
	ErrCodeEmptyPrompts   = "EMPTY_PROMPTS"
	ErrCodeTooManyRefs    = "TOO_MANY_REFERENCE_IMAGES"
	ErrCodeRefTooLarge    = "REFERENCE_IMAGE_TOO_LARGE"
)
