package models

import "fmt"

// Closed set of error codes used across every phase of the import pipeline.
const (
	ErrCodeMissingRequiredFiles = "MISSING_REQUIRED_FILES"
	ErrCodeInvalidGeometry      = "INVALID_GEOMETRY"
	ErrCodeEmptyGeometry        = "EMPTY_GEOMETRY"
	ErrCodeUnsupportedGeometry  = "UNSUPPORTED_GEOMETRY_TYPE"
	ErrCodeLikelyProjected      = "LIKELY_PROJECTED_COORDINATES"
	ErrCodeDuplicateGeometry    = "DUPLICATE_GEOMETRY"
	ErrCodeDuplicateFile        = "DUPLICATE_FILE"
	ErrCodeLimitExceeded        = "LIMIT_EXCEEDED"
	ErrCodeValidation           = "VALIDATION_ERROR"
	ErrCodeNotFound             = "NOT_FOUND"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeAlreadyApplied       = "ALREADY_APPLIED"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// ImportError carries a stable code, a human message, and a structured detail
// payload so the caller can render field- or feature-level feedback.
type ImportError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewImportError(code string, message string, details map[string]interface{}) *ImportError {
	return &ImportError{Code: code, Message: message, Details: details}
}

// ValidationError reports a bad input value for a named field.
func ValidationError(field string, message string) *ImportError {
	return &ImportError{
		Code:    ErrCodeValidation,
		Message: message,
		Details: map[string]interface{}{"field": field},
	}
}

// LimitError reports an exceeded ceiling with the limit, the actual value and
// the resource the limit protects.
func LimitError(resource string, limit int64, actual int64) *ImportError {
	return &ImportError{
		Code:    ErrCodeLimitExceeded,
		Message: fmt.Sprintf("%s limit exceeded: %d > %d", resource, actual, limit),
		Details: map[string]interface{}{"resource": resource, "limit": limit, "actual": actual},
	}
}

// AsImportError wraps any error into the taxonomy. Unclassified errors become
// INTERNAL_ERROR with the original message kept for logging.
func AsImportError(err error) *ImportError {
	if err == nil {
		return nil
	}
	if ie, ok := err.(*ImportError); ok {
		return ie
	}
	return &ImportError{Code: ErrCodeInternal, Message: err.Error()}
}
