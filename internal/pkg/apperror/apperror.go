package apperror

// AppError is a custom error type that includes an HTTP status code and an optional
// machine-readable reason code.
type AppError struct {
	Code    int    // HTTP Status Code (e.g., 400, 404)
	Reason  string // Machine-readable reason (e.g., "INVALID_REQUEST"), optional
	Message string // User-facing error message
}

func (e *AppError) Error() string {
	return e.Message
}

// New creates a new AppError with a status code and message.
func New(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// NewWithReason creates a new AppError that also carries a reason code.
func NewWithReason(code int, reason, message string) *AppError {
	return &AppError{
		Code:    code,
		Reason:  reason,
		Message: message,
	}
}
