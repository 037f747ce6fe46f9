package core

import "fmt"

// Code identifies a gateway failure class. Codes are stable strings exposed
// on the wire and stored on request records.
type Code string

const (
	CodeUnauthorized        Code = "unauthorized"
	CodeInvalidRequest      Code = "invalid_request"
	CodeSessionNotFound     Code = "session_not_found"
	CodeNoActiveSession     Code = "no_active_session"
	CodeAccountSuspended    Code = "account_suspended"
	CodeInsufficientCredits Code = "insufficient_credits"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeNoKeyAvailable      Code = "no_key_available"
	CodeProviderError       Code = "provider_error"
	CodeInternal            Code = "internal_error"
)

// Error is a gateway failure with a stable code and a caller-safe message.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a gateway error.
func NewError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the gateway code from err, or CodeInternal for plain errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if ge, ok := err.(*Error); ok {
		return ge.Code
	}
	return CodeInternal
}
