package protocol

import "fmt"

// Wire error codes. The vocabulary is fixed: peers switch on these
// strings, so new failure modes reuse the closest existing code.
const (
	CodeParseError         = "PARSE_ERROR"
	CodeInvalidRequest     = "INVALID_REQUEST"
	CodeMethodNotFound     = "METHOD_NOT_FOUND"
	CodeInvalidParams      = "INVALID_PARAMS"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeEventNotProvided   = "EVENT_NOT_PROVIDED"
	CodeParamsNotFound     = "PARAMS_NOT_FOUND"
	CodeMethodForbidden    = "METHOD_FORBIDDEN"
	CodeEventForbidden     = "EVENT_FORBIDDEN"
	CodeInvalidMethodName  = "INVALID_METHOD_NAME"
	CodeMethodNotSpecified = "METHOD_NOT_SPECIFIED"
	CodeSubscriptionError  = "SUBSCRIPTION_ERROR"
	CodeEventNotFound      = "EVENT_NOT_FOUND"
	CodeEventNotSubscribed = "EVENT_NOT_SUBSCRIBED"
	CodeAuthFailed         = "AUTHENTICATION_FAILED"
)

// Error is a wire-visible failure. It satisfies error so handlers can
// return it directly; anything else surfaces as INTERNAL_ERROR.
type Error struct {
	Code    string
	Message string
	Stack   string
	Errors  []string
}

func (e *Error) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewError builds a wire error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

var (
	ErrMethodForbidden = NewError(CodeMethodForbidden, "Method Forbidden")
	ErrMethodNotFound  = NewError(CodeMethodNotFound, "Method Not Found")
	ErrInvalidParams   = NewError(CodeInvalidParams, "Invalid Params")
	ErrAuthFailed      = NewError(CodeAuthFailed, "Authentication Failed")
	ErrTooManyRequests = NewError(CodeInternalError, "Too Many Requests")
)
