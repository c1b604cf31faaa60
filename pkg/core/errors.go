package core

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the category of a manager API error.
type ErrorType int

// Error type constants categorize errors for proper handling and retry logic.
const (
	// ErrorTypeUnknown indicates an unclassified error.
	ErrorTypeUnknown ErrorType = iota
	// ErrorTypeConnection indicates a network, timeout or handshake transport failure.
	ErrorTypeConnection
	// ErrorTypeAuth indicates the server rejected the manager credentials.
	ErrorTypeAuth
	// ErrorTypeTrade indicates the server rejected a trade request.
	ErrorTypeTrade
	// ErrorTypeUser indicates the server rejected a user request.
	ErrorTypeUser
	// ErrorTypeEncoding indicates a request field failed local validation before sending.
	ErrorTypeEncoding
	// ErrorTypeProtocol indicates a malformed answer or a correlation mismatch.
	ErrorTypeProtocol
)

// String returns the string representation of the error type.
func (t ErrorType) String() string {
	return [...]string{
		"UNKNOWN",
		"CONNECTION",
		"AUTH",
		"TRADE",
		"USER",
		"ENCODING",
		"PROTOCOL",
	}[t]
}

// Sentinel errors for common error conditions.
var (
	// ErrNotConnected is returned when a command is issued without a connection.
	ErrNotConnected = errors.New("not connected")
	// ErrSessionClosed is returned when attempting to use a closed session.
	ErrSessionClosed = errors.New("session is closed")
	// ErrCircuitBreakerOpen is returned when repeated connect failures opened the breaker.
	ErrCircuitBreakerOpen = errors.New("circuit breaker is open")
	// ErrPoolClosed is returned when attempting to use a closed pool.
	ErrPoolClosed = errors.New("pool is closed")
)

// APIError is the structured error of every protocol operation. It always
// carries exactly one result code.
type APIError struct {
	// Type categorizes the error for programmatic handling.
	Type ErrorType `json:"type"`
	// Code is the result code sent by the server or produced locally.
	Code RetCode `json:"code"`
	// Op names the operation that failed, e.g. "trade_balance".
	Op string `json:"op"`
	// Message adds detail beyond the code description.
	Message string `json:"message,omitempty"`
	// Err is the underlying cause, if any.
	Err error `json:"-"`
	// Timestamp is when the error occurred.
	Timestamp time.Time `json:"timestamp"`
}

// Error implements the error interface for APIError.
// It returns a formatted string with operation, error type, code and message.
func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code.Message()
	}
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s (%d): %s: %v", e.Op, e.Type, e.Code, msg, e.Err)
	}
	return fmt.Sprintf("[%s] %s (%d): %s", e.Op, e.Type, e.Code, msg)
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	return e.Err
}

// NewAPIError creates a new APIError with the specified details.
// The timestamp is automatically set to the current time.
func NewAPIError(errorType ErrorType, code RetCode, op, message string) *APIError {
	return &APIError{
		Type:      errorType,
		Code:      code,
		Op:        op,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError creates an APIError around an underlying cause.
func WrapError(errorType ErrorType, code RetCode, op string, err error) *APIError {
	return &APIError{
		Type:      errorType,
		Code:      code,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// ErrorTypeForCode maps a result code class onto an error type.
func ErrorTypeForCode(code RetCode) ErrorType {
	switch {
	case code.IsConnection():
		return ErrorTypeConnection
	case code.IsAuth():
		return ErrorTypeAuth
	case code.IsTrade():
		return ErrorTypeTrade
	case code.IsUser():
		return ErrorTypeUser
	case code == RetClientEncoding:
		return ErrorTypeEncoding
	case code == RetClientProtocol, code == RetClientUnknown:
		return ErrorTypeProtocol
	default:
		return ErrorTypeUnknown
	}
}

// AsAPIError extracts an APIError from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// CodeOf returns the result code carried by err: RetOK for nil, RetError for
// errors that do not carry a code.
func CodeOf(err error) RetCode {
	if err == nil {
		return RetOK
	}
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Code
	}
	return RetError
}

func isType(err error, t ErrorType) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Type == t
	}
	return false
}

// IsConnectionError returns true if the error is a connection level failure.
// The connection is gone; the next call reconnects.
func IsConnectionError(err error) bool {
	return isType(err, ErrorTypeConnection)
}

// IsAuthError returns true if the server rejected the credentials.
// Authentication errors require credential changes and are not retryable.
func IsAuthError(err error) bool {
	return isType(err, ErrorTypeAuth)
}

// IsTradeError returns true if the server rejected a trade request.
func IsTradeError(err error) bool {
	return isType(err, ErrorTypeTrade)
}

// IsUserError returns true if the server rejected a user request.
func IsUserError(err error) bool {
	return isType(err, ErrorTypeUser)
}

// IsEncodingError returns true if a request failed local validation. Nothing was sent.
func IsEncodingError(err error) bool {
	return isType(err, ErrorTypeEncoding)
}

// IsProtocolError returns true if the server answer was malformed or mismatched.
func IsProtocolError(err error) bool {
	return isType(err, ErrorTypeProtocol)
}

// IsTimeoutError returns true if the error carries a timeout code. The outcome
// of the request is unknown.
func IsTimeoutError(err error) bool {
	return CodeOf(err) == RetErrTimeout
}
