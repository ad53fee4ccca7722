// Package errors defines the service error taxonomy shared by the gas station
// components and its HTTP surface.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// Code classifies a ServiceError.
type Code string

const (
	CodeBadRequest          Code = "bad_request"
	CodeNotFound            Code = "not_found"
	CodeConflict            Code = "conflict"
	CodeInsufficientBalance Code = "insufficient_balance"
	CodeUnavailable         Code = "unavailable"
	CodeUnauthorized        Code = "unauthorized"
	CodeRateLimited         Code = "rate_limited"
	CodeInternal            Code = "internal"
)

// ServiceError is an error carrying its classification and HTTP status.
type ServiceError struct {
	Code       Code   `json:"code"`
	Message    string `json:"error"`
	HTTPStatus int    `json:"-"`
	Err        error  `json:"-"`
}

func (e *ServiceError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Wrap attaches an underlying cause.
func (e *ServiceError) Wrap(err error) *ServiceError {
	cp := *e
	cp.Err = err
	return &cp
}

func newError(code Code, status int, format string, args ...any) *ServiceError {
	return &ServiceError{Code: code, Message: fmt.Sprintf(format, args...), HTTPStatus: status}
}

// BadRequest reports a malformed request or transaction.
func BadRequest(format string, args ...any) *ServiceError {
	return newError(CodeBadRequest, http.StatusBadRequest, format, args...)
}

// NotFound reports an unknown job, account or balance.
func NotFound(resource, id string) *ServiceError {
	return newError(CodeNotFound, http.StatusNotFound, "%s not found: %s", resource, id)
}

// Conflict reports an expired job, a fencing mismatch or a policy violation.
// The public contract reports these as 400.
func Conflict(format string, args ...any) *ServiceError {
	return newError(CodeConflict, http.StatusBadRequest, format, args...)
}

// InsufficientBalance reports a debit that would make a balance negative.
func InsufficientBalance(token string, available, required int64) *ServiceError {
	return newError(CodeInsufficientBalance, http.StatusPaymentRequired,
		"insufficient balance for %s: available %d, required %d", token, available, required)
}

// Unavailable reports that no eligible pool account could be leased.
func Unavailable(format string, args ...any) *ServiceError {
	return newError(CodeUnavailable, http.StatusNotFound, format, args...)
}

// Unauthorized reports a missing or invalid client token.
func Unauthorized(message string) *ServiceError {
	return newError(CodeUnauthorized, http.StatusUnauthorized, "%s", message)
}

// RateLimitExceeded reports a request rejected by the rate limiter.
func RateLimitExceeded(limit int, window string) *ServiceError {
	return newError(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded: %d requests per %s", limit, window)
}

// Internal reports a datastore or provider failure.
func Internal(message string, err error) *ServiceError {
	e := newError(CodeInternal, http.StatusInternalServerError, "%s", message)
	e.Err = err
	return e
}

// As returns the first ServiceError in err's chain.
func As(err error) (*ServiceError, bool) {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	se, ok := As(err)
	return ok && se.Code == code
}

// HTTPStatus maps err to a status code; unclassified errors are 500.
func HTTPStatus(err error) int {
	if se, ok := As(err); ok && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}
