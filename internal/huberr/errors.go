// Package huberr defines the hub's stable error taxonomy. Every error that
// crosses the HTTP boundary is either an *Error or gets wrapped into one by
// the web layer's mapper.
package huberr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes surfaced as {error_code, detail} in HTTP responses.
const (
	CodeConfig               = "CONFIG_ERROR"
	CodeIdentity             = "IDENTITY_ERROR"
	CodeMountVisibility      = "MOUNT_VISIBILITY_ERROR"
	CodeNetworkReachability  = "NETWORK_REACHABILITY_ERROR"
	CodeCredentialResolution = "CREDENTIAL_RESOLUTION_ERROR"
	CodeBadRequest           = "BAD_REQUEST"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeForbidden            = "FORBIDDEN"
	CodeNotFound             = "NOT_FOUND"
	CodeConflict             = "CONFLICT"
	CodeUnprocessable        = "UNPROCESSABLE_ENTITY"
	CodeRateLimited          = "RATE_LIMITED"
	CodeUpstream             = "UPSTREAM_ERROR"
	CodeInternal             = "INTERNAL_ERROR"
	CodeProjectBuildCancel   = "PROJECT_BUILD_CANCELLED_ERROR"
)

// Error carries a stable code, an HTTP status, and a human-readable detail.
type Error struct {
	Code   string
	Status int
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Detail, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Detail)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an *Error with an explicit status.
func New(code string, status int, format string, args ...any) *Error {
	return &Error{Code: code, Status: status, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause while keeping the code/status of e intact.
func (e *Error) Wrap(cause error) *Error {
	return &Error{Code: e.Code, Status: e.Status, Detail: e.Detail, cause: cause}
}

func Config(format string, args ...any) *Error {
	return New(CodeConfig, http.StatusBadRequest, format, args...)
}

func Identity(format string, args ...any) *Error {
	return New(CodeIdentity, http.StatusInternalServerError, format, args...)
}

func MountVisibility(format string, args ...any) *Error {
	return New(CodeMountVisibility, http.StatusConflict, format, args...)
}

func NetworkReachability(format string, args ...any) *Error {
	return New(CodeNetworkReachability, http.StatusBadGateway, format, args...)
}

func CredentialResolution(format string, args ...any) *Error {
	return New(CodeCredentialResolution, http.StatusUnauthorized, format, args...)
}

func BadRequest(format string, args ...any) *Error {
	return New(CodeBadRequest, http.StatusBadRequest, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(CodeUnauthorized, http.StatusUnauthorized, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, http.StatusNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(CodeConflict, http.StatusConflict, format, args...)
}

func Upstream(format string, args ...any) *Error {
	return New(CodeUpstream, http.StatusBadGateway, format, args...)
}

// HTTPStatus resolves the status code for any error; non-hub errors map to 500.
func HTTPStatus(err error) int {
	var he *Error
	if errors.As(err, &he) {
		return he.Status
	}
	return http.StatusInternalServerError
}

// CodeOf resolves the stable code for any error.
func CodeOf(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Code
	}
	return CodeInternal
}

// DetailOf resolves the user-facing detail for any error.
func DetailOf(err error) string {
	var he *Error
	if errors.As(err, &he) {
		return he.Detail
	}
	return err.Error()
}
